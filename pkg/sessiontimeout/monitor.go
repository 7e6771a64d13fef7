package sessiontimeout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State is the monitor's position in the countdown state machine.
type State int

const (
	// StateActive means remaining time is above the warning threshold.
	StateActive State = iota

	// StateWarning means the countdown crossed the threshold; the UI shows
	// a countdown prompt.
	StateWarning

	// StateExpired means logout has fired and the monitor stopped. Only
	// Restart, on a fresh login, leaves this state.
	StateExpired
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateWarning:
		return "warning"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Severity bands the remaining time for presentation only; it never affects
// the state machine.
type Severity string

// Severity bands.
const (
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// SeverityFor returns the presentation severity for the remaining time.
func SeverityFor(remaining time.Duration) Severity {
	switch {
	case remaining <= 60*time.Second:
		return SeverityCritical
	case remaining <= 180*time.Second:
		return SeverityHigh
	default:
		return SeverityMedium
	}
}

// Event is a snapshot of the countdown delivered to observers.
type Event struct {
	// State is the machine state at the time of the event.
	State State `json:"state"`

	// RemainingSeconds is the clamped countdown value.
	RemainingSeconds int `json:"remaining_seconds"`

	// Severity is the presentation band for RemainingSeconds.
	Severity Severity `json:"severity"`

	// WarningShown is true once the warning has been raised and not yet
	// cleared by activity.
	WarningShown bool `json:"warning_shown"`
}

// Refresher extends the backend session when the user asks to stay signed in.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// Config configures the monitor.
type Config struct {
	// SessionDuration is the inactivity budget before expiry.
	// Default: 30 minutes.
	SessionDuration time.Duration

	// WarningThreshold is how much remaining time triggers the warning.
	// Default: 5 minutes.
	WarningThreshold time.Duration

	// TickInterval is how often the countdown is re-evaluated.
	// Default: 1 second.
	TickInterval time.Duration

	// ActivityDebounce bounds how often activity events propagate to
	// observers. Rapid interaction (continuous mouse movement) still resets
	// the countdown on every event; only the notifications are throttled.
	// Default: 1 second.
	ActivityDebounce time.Duration

	// OnExpired is invoked exactly once when the countdown reaches zero or
	// an extension fails. It performs the forced logout (clearing the
	// session store).
	OnExpired func()
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		SessionDuration:  30 * time.Minute,
		WarningThreshold: 5 * time.Minute,
		TickInterval:     1 * time.Second,
		ActivityDebounce: 1 * time.Second,
	}
}

// ErrMonitorExpired is returned when operations are attempted on an expired
// monitor. Expiry holds until Restart is invoked for a fresh login.
var ErrMonitorExpired = errors.New("sessiontimeout: monitor expired")

// Monitor owns the countdown for one authenticated session.
// It is safe for concurrent use.
type Monitor struct {
	mu sync.Mutex

	config    Config
	refresher Refresher
	logger    *slog.Logger

	state        State
	lastActivity time.Time
	warningShown bool

	// Last observer notification driven by activity, for debouncing.
	lastActivityNotify time.Time

	// Registered observers by subscription ID.
	listeners map[int]func(Event)
	nextID    int

	// Clock source; overrideable for tests.
	now func() time.Time

	// Lifecycle
	done    chan struct{}
	stopped bool
}

// NewMonitor creates a monitor and starts its countdown timer.
func NewMonitor(config Config, refresher Refresher, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultConfig()
	if config.SessionDuration <= 0 {
		config.SessionDuration = defaults.SessionDuration
	}
	if config.WarningThreshold <= 0 {
		config.WarningThreshold = defaults.WarningThreshold
	}
	if config.TickInterval <= 0 {
		config.TickInterval = defaults.TickInterval
	}
	if config.ActivityDebounce <= 0 {
		config.ActivityDebounce = defaults.ActivityDebounce
	}

	m := &Monitor{
		config:    config,
		refresher: refresher,
		logger:    logger.With("component", "session_timeout"),
		state:     StateActive,
		now:       time.Now,
		listeners: make(map[int]func(Event)),
		done:      make(chan struct{}),
	}
	m.lastActivity = m.now()

	go m.run(m.done)

	return m
}

// Subscribe registers an observer for countdown events. The returned
// function removes the observer and is safe to call more than once.
func (m *Monitor) Subscribe(fn func(Event)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// Activity records a qualifying user interaction. Any qualifying event
// resets the countdown and clears the warning, regardless of countdown
// state. Non-qualifying kinds and events after expiry are ignored.
func (m *Monitor) Activity(kind ActivityKind) {
	if !Qualifies(kind) {
		return
	}

	m.mu.Lock()
	if m.state == StateExpired {
		m.mu.Unlock()
		return
	}

	now := m.now()
	m.lastActivity = now

	wasWarning := m.state == StateWarning
	m.state = StateActive
	m.warningShown = false

	// State changes always propagate; steady-state activity is debounced so
	// continuous mouse movement doesn't churn observers.
	notify := wasWarning || now.Sub(m.lastActivityNotify) >= m.config.ActivityDebounce
	var event Event
	var observers []func(Event)
	if notify {
		m.lastActivityNotify = now
		event = m.snapshotLocked(now)
		observers = m.collectListenersLocked()
	}
	m.mu.Unlock()

	for _, fn := range observers {
		fn(event)
	}
}

// ExtendSession resets the countdown to the full session duration after
// refreshing the token. If the refresh rejects, the monitor forces logout
// instead of silently extending a doomed session.
func (m *Monitor) ExtendSession(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateExpired {
		m.mu.Unlock()
		return ErrMonitorExpired
	}
	m.mu.Unlock()

	if m.refresher != nil {
		if err := m.refresher.Refresh(ctx); err != nil {
			m.logger.Warn("session extension refresh failed, forcing logout", "error", err)
			m.expire()
			return fmt.Errorf("extend session: %w", err)
		}
	}

	m.mu.Lock()
	if m.state == StateExpired {
		m.mu.Unlock()
		return ErrMonitorExpired
	}
	now := m.now()
	m.lastActivity = now
	m.state = StateActive
	m.warningShown = false
	event := m.snapshotLocked(now)
	observers := m.collectListenersLocked()
	m.mu.Unlock()

	m.logger.Debug("session extended")
	for _, fn := range observers {
		fn(event)
	}
	return nil
}

// Remaining returns the countdown value, clamped to zero.
func (m *Monitor) Remaining() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remainingLocked(m.now())
}

// State returns the current machine state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// WarningShown reports whether the warning has been raised and not cleared.
func (m *Monitor) WarningShown() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.warningShown
}

// Snapshot returns the current countdown event without waiting for a tick.
func (m *Monitor) Snapshot() Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked(m.now())
}

// Restart returns the monitor to service for a newly established session.
// The countdown begins again from the full session duration; if the timer
// loop had stopped (expiry or Stop), a new one starts. Observers stay
// registered across the restart and receive the fresh snapshot.
func (m *Monitor) Restart() {
	m.mu.Lock()
	now := m.now()
	m.state = StateActive
	m.warningShown = false
	m.lastActivity = now
	m.lastActivityNotify = time.Time{}
	if m.stopped {
		m.stopped = false
		m.done = make(chan struct{})
		go m.run(m.done)
	}
	event := m.snapshotLocked(now)
	observers := m.collectListenersLocked()
	m.mu.Unlock()

	m.logger.Debug("countdown restarted")
	for _, fn := range observers {
		fn(event)
	}
}

// Stop terminates the countdown timer. Safe to call more than once.
// Stopping does not fire logout; that only happens on expiry.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked()
}

// run is the repeating timer for one service interval of the monitor. The
// done channel is passed in rather than read from the struct so a loop
// outliving a Restart still sees its own closed channel and exits.
func (m *Monitor) run(done <-chan struct{}) {
	ticker := time.NewTicker(m.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.tick()
		case <-done:
			return
		}
	}
}

// tick advances the state machine from the current clock reading.
func (m *Monitor) tick() {
	m.mu.Lock()
	if m.state == StateExpired {
		m.mu.Unlock()
		return
	}

	now := m.now()
	remaining := m.remainingLocked(now)

	if remaining <= 0 {
		m.mu.Unlock()
		m.expire()
		return
	}

	var event Event
	var observers []func(Event)
	switch {
	case m.state == StateActive && remaining <= m.config.WarningThreshold:
		m.state = StateWarning
		m.warningShown = true
		event = m.snapshotLocked(now)
		observers = m.collectListenersLocked()
		m.logger.Debug("session timeout warning raised",
			"remaining_seconds", event.RemainingSeconds)
	case m.state == StateWarning:
		// Keep the countdown prompt current.
		event = m.snapshotLocked(now)
		observers = m.collectListenersLocked()
	}
	m.mu.Unlock()

	for _, fn := range observers {
		fn(event)
	}
}

// expire transitions to the terminal state, fires logout, and stops the
// timer. Invoked at countdown zero or when an extension fails.
func (m *Monitor) expire() {
	m.mu.Lock()
	if m.state == StateExpired {
		m.mu.Unlock()
		return
	}
	m.state = StateExpired
	m.warningShown = false
	event := Event{State: StateExpired, RemainingSeconds: 0, Severity: SeverityCritical}
	observers := m.collectListenersLocked()
	onExpired := m.config.OnExpired
	m.stopLocked()
	m.mu.Unlock()

	m.logger.Info("session expired, forcing logout")

	if onExpired != nil {
		onExpired()
	}
	for _, fn := range observers {
		fn(event)
	}
}

// remainingLocked computes the clamped countdown (must hold mu).
func (m *Monitor) remainingLocked(now time.Time) time.Duration {
	remaining := m.config.SessionDuration - now.Sub(m.lastActivity)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// snapshotLocked builds an observer event (must hold mu).
func (m *Monitor) snapshotLocked(now time.Time) Event {
	remaining := m.remainingLocked(now)
	return Event{
		State:            m.state,
		RemainingSeconds: int(remaining / time.Second),
		Severity:         SeverityFor(remaining),
		WarningShown:     m.warningShown,
	}
}

// collectListenersLocked snapshots observers in registration order (must
// hold mu).
func (m *Monitor) collectListenersLocked() []func(Event) {
	if len(m.listeners) == 0 {
		return nil
	}
	out := make([]func(Event), 0, len(m.listeners))
	for id := 0; id < m.nextID; id++ {
		if fn, ok := m.listeners[id]; ok {
			out = append(out, fn)
		}
	}
	return out
}

// stopLocked halts the timer loop (must hold mu).
func (m *Monitor) stopLocked() {
	if m.stopped {
		return
	}
	m.stopped = true
	close(m.done)
}
