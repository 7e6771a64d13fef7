package ratelimit

import (
	"log/slog"
	"sync"
	"time"
)

// Limiter tracks fixed-window request counters keyed by identifier.
// It is safe for concurrent use.
type Limiter struct {
	mu sync.Mutex

	// Live entries by identifier.
	entries map[string]*entry

	// Configuration
	config Config

	// Logger
	logger *slog.Logger

	// Clock source; overrideable for tests.
	now func() time.Time

	// Lifecycle
	done    chan struct{}
	stopped bool
}

// entry is one fixed window for a single key.
type entry struct {
	count   int
	resetAt time.Time
}

// Config configures the limiter.
type Config struct {
	// CleanupInterval is how often expired entries are swept.
	// Default: 1 minute.
	CleanupInterval time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		CleanupInterval: 1 * time.Minute,
	}
}

// Result is the outcome of an Allow call.
type Result struct {
	// Allowed reports whether the request may proceed.
	Allowed bool

	// Remaining is the quota left in the current window.
	Remaining int

	// ResetAt is when the current window ends and the counter resets.
	ResetAt time.Time
}

// New creates a limiter and starts its background sweep.
func New(config Config, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = DefaultConfig().CleanupInterval
	}

	l := &Limiter{
		entries: make(map[string]*entry),
		config:  config,
		logger:  logger.With("component", "rate_limiter"),
		now:     time.Now,
		done:    make(chan struct{}),
	}

	go l.cleanupLoop()

	return l
}

// Allow records a request against the identifier's current window and
// reports whether it is within the maxRequests budget.
//
// A missing entry, or an entry whose window has elapsed, starts a fresh
// window with count 1. An exhausted window denies without mutating the
// entry, so ResetAt stays stable for callers computing wait time.
func (l *Limiter) Allow(identifier string, maxRequests int, window time.Duration) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()

	if maxRequests <= 0 {
		// A zero budget always denies. The reset time is the end of the
		// would-be window so the UI still has something to display.
		return Result{Allowed: false, Remaining: 0, ResetAt: now.Add(window)}
	}

	e, exists := l.entries[identifier]
	if !exists || now.After(e.resetAt) {
		// Expired entries are replaced, never incremented.
		e = &entry{count: 1, resetAt: now.Add(window)}
		l.entries[identifier] = e
		return Result{Allowed: true, Remaining: maxRequests - 1, ResetAt: e.resetAt}
	}

	if e.count < maxRequests {
		e.count++
		return Result{Allowed: true, Remaining: maxRequests - e.count, ResetAt: e.resetAt}
	}

	return Result{Allowed: false, Remaining: 0, ResetAt: e.resetAt}
}

// AllowPolicy applies a named policy to the given identifier.
func (l *Limiter) AllowPolicy(policy Policy, identifier string) Result {
	return l.Allow(policy.Key(identifier), policy.MaxRequests, policy.Window)
}

// Window is a read-only snapshot of one live entry.
type Window struct {
	// Count is the number of requests observed in the current window.
	Count int

	// ResetAt is when the window ends.
	ResetAt time.Time
}

// Peek returns the current window for the identifier without recording a
// request. Returns nil if there is no live entry.
func (l *Limiter) Peek(identifier string) *Window {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, exists := l.entries[identifier]
	if !exists || l.now().After(e.resetAt) {
		return nil
	}

	return &Window{Count: e.count, ResetAt: e.resetAt}
}

// Reset forgets the identifier's current window, if any.
// Called on successful login to clear the attempt counter.
func (l *Limiter) Reset(identifier string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, identifier)
}

// ResetPolicy forgets the window tracked under a named policy.
func (l *Limiter) ResetPolicy(policy Policy, identifier string) {
	l.Reset(policy.Key(identifier))
}

// Len returns the number of live entries. Expired entries awaiting the
// next sweep are included.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Stop terminates the background sweep. Safe to call more than once.
func (l *Limiter) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stopped {
		return
	}
	l.stopped = true
	close(l.done)
}

// cleanupLoop periodically removes entries whose window has elapsed.
// Removal only bounds memory; Allow treats expired entries as absent
// whether or not the sweep has run.
func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(l.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.sweep()
		case <-l.done:
			return
		}
	}
}

// sweep removes expired entries.
func (l *Limiter) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stopped {
		return
	}

	now := l.now()
	removed := 0
	for id, e := range l.entries {
		if now.After(e.resetAt) {
			delete(l.entries, id)
			removed++
		}
	}

	if removed > 0 {
		l.logger.Debug("swept expired rate limit entries",
			"removed", removed,
			"remaining", len(l.entries))
	}
}
