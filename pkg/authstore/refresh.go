package authstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Error types for the token lifecycle.
var (
	// ErrAuthExpired is returned when a token is invalid or absent where one
	// is required. The session has been cleared; the caller should redirect
	// to login, not retry.
	ErrAuthExpired = errors.New("authstore: authentication expired")

	// ErrRefreshFailed is returned when a refresh attempt is rejected or
	// times out. Handled identically to ErrAuthExpired; the coordinator never
	// retries internally.
	ErrRefreshFailed = errors.New("authstore: token refresh failed")
)

// Credentials is what the backend issues on a successful refresh.
type Credentials struct {
	AccessToken string
	User        *User
}

// RefreshFunc performs the network call against the backend auth API.
// It must honor ctx cancellation.
type RefreshFunc func(ctx context.Context) (Credentials, error)

// CoordinatorConfig configures the refresh coordinator.
type CoordinatorConfig struct {
	// Timeout bounds each refresh network call.
	// Default: 30 seconds.
	Timeout time.Duration
}

// DefaultCoordinatorConfig returns a CoordinatorConfig with sensible defaults.
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		Timeout: 30 * time.Second,
	}
}

// Coordinator coalesces concurrent refresh requests into one network call.
//
// The in-flight attempt is an explicit future: callers arriving while a
// refresh is pending attach to it instead of observing a boolean flag, so
// there is no window where two callers both see "not refreshing" and start
// independent calls.
type Coordinator struct {
	mu sync.Mutex

	store   *Store
	refresh RefreshFunc
	config  CoordinatorConfig
	logger  *slog.Logger

	// Current in-flight attempt, nil when idle.
	inflight *refreshAttempt
}

// refreshAttempt is the shared future for one refresh cycle.
type refreshAttempt struct {
	done chan struct{}
	err  error
}

// NewCoordinator creates a refresh coordinator writing into store.
func NewCoordinator(store *Store, refresh RefreshFunc, config CoordinatorConfig, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultCoordinatorConfig().Timeout
	}
	return &Coordinator{
		store:   store,
		refresh: refresh,
		config:  config,
		logger:  logger.With("component", "refresh_coordinator"),
	}
}

// Refresh obtains a new access token and applies it to the store.
//
// If a refresh is already in flight the call awaits that attempt's outcome
// rather than issuing a second network call. On failure the session is
// cleared (fail closed) and all waiters receive ErrRefreshFailed. A caller
// whose ctx is cancelled stops waiting, but the underlying attempt runs to
// completion for the remaining waiters.
func (c *Coordinator) Refresh(ctx context.Context) error {
	c.mu.Lock()
	if attempt := c.inflight; attempt != nil {
		c.mu.Unlock()
		return c.await(ctx, attempt)
	}

	attempt := &refreshAttempt{done: make(chan struct{})}
	c.inflight = attempt

	refreshing := true
	c.store.SetAuth(Partial{Refreshing: &refreshing})
	c.mu.Unlock()

	go c.run(attempt)

	return c.await(ctx, attempt)
}

// run executes one refresh cycle and settles the attempt.
func (c *Coordinator) run(attempt *refreshAttempt) {
	ctx, cancel := context.WithTimeout(context.Background(), c.config.Timeout)
	defer cancel()

	start := time.Now()
	creds, err := c.refresh(ctx)

	if err != nil {
		// Network failure is treated identically to a rejected token:
		// clear the session rather than leave it authenticated-but-untrusted.
		c.logger.Warn("token refresh failed",
			"error", err,
			"elapsed", time.Since(start))
		c.store.ClearAuth()
		attempt.err = fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	} else {
		authed := true
		refreshing := false
		loading := false
		c.store.SetAuth(Partial{
			AccessToken:   &creds.AccessToken,
			User:          creds.User,
			Authenticated: &authed,
			Refreshing:    &refreshing,
			Loading:       &loading,
		})
		c.logger.Debug("token refreshed", "elapsed", time.Since(start))
	}

	c.mu.Lock()
	c.inflight = nil
	c.mu.Unlock()

	close(attempt.done)
}

// await blocks until the attempt settles or the caller's ctx is cancelled.
func (c *Coordinator) await(ctx context.Context, attempt *refreshAttempt) error {
	select {
	case <-attempt.done:
		return attempt.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
