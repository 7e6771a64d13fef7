package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/talentdeck-dev/talentdeck/pkg/authstore"
	"github.com/talentdeck-dev/talentdeck/pkg/csrf"
	"github.com/talentdeck-dev/talentdeck/pkg/ratelimit"
)

// ErrRateLimited is returned when the client-side limiter denies a request
// before it reaches the network. The wrapped RateLimitError carries the
// window reset time.
var ErrRateLimited = errors.New("apiclient: rate limited")

// RateLimitError reports a denied request and when the window resets.
type RateLimitError struct {
	Endpoint string
	ResetAt  time.Time
}

// Error implements the error interface.
func (e *RateLimitError) Error() string {
	return fmt.Sprintf("apiclient: rate limited on %s, resets at %s", e.Endpoint, e.ResetAt.Format(time.RFC3339))
}

// Unwrap makes the error match ErrRateLimited via errors.Is.
func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// StatusError reports a non-2xx response that carried no more specific
// meaning for the session layer.
type StatusError struct {
	Status int
	Body   string
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	return fmt.Sprintf("apiclient: backend returned %d", e.Status)
}

// Config configures the client.
type Config struct {
	// BaseURL is the backend API origin, without a trailing slash.
	BaseURL string

	// Timeout bounds each HTTP exchange. Default: 30 seconds.
	Timeout time.Duration

	// RetryMaxAttempts bounds network-error retries per exchange.
	// Default: 3.
	RetryMaxAttempts int

	// RetryInitialInterval seeds the exponential backoff.
	// Default: 100ms.
	RetryInitialInterval time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:              30 * time.Second,
		RetryMaxAttempts:     3,
		RetryInitialInterval: 100 * time.Millisecond,
	}
}

// Client issues authenticated requests against the backend API.
// It is safe for concurrent use.
type Client struct {
	store       *authstore.Store
	coordinator *authstore.Coordinator
	limiter     *ratelimit.Limiter
	protector   *csrf.Protector

	http   *http.Client
	config Config
	logger *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client. A client with a cookie
// jar lets the double-submit cookie travel alongside the token header.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithCSRFProtector attaches a protector whose token is sent on every
// mutating request. Nil disables CSRF attachment.
func WithCSRFProtector(p *csrf.Protector) Option {
	return func(c *Client) { c.protector = p }
}

// WithRateLimiter attaches a limiter that mutating requests must pass
// before reaching the network. Nil disables client-side limiting.
func WithRateLimiter(l *ratelimit.Limiter) Option {
	return func(c *Client) { c.limiter = l }
}

// New creates a client reading credentials from store and refreshing them
// through coordinator.
func New(store *authstore.Store, coordinator *authstore.Coordinator, config Config, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultConfig()
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.RetryMaxAttempts <= 0 {
		config.RetryMaxAttempts = defaults.RetryMaxAttempts
	}
	if config.RetryInitialInterval <= 0 {
		config.RetryInitialInterval = defaults.RetryInitialInterval
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")

	c := &Client{
		store:       store,
		coordinator: coordinator,
		http:        &http.Client{Timeout: config.Timeout},
		config:      config,
		logger:      logger.With("component", "api_client"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get issues a GET and decodes the JSON response into out (skipped when out
// is nil).
func (c *Client) Get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

// Post issues a POST with a JSON body and decodes the response into out.
func (c *Client) Post(ctx context.Context, path string, in, out any) error {
	return c.do(ctx, http.MethodPost, path, in, out)
}

// Put issues a PUT with a JSON body and decodes the response into out.
func (c *Client) Put(ctx context.Context, path string, in, out any) error {
	return c.do(ctx, http.MethodPut, path, in, out)
}

// Delete issues a DELETE and decodes the response into out.
func (c *Client) Delete(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodDelete, path, nil, out)
}

// mutating reports whether the method changes server state and therefore
// needs rate limiting and a CSRF token.
func mutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// do runs the full request lifecycle: limit, send, refresh-and-retry on 401,
// decode.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	if mutating(method) && c.limiter != nil {
		result := c.limiter.AllowPolicy(ratelimit.APIPolicy, path)
		if !result.Allowed {
			c.logger.Warn("request denied by client-side limiter",
				"method", method,
				"path", path,
				"reset_at", result.ResetAt)
			return &RateLimitError{Endpoint: path, ResetAt: result.ResetAt}
		}
	}

	var body []byte
	if in != nil {
		var err error
		body, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("apiclient: encode request body: %w", err)
		}
	}

	resp, err := c.exchange(ctx, method, path, body)
	if err != nil {
		return err
	}

	if resp.StatusCode == http.StatusUnauthorized {
		drain(resp)

		// One refresh, one retry. A refresh failure already cleared the
		// session; surface it as an expired-auth condition either way.
		if err := c.coordinator.Refresh(ctx); err != nil {
			return fmt.Errorf("%w: refresh after 401: %v", authstore.ErrAuthExpired, err)
		}
		c.logger.Debug("retrying after token refresh", "method", method, "path", path)

		resp, err = c.exchange(ctx, method, path, body)
		if err != nil {
			return err
		}
		if resp.StatusCode == http.StatusUnauthorized {
			drain(resp)
			return authstore.ErrAuthExpired
		}
	}

	if resp.StatusCode == http.StatusForbidden && mutating(method) && c.protector != nil {
		// The server may have rotated the CSRF cookie under us. Drop the
		// stale cached token so the next call re-fetches; this call fails.
		c.protector.Invalidate()
	}

	return decode(resp, out)
}

// exchange performs one HTTP exchange, retrying network errors with
// exponential backoff. Any received response stops the retry loop.
func (c *Client) exchange(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.config.RetryInitialInterval

	var resp *http.Response
	op := func() error {
		req, err := c.newRequest(ctx, method, path, body)
		if err != nil {
			return backoff.Permanent(err)
		}

		r, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			c.logger.Debug("network error, will retry", "method", method, "path", path, "error", err)
			return err
		}
		resp = r
		return nil
	}

	err := backoff.Retry(op, backoff.WithContext(
		backoff.WithMaxRetries(policy, uint64(c.config.RetryMaxAttempts-1)), ctx))
	if err != nil {
		return nil, fmt.Errorf("apiclient: %s %s: %w", method, path, err)
	}
	return resp, nil
}

// newRequest builds one attempt's request with fresh auth and CSRF headers.
// Headers are re-read per attempt so a retry after refresh carries the new
// token.
func (c *Client) newRequest(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("apiclient: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if token := c.store.State().AccessToken; token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	if mutating(method) && c.protector != nil {
		if err := c.protector.Attach(req); err != nil {
			return nil, fmt.Errorf("apiclient: attach csrf token: %w", err)
		}
	}

	return req, nil
}

// decode consumes the response body into out and maps error statuses.
func decode(resp *http.Response, out any) error {
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Status: resp.StatusCode, Body: string(raw)}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("apiclient: decode response: %w", err)
	}
	return nil
}

// drain discards and closes a response body so the connection can be reused.
func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}
