package csrf

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Protector is the client side of the double-submit handshake. It caches the
// token returned by GET /csrf-token in memory for attaching to mutating
// request headers. One Protector is shared process-wide; the token is a
// single value, not per-key.
type Protector struct {
	mu sync.Mutex

	baseURL string
	client  *http.Client
	logger  *slog.Logger

	// Cached token; empty until the first fetch.
	token string
}

// ProtectorOption configures a Protector.
type ProtectorOption func(*Protector)

// WithHTTPClient supplies the HTTP client used for token fetches. The client
// should carry a cookie jar so the double-submit cookie travels with
// subsequent requests.
func WithHTTPClient(client *http.Client) ProtectorOption {
	return func(p *Protector) {
		if client != nil {
			p.client = client
		}
	}
}

// NewProtector creates a protector fetching tokens from baseURL.
func NewProtector(baseURL string, logger *slog.Logger, opts ...ProtectorOption) *Protector {
	if logger == nil {
		logger = slog.Default()
	}

	p := &Protector{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
		logger:  logger.With("component", "csrf_protector"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Token returns the cached token, fetching one when absent.
func (p *Protector) Token(ctx context.Context) (string, error) {
	p.mu.Lock()
	if p.token != "" {
		token := p.token
		p.mu.Unlock()
		return token, nil
	}
	p.mu.Unlock()

	return p.fetch(ctx, false)
}

// Rotate discards the cached token and fetches a fresh one, forcing the
// server to issue a new value even if a cookie already exists. Used after
// suspected compromise or a verification failure.
func (p *Protector) Rotate(ctx context.Context) (string, error) {
	return p.fetch(ctx, true)
}

// Invalidate drops the cached token so the next Token call re-fetches.
func (p *Protector) Invalidate() {
	p.mu.Lock()
	p.token = ""
	p.mu.Unlock()
}

// Attach sets the token header on a mutating request.
func (p *Protector) Attach(req *http.Request) error {
	token, err := p.Token(req.Context())
	if err != nil {
		return err
	}
	req.Header.Set(HeaderName, token)
	return nil
}

// fetch performs the GET /csrf-token call and caches the result.
func (p *Protector) fetch(ctx context.Context, refresh bool) (string, error) {
	url := p.baseURL + "/csrf-token"
	if refresh {
		url += "?refresh=true"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("csrf: build token request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("csrf: fetch token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("csrf: token endpoint returned %d", resp.StatusCode)
	}

	var body issueResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("csrf: decode token response: %w", err)
	}
	if !body.Success || body.CSRFToken == "" {
		return "", fmt.Errorf("csrf: token endpoint returned no token")
	}

	p.mu.Lock()
	p.token = body.CSRFToken
	p.mu.Unlock()

	p.logger.Debug("csrf token cached", "refreshed", refresh)
	return body.CSRFToken, nil
}
