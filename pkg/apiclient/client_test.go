package apiclient

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/talentdeck-dev/talentdeck/pkg/authstore"
	"github.com/talentdeck-dev/talentdeck/pkg/csrf"
	"github.com/talentdeck-dev/talentdeck/pkg/ratelimit"
)

func newTestClient(t *testing.T, baseURL string, refresh authstore.RefreshFunc, opts ...Option) (*Client, *authstore.Store) {
	t.Helper()

	store := authstore.New(slog.Default())
	store.Login("t1", &authstore.User{ID: "u-1", Role: authstore.RoleHR})

	if refresh == nil {
		refresh = func(ctx context.Context) (authstore.Credentials, error) {
			return authstore.Credentials{}, errors.New("no refresh in this test")
		}
	}
	coordinator := authstore.NewCoordinator(store, refresh, authstore.DefaultCoordinatorConfig(), slog.Default())

	c := New(store, coordinator, Config{
		BaseURL:              baseURL,
		RetryMaxAttempts:     2,
		RetryInitialInterval: time.Millisecond,
	}, slog.Default(), opts...)
	return c, store
}

// TestGetAttachesBearerToken tests that requests carry the store's token.
func TestGetAttachesBearerToken(t *testing.T) {
	var got atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.Store(r.Header.Get("Authorization"))
		w.Write([]byte(`{}`))
	}))
	t.Cleanup(srv.Close)

	c, _ := newTestClient(t, srv.URL, nil)
	if err := c.Get(context.Background(), "/jobs", nil); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Load() != "Bearer t1" {
		t.Errorf("Authorization = %q, want Bearer t1", got.Load())
	}
}

// TestRefreshAndRetryOn401 tests the full recovery path: an expired token
// triggers one refresh and one retry carrying the new token.
func TestRefreshAndRetryOn401(t *testing.T) {
	var refreshes atomic.Int32
	var tokens []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		tokens = append(tokens, auth)
		if auth != "Bearer t2" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(srv.Close)

	refresh := func(ctx context.Context) (authstore.Credentials, error) {
		refreshes.Add(1)
		return authstore.Credentials{
			AccessToken: "t2",
			User:        &authstore.User{ID: "u-1", Role: authstore.RoleHR},
		}, nil
	}

	c, store := newTestClient(t, srv.URL, refresh)

	var out struct {
		OK bool `json:"ok"`
	}
	if err := c.Get(context.Background(), "/jobs", &out); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !out.OK {
		t.Error("response not decoded")
	}

	if n := refreshes.Load(); n != 1 {
		t.Errorf("refresh called %d times, want 1", n)
	}
	if len(tokens) != 2 || tokens[0] != "Bearer t1" || tokens[1] != "Bearer t2" {
		t.Errorf("token sequence = %v", tokens)
	}
	if store.State().AccessToken != "t2" {
		t.Error("store not updated with refreshed token")
	}
}

// TestSecond401IsAuthExpired tests that a 401 after a successful refresh is
// not retried again.
func TestSecond401IsAuthExpired(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	refresh := func(ctx context.Context) (authstore.Credentials, error) {
		return authstore.Credentials{AccessToken: "t2", User: &authstore.User{ID: "u-1"}}, nil
	}

	c, _ := newTestClient(t, srv.URL, refresh)
	err := c.Get(context.Background(), "/jobs", nil)
	if !errors.Is(err, authstore.ErrAuthExpired) {
		t.Fatalf("err = %v, want ErrAuthExpired", err)
	}
	if n := hits.Load(); n != 2 {
		t.Errorf("backend hit %d times, want 2 (original + one retry)", n)
	}
}

// TestRefreshFailureClearsSession tests fail-closed behavior when the
// refresh itself is rejected.
func TestRefreshFailureClearsSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	refresh := func(ctx context.Context) (authstore.Credentials, error) {
		return authstore.Credentials{}, errors.New("refresh token revoked")
	}

	c, store := newTestClient(t, srv.URL, refresh)
	err := c.Get(context.Background(), "/jobs", nil)
	if !errors.Is(err, authstore.ErrAuthExpired) {
		t.Fatalf("err = %v, want ErrAuthExpired", err)
	}
	if store.State().Authenticated {
		t.Error("session still authenticated after failed refresh")
	}
}

// TestMutatingRequestRateLimited tests the client-side limiter gate.
func TestMutatingRequestRateLimited(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(`{}`))
	}))
	t.Cleanup(srv.Close)

	limiter := ratelimit.New(ratelimit.DefaultConfig(), slog.Default())
	t.Cleanup(limiter.Stop)

	// Exhaust the endpoint's window before the client touches it.
	for i := 0; i < ratelimit.APIPolicy.MaxRequests; i++ {
		limiter.AllowPolicy(ratelimit.APIPolicy, "/jobs")
	}

	c, _ := newTestClient(t, srv.URL, nil, WithRateLimiter(limiter))
	err := c.Post(context.Background(), "/jobs", map[string]string{"title": "SRE"}, nil)
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}

	var rle *RateLimitError
	if !errors.As(err, &rle) || rle.ResetAt.IsZero() {
		t.Error("denial does not carry a reset time")
	}
	if hits.Load() != 0 {
		t.Error("denied request reached the network")
	}

	// GETs are never limited.
	if err := c.Get(context.Background(), "/jobs", nil); err != nil {
		t.Errorf("Get failed: %v", err)
	}
}

// TestMutatingRequestCarriesCSRFToken tests CSRF header attachment on POST.
func TestMutatingRequestCarriesCSRFToken(t *testing.T) {
	issuer := csrf.NewHandler(csrf.DefaultHandlerConfig(), slog.Default())

	var got atomic.Value
	mux := http.NewServeMux()
	mux.HandleFunc("/csrf-token", issuer.Issue)
	mux.HandleFunc("/jobs", func(w http.ResponseWriter, r *http.Request) {
		got.Store(r.Header.Get(csrf.HeaderName))
		w.Write([]byte(`{}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	protector := csrf.NewProtector(srv.URL, slog.Default())
	c, _ := newTestClient(t, srv.URL, nil, WithCSRFProtector(protector))

	if err := c.Post(context.Background(), "/jobs", map[string]string{"title": "SRE"}, nil); err != nil {
		t.Fatalf("Post failed: %v", err)
	}
	token, _ := got.Load().(string)
	if token == "" {
		t.Error("no CSRF token header on mutating request")
	}
}

// TestNetworkErrorRetried tests that a dropped connection is retried and the
// exchange recovers.
func TestNetworkErrorRetried(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			// Kill the connection mid-exchange so the client sees a
			// network error rather than a status.
			conn, _, err := w.(http.Hijacker).Hijack()
			if err != nil {
				t.Fatalf("hijack failed: %v", err)
			}
			conn.Close()
			return
		}
		w.Write([]byte(`{}`))
	}))
	t.Cleanup(srv.Close)

	c, _ := newTestClient(t, srv.URL, nil)
	if err := c.Get(context.Background(), "/jobs", nil); err != nil {
		t.Fatalf("Get failed after retry: %v", err)
	}
	if n := attempts.Load(); n != 2 {
		t.Errorf("backend hit %d times, want 2", n)
	}
}

// TestStatusErrorSurfacesBody tests the catch-all error mapping.
func TestStatusErrorSurfacesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "conflict", http.StatusConflict)
	}))
	t.Cleanup(srv.Close)

	c, _ := newTestClient(t, srv.URL, nil)
	err := c.Get(context.Background(), "/jobs", nil)

	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *StatusError", err)
	}
	if se.Status != http.StatusConflict {
		t.Errorf("status = %d, want 409", se.Status)
	}
}
