package csrf

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

// newIssuingServer returns a test server running the real Issue handler and
// a counter of issuance hits.
func newIssuingServer(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()

	h := NewHandler(DefaultHandlerConfig(), slog.Default())
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		h.Issue(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

// TestProtectorCachesToken tests that the token is fetched once and reused.
func TestProtectorCachesToken(t *testing.T) {
	srv, hits := newIssuingServer(t)
	p := NewProtector(srv.URL, slog.Default())

	first, err := p.Token(context.Background())
	if err != nil {
		t.Fatalf("Token failed: %v", err)
	}
	second, err := p.Token(context.Background())
	if err != nil {
		t.Fatalf("Token failed: %v", err)
	}

	if first != second {
		t.Error("cached token changed between calls")
	}
	if n := hits.Load(); n != 1 {
		t.Errorf("endpoint hit %d times, want 1", n)
	}
}

// TestProtectorRotate tests forced rotation.
func TestProtectorRotate(t *testing.T) {
	srv, _ := newIssuingServer(t)
	p := NewProtector(srv.URL, slog.Default())

	first, err := p.Token(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	rotated, err := p.Rotate(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if rotated == first {
		t.Error("Rotate returned the cached token")
	}

	// The rotated token becomes the cached one.
	current, _ := p.Token(context.Background())
	if current != rotated {
		t.Error("rotation did not replace the cache")
	}
}

// TestProtectorInvalidate tests that Invalidate triggers a re-fetch.
func TestProtectorInvalidate(t *testing.T) {
	srv, hits := newIssuingServer(t)
	p := NewProtector(srv.URL, slog.Default())

	if _, err := p.Token(context.Background()); err != nil {
		t.Fatal(err)
	}
	p.Invalidate()
	if _, err := p.Token(context.Background()); err != nil {
		t.Fatal(err)
	}

	if n := hits.Load(); n != 2 {
		t.Errorf("endpoint hit %d times, want 2", n)
	}
}

// TestProtectorAttach tests header attachment on an outbound request.
func TestProtectorAttach(t *testing.T) {
	srv, _ := newIssuingServer(t)
	p := NewProtector(srv.URL, slog.Default())

	req := httptest.NewRequest(http.MethodPost, "/jobs", nil)
	if err := p.Attach(req); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	if req.Header.Get(HeaderName) == "" {
		t.Error("no token header attached")
	}
}

// TestProtectorFetchError tests that backend failure surfaces an error.
func TestProtectorFetchError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	p := NewProtector(srv.URL, slog.Default())
	if _, err := p.Token(context.Background()); err == nil {
		t.Error("Token succeeded against a failing endpoint")
	}
}
