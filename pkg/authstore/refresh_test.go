package authstore

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// TestRefreshSuccess tests that a successful refresh applies the new
// credentials and settles the refreshing flag.
func TestRefreshSuccess(t *testing.T) {
	store := New(slog.Default())
	store.Login("t1", testUser(RoleHR))

	coordinator := NewCoordinator(store, func(ctx context.Context) (Credentials, error) {
		return Credentials{AccessToken: "t2", User: testUser(RoleHR)}, nil
	}, DefaultCoordinatorConfig(), slog.Default())

	if err := coordinator.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	state := store.State()
	if state.AccessToken != "t2" {
		t.Errorf("AccessToken = %q, want %q", state.AccessToken, "t2")
	}
	if !state.Authenticated {
		t.Error("not authenticated after refresh")
	}
	if state.Refreshing {
		t.Error("refreshing flag still set after settled refresh")
	}
}

// TestRefreshCoalescesConcurrentCallers tests that N concurrent callers
// share exactly one network call and observe the same token.
func TestRefreshCoalescesConcurrentCallers(t *testing.T) {
	store := New(slog.Default())

	var calls, entered atomic.Int32
	release := make(chan struct{})
	coordinator := NewCoordinator(store, func(ctx context.Context) (Credentials, error) {
		calls.Add(1)
		<-release
		return Credentials{AccessToken: "t2", User: testUser(RoleHR)}, nil
	}, DefaultCoordinatorConfig(), slog.Default())

	const callers = 20
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			entered.Add(1)
			errs[i] = coordinator.Refresh(context.Background())
		}(i)
	}

	// Let every caller attach to the in-flight attempt, then release it.
	waitForRefreshing(t, store)
	for entered.Load() < callers {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := calls.Load(); n != 1 {
		t.Errorf("network calls = %d, want 1", n)
	}
	for i, err := range errs {
		if err != nil {
			t.Errorf("caller %d: %v", i, err)
		}
	}
	if got := store.State().AccessToken; got != "t2" {
		t.Errorf("AccessToken = %q, want %q", got, "t2")
	}
}

// TestRefreshFailureFailsClosed tests that any refresh failure clears the
// session and surfaces ErrRefreshFailed to all waiters.
func TestRefreshFailureFailsClosed(t *testing.T) {
	store := New(slog.Default())
	store.Login("t1", testUser(RoleHR))

	coordinator := NewCoordinator(store, func(ctx context.Context) (Credentials, error) {
		return Credentials{}, errors.New("backend said no")
	}, DefaultCoordinatorConfig(), slog.Default())

	err := coordinator.Refresh(context.Background())
	if !errors.Is(err, ErrRefreshFailed) {
		t.Fatalf("err = %v, want ErrRefreshFailed", err)
	}

	state := store.State()
	if state.Authenticated || state.AccessToken != "" || state.User != nil {
		t.Errorf("session not cleared after failed refresh: %+v", state)
	}
}

// TestRefreshTimeout tests that a hung backend call is treated as failure.
func TestRefreshTimeout(t *testing.T) {
	store := New(slog.Default())
	store.Login("t1", testUser(RoleHR))

	config := CoordinatorConfig{Timeout: 20 * time.Millisecond}
	coordinator := NewCoordinator(store, func(ctx context.Context) (Credentials, error) {
		<-ctx.Done()
		return Credentials{}, ctx.Err()
	}, config, slog.Default())

	err := coordinator.Refresh(context.Background())
	if !errors.Is(err, ErrRefreshFailed) {
		t.Fatalf("err = %v, want ErrRefreshFailed", err)
	}
	if store.State().Authenticated {
		t.Error("session survived a timed-out refresh")
	}
}

// TestRefreshCallerCancellation tests that a cancelled waiter detaches while
// the in-flight attempt completes for the others.
func TestRefreshCallerCancellation(t *testing.T) {
	store := New(slog.Default())

	release := make(chan struct{})
	coordinator := NewCoordinator(store, func(ctx context.Context) (Credentials, error) {
		<-release
		return Credentials{AccessToken: "t2", User: testUser(RoleHR)}, nil
	}, DefaultCoordinatorConfig(), slog.Default())

	first := make(chan error, 1)
	go func() { first <- coordinator.Refresh(context.Background()) }()
	waitForRefreshing(t, store)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := coordinator.Refresh(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled waiter err = %v, want context.Canceled", err)
	}

	close(release)
	if err := <-first; err != nil {
		t.Fatalf("first caller err = %v", err)
	}
	if got := store.State().AccessToken; got != "t2" {
		t.Errorf("AccessToken = %q, want %q", got, "t2")
	}
}

// TestRefreshNewCycleAfterSettle tests that a refresh after settlement
// starts a fresh network call.
func TestRefreshNewCycleAfterSettle(t *testing.T) {
	store := New(slog.Default())

	var calls atomic.Int32
	coordinator := NewCoordinator(store, func(ctx context.Context) (Credentials, error) {
		n := calls.Add(1)
		return Credentials{AccessToken: "t" + string(rune('0'+n)), User: testUser(RoleHR)}, nil
	}, DefaultCoordinatorConfig(), slog.Default())

	if err := coordinator.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := coordinator.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}

	if n := calls.Load(); n != 2 {
		t.Errorf("network calls = %d, want 2", n)
	}
}

// waitForRefreshing blocks until the store reports an in-flight refresh.
func waitForRefreshing(t *testing.T, store *Store) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if store.State().Refreshing {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("store never entered the refreshing state")
}
