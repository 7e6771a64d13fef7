package ratelimit

import (
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// newTestLimiter returns a limiter with a controllable clock and the
// background sweep effectively disabled.
func newTestLimiter(t *testing.T) (*Limiter, *time.Time) {
	t.Helper()

	config := DefaultConfig()
	config.CleanupInterval = 1 * time.Hour

	l := New(config, slog.Default())
	t.Cleanup(l.Stop)

	now := time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	return l, &now
}

// TestAllowWithinBudget tests that requests within the budget are allowed
// with a decreasing remaining count.
func TestAllowWithinBudget(t *testing.T) {
	l, _ := newTestLimiter(t)

	for i := 0; i < 5; i++ {
		res := l.Allow("login:user@example.com", 5, 15*time.Minute)
		if !res.Allowed {
			t.Fatalf("request %d denied, want allowed", i+1)
		}
		if res.Remaining != 4-i {
			t.Errorf("request %d: Remaining = %d, want %d", i+1, res.Remaining, 4-i)
		}
	}
}

// TestAllowExhaustedWindow tests that the (M+1)-th call within the window
// is denied and that ResetAt stays stable while denied.
func TestAllowExhaustedWindow(t *testing.T) {
	l, now := newTestLimiter(t)

	var resetAt time.Time
	for i := 0; i < 5; i++ {
		resetAt = l.Allow("k", 5, time.Minute).ResetAt
	}

	*now = now.Add(30 * time.Second)

	res := l.Allow("k", 5, time.Minute)
	if res.Allowed {
		t.Fatal("6th request allowed, want denied")
	}
	if res.Remaining != 0 {
		t.Errorf("Remaining = %d, want 0", res.Remaining)
	}
	if !res.ResetAt.Equal(resetAt) {
		t.Errorf("ResetAt changed on denial: %v, want %v", res.ResetAt, resetAt)
	}
}

// TestAllowAfterReset tests that a call just past the reset time starts a
// fresh window.
func TestAllowAfterReset(t *testing.T) {
	l, now := newTestLimiter(t)

	for i := 0; i < 6; i++ {
		l.Allow("k", 5, time.Minute)
	}

	*now = now.Add(time.Minute + time.Millisecond)

	res := l.Allow("k", 5, time.Minute)
	if !res.Allowed {
		t.Fatal("request after reset denied, want allowed")
	}
	if res.Remaining != 4 {
		t.Errorf("Remaining = %d, want 4", res.Remaining)
	}
}

// TestAllowZeroBudget tests that maxRequests = 0 always denies.
func TestAllowZeroBudget(t *testing.T) {
	l, _ := newTestLimiter(t)

	res := l.Allow("k", 0, time.Minute)
	if res.Allowed {
		t.Error("zero budget allowed a request")
	}
	if res.Remaining != 0 {
		t.Errorf("Remaining = %d, want 0", res.Remaining)
	}
}

// TestKeysAreIndependent tests that exhausting one key does not affect another.
func TestKeysAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(t)

	for i := 0; i < 5; i++ {
		l.Allow("a", 5, time.Minute)
	}
	if l.Allow("a", 5, time.Minute).Allowed {
		t.Fatal("exhausted key allowed")
	}
	if !l.Allow("b", 5, time.Minute).Allowed {
		t.Error("independent key denied")
	}
}

// TestPeekDoesNotMutate tests that Peek never consumes quota.
func TestPeekDoesNotMutate(t *testing.T) {
	l, _ := newTestLimiter(t)

	l.Allow("k", 5, time.Minute)
	for i := 0; i < 10; i++ {
		if w := l.Peek("k"); w == nil || w.Count != 1 {
			t.Fatalf("Peek %d: got %+v, want count 1", i, w)
		}
	}

	res := l.Allow("k", 5, time.Minute)
	if res.Remaining != 3 {
		t.Errorf("Remaining after peeks = %d, want 3", res.Remaining)
	}
}

// TestPeekExpiredEntry tests that Peek treats expired entries as absent
// even before the sweep runs.
func TestPeekExpiredEntry(t *testing.T) {
	l, now := newTestLimiter(t)

	l.Allow("k", 5, time.Minute)
	*now = now.Add(2 * time.Minute)

	if w := l.Peek("k"); w != nil {
		t.Errorf("Peek after expiry = %+v, want nil", w)
	}
}

// TestReset tests that Reset clears the attempt counter for a key.
func TestReset(t *testing.T) {
	l, _ := newTestLimiter(t)

	for i := 0; i < 5; i++ {
		l.AllowPolicy(LoginPolicy, "user@example.com")
	}
	if l.AllowPolicy(LoginPolicy, "user@example.com").Allowed {
		t.Fatal("exhausted login key allowed")
	}

	l.ResetPolicy(LoginPolicy, "user@example.com")

	if !l.AllowPolicy(LoginPolicy, "user@example.com").Allowed {
		t.Error("login denied after reset")
	}
}

// TestPolicyKeysDoNotCollide tests that policies namespace their identifiers.
func TestPolicyKeysDoNotCollide(t *testing.T) {
	l, _ := newTestLimiter(t)

	for i := 0; i < 5; i++ {
		l.AllowPolicy(LoginPolicy, "user@example.com")
	}

	// Same identifier under a different policy gets its own window.
	if !l.AllowPolicy(PasswordResetPolicy, "user@example.com").Allowed {
		t.Error("password reset shared the login window")
	}
}

// TestSweepBoundsMemory tests that the sweep removes expired entries.
func TestSweepBoundsMemory(t *testing.T) {
	l, now := newTestLimiter(t)

	for i := 0; i < 100; i++ {
		l.Allow(fmt.Sprintf("k%d", i), 5, time.Minute)
	}
	if l.Len() != 100 {
		t.Fatalf("Len = %d, want 100", l.Len())
	}

	*now = now.Add(2 * time.Minute)
	l.sweep()

	if l.Len() != 0 {
		t.Errorf("Len after sweep = %d, want 0", l.Len())
	}
}

// TestStopIdempotent tests that Stop can be called more than once.
func TestStopIdempotent(t *testing.T) {
	l := New(DefaultConfig(), slog.Default())
	l.Stop()
	l.Stop()
}

// TestConcurrentAllow tests that concurrent calls for the same key never
// exceed the budget.
func TestConcurrentAllow(t *testing.T) {
	l, _ := newTestLimiter(t)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Allow("k", 10, time.Minute).Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed != 10 {
		t.Errorf("allowed = %d, want exactly 10", allowed)
	}
}
