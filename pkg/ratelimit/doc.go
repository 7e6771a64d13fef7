// Package ratelimit implements a fixed-window request counter keyed by
// arbitrary string identifiers.
//
// The limiter counts requests in discrete, non-overlapping windows. Each key
// gets its own window; when the window elapses the entry is replaced, never
// incremented. Being denied is an expected, displayable condition: Allow
// returns a Result carrying the remaining quota and the reset time so callers
// can explain the denial to the user.
//
// Common policies (login attempts, generic API calls, password resets) are
// exposed as named presets over the same primitive:
//
//	limiter := ratelimit.New(ratelimit.DefaultConfig(), slog.Default())
//	defer limiter.Stop()
//
//	res := limiter.AllowPolicy(ratelimit.LoginPolicy, email)
//	if !res.Allowed {
//	    // show res.Remaining / res.ResetAt to the user
//	}
//
// A background sweep removes entries whose window has elapsed to bound
// memory. Correctness never depends on the sweep: an expired entry is treated
// as absent regardless of sweep timing.
package ratelimit
