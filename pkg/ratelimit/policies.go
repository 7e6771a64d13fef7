package ratelimit

import "time"

// Policy is a named rate limit preset. Policies are configuration over the
// fixed-window primitive, not separate algorithms.
type Policy struct {
	// Name prefixes the identifier so policies never share windows.
	Name string

	// MaxRequests is the budget per window.
	MaxRequests int

	// Window is the fixed window length.
	Window time.Duration
}

// Key returns the limiter key for an identifier under this policy.
func (p Policy) Key(identifier string) string {
	return p.Name + ":" + identifier
}

// Standard policies.
var (
	// LoginPolicy limits login attempts per email address.
	LoginPolicy = Policy{Name: "login", MaxRequests: 5, Window: 15 * time.Minute}

	// APIPolicy limits generic API calls per endpoint.
	APIPolicy = Policy{Name: "api", MaxRequests: 100, Window: 1 * time.Minute}

	// PasswordResetPolicy limits password reset requests per email address.
	PasswordResetPolicy = Policy{Name: "password_reset", MaxRequests: 3, Window: 1 * time.Hour}
)
