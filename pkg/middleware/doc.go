// Package middleware provides HTTP observability middleware for the
// session-security surface: Prometheus metrics and OpenTelemetry tracing.
//
// Both middlewares are plain func(http.Handler) http.Handler and compose
// with chi routers. The Metrics type additionally exposes recorders for the
// security-specific counters (refresh outcomes, rate-limit denials, CSRF
// failures, session expiries) so the non-HTTP components can report into
// the same registry.
package middleware
