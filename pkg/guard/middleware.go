package guard

import (
	"net/http"
	"strings"
)

// Rule binds route requirements to a path prefix. The first matching rule
// wins; unmatched paths carry no requirements.
type Rule struct {
	// Prefix matches request paths by segment prefix ("/admin" matches
	// "/admin" and "/admin/users", not "/administrator").
	Prefix string

	Requirements Requirements
}

// defaultSkipPrefixes are never guarded: API routes, static assets, and
// the favicon.
var defaultSkipPrefixes = []string{
	"/api",
	"/static",
	"/assets",
	"/favicon.ico",
}

// MiddlewareConfig configures the edge middleware.
type MiddlewareConfig struct {
	// Rules map path prefixes to requirements, evaluated in order.
	Rules []Rule

	// SkipPrefixes lists paths excluded from guarding.
	// Default: /api, /static, /assets, /favicon.ico.
	SkipPrefixes []string
}

// Middleware enforces route decisions at the HTTP edge.
//
// Denied requests are redirected to the decision's target. Allowed
// members-only pages are stamped with no-store cache headers so a shared
// browser never replays an authenticated page from cache. While the session
// is still settling, members-only pages answer 503 with Retry-After and
// no-store rather than leaking the guarded page; pending public pages pass
// through.
func (g *Guard) Middleware(config MiddlewareConfig) func(http.Handler) http.Handler {
	skip := config.SkipPrefixes
	if skip == nil {
		skip = defaultSkipPrefixes
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			path := r.URL.Path
			for _, prefix := range skip {
				if matchesPrefix(path, prefix) {
					next.ServeHTTP(w, r)
					return
				}
			}

			rule, ok := matchRule(config.Rules, path)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			decision := g.Evaluate(rule.Requirements)
			switch decision.Status {
			case StatusDeny:
				http.Redirect(w, r, decision.Redirect, http.StatusSeeOther)
				return
			case StatusPending:
				if rule.Requirements.RequireAuth {
					setNoStore(w)
					w.Header().Set("Retry-After", "1")
					http.Error(w, "session settling, retry shortly", http.StatusServiceUnavailable)
					return
				}
			case StatusAllow:
				if rule.Requirements.RequireAuth {
					setNoStore(w)
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}

// matchRule returns the first rule whose prefix matches the path.
func matchRule(rules []Rule, path string) (Rule, bool) {
	for _, rule := range rules {
		if matchesPrefix(path, rule.Prefix) {
			return rule, true
		}
	}
	return Rule{}, false
}

// matchesPrefix matches whole path segments, so "/admin" does not match
// "/administrator".
func matchesPrefix(path, prefix string) bool {
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	if len(path) == len(prefix) {
		return true
	}
	return path[len(prefix)] == '/' || strings.HasSuffix(prefix, "/")
}

// setNoStore forbids caching of authenticated pages.
func setNoStore(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
}
