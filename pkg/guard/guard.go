package guard

import (
	"fmt"
	"strings"
	"sync"

	"github.com/talentdeck-dev/talentdeck/pkg/authstore"
)

// Status is the outcome class of an authorization decision.
type Status int

const (
	// StatusPending means auth is not yet initialized; the caller should
	// show a loading state, not redirect.
	StatusPending Status = iota

	// StatusAllow admits the route.
	StatusAllow

	// StatusDeny rejects the route; Decision.Redirect names where to send
	// the user and Decision.Reason says why.
	StatusDeny
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusAllow:
		return "allow"
	case StatusDeny:
		return "deny"
	default:
		return "unknown"
	}
}

// Requirements describes what a route demands of the session.
type Requirements struct {
	// RequireAuth marks the route as members-only. Routes with RequireAuth
	// false are public-only pages (login, register): an authenticated user
	// is redirected away from them.
	RequireAuth bool

	// Roles admits users holding at least one listed role (OR semantics).
	Roles []authstore.Role

	// Permissions admits users holding at least one listed permission
	// (OR semantics). When both lists are present, each must be satisfied.
	Permissions []authstore.Permission
}

// Decision is the result of evaluating a route against the session.
type Decision struct {
	Status Status

	// Redirect is the target path for denied routes.
	Redirect string

	// Reason explains a denial for diagnostics.
	Reason string
}

// Config configures the guard's redirect targets.
type Config struct {
	// LoginPath receives unauthenticated users. Default: "/login".
	LoginPath string

	// HomePath receives authenticated users leaving public-only pages.
	// Default: "/dashboard".
	HomePath string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		LoginPath: "/login",
		HomePath:  "/dashboard",
	}
}

// Guard evaluates route requirements against a session store.
type Guard struct {
	store  *authstore.Store
	config Config
}

// New creates a guard reading from store.
func New(store *authstore.Store, config Config) *Guard {
	defaults := DefaultConfig()
	if config.LoginPath == "" {
		config.LoginPath = defaults.LoginPath
	}
	if config.HomePath == "" {
		config.HomePath = defaults.HomePath
	}
	return &Guard{store: store, config: config}
}

// Evaluate decides the route against the store's current snapshot.
func (g *Guard) Evaluate(req Requirements) Decision {
	return EvaluateState(g.store.State(), req, g.config)
}

// EvaluateState is the pure decision function.
func EvaluateState(state authstore.State, req Requirements, config Config) Decision {
	if state.Loading {
		return Decision{Status: StatusPending}
	}

	if req.RequireAuth && !state.Authenticated {
		return Decision{
			Status:   StatusDeny,
			Redirect: config.LoginPath,
			Reason:   "authentication required",
		}
	}

	if !req.RequireAuth {
		if state.Authenticated {
			return Decision{
				Status:   StatusDeny,
				Redirect: config.HomePath,
				Reason:   "page is public-only",
			}
		}
		return Decision{Status: StatusAllow}
	}

	if len(req.Roles) > 0 && !hasAnyRole(state.User, req.Roles) {
		return Decision{
			Status:   StatusDeny,
			Redirect: config.HomePath,
			Reason:   fmt.Sprintf("missing required role: need one of [%s]", joinRoles(req.Roles)),
		}
	}

	if len(req.Permissions) > 0 && !hasAnyPermission(state.User, req.Permissions) {
		return Decision{
			Status:   StatusDeny,
			Redirect: config.HomePath,
			Reason:   fmt.Sprintf("missing required permission: need one of [%s]", joinPermissions(req.Permissions)),
		}
	}

	return Decision{Status: StatusAllow}
}

// Watch re-evaluates the requirements on every store mutation and invokes
// fn with the initial decision and each subsequent change. The returned
// function stops watching and must be called on teardown.
func (g *Guard) Watch(req Requirements, fn func(Decision)) (stop func()) {
	var mu sync.Mutex
	last := g.Evaluate(req)
	fn(last)

	unsubscribe := g.store.Subscribe(func(state authstore.State) {
		decision := EvaluateState(state, req, g.config)
		mu.Lock()
		changed := decision != last
		if changed {
			last = decision
		}
		mu.Unlock()
		if changed {
			fn(decision)
		}
	})
	return unsubscribe
}

func hasAnyRole(user *authstore.User, roles []authstore.Role) bool {
	if user == nil {
		return false
	}
	for _, role := range roles {
		if user.Role == role {
			return true
		}
	}
	return false
}

func hasAnyPermission(user *authstore.User, permissions []authstore.Permission) bool {
	if user == nil {
		return false
	}
	for _, permission := range permissions {
		if authstore.RoleHasPermission(user.Role, permission) {
			return true
		}
	}
	return false
}

func joinRoles(roles []authstore.Role) string {
	parts := make([]string, len(roles))
	for i, r := range roles {
		parts[i] = string(r)
	}
	return strings.Join(parts, ", ")
}

func joinPermissions(permissions []authstore.Permission) string {
	parts := make([]string, len(permissions))
	for i, p := range permissions {
		parts[i] = string(p)
	}
	return strings.Join(parts, ", ")
}
