package talentdeck

import (
	"fmt"
	"log/slog"
	"net/url"

	"github.com/talentdeck-dev/talentdeck/pkg/apiclient"
	"github.com/talentdeck-dev/talentdeck/pkg/authstore"
	"github.com/talentdeck-dev/talentdeck/pkg/csrf"
	"github.com/talentdeck-dev/talentdeck/pkg/guard"
	"github.com/talentdeck-dev/talentdeck/pkg/ratelimit"
	"github.com/talentdeck-dev/talentdeck/pkg/sessionfeed"
	"github.com/talentdeck-dev/talentdeck/pkg/sessiontimeout"
)

// Config is the main application configuration.
// This is the user-friendly entry point for configuring the session layer.
type Config struct {
	// Addr is the listen address. Default: ":8080".
	Addr string

	// BackendURL is the TalentDeck API origin the session layer talks to
	// for login, refresh, and data calls. Required.
	BackendURL string

	// Refresh configures the token refresh coordinator.
	Refresh authstore.CoordinatorConfig

	// Timeout configures the inactivity monitor.
	Timeout sessiontimeout.Config

	// RateLimit configures the client-side limiter.
	RateLimit ratelimit.Config

	// CSRF configures the double-submit handshake endpoints.
	CSRF csrf.HandlerConfig

	// Guard configures route-guard redirect targets.
	Guard guard.Config

	// Rules are the guarded route prefixes applied at the HTTP edge.
	// Default: members-only /dashboard, /candidates, /jobs and /reports,
	// admin-only /admin, public-only /login and /register.
	Rules []guard.Rule

	// Feed configures the session-countdown WebSocket.
	Feed sessionfeed.Config

	// Client configures the outbound API client. BaseURL is derived from
	// BackendURL and need not be set.
	Client apiclient.Config

	// MetricsNamespace overrides the Prometheus namespace.
	// Default: "talentdeck".
	MetricsNamespace string

	// Tracing enables the OpenTelemetry middleware over the HTTP surface.
	Tracing bool

	// Logger is the structured logger for the application.
	// If nil, slog.Default() is used.
	Logger *slog.Logger
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Addr:             ":8080",
		Refresh:          authstore.DefaultCoordinatorConfig(),
		Timeout:          sessiontimeout.DefaultConfig(),
		RateLimit:        ratelimit.DefaultConfig(),
		CSRF:             csrf.DefaultHandlerConfig(),
		Guard:            guard.DefaultConfig(),
		Rules:            DefaultRules(),
		Feed:             sessionfeed.DefaultConfig(),
		Client:           apiclient.DefaultConfig(),
		MetricsNamespace: "talentdeck",
	}
}

// DefaultRules returns the dashboard's standard route requirements.
func DefaultRules() []guard.Rule {
	return []guard.Rule{
		{Prefix: "/admin", Requirements: guard.Requirements{
			RequireAuth: true,
			Roles:       []authstore.Role{authstore.RoleAdmin, authstore.RoleOrgAdmin},
		}},
		{Prefix: "/jobs", Requirements: guard.Requirements{
			RequireAuth: true,
			Permissions: []authstore.Permission{authstore.PermissionJobsView},
		}},
		{Prefix: "/candidates", Requirements: guard.Requirements{
			RequireAuth: true,
			Permissions: []authstore.Permission{authstore.PermissionCandidatesView},
		}},
		{Prefix: "/reports", Requirements: guard.Requirements{
			RequireAuth: true,
			Permissions: []authstore.Permission{authstore.PermissionReportsView},
		}},
		{Prefix: "/dashboard", Requirements: guard.Requirements{RequireAuth: true}},
		{Prefix: "/login", Requirements: guard.Requirements{RequireAuth: false}},
		{Prefix: "/register", Requirements: guard.Requirements{RequireAuth: false}},
	}
}

// Validate checks the configuration for values New cannot default.
func (c Config) Validate() error {
	if c.BackendURL == "" {
		return fmt.Errorf("config: BackendURL is required")
	}
	u, err := url.Parse(c.BackendURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("config: BackendURL %q is not an absolute URL", c.BackendURL)
	}
	return nil
}
