package talentdeck

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/talentdeck-dev/talentdeck/pkg/apiclient"
	"github.com/talentdeck-dev/talentdeck/pkg/authstore"
	"github.com/talentdeck-dev/talentdeck/pkg/csrf"
	"github.com/talentdeck-dev/talentdeck/pkg/guard"
	"github.com/talentdeck-dev/talentdeck/pkg/middleware"
	"github.com/talentdeck-dev/talentdeck/pkg/ratelimit"
	"github.com/talentdeck-dev/talentdeck/pkg/sessionfeed"
	"github.com/talentdeck-dev/talentdeck/pkg/sessiontimeout"
)

// ErrInvalidCredentials is returned when the backend rejects a login.
var ErrInvalidCredentials = errors.New("talentdeck: invalid credentials")

// App composes the session-security components behind one router.
type App struct {
	config Config
	logger *slog.Logger

	store       *authstore.Store
	coordinator *authstore.Coordinator
	monitor     *sessiontimeout.Monitor
	limiter     *ratelimit.Limiter
	csrf        *csrf.Handler
	protector   *csrf.Protector
	guard       *guard.Guard
	feed        *sessionfeed.Feed
	client      *apiclient.Client
	metrics     *middleware.Metrics
	registry    *prometheus.Registry

	// backendHTTP carries the refresh-token and CSRF cookies to the backend.
	backendHTTP *http.Client

	router chi.Router
	server *http.Server

	mu        sync.Mutex
	warningUp bool
}

// sessionPayload is what the backend returns on login and refresh.
type sessionPayload struct {
	AccessToken string          `json:"access_token"`
	User        *authstore.User `json:"user"`
}

// New builds the application from config. The returned App owns background
// goroutines (countdown timer, limiter sweep); call Shutdown on teardown.
func New(config Config) (*App, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	defaults := DefaultConfig()
	if config.Addr == "" {
		config.Addr = defaults.Addr
	}
	if config.Rules == nil {
		config.Rules = defaults.Rules
	}
	if config.MetricsNamespace == "" {
		config.MetricsNamespace = defaults.MetricsNamespace
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("talentdeck: cookie jar: %w", err)
	}

	a := &App{
		config:      config,
		logger:      logger,
		registry:    prometheus.NewRegistry(),
		backendHTTP: &http.Client{Jar: jar, Timeout: 30 * time.Second},
	}

	a.metrics = middleware.NewMetrics(
		middleware.WithNamespace(config.MetricsNamespace),
		middleware.WithRegistry(a.registry),
	)
	a.store = authstore.New(logger)
	a.limiter = ratelimit.New(config.RateLimit, logger)

	csrfConfig := config.CSRF
	csrfConfig.OnFailure = a.metrics.RecordCSRFFailure
	a.csrf = csrf.NewHandler(csrfConfig, logger)
	a.protector = csrf.NewProtector(config.BackendURL, logger, csrf.WithHTTPClient(a.backendHTTP))
	a.guard = guard.New(a.store, config.Guard)

	a.coordinator = authstore.NewCoordinator(a.store, func(ctx context.Context) (authstore.Credentials, error) {
		creds, err := a.refreshCredentials(ctx)
		a.metrics.RecordRefresh(err)
		return creds, err
	}, config.Refresh, logger)

	// The monitor forces logout through the store; any caller-provided hook
	// runs after the session is cleared.
	userExpired := config.Timeout.OnExpired
	config.Timeout.OnExpired = func() {
		a.store.ClearAuth()
		a.metrics.RecordSessionExpiry()
		if userExpired != nil {
			userExpired()
		}
	}
	a.monitor = sessiontimeout.NewMonitor(config.Timeout, a.coordinator, logger)
	a.feed = sessionfeed.New(a.monitor, config.Feed, logger)
	a.monitor.Subscribe(a.observeCountdown)

	// A login after a forced logout restarts the countdown; the feed and
	// metrics observers stay subscribed across the restart.
	a.store.Subscribe(func(state authstore.State) {
		if state.Authenticated && a.monitor.State() == sessiontimeout.StateExpired {
			a.monitor.Restart()
		}
	})

	clientConfig := config.Client
	clientConfig.BaseURL = config.BackendURL
	a.client = apiclient.New(a.store, a.coordinator, clientConfig, logger,
		apiclient.WithHTTPClient(a.backendHTTP),
		apiclient.WithCSRFProtector(a.protector),
		apiclient.WithRateLimiter(a.limiter),
	)

	a.router = a.buildRouter()

	// Settle the session before serving. Until the restoration attempt
	// resolves, route decisions would stay pending; a failed attempt clears
	// the store so guarded pages deny instead.
	a.restoreSession()

	return a, nil
}

// restoreSession tries to resurrect a session from the backend's refresh
// cookie. Rejection is the common cold-start case: the coordinator clears
// the store, settling it as unauthenticated.
func (a *App) restoreSession() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.coordinator.Refresh(ctx); err != nil {
		a.logger.Debug("no session restored", "error", err)
	}
}

// buildRouter assembles the HTTP surface.
func (a *App) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(a.metrics.Handler)
	if a.config.Tracing {
		r.Use(middleware.OpenTelemetry(
			middleware.WithTracerName(a.config.MetricsNamespace),
			middleware.WithRequestFilter(func(req *http.Request) bool {
				return req.URL.Path != "/healthz" && req.URL.Path != "/metrics"
			}),
		))
	}

	r.Get("/healthz", a.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))

	r.Get("/csrf-token", a.csrf.Issue)
	r.Post("/csrf-token", a.csrf.Verify)

	r.Get("/session/events", a.feed.ServeHTTP)
	r.Get("/api/session", a.handleSession)

	// Mutating session endpoints require the double-submit token.
	r.Group(func(r chi.Router) {
		r.Use(a.csrf.Middleware)
		r.Post("/api/auth/login", a.handleLogin)
		r.Post("/api/auth/logout", a.handleLogout)
		r.Post("/api/session/extend", a.handleExtend)
		r.Post("/api/session/activity", a.handleActivity)
	})

	// Everything else is the page area, guarded by route rules.
	r.Group(func(r chi.Router) {
		r.Use(a.guard.Middleware(guard.MiddlewareConfig{Rules: a.config.Rules}))
		r.Get("/*", a.handlePage)
	})

	return r
}

// Router returns the composed HTTP handler, for embedding in a larger mux.
func (a *App) Router() http.Handler { return a.router }

// Store returns the session store.
func (a *App) Store() *authstore.Store { return a.store }

// Monitor returns the inactivity monitor.
func (a *App) Monitor() *sessiontimeout.Monitor { return a.monitor }

// Client returns the authenticated API client.
func (a *App) Client() *apiclient.Client { return a.client }

// Registry returns the Prometheus registry backing /metrics.
func (a *App) Registry() *prometheus.Registry { return a.registry }

// Run serves HTTP until ctx is cancelled, then shuts down gracefully.
func (a *App) Run(ctx context.Context) error {
	a.server = &http.Server{
		Addr:              a.config.Addr,
		Handler:           a.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("listening", "addr", a.config.Addr)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return a.Shutdown(shutdownCtx)
	}
}

// Shutdown stops the HTTP server and all background components.
func (a *App) Shutdown(ctx context.Context) error {
	var first error
	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			first = err
		}
	}
	if err := a.feed.Shutdown(ctx); err != nil && first == nil {
		first = err
	}
	a.monitor.Stop()
	a.limiter.Stop()
	a.logger.Info("shut down")
	return first
}

// observeCountdown feeds monitor events into the metrics.
func (a *App) observeCountdown(event sessiontimeout.Event) {
	a.metrics.SetConnectedTabs(a.feed.Len())

	a.mu.Lock()
	warning := event.State == sessiontimeout.StateWarning
	raised := warning && !a.warningUp
	a.warningUp = warning
	a.mu.Unlock()

	if raised {
		a.metrics.RecordTimeoutWarning()
	}
}

// refreshCredentials exchanges the http-only refresh cookie for a new access
// token.
func (a *App) refreshCredentials(ctx context.Context) (authstore.Credentials, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.config.BackendURL+"/auth/refresh", nil)
	if err != nil {
		return authstore.Credentials{}, fmt.Errorf("build refresh request: %w", err)
	}

	resp, err := a.backendHTTP.Do(req)
	if err != nil {
		return authstore.Credentials{}, fmt.Errorf("refresh call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return authstore.Credentials{}, fmt.Errorf("refresh rejected with %d", resp.StatusCode)
	}

	var payload sessionPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return authstore.Credentials{}, fmt.Errorf("decode refresh response: %w", err)
	}
	if payload.AccessToken == "" || payload.User == nil {
		return authstore.Credentials{}, fmt.Errorf("refresh response missing credentials")
	}
	return authstore.Credentials{AccessToken: payload.AccessToken, User: payload.User}, nil
}

// loginRequest is the POST /api/auth/login body.
type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// handleLogin authenticates against the backend, gated by the login rate
// limit so a stolen password list cannot be replayed through the dashboard.
func (a *App) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body loginRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Email == "" {
		writeError(w, http.StatusBadRequest, "email and password are required")
		return
	}

	result := a.limiter.AllowPolicy(ratelimit.LoginPolicy, body.Email)
	if !result.Allowed {
		a.metrics.RecordRateLimitDenial(ratelimit.LoginPolicy.Name)
		retryAfter := int(time.Until(result.ResetAt).Seconds()) + 1
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, "too many login attempts, try again later")
		return
	}

	payload, err := a.backendLogin(r.Context(), body)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "invalid email or password")
			return
		}
		a.logger.Error("login call failed", "error", err)
		writeError(w, http.StatusBadGateway, "login service unavailable")
		return
	}

	a.store.Login(payload.AccessToken, payload.User)
	a.limiter.ResetPolicy(ratelimit.LoginPolicy, body.Email)

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "user": payload.User})
}

// backendLogin performs the credential exchange.
func (a *App) backendLogin(ctx context.Context, creds loginRequest) (sessionPayload, error) {
	raw, err := json.Marshal(creds)
	if err != nil {
		return sessionPayload{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.config.BackendURL+"/auth/login", bytes.NewReader(raw))
	if err != nil {
		return sessionPayload{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.backendHTTP.Do(req)
	if err != nil {
		return sessionPayload{}, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return sessionPayload{}, ErrInvalidCredentials
	case resp.StatusCode != http.StatusOK:
		return sessionPayload{}, fmt.Errorf("login rejected with %d", resp.StatusCode)
	}

	var payload sessionPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return sessionPayload{}, fmt.Errorf("decode login response: %w", err)
	}
	if payload.AccessToken == "" || payload.User == nil {
		return sessionPayload{}, fmt.Errorf("login response missing credentials")
	}
	return payload, nil
}

// handleLogout clears the session.
func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	a.store.ClearAuth()
	a.protector.Invalidate()
	w.WriteHeader(http.StatusNoContent)
}

// handleExtend services the stay-signed-in button.
func (a *App) handleExtend(w http.ResponseWriter, r *http.Request) {
	if err := a.monitor.ExtendSession(r.Context()); err != nil {
		writeError(w, http.StatusUnauthorized, "session expired")
		return
	}
	writeJSON(w, http.StatusOK, a.monitor.Snapshot())
}

// activityRequest is the POST /api/session/activity body.
type activityRequest struct {
	Kind string `json:"kind"`
}

// handleActivity records user interaction reported over HTTP (tabs without
// a feed connection).
func (a *App) handleActivity(w http.ResponseWriter, r *http.Request) {
	var body activityRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed activity report")
		return
	}
	a.monitor.Activity(sessiontimeout.ActivityKind(body.Kind))
	w.WriteHeader(http.StatusNoContent)
}

// handleSession reports the current session snapshot.
func (a *App) handleSession(w http.ResponseWriter, r *http.Request) {
	state := a.store.State()
	writeJSON(w, http.StatusOK, map[string]any{
		"authenticated": state.Authenticated,
		"loading":       state.Loading,
		"refreshing":    state.Refreshing,
		"user":          state.User,
		"countdown":     a.monitor.Snapshot(),
	})
}

// handleHealth is the liveness endpoint.
func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"connected_tabs": a.feed.Len(),
	})
}

// handlePage serves the dashboard shell for guarded page routes. The guard
// middleware has already decided admission; anything reaching here renders.
func (a *App) handlePage(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, "<!doctype html><title>TalentDeck</title><div id=\"root\" data-page=%q></div>", r.URL.Path)
}

// writeJSON writes a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error body.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}
