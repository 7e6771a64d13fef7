package middleware

import (
	"net/http"
	"strconv"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsConfig configures the Prometheus metrics.
type MetricsConfig struct {
	// Namespace is the metrics namespace (default: "talentdeck").
	Namespace string

	// Subsystem is the metrics subsystem (default: "session").
	Subsystem string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Buckets are the histogram buckets for request duration.
	// Default: prometheus.DefBuckets
	Buckets []float64

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// MetricsOption configures the Prometheus metrics.
type MetricsOption func(*MetricsConfig)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Namespace = namespace
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) MetricsOption {
	return func(c *MetricsConfig) {
		c.ConstLabels = labels
	}
}

// WithBuckets sets the histogram buckets.
func WithBuckets(buckets []float64) MetricsOption {
	return func(c *MetricsConfig) {
		c.Buckets = buckets
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) MetricsOption {
	return func(c *MetricsConfig) {
		c.Registry = registry
	}
}

// defaultMetricsConfig returns the default metrics configuration.
func defaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Namespace: "talentdeck",
		Subsystem: "session",
		Buckets:   prometheus.DefBuckets,
		Registry:  prometheus.DefaultRegisterer,
	}
}

// Metrics holds the Prometheus instruments for the session-security layer.
//
// Metrics collected:
//   - talentdeck_session_requests_total: Counter of requests by method and status class
//   - talentdeck_session_request_duration_seconds: Histogram of request duration
//   - talentdeck_session_token_refreshes_total: Counter of refresh attempts by outcome
//   - talentdeck_session_rate_limit_denials_total: Counter of limiter denials by policy
//   - talentdeck_session_csrf_failures_total: Counter of CSRF verification failures by reason
//   - talentdeck_session_expiries_total: Counter of forced logouts from inactivity
//   - talentdeck_session_timeout_warnings_total: Counter of warning prompts raised
//   - talentdeck_session_connected_tabs: Gauge of tabs on the session feed
type Metrics struct {
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	refreshesTotal   *prometheus.CounterVec
	rateLimitDenials *prometheus.CounterVec
	csrfFailures     *prometheus.CounterVec
	sessionExpiries  prometheus.Counter
	timeoutWarnings  prometheus.Counter
	connectedTabs    prometheus.Gauge
}

// NewMetrics registers the instruments and returns the recorder.
func NewMetrics(opts ...MetricsOption) *Metrics {
	config := defaultMetricsConfig()
	for _, opt := range opts {
		opt(&config)
	}
	factory := promauto.With(config.Registry)

	return &Metrics{
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "requests_total",
			Help:        "Total HTTP requests through the session layer",
			ConstLabels: config.ConstLabels,
		}, []string{"method", "status"}),

		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "request_duration_seconds",
			Help:        "HTTP request duration in seconds",
			ConstLabels: config.ConstLabels,
			Buckets:     config.Buckets,
		}, []string{"method"}),

		refreshesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "token_refreshes_total",
			Help:        "Token refresh attempts by outcome",
			ConstLabels: config.ConstLabels,
		}, []string{"outcome"}),

		rateLimitDenials: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "rate_limit_denials_total",
			Help:        "Client-side rate limiter denials by policy",
			ConstLabels: config.ConstLabels,
		}, []string{"policy"}),

		csrfFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "csrf_failures_total",
			Help:        "CSRF verification failures by reason",
			ConstLabels: config.ConstLabels,
		}, []string{"reason"}),

		sessionExpiries: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "expiries_total",
			Help:        "Sessions expired from inactivity",
			ConstLabels: config.ConstLabels,
		}),

		timeoutWarnings: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "timeout_warnings_total",
			Help:        "Session timeout warning prompts raised",
			ConstLabels: config.ConstLabels,
		}),

		connectedTabs: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "connected_tabs",
			Help:        "Tabs connected to the session feed",
			ConstLabels: config.ConstLabels,
		}),
	}
}

// Handler times requests and counts them by method and status class.
func (m *Metrics) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

		start := time.Now()
		next.ServeHTTP(ww, r)

		m.requestDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
		m.requestsTotal.WithLabelValues(r.Method, statusClass(ww.Status())).Inc()
	})
}

// statusClass collapses a status code to its class label ("2xx"). Unwritten
// responses count as 200.
func statusClass(status int) string {
	if status == 0 {
		status = http.StatusOK
	}
	return strconv.Itoa(status/100) + "xx"
}

// RecordRefresh records one token refresh attempt.
func (m *Metrics) RecordRefresh(err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.refreshesTotal.WithLabelValues(outcome).Inc()
}

// RecordRateLimitDenial records a denial under the named policy.
func (m *Metrics) RecordRateLimitDenial(policy string) {
	m.rateLimitDenials.WithLabelValues(policy).Inc()
}

// RecordCSRFFailure records a verification failure.
// Reason is a fixed category ("missing_token", "mismatch"), never request data.
func (m *Metrics) RecordCSRFFailure(reason string) {
	m.csrfFailures.WithLabelValues(reason).Inc()
}

// RecordSessionExpiry records a forced logout from inactivity.
func (m *Metrics) RecordSessionExpiry() {
	m.sessionExpiries.Inc()
}

// RecordTimeoutWarning records a warning prompt being raised.
func (m *Metrics) RecordTimeoutWarning() {
	m.timeoutWarnings.Inc()
}

// SetConnectedTabs records the current session feed population.
func (m *Metrics) SetConnectedTabs(n int) {
	m.connectedTabs.Set(float64(n))
}
