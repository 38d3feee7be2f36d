package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds all Prometheus metric collectors for the Privalyze gateway.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPRequestSize     *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	// Query gate metrics.
	QueryRequestsTotal *prometheus.CounterVec
	MechanismDuration  *prometheus.HistogramVec
	ActiveQueries      prometheus.Gauge

	// Rate limiting and budget metrics.
	RateLimitRejectionsTotal prometheus.Counter
	BudgetRejectionsTotal    *prometheus.CounterVec
	EpsilonSpentTotal        prometheus.Counter

	// Disclosure collector metrics.
	CollectorBufferSize    prometheus.Gauge
	CollectorFlushesTotal  *prometheus.CounterVec
	CollectorFlushDuration prometheus.Histogram
	CollectorRecordsTotal  prometheus.Counter

	// Auth metrics.
	AuthFailuresTotal  *prometheus.CounterVec
	AuthSuccessesTotal *prometheus.CounterVec

	// Mechanism error metrics.
	UpstreamErrorsTotal *prometheus.CounterVec

	// Server lifecycle.
	ServerStartTime prometheus.Gauge
}

// New creates and registers all Prometheus metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "privalyze_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "privalyze_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path_pattern"}),

		HTTPRequestSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "privalyze_http_request_size_bytes",
			Help:    "HTTP request size in bytes.",
			Buckets: prometheus.ExponentialBuckets(100, 10, 6),
		}, []string{"method", "path_pattern"}),

		HTTPResponseSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "privalyze_http_response_size_bytes",
			Help:    "HTTP response size in bytes.",
			Buckets: prometheus.ExponentialBuckets(100, 10, 6),
		}, []string{"method", "path_pattern"}),

		QueryRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "privalyze_query_requests_total",
			Help: "Total number of noisy query requests.",
		}, []string{"analysis", "outcome"}),

		MechanismDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "privalyze_mechanism_duration_seconds",
			Help:    "Mechanism service call duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"analysis"}),

		ActiveQueries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "privalyze_active_queries",
			Help: "Number of queries currently in flight against the mechanism.",
		}),

		RateLimitRejectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "privalyze_ratelimit_rejections_total",
			Help: "Total number of rate limit rejections.",
		}),

		BudgetRejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "privalyze_budget_rejections_total",
			Help: "Total number of budget rejections by reason.",
		}, []string{"reason"}),

		EpsilonSpentTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "privalyze_epsilon_spent_total",
			Help: "Cumulative epsilon committed across all accounts.",
		}),

		CollectorBufferSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "privalyze_collector_buffer_size",
			Help: "Current number of buffered disclosure records.",
		}),

		CollectorFlushesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "privalyze_collector_flushes_total",
			Help: "Total number of disclosure collector flushes.",
		}, []string{"status"}),

		CollectorFlushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "privalyze_collector_flush_duration_seconds",
			Help:    "Duration of disclosure collector flush operations in seconds.",
			Buckets: prometheus.DefBuckets,
		}),

		CollectorRecordsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "privalyze_collector_records_total",
			Help: "Total number of disclosure records recorded.",
		}),

		AuthFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "privalyze_auth_failures_total",
			Help: "Total number of authentication failures.",
		}, []string{"auth_type"}),

		AuthSuccessesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "privalyze_auth_successes_total",
			Help: "Total number of successful authentications.",
		}, []string{"auth_type"}),

		UpstreamErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "privalyze_upstream_errors_total",
			Help: "Total number of mechanism call errors by error type.",
		}, []string{"error_type"}),

		ServerStartTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "privalyze_server_start_time_seconds",
			Help: "Unix timestamp when the server started.",
		}),
	}

	// Register all metrics.
	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSize,
		m.HTTPResponseSize,
		m.QueryRequestsTotal,
		m.MechanismDuration,
		m.ActiveQueries,
		m.RateLimitRejectionsTotal,
		m.BudgetRejectionsTotal,
		m.EpsilonSpentTotal,
		m.CollectorBufferSize,
		m.CollectorFlushesTotal,
		m.CollectorFlushDuration,
		m.CollectorRecordsTotal,
		m.AuthFailuresTotal,
		m.AuthSuccessesTotal,
		m.UpstreamErrorsTotal,
		m.ServerStartTime,
	)

	// Set server start time.
	m.ServerStartTime.Set(float64(time.Now().Unix()))

	// Register Go runtime and process collectors.
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return m
}

// Registry returns the private Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RegisterDBPoolCollector registers a custom DB pool stats collector.
func (m *Metrics) RegisterDBPoolCollector(statFunc DBPoolStatFunc) {
	m.registry.MustRegister(NewDBPoolCollector(statFunc))
}

// IncQueryRequests increments the query requests counter.
func (m *Metrics) IncQueryRequests(analysis, outcome string) {
	m.QueryRequestsTotal.WithLabelValues(analysis, outcome).Inc()
}

// ObserveMechanismDuration records a mechanism call duration.
func (m *Metrics) ObserveMechanismDuration(analysis string, seconds float64) {
	m.MechanismDuration.WithLabelValues(analysis).Observe(seconds)
}

// IncActiveQueries increments the in-flight query gauge.
func (m *Metrics) IncActiveQueries() {
	m.ActiveQueries.Inc()
}

// DecActiveQueries decrements the in-flight query gauge.
func (m *Metrics) DecActiveQueries() {
	m.ActiveQueries.Dec()
}

// IncBudgetRejection increments the budget rejection counter.
func (m *Metrics) IncBudgetRejection(reason string) {
	m.BudgetRejectionsTotal.WithLabelValues(reason).Inc()
}

// AddEpsilonSpent adds committed epsilon to the cumulative spend counter.
func (m *Metrics) AddEpsilonSpent(epsilon float64) {
	m.EpsilonSpentTotal.Add(epsilon)
}

// IncUpstreamError increments the mechanism error counter with error type
// classification.
func (m *Metrics) IncUpstreamError(errorType string) {
	m.UpstreamErrorsTotal.WithLabelValues(errorType).Inc()
}

// IncRateLimitRejection increments the rate limit rejection counter.
func (m *Metrics) IncRateLimitRejection() {
	m.RateLimitRejectionsTotal.Inc()
}

// IncAuthFailure increments the auth failure counter for the given auth type.
func (m *Metrics) IncAuthFailure(authType string) {
	m.AuthFailuresTotal.WithLabelValues(authType).Inc()
}

// IncAuthSuccess increments the auth success counter for the given auth type.
func (m *Metrics) IncAuthSuccess(authType string) {
	m.AuthSuccessesTotal.WithLabelValues(authType).Inc()
}

// ObserveHTTPRequest records the standard per-request HTTP metrics.
func (m *Metrics) ObserveHTTPRequest(method, pathPattern string, statusCode int, duration time.Duration, requestSize, responseSize int64) {
	code := fmt.Sprintf("%d", statusCode)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, code).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	if requestSize > 0 {
		m.HTTPRequestSize.WithLabelValues(method, pathPattern).Observe(float64(requestSize))
	}
	if responseSize > 0 {
		m.HTTPResponseSize.WithLabelValues(method, pathPattern).Observe(float64(responseSize))
	}
}
