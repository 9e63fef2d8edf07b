package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets       = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	datasourceDurationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	bodySizeBuckets           = []float64{100, 1024, 10240, 102400, 1048576}
	messageCountBuckets       = []float64{0, 1, 5, 10, 50, 100, 1000}
)

// Metrics holds all Prometheus metric instruments for the gateway.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Operation metrics
	OperationExecutionsTotal  *prometheus.CounterVec
	OperationDuration         *prometheus.HistogramVec
	OperationValidationErrors *prometheus.CounterVec

	// Subscription metrics
	SubscriptionsActive  *prometheus.GaugeVec
	SubscriptionsTotal   *prometheus.CounterVec
	SubscriptionMessages *prometheus.HistogramVec

	// Data-source metrics
	DataSourceRequestsTotal   *prometheus.CounterVec
	DataSourceRequestDuration *prometheus.HistogramVec
	CircuitBreakerState       *prometheus.GaugeVec

	// Cache metrics
	ResponseCacheHitsTotal   *prometheus.CounterVec
	ResponseCacheMissesTotal *prometheus.CounterVec
	IdempotencyReplaysTotal  *prometheus.CounterVec

	// System metrics
	OperationsRegistered prometheus.Gauge
	RootFieldsIndexed    *prometheus.GaugeVec
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "opgraph_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "opgraph_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "opgraph_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "opgraph_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Operations
		OperationExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "opgraph_operation_executions_total",
			Help: "Total number of operation executions.",
		}, []string{"operation", "kind", "code"}),
		OperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "opgraph_operation_duration_seconds",
			Help:    "Operation execution duration in seconds.",
			Buckets: datasourceDurationBuckets,
		}, []string{"operation"}),
		OperationValidationErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "opgraph_operation_validation_errors_total",
			Help: "Total number of operation input validation failures.",
		}, []string{"operation"}),

		// Subscriptions
		SubscriptionsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "opgraph_subscriptions_active",
			Help: "Number of subscriptions currently streaming.",
		}, []string{"operation"}),
		SubscriptionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "opgraph_subscriptions_total",
			Help: "Total number of finished subscriptions by terminal state.",
		}, []string{"operation", "state"}),
		SubscriptionMessages: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "opgraph_subscription_messages",
			Help:    "Messages delivered per subscription.",
			Buckets: messageCountBuckets,
		}, []string{"operation"}),

		// Data sources
		DataSourceRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "opgraph_datasource_requests_total",
			Help: "Total number of data-source requests.",
		}, []string{"namespace", "field", "outcome"}),
		DataSourceRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "opgraph_datasource_request_duration_seconds",
			Help:    "Data-source request duration in seconds.",
			Buckets: datasourceDurationBuckets,
		}, []string{"namespace"}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "opgraph_datasource_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open).",
		}, []string{"namespace"}),

		// Cache
		ResponseCacheHitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "opgraph_response_cache_hits_total",
			Help: "Total response cache hits.",
		}, []string{"operation"}),
		ResponseCacheMissesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "opgraph_response_cache_misses_total",
			Help: "Total response cache misses.",
		}, []string{"operation"}),
		IdempotencyReplaysTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "opgraph_idempotency_replays_total",
			Help: "Total mutations answered from the idempotency store.",
		}, []string{"operation"}),

		// System
		OperationsRegistered: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "opgraph_operations_registered",
			Help: "Number of registered operations.",
		}),
		RootFieldsIndexed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "opgraph_datasource_root_fields",
			Help: "Number of root fields exposed by each data source.",
		}, []string{"namespace"}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		m.OperationExecutionsTotal,
		m.OperationDuration,
		m.OperationValidationErrors,
		m.SubscriptionsActive,
		m.SubscriptionsTotal,
		m.SubscriptionMessages,
		m.DataSourceRequestsTotal,
		m.DataSourceRequestDuration,
		m.CircuitBreakerState,
		m.ResponseCacheHitsTotal,
		m.ResponseCacheMissesTotal,
		m.IdempotencyReplaysTotal,
		m.OperationsRegistered,
		m.RootFieldsIndexed,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordOperation records one operation execution. Code is "OK" on success
// or the error code.
func (m *Metrics) RecordOperation(operation, kind, code string, duration time.Duration) {
	m.OperationExecutionsTotal.WithLabelValues(operation, kind, code).Inc()
	m.OperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordValidationError records an input validation failure.
func (m *Metrics) RecordValidationError(operation string) {
	m.OperationValidationErrors.WithLabelValues(operation).Inc()
}

// SubscriptionStarted marks a subscription as streaming.
func (m *Metrics) SubscriptionStarted(operation string) {
	m.SubscriptionsActive.WithLabelValues(operation).Inc()
}

// SubscriptionFinished records the terminal state of a subscription.
func (m *Metrics) SubscriptionFinished(operation, state string, delivered int) {
	m.SubscriptionsActive.WithLabelValues(operation).Dec()
	m.SubscriptionsTotal.WithLabelValues(operation, state).Inc()
	m.SubscriptionMessages.WithLabelValues(operation).Observe(float64(delivered))
}

// RecordDataSourceRequest records one data-source request. Outcome is "ok"
// or an error code.
func (m *Metrics) RecordDataSourceRequest(namespace, field, outcome string, duration time.Duration) {
	m.DataSourceRequestsTotal.WithLabelValues(namespace, field, outcome).Inc()
	m.DataSourceRequestDuration.WithLabelValues(namespace).Observe(duration.Seconds())
}

// SetCircuitBreakerState sets the circuit breaker state for a namespace.
// State: 0=closed, 1=half-open, 2=open.
func (m *Metrics) SetCircuitBreakerState(namespace string, state float64) {
	m.CircuitBreakerState.WithLabelValues(namespace).Set(state)
}

// RecordResponseCacheHit records a response cache hit.
func (m *Metrics) RecordResponseCacheHit(operation string) {
	m.ResponseCacheHitsTotal.WithLabelValues(operation).Inc()
}

// RecordResponseCacheMiss records a response cache miss.
func (m *Metrics) RecordResponseCacheMiss(operation string) {
	m.ResponseCacheMissesTotal.WithLabelValues(operation).Inc()
}

// RecordIdempotencyReplay records a mutation served from the idempotency store.
func (m *Metrics) RecordIdempotencyReplay(operation string) {
	m.IdempotencyReplaysTotal.WithLabelValues(operation).Inc()
}

// SetOperationsRegistered sets the number of registered operations.
func (m *Metrics) SetOperationsRegistered(count float64) {
	m.OperationsRegistered.Set(count)
}

// SetRootFieldsIndexed sets the number of root fields for a namespace.
func (m *Metrics) SetRootFieldsIndexed(namespace string, count float64) {
	m.RootFieldsIndexed.WithLabelValues(namespace).Set(count)
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.RecordHTTPRequest(r.Method, routePattern(r), status, time.Since(start), int(max(r.ContentLength, 0)), ww.BytesWritten())
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor returns a metrics handler bound to a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}
