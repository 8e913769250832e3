package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets    = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	backendDurationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	bodySizeBuckets        = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for the console.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Pipeline metrics
	PipelineRunsTotal       *prometheus.CounterVec
	PipelinePhaseDuration   *prometheus.HistogramVec
	ValidationFailuresTotal *prometheus.CounterVec
	IdempotencyReplaysTotal *prometheus.CounterVec
	FlashMessagesTotal      *prometheus.CounterVec

	// Backend metrics
	BackendRequestsTotal       *prometheus.CounterVec
	BackendRequestDuration     *prometheus.HistogramVec
	BackendCircuitBreakerState *prometheus.GaugeVec
	BackendTransactionsTotal   *prometheus.CounterVec

	// Cache and store metrics
	CapabilityCacheHitsTotal   prometheus.Counter
	CapabilityCacheMissesTotal prometheus.Counter
	StoreErrorsTotal           *prometheus.CounterVec
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "watchtower_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "watchtower_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "watchtower_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "watchtower_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Pipeline
		PipelineRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "watchtower_pipeline_runs_total",
			Help: "Total number of handler runs by terminal state.",
		}, []string{"handler", "state"}),
		PipelinePhaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "watchtower_pipeline_phase_duration_seconds",
			Help:    "Duration of each handler phase in seconds.",
			Buckets: backendDurationBuckets,
		}, []string{"handler", "phase"}),
		ValidationFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "watchtower_validation_failures_total",
			Help: "Total number of rejected requests by severity.",
		}, []string{"handler", "kind"}),
		IdempotencyReplaysTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "watchtower_idempotency_replays_total",
			Help: "Total number of actions answered from the idempotency store.",
		}, []string{"handler"}),
		FlashMessagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "watchtower_flash_messages_total",
			Help: "Total number of flash messages issued by level.",
		}, []string{"level"}),

		// Backend
		BackendRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "watchtower_backend_requests_total",
			Help: "Total number of backend calls.",
		}, []string{"driver", "operation", "status"}),
		BackendRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "watchtower_backend_request_duration_seconds",
			Help:    "Backend call duration in seconds.",
			Buckets: backendDurationBuckets,
		}, []string{"driver", "operation"}),
		BackendCircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "watchtower_backend_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open).",
		}, []string{"backend"}),
		BackendTransactionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "watchtower_backend_transactions_total",
			Help: "Total number of backend transactions by outcome.",
		}, []string{"driver", "outcome"}),

		// Cache and stores
		CapabilityCacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "watchtower_capability_cache_hits_total",
			Help: "Total capability cache hits.",
		}),
		CapabilityCacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "watchtower_capability_cache_misses_total",
			Help: "Total capability cache misses.",
		}),
		StoreErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "watchtower_store_errors_total",
			Help: "Total non-fatal errors of auxiliary stores.",
		}, []string{"store", "operation"}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		// Pipeline
		m.PipelineRunsTotal,
		m.PipelinePhaseDuration,
		m.ValidationFailuresTotal,
		m.IdempotencyReplaysTotal,
		m.FlashMessagesTotal,
		// Backend
		m.BackendRequestsTotal,
		m.BackendRequestDuration,
		m.BackendCircuitBreakerState,
		m.BackendTransactionsTotal,
		// Cache and stores
		m.CapabilityCacheHitsTotal,
		m.CapabilityCacheMissesTotal,
		m.StoreErrorsTotal,
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

// RecordPipelineRun records the terminal state of a handler run.
func (m *Metrics) RecordPipelineRun(handler, state string) {
	m.PipelineRunsTotal.WithLabelValues(handler, state).Inc()
}

// RecordPhaseDuration records how long one phase of a handler run took.
func (m *Metrics) RecordPhaseDuration(handler, phase string, duration time.Duration) {
	m.PipelinePhaseDuration.WithLabelValues(handler, phase).Observe(duration.Seconds())
}

// RecordValidationFailure records a rejected request.
func (m *Metrics) RecordValidationFailure(handler, kind string) {
	m.ValidationFailuresTotal.WithLabelValues(handler, kind).Inc()
}

// RecordIdempotencyReplay records an action answered from the idempotency
// store.
func (m *Metrics) RecordIdempotencyReplay(handler string) {
	m.IdempotencyReplaysTotal.WithLabelValues(handler).Inc()
}

// RecordFlash records an issued flash message.
func (m *Metrics) RecordFlash(level string) {
	m.FlashMessagesTotal.WithLabelValues(level).Inc()
}

// RecordBackendRequest records a backend call. status is "ok" or "error".
func (m *Metrics) RecordBackendRequest(driver, operation, status string, duration time.Duration) {
	m.BackendRequestsTotal.WithLabelValues(driver, operation, status).Inc()
	m.BackendRequestDuration.WithLabelValues(driver, operation).Observe(duration.Seconds())
}

// RecordBackendTransaction records a committed or rolled back transaction.
func (m *Metrics) RecordBackendTransaction(driver, outcome string) {
	m.BackendTransactionsTotal.WithLabelValues(driver, outcome).Inc()
}

// SetBackendCircuitBreakerState sets the circuit breaker state for a backend.
// State: 0=closed, 1=half-open, 2=open.
func (m *Metrics) SetBackendCircuitBreakerState(backend string, state float64) {
	m.BackendCircuitBreakerState.WithLabelValues(backend).Set(state)
}

// RecordCapabilityCacheHit records a capability cache hit.
func (m *Metrics) RecordCapabilityCacheHit() {
	m.CapabilityCacheHitsTotal.Inc()
}

// RecordCapabilityCacheMiss records a capability cache miss.
func (m *Metrics) RecordCapabilityCacheMiss() {
	m.CapabilityCacheMissesTotal.Inc()
}

// RecordStoreError records a swallowed error of a flash or preference store.
func (m *Metrics) RecordStoreError(store, operation string) {
	m.StoreErrorsTotal.WithLabelValues(store, operation).Inc()
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := NewStatusRecorder(w)

		next.ServeHTTP(sw, r)

		duration := time.Since(start)
		pathPattern := routePattern(r)
		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}

		m.RecordHTTPRequest(r.Method, pathPattern, sw.status, duration, reqSize, sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	// chi route patterns have trailing /*, remove it.
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// StatusRecorder captures the status and body size written by a handler.
type StatusRecorder struct {
	http.ResponseWriter
	status  int
	bytes   int
	written bool
}

// NewStatusRecorder wraps w. The status defaults to 200.
func NewStatusRecorder(w http.ResponseWriter) *StatusRecorder {
	return &StatusRecorder{ResponseWriter: w, status: http.StatusOK}
}

// Status returns the written status code.
func (w *StatusRecorder) Status() int { return w.status }

// Bytes returns the number of body bytes written.
func (w *StatusRecorder) Bytes() int { return w.bytes }

// Written reports whether the handler has started the response.
func (w *StatusRecorder) Written() bool { return w.written }

func (w *StatusRecorder) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *StatusRecorder) Write(b []byte) (int, error) {
	w.written = true
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (w *StatusRecorder) Unwrap() http.ResponseWriter { return w.ResponseWriter }
