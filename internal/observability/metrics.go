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
	httpDurationBuckets  = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	sweepDurationBuckets = []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60}
	bodySizeBuckets      = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for the engine.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Instance metrics
	InstanceStartsTotal       *prometheus.CounterVec
	TransitionsCommittedTotal *prometheus.CounterVec
	TransitionsDeniedTotal    *prometheus.CounterVec
	ActiveInstances           *prometheus.GaugeVec

	// SLA metrics
	EscalationsFiredTotal *prometheus.CounterVec
	SweepDuration         prometheus.Histogram
	OverdueInstances      prometheus.Gauge

	// Dispatch metrics
	DispatchesTotal *prometheus.CounterVec

	// Template metrics
	TemplateValidationFailures prometheus.Counter
	TemplatesLoaded            prometheus.Gauge
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stageflow_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stageflow_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stageflow_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stageflow_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Instances
		InstanceStartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stageflow_instance_starts_total",
			Help: "Total number of workflow instances started.",
		}, []string{"tenant_id"}),
		TransitionsCommittedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stageflow_transitions_committed_total",
			Help: "Total number of committed stage transitions.",
		}, []string{"tenant_id"}),
		TransitionsDeniedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stageflow_transitions_denied_total",
			Help: "Total number of denied transition attempts.",
		}, []string{"code"}),
		ActiveInstances: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "stageflow_active_instances",
			Help: "Number of active workflow instances.",
		}, []string{"tenant_id"}),

		// SLA
		EscalationsFiredTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stageflow_escalations_fired_total",
			Help: "Total number of SLA escalations fired.",
		}, []string{"tenant_id"}),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "stageflow_sla_sweep_duration_seconds",
			Help:    "SLA sweep duration in seconds.",
			Buckets: sweepDurationBuckets,
		}),
		OverdueInstances: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stageflow_overdue_instances",
			Help: "Number of overdue instances found in the last sweep.",
		}),

		// Dispatch
		DispatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stageflow_action_dispatches_total",
			Help: "Total number of action dispatches by outcome.",
		}, []string{"action_type", "outcome"}),

		// Templates
		TemplateValidationFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stageflow_template_validation_failures_total",
			Help: "Total number of rejected template submissions.",
		}),
		TemplatesLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stageflow_templates_loaded",
			Help: "Number of seed templates loaded at startup.",
		}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		// Instances
		m.InstanceStartsTotal,
		m.TransitionsCommittedTotal,
		m.TransitionsDeniedTotal,
		m.ActiveInstances,
		// SLA
		m.EscalationsFiredTotal,
		m.SweepDuration,
		m.OverdueInstances,
		// Dispatch
		m.DispatchesTotal,
		// Templates
		m.TemplateValidationFailures,
		m.TemplatesLoaded,
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

// InstanceStarted records an instance start. Implements the engine's metrics
// recorder contract.
func (m *Metrics) InstanceStarted(tenantID string) {
	m.InstanceStartsTotal.WithLabelValues(tenantID).Inc()
	m.ActiveInstances.WithLabelValues(tenantID).Inc()
}

// TransitionCommitted records a committed transition.
func (m *Metrics) TransitionCommitted(tenantID string) {
	m.TransitionsCommittedTotal.WithLabelValues(tenantID).Inc()
}

// TransitionDenied records a denied transition attempt by error code.
func (m *Metrics) TransitionDenied(code string) {
	m.TransitionsDeniedTotal.WithLabelValues(code).Inc()
}

// EscalationFired records one fired SLA escalation.
func (m *Metrics) EscalationFired(tenantID string) {
	m.EscalationsFiredTotal.WithLabelValues(tenantID).Inc()
}

// InstanceClosed decrements the active gauge when an instance completes or is
// cancelled.
func (m *Metrics) InstanceClosed(tenantID string) {
	m.ActiveInstances.WithLabelValues(tenantID).Dec()
}

// RecordSweep records one SLA sweep.
func (m *Metrics) RecordSweep(duration time.Duration, overdue int) {
	m.SweepDuration.Observe(duration.Seconds())
	m.OverdueInstances.Set(float64(overdue))
}

// RecordDispatch records one action dispatch outcome.
func (m *Metrics) RecordDispatch(actionType, outcome string) {
	m.DispatchesTotal.WithLabelValues(actionType, outcome).Inc()
}

// RecordTemplateValidationFailure records a rejected template submission.
func (m *Metrics) RecordTemplateValidationFailure() {
	m.TemplateValidationFailures.Inc()
}

// SetTemplatesLoaded sets the number of seed templates loaded.
func (m *Metrics) SetTemplatesLoaded(count float64) {
	m.TemplatesLoaded.Set(count)
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

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

// metricsResponseWriter wraps http.ResponseWriter to capture status and bytes.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	bytes   int
	written bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}
