package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tabula"

var (
	httpDurationBuckets  = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	storeDurationBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5}
	bodySizeBuckets      = []float64{100, 1024, 10240, 102400, 1048576}
	rowCountBuckets      = []float64{0, 1, 5, 10, 25, 50, 100, 250}
)

// Metrics holds the Prometheus instruments of a tabula process. A nil
// *Metrics is accepted wherever an option takes one and records nothing.
type Metrics struct {
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	TableRendersTotal   *prometheus.CounterVec
	TableRenderDuration *prometheus.HistogramVec
	TableRenderRows     *prometheus.HistogramVec

	ActionInvocationsTotal *prometheus.CounterVec
	ActionDuration         *prometheus.HistogramVec
	CallbackRejections     *prometheus.CounterVec
	CallbacksIssuedTotal   *prometheus.CounterVec
	IdempotentReplaysTotal *prometheus.CounterVec

	CapabilityCacheHitsTotal   prometheus.Counter
	CapabilityCacheMissesTotal prometheus.Counter

	TablesRegistered prometheus.Gauge
}

// InitMetrics creates the instruments and registers them with reg. It
// panics if any is already registered there.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return f.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help}, labels)
	}
	histogram := func(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
		return f.NewHistogramVec(prometheus.HistogramOpts{Namespace: namespace, Name: name, Help: help, Buckets: buckets}, labels)
	}

	return &Metrics{
		HTTPRequestsTotal: counter("http_requests_total",
			"Total number of HTTP requests.", "method", "path_pattern", "status"),
		HTTPRequestDuration: histogram("http_request_duration_seconds",
			"HTTP request duration in seconds.", httpDurationBuckets, "method", "path_pattern"),
		HTTPRequestSizeBytes: histogram("http_request_size_bytes",
			"HTTP request body size in bytes.", bodySizeBuckets, "method", "path_pattern"),
		HTTPResponseSizeBytes: histogram("http_response_size_bytes",
			"HTTP response body size in bytes.", bodySizeBuckets, "method", "path_pattern"),

		TableRendersTotal: counter("table_renders_total",
			"Total number of table renders.", "table", "status"),
		TableRenderDuration: histogram("table_render_duration_seconds",
			"Table render duration in seconds, including the store fetch.", storeDurationBuckets, "table"),
		TableRenderRows: histogram("table_render_rows",
			"Number of rows serialized per render.", rowCountBuckets, "table"),

		ActionInvocationsTotal: counter("action_invocations_total",
			"Total number of action invocations by outcome.", "table", "action", "outcome"),
		ActionDuration: histogram("action_duration_seconds",
			"Action execution duration in seconds.", storeDurationBuckets, "table", "action"),
		CallbackRejections: counter("callback_rejections_total",
			"Total number of rejected invocation callbacks.", "reason"),
		CallbacksIssuedTotal: counter("callbacks_issued_total",
			"Total number of signed callbacks issued.", "kind"),
		IdempotentReplaysTotal: counter("idempotent_replays_total",
			"Total number of invocations answered from the idempotency store.", "table", "action"),

		CapabilityCacheHitsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "capability_cache_hits_total", Help: "Total capability cache hits.",
		}),
		CapabilityCacheMissesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "capability_cache_misses_total", Help: "Total capability cache misses.",
		}),
		TablesRegistered: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "tables_registered", Help: "Number of registered tables.",
		}),
	}
}

// RecordHTTPRequest records one served request.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordTableRender records one table render. Rows are only observed for
// successful renders.
func (m *Metrics) RecordTableRender(tableID string, ok bool, rows int, duration time.Duration) {
	status := "success"
	if !ok {
		status = "error"
	}
	m.TableRendersTotal.WithLabelValues(tableID, status).Inc()
	m.TableRenderDuration.WithLabelValues(tableID).Observe(duration.Seconds())
	if ok {
		m.TableRenderRows.WithLabelValues(tableID).Observe(float64(rows))
	}
}

// RecordActionInvocation records an invocation outcome. Duration is only
// observed for invocations that reached the execution body.
func (m *Metrics) RecordActionInvocation(tableID, action, outcome string, duration time.Duration) {
	m.ActionInvocationsTotal.WithLabelValues(tableID, action, outcome).Inc()
	if duration > 0 {
		m.ActionDuration.WithLabelValues(tableID, action).Observe(duration.Seconds())
	}
}

// RecordCallbackRejection records a callback refused before dispatch.
func (m *Metrics) RecordCallbackRejection(reason string) {
	m.CallbackRejections.WithLabelValues(reason).Inc()
}

// RecordCallbackIssued records a signed callback.
func (m *Metrics) RecordCallbackIssued(kind string) {
	m.CallbacksIssuedTotal.WithLabelValues(kind).Inc()
}

// RecordIdempotentReplay records an invocation served from the idempotency
// store.
func (m *Metrics) RecordIdempotentReplay(tableID, action string) {
	m.IdempotentReplaysTotal.WithLabelValues(tableID, action).Inc()
}

func (m *Metrics) RecordCapabilityCacheHit() {
	m.CapabilityCacheHitsTotal.Inc()
}

func (m *Metrics) RecordCapabilityCacheMiss() {
	m.CapabilityCacheMissesTotal.Inc()
}

func (m *Metrics) SetTablesRegistered(count int) {
	m.TablesRegistered.Set(float64(count))
}

// MetricsMiddleware records request metrics labelled with chi's route
// pattern rather than the raw path, so table identities do not become
// label values.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		m.RecordHTTPRequest(r.Method, routePattern(r), sw.status, time.Since(start),
			max(int(r.ContentLength), 0), sw.bytes)
	})
}

// Handler serves the default Prometheus gatherer.
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor serves g.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// routePattern returns the chi route pattern matched for r, or the raw path
// when r was not routed by chi.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.TrimSuffix(strings.Join(rctx.RoutePatterns, ""), "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// statusRecorder captures the status code and body size written through it.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	bytes       int
	wroteHeader bool
}

func (w *statusRecorder) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	w.wroteHeader = true
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}
