package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pitabwire/triage/model"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets   = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	submitDurationBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5}
	bodySizeBuckets       = []float64{100, 1024, 10240, 102400, 1048576}
)

// Submission outcomes recorded by RecordSubmission.
const (
	OutcomeAdvanced  = "advanced"
	OutcomeCompleted = "completed"
	OutcomeRejected  = "rejected"
	OutcomeFailed    = "failed"
)

// Metrics holds all Prometheus metric instruments for the service. All
// recording methods are safe to call on a nil *Metrics.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Run metrics
	RunStartsTotal      *prometheus.CounterVec
	SubmissionsTotal    *prometheus.CounterVec
	SubmissionDuration  *prometheus.HistogramVec
	RunCompletionsTotal *prometheus.CounterVec
	RunReviewsTotal     *prometheus.CounterVec
	RunConflictsTotal   *prometheus.CounterVec
	RunsByStatus        *prometheus.GaugeVec
	StaleDraftRuns      prometheus.Gauge

	// Definition metrics
	DefinitionLoadTotal *prometheus.CounterVec
	DefinitionsLoaded   prometheus.Gauge
	FlowPublishesTotal  *prometheus.CounterVec
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "triage_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "triage_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "triage_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "triage_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Runs
		RunStartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "triage_run_starts_total",
			Help: "Total number of runs started.",
		}, []string{"flow_id"}),
		SubmissionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "triage_submissions_total",
			Help: "Total number of step submissions by outcome.",
		}, []string{"flow_id", "outcome"}),
		SubmissionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "triage_submission_duration_seconds",
			Help:    "Step submission duration in seconds.",
			Buckets: submitDurationBuckets,
		}, []string{"flow_id"}),
		RunCompletionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "triage_run_completions_total",
			Help: "Total number of runs completed.",
		}, []string{"flow_id"}),
		RunReviewsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "triage_run_reviews_total",
			Help: "Total number of reviewer status changes.",
		}, []string{"status"}),
		RunConflictsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "triage_run_conflicts_total",
			Help: "Total number of rejected concurrent or stale run updates.",
		}, []string{"reason"}),
		RunsByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "triage_runs",
			Help: "Number of stored runs by status.",
		}, []string{"status"}),
		StaleDraftRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "triage_runs_abandoned",
			Help: "Number of DRAFT runs not updated within the abandonment threshold.",
		}),

		// Definitions
		DefinitionLoadTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "triage_definition_load_total",
			Help: "Total flow definition loads.",
		}, []string{"status"}),
		DefinitionsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "triage_definitions_loaded",
			Help: "Number of loaded flow definitions.",
		}),
		FlowPublishesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "triage_flow_publishes_total",
			Help: "Total flow publish attempts by result.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		// Runs
		m.RunStartsTotal,
		m.SubmissionsTotal,
		m.SubmissionDuration,
		m.RunCompletionsTotal,
		m.RunReviewsTotal,
		m.RunConflictsTotal,
		m.RunsByStatus,
		m.StaleDraftRuns,
		// Definitions
		m.DefinitionLoadTotal,
		m.DefinitionsLoaded,
		m.FlowPublishesTotal,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	if m == nil {
		return
	}
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordRunStart records a run start.
func (m *Metrics) RecordRunStart(flowID string) {
	if m == nil {
		return
	}
	m.RunStartsTotal.WithLabelValues(flowID).Inc()
}

// RecordSubmission records a step submission and its duration.
func (m *Metrics) RecordSubmission(flowID, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.SubmissionsTotal.WithLabelValues(flowID, outcome).Inc()
	m.SubmissionDuration.WithLabelValues(flowID).Observe(duration.Seconds())
}

// RecordRunCompletion records a run reaching COMPLETED.
func (m *Metrics) RecordRunCompletion(flowID string) {
	if m == nil {
		return
	}
	m.RunCompletionsTotal.WithLabelValues(flowID).Inc()
}

// RecordReview records a reviewer status change.
func (m *Metrics) RecordReview(status model.RunStatus) {
	if m == nil {
		return
	}
	m.RunReviewsTotal.WithLabelValues(string(status)).Inc()
}

// RecordRunConflict records a rejected run update. reason is one of
// "position", "closed", "locked" or "version".
func (m *Metrics) RecordRunConflict(reason string) {
	if m == nil {
		return
	}
	m.RunConflictsTotal.WithLabelValues(reason).Inc()
}

// SetRunsByStatus replaces the per-status run gauges. Statuses absent from
// counts are reset to zero.
func (m *Metrics) SetRunsByStatus(counts map[model.RunStatus]int) {
	if m == nil {
		return
	}
	for _, s := range []model.RunStatus{
		model.RunStatusDraft, model.RunStatusCompleted,
		model.RunStatusReviewed, model.RunStatusArchived,
	} {
		m.RunsByStatus.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}

// SetStaleDrafts sets the number of abandoned DRAFT runs.
func (m *Metrics) SetStaleDrafts(n int) {
	if m == nil {
		return
	}
	m.StaleDraftRuns.Set(float64(n))
}

// RecordDefinitionLoad records a definition load attempt.
func (m *Metrics) RecordDefinitionLoad(status string) {
	if m == nil {
		return
	}
	m.DefinitionLoadTotal.WithLabelValues(status).Inc()
}

// SetDefinitionsLoaded sets the number of loaded definitions.
func (m *Metrics) SetDefinitionsLoaded(count float64) {
	if m == nil {
		return
	}
	m.DefinitionsLoaded.Set(count)
}

// RecordPublish records a publish attempt. result is "published" or
// "rejected".
func (m *Metrics) RecordPublish(result string) {
	if m == nil {
		return
	}
	m.FlowPublishesTotal.WithLabelValues(result).Inc()
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

		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}
		m.RecordHTTPRequest(r.Method, RoutePattern(r), sw.status, time.Since(start), reqSize, sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor returns a /metrics handler serving the given gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// RoutePattern returns the chi route pattern that matched r, such as
// "/v1/runs/{runID}", falling back to the raw path before routing.
func RoutePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	pattern = strings.TrimSuffix(strings.ReplaceAll(pattern, "/*/", "/"), "/*")
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
	w.written = true
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}
