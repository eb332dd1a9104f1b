package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/pitabwire/triage/model"
)

func newTestMetrics(t *testing.T) (*Metrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := InitMetrics(reg)
	return m, reg
}

func TestInitMetrics_registersAllMetrics(t *testing.T) {
	m, reg := newTestMetrics(t)
	if m == nil {
		t.Fatal("InitMetrics returned nil")
	}

	expected := []string{
		"triage_http_requests_total",
		"triage_http_request_duration_seconds",
		"triage_http_request_size_bytes",
		"triage_http_response_size_bytes",
		"triage_run_starts_total",
		"triage_submissions_total",
		"triage_submission_duration_seconds",
		"triage_run_completions_total",
		"triage_run_reviews_total",
		"triage_run_conflicts_total",
		"triage_runs",
		"triage_runs_abandoned",
		"triage_definition_load_total",
		"triage_definitions_loaded",
		"triage_flow_publishes_total",
	}

	// Record a value for each metric so they appear in Gather.
	m.RecordHTTPRequest("GET", "/test", 200, time.Millisecond, 0, 100)
	m.RecordRunStart("trt")
	m.RecordSubmission("trt", OutcomeAdvanced, time.Millisecond)
	m.RecordRunCompletion("trt")
	m.RecordReview(model.RunStatusReviewed)
	m.RecordRunConflict("position")
	m.SetRunsByStatus(map[model.RunStatus]int{model.RunStatusDraft: 1})
	m.SetStaleDrafts(2)
	m.RecordDefinitionLoad("success")
	m.SetDefinitionsLoaded(5)
	m.RecordPublish("published")

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}

	for _, name := range expected {
		if !names[name] {
			t.Errorf("metric %q not registered", name)
		}
	}
}

func TestRecordHTTPRequest(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordHTTPRequest("GET", "/v1/runs/{runId}", 200, 50*time.Millisecond, 0, 1024)
	m.RecordHTTPRequest("GET", "/v1/runs/{runId}", 200, 100*time.Millisecond, 0, 2048)
	m.RecordHTTPRequest("POST", "/v1/runs/{runId}/submit", 409, 200*time.Millisecond, 512, 256)

	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/v1/runs/{runId}", "200"))
	if val != 2 {
		t.Errorf("GET requests = %v, want 2", val)
	}
	val = testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("POST", "/v1/runs/{runId}/submit", "409"))
	if val != 1 {
		t.Errorf("POST requests = %v, want 1", val)
	}
}

func TestRecordSubmission(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordSubmission("trt", OutcomeAdvanced, 5*time.Millisecond)
	m.RecordSubmission("trt", OutcomeAdvanced, 6*time.Millisecond)
	m.RecordSubmission("trt", OutcomeRejected, time.Millisecond)

	if v := testutil.ToFloat64(m.SubmissionsTotal.WithLabelValues("trt", OutcomeAdvanced)); v != 2 {
		t.Errorf("advanced = %v, want 2", v)
	}
	if v := testutil.ToFloat64(m.SubmissionsTotal.WithLabelValues("trt", OutcomeRejected)); v != 1 {
		t.Errorf("rejected = %v, want 1", v)
	}
	if count := testutil.CollectAndCount(m.SubmissionDuration); count == 0 {
		t.Error("expected submission duration histogram to have observations")
	}
}

func TestRecordRunLifecycle(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordRunStart("trt")
	m.RecordRunStart("trt")
	m.RecordRunCompletion("trt")
	m.RecordReview(model.RunStatusArchived)

	if v := testutil.ToFloat64(m.RunStartsTotal.WithLabelValues("trt")); v != 2 {
		t.Errorf("starts = %v, want 2", v)
	}
	if v := testutil.ToFloat64(m.RunCompletionsTotal.WithLabelValues("trt")); v != 1 {
		t.Errorf("completions = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.RunReviewsTotal.WithLabelValues("ARCHIVED")); v != 1 {
		t.Errorf("archived reviews = %v, want 1", v)
	}
}

func TestRecordRunConflict(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordRunConflict("locked")
	m.RecordRunConflict("version")
	m.RecordRunConflict("version")

	if v := testutil.ToFloat64(m.RunConflictsTotal.WithLabelValues("version")); v != 2 {
		t.Errorf("version conflicts = %v, want 2", v)
	}
}

func TestSetRunsByStatus_resetsMissing(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.SetRunsByStatus(map[model.RunStatus]int{model.RunStatusDraft: 3, model.RunStatusCompleted: 2})
	m.SetRunsByStatus(map[model.RunStatus]int{model.RunStatusCompleted: 4})

	if v := testutil.ToFloat64(m.RunsByStatus.WithLabelValues("DRAFT")); v != 0 {
		t.Errorf("DRAFT = %v, want 0 after reset", v)
	}
	if v := testutil.ToFloat64(m.RunsByStatus.WithLabelValues("COMPLETED")); v != 4 {
		t.Errorf("COMPLETED = %v, want 4", v)
	}
	if count := testutil.CollectAndCount(m.RunsByStatus); count != 4 {
		t.Errorf("status series = %d, want 4", count)
	}
}

func TestSetStaleDrafts(t *testing.T) {
	m, _ := newTestMetrics(t)
	m.SetStaleDrafts(7)
	if v := testutil.ToFloat64(m.StaleDraftRuns); v != 7 {
		t.Errorf("stale drafts = %v, want 7", v)
	}
}

func TestRecordDefinitionLoad(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordDefinitionLoad("success")
	m.RecordDefinitionLoad("success")
	m.RecordDefinitionLoad("failure")
	m.SetDefinitionsLoaded(2)

	if v := testutil.ToFloat64(m.DefinitionLoadTotal.WithLabelValues("success")); v != 2 {
		t.Errorf("success loads = %v, want 2", v)
	}
	if v := testutil.ToFloat64(m.DefinitionsLoaded); v != 2 {
		t.Errorf("definitions loaded = %v, want 2", v)
	}
}

func TestRecordPublish(t *testing.T) {
	m, _ := newTestMetrics(t)
	m.RecordPublish("rejected")
	if v := testutil.ToFloat64(m.FlowPublishesTotal.WithLabelValues("rejected")); v != 1 {
		t.Errorf("rejected publishes = %v, want 1", v)
	}
}

func TestMetrics_nilIsSafe(t *testing.T) {
	var m *Metrics
	m.RecordHTTPRequest("GET", "/", 200, 0, 0, 0)
	m.RecordRunStart("trt")
	m.RecordSubmission("trt", OutcomeFailed, 0)
	m.RecordRunCompletion("trt")
	m.RecordReview(model.RunStatusReviewed)
	m.RecordRunConflict("locked")
	m.SetRunsByStatus(nil)
	m.SetStaleDrafts(1)
	m.RecordDefinitionLoad("success")
	m.SetDefinitionsLoaded(1)
	m.RecordPublish("published")
}

func TestMetricsMiddleware_recordsRequestMetrics(t *testing.T) {
	m, _ := newTestMetrics(t)

	// Build a chi router so route patterns are captured.
	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Get("/v1/runs/{runId}", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/runs/abc", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	// Verify metrics were recorded with the route pattern, not the actual path.
	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/v1/runs/{runId}", "200"))
	if val != 1 {
		t.Errorf("requests total = %v, want 1", val)
	}
}

func TestMetricsMiddleware_nestedRoutes(t *testing.T) {
	m, _ := newTestMetrics(t)

	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Route("/v1", func(r chi.Router) {
		r.Route("/admin", func(r chi.Router) {
			r.Put("/flows/{flowId}", func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusOK)
			})
		})
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPut, "/v1/admin/flows/trt", nil))

	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("PUT", "/v1/admin/flows/{flowId}", "200"))
	if val != 1 {
		t.Errorf("requests total = %v, want 1", val)
	}
}

func TestMetricsMiddleware_capturesResponseSize(t *testing.T) {
	m, _ := newTestMetrics(t)

	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("healthy"))
	})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	count := testutil.CollectAndCount(m.HTTPResponseSizeBytes)
	if count == 0 {
		t.Error("expected response size histogram to have observations")
	}
}

func TestMetricsMiddleware_capturesStatusCode(t *testing.T) {
	m, _ := newTestMetrics(t)

	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Post("/v1/runs/{runId}/submit", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/runs/abc/submit", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("POST", "/v1/runs/{runId}/submit", "409"))
	if val != 1 {
		t.Errorf("409 requests = %v, want 1", val)
	}
}

func TestMetricsMiddleware_fallsBackToPath(t *testing.T) {
	m, _ := newTestMetrics(t)

	// Use middleware directly without chi router.
	handler := m.MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/raw/path", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/raw/path", "200"))
	if val != 1 {
		t.Errorf("raw path requests = %v, want 1", val)
	}
}

func TestHandler_servesMetrics(t *testing.T) {
	handler := Handler()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "go_") {
		t.Error("metrics response should contain go runtime metrics")
	}
}

func TestHandlerFor_servesRegistry(t *testing.T) {
	m, reg := newTestMetrics(t)
	m.RecordRunStart("trt")

	rec := httptest.NewRecorder()
	HandlerFor(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body := rec.Body.String()
	if !strings.Contains(body, `triage_run_starts_total{flow_id="trt"} 1`) {
		t.Errorf("metrics output missing run start counter:\n%s", body)
	}
	if strings.Contains(body, "go_goroutines") {
		t.Error("custom registry should not expose default collectors")
	}
}

func TestHistogramBuckets(t *testing.T) {
	if len(httpDurationBuckets) != 11 {
		t.Errorf("httpDurationBuckets length = %d, want 11", len(httpDurationBuckets))
	}
	if len(submitDurationBuckets) != 9 {
		t.Errorf("submitDurationBuckets length = %d, want 9", len(submitDurationBuckets))
	}
	if len(bodySizeBuckets) != 5 {
		t.Errorf("bodySizeBuckets length = %d, want 5", len(bodySizeBuckets))
	}

	for _, buckets := range [][]float64{httpDurationBuckets, submitDurationBuckets, bodySizeBuckets} {
		for i := 1; i < len(buckets); i++ {
			if buckets[i] <= buckets[i-1] {
				t.Errorf("buckets not sorted at index %d: %v", i, buckets)
			}
		}
	}
}
