package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pitabwire/triage/internal/authoring"
	"github.com/pitabwire/triage/internal/condition"
	"github.com/pitabwire/triage/internal/config"
	"github.com/pitabwire/triage/internal/flow"
	"github.com/pitabwire/triage/internal/observability"
	"github.com/pitabwire/triage/internal/run"
	"github.com/pitabwire/triage/internal/steptype"
	"github.com/pitabwire/triage/internal/store"
	"github.com/pitabwire/triage/model"
)

const trtFlow = "trt-assessment"

type testServer struct {
	handler http.Handler
	store   *store.MemoryStore
	reg     *prometheus.Registry
}

// newTestServer wires the full router over a memory store seeded with the
// TRT assessment definition.
func newTestServer(t *testing.T) *testServer {
	t.Helper()
	def, err := flow.NewLoader().LoadFile("../../definitions/trt_assessment.yaml")
	if err != nil {
		t.Fatalf("load definition: %v", err)
	}
	s := store.NewMemoryStore()
	if _, err := s.SaveFlow(context.Background(), def.Flow); err != nil {
		t.Fatalf("seed flow: %v", err)
	}

	reg := prometheus.NewRegistry()
	metrics := observability.InitMetrics(reg)
	registry := steptype.DefaultRegistry()
	graphs := flow.NewCache(s, 0)
	engine := run.NewEngine(graphs, flow.NewSelector(condition.NewEvaluator()), registry, s,
		run.NewMemoryLocker(0), nil, run.WithMetrics(metrics))
	svc := authoring.NewService(s, graphs, flow.NewValidator(registry), nil, metrics)

	cfg := config.Defaults()
	cfg.Observability.Tracing.Enabled = false
	h := NewRouter(Dependencies{
		Config:    cfg,
		Metrics:   metrics,
		Gatherer:  reg,
		Engine:    engine,
		Authoring: svc,
		Ready: observability.ReadinessChecks{
			DefinitionsLoaded: func() bool { return true },
			Store:             observability.HealthCheckFunc(s.Ping),
		},
	})
	return &testServer{handler: h, store: s, reg: reg}
}

// do sends a request with an optional JSON body and gateway subject.
func (ts *testServer) do(t *testing.T, method, path string, body any, subject string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if subject != "" {
		req.Header.Set(HeaderSubjectID, subject)
	}
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, w.Body.String())
	}
	return v
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	resp := decodeBody[struct {
		Error model.ErrorEnvelope `json:"error"`
	}](t, w)
	return resp.Error.Code
}

// --- Router tests ---

func TestNewRouter_health(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, "GET", "/healthz", nil, "")

	if w.Code != 200 {
		t.Errorf("status = %d, want 200", w.Code)
	}
	body := decodeBody[map[string]string](t, w)
	if body["status"] != "ok" {
		t.Errorf("status = %q, want ok", body["status"])
	}
}

func TestNewRouter_ready(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, "GET", "/readyz", nil, "")

	if w.Code != 200 {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	body := decodeBody[observability.ReadinessResponse](t, w)
	if body.Checks["store"].Status != "ok" {
		t.Errorf("store check = %+v, want ok", body.Checks["store"])
	}
}

func TestNewRouter_metrics(t *testing.T) {
	ts := newTestServer(t)
	ts.do(t, "POST", "/v1/flows/"+trtFlow+"/start", nil, "patient-1")

	w := ts.do(t, "GET", "/metrics", nil, "")
	if w.Code != 200 {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), "triage_run_starts_total") {
		t.Errorf("metrics output missing triage_run_starts_total")
	}
}

func TestNewRouter_routesAreRegistered(t *testing.T) {
	ts := newTestServer(t)

	routes := []struct {
		method string
		path   string
	}{
		{"GET", "/v1/flows/x"},
		{"POST", "/v1/flows/x/start"},
		{"GET", "/v1/runs"},
		{"GET", "/v1/runs/x"},
		{"GET", "/v1/runs/x/status"},
		{"POST", "/v1/runs/x/submit"},
		{"PUT", "/v1/admin/runs/x/review"},
		{"GET", "/v1/admin/flows"},
		{"PUT", "/v1/admin/flows/x"},
		{"PUT", "/v1/admin/flows/x/start-step"},
		{"POST", "/v1/admin/flows/x/steps"},
		{"PUT", "/v1/admin/flows/x/steps/y"},
		{"DELETE", "/v1/admin/flows/x/steps/y"},
		{"POST", "/v1/admin/flows/x/transitions"},
		{"PUT", "/v1/admin/flows/x/transitions/y"},
		{"DELETE", "/v1/admin/flows/x/transitions/y"},
		{"POST", "/v1/admin/flows/x/validate"},
		{"POST", "/v1/admin/flows/x/publish"},
		{"POST", "/v1/admin/flows/x/unpublish"},
	}
	for _, rt := range routes {
		w := ts.do(t, rt.method, rt.path, nil, "patient-1")
		if w.Code == http.StatusMethodNotAllowed {
			t.Errorf("%s %s: 405, route not registered", rt.method, rt.path)
			continue
		}
		if w.Code == http.StatusNotFound && w.Body.Len() > 0 {
			if code := errorCode(t, w); code == model.ErrNotFound {
				t.Errorf("%s %s: route not found", rt.method, rt.path)
			}
		}
	}
}

func TestNewRouter_unknownRoute(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, "GET", "/v1/nowhere", nil, "")
	if w.Code != 404 {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	if code := errorCode(t, w); code != model.ErrNotFound {
		t.Errorf("code = %q, want NOT_FOUND", code)
	}
}

func TestNewRouter_methodNotAllowed(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, "DELETE", "/v1/runs", nil, "")
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", w.Code)
	}
}

func TestNewRouter_correlationHeader(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, "GET", "/healthz", nil, "")
	if w.Header().Get(HeaderCorrelationID) == "" {
		t.Error("expected X-Correlation-Id on response")
	}
}

func TestNewRouter_bodyLimit(t *testing.T) {
	ts := newTestServer(t)
	huge := map[string]any{"subject_id": strings.Repeat("x", 2<<20)}
	w := ts.do(t, "POST", "/v1/flows/"+trtFlow+"/start", huge, "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestNewRouter_nilConfigUsesDefaults(t *testing.T) {
	r := NewRouter(Dependencies{Gatherer: prometheus.NewRegistry()})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/healthz", nil))
	if w.Code != 200 {
		t.Errorf("status = %d, want 200", w.Code)
	}
}
