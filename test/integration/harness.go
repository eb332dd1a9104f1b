// Package integration provides a reusable test harness for end-to-end
// testing of the triage service. It starts a full HTTP server over a real
// store and run lock, seeded with the bundled flow definitions.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/triage/internal/authoring"
	"github.com/pitabwire/triage/internal/condition"
	"github.com/pitabwire/triage/internal/config"
	"github.com/pitabwire/triage/internal/flow"
	"github.com/pitabwire/triage/internal/observability"
	"github.com/pitabwire/triage/internal/run"
	"github.com/pitabwire/triage/internal/steptype"
	"github.com/pitabwire/triage/internal/store"
	"github.com/pitabwire/triage/internal/transport"
	"github.com/pitabwire/triage/model"
)

// TRTFlow is the id of the bundled TRT assessment flow.
const TRTFlow = "trt-assessment"

// TestHarness encapsulates a fully wired service instance.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server

	// Internal components exposed for advanced test scenarios.
	Store      store.Store
	Engine     *run.Engine
	Authoring  *authoring.Service
	Graphs     *flow.Cache
	Metrics    *observability.Metrics
	Registry   *prometheus.Registry
	Conditions *condition.Recorder
	Redis      *miniredis.Miniredis
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	driver         string
	redisLock      bool
	lockWait       time.Duration
	definitionDirs []string
	requireActive  bool
	handlerTimeout time.Duration
}

// WithStore selects the store driver: "memory" (default) or "sqlite".
func WithStore(driver string) HarnessOption {
	return func(c *harnessConfig) {
		c.driver = driver
	}
}

// WithRedisLock serializes submissions with a Redis lock backed by an
// in-process miniredis server. wait bounds lock acquisition.
func WithRedisLock(wait time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.redisLock = true
		c.lockWait = wait
	}
}

// WithDefinitions sets the definition directories to seed from.
func WithDefinitions(dirs ...string) HarnessOption {
	return func(c *harnessConfig) {
		c.definitionDirs = dirs
	}
}

// WithRequireActive rejects runs of flows that are not ACTIVE.
func WithRequireActive() HarnessOption {
	return func(c *harnessConfig) {
		c.requireActive = true
	}
}

// NewTestHarness creates and starts a full test instance. The server and
// its backends are cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		driver:         "memory",
		handlerTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(hc)
	}
	if len(hc.definitionDirs) == 0 {
		hc.definitionDirs = []string{definitionsDir()}
	}

	h := &TestHarness{t: t}

	// Step 1: Open the store.
	switch hc.driver {
	case "memory":
		h.Store = store.NewMemoryStore()
	case "sqlite":
		s, err := store.OpenSQLiteStore(filepath.Join(t.TempDir(), "triage.db"))
		if err != nil {
			t.Fatalf("open sqlite store: %v", err)
		}
		h.Store = s
	default:
		t.Fatalf("unsupported store driver %q", hc.driver)
	}
	t.Cleanup(func() { h.Store.Close() })

	// Step 2: Load and seed definitions.
	defs, err := flow.NewLoader().LoadAll(hc.definitionDirs)
	if err != nil {
		t.Fatalf("load definitions: %v", err)
	}
	for _, def := range defs {
		if _, err := h.Store.SaveFlow(context.Background(), def.Flow); err != nil {
			t.Fatalf("seed %s: %v", def.Flow.ID, err)
		}
	}

	// Step 3: Build the run lock.
	var locker run.Locker = run.NewMemoryLocker(0)
	var lockHealth observability.HealthChecker
	if hc.redisLock {
		h.Redis = miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: h.Redis.Addr()})
		t.Cleanup(func() { client.Close() })
		rl := run.NewRedisLocker(client, 5*time.Second, hc.lockWait)
		locker, lockHealth = rl, rl
	}

	// Step 4: Build the engine and authoring service.
	h.Registry = prometheus.NewRegistry()
	h.Metrics = observability.InitMetrics(h.Registry)
	h.Conditions = &condition.Recorder{}
	registry := steptype.DefaultRegistry()
	h.Graphs = flow.NewCache(h.Store, 0)
	evaluator := condition.NewEvaluator(condition.WithTracer(h.Conditions))
	h.Engine = run.NewEngine(h.Graphs, flow.NewSelector(evaluator), registry, h.Store, locker, nil,
		run.WithMetrics(h.Metrics),
		run.WithRequireActive(hc.requireActive),
	)
	h.Authoring = authoring.NewService(h.Store, h.Graphs, flow.NewValidator(registry), nil, h.Metrics)

	// Step 5: Build router with the full middleware chain.
	cfg := config.Defaults()
	cfg.Server.HandlerTimeout = hc.handlerTimeout
	cfg.Observability.Tracing.Enabled = false

	router := transport.NewRouter(transport.Dependencies{
		Config:    cfg,
		Metrics:   h.Metrics,
		Gatherer:  h.Registry,
		Engine:    h.Engine,
		Authoring: h.Authoring,
		Ready: observability.ReadinessChecks{
			DefinitionsLoaded: func() bool { return len(defs) > 0 },
			Store:             observability.HealthCheckFunc(h.Store.Ping),
			Locker:            lockHealth,
		},
	})

	// Step 6: Start test server.
	h.server = httptest.NewServer(router)
	t.Cleanup(h.server.Close)

	return h
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// --- HTTP client helpers ---

// GET performs a GET request as subject.
func (h *TestHarness) GET(path, subject string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodGet, path, nil, subject)
}

// POST performs a POST request with a JSON body as subject.
func (h *TestHarness) POST(path string, body any, subject string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPost, path, body, subject)
}

// PUT performs a PUT request with a JSON body as subject.
func (h *TestHarness) PUT(path string, body any, subject string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPut, path, body, subject)
}

// DELETE performs a DELETE request as subject.
func (h *TestHarness) DELETE(path, subject string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodDelete, path, nil, subject)
}

func (h *TestHarness) doRequest(method, path string, body any, subject string) *http.Response {
	h.t.Helper()

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, h.server.URL+path, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}
	if subject != "" {
		req.Header.Set(transport.HeaderSubjectID, subject)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// AssertStatus checks that the response has the expected status code.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != expected {
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// AssertError checks the status and error code of an error response.
func (h *TestHarness) AssertError(t *testing.T, resp *http.Response, status int, code string) {
	t.Helper()
	var body struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	h.AssertJSON(t, resp, status, &body)
	if body.Error.Code != code {
		t.Errorf("error code = %q, want %q (%s)", body.Error.Code, code, body.Error.Message)
	}
}

// --- Run helpers ---

// StartResponse is the body returned when a run starts.
type StartResponse struct {
	Run         model.Run  `json:"run"`
	CurrentStep model.Step `json:"current_step"`
}

// StartRun starts a run of flowID for subject and fails the test on error.
func (h *TestHarness) StartRun(t *testing.T, flowID, subject string) StartResponse {
	t.Helper()
	var out StartResponse
	h.AssertJSON(t, h.POST("/v1/flows/"+flowID+"/start", nil, subject), http.StatusCreated, &out)
	return out
}

// Submit posts a response for stepID.
func (h *TestHarness) Submit(runID, stepID string, response any) *http.Response {
	h.t.Helper()
	return h.POST("/v1/runs/"+runID+"/submit", map[string]any{
		"current_step_id": stepID,
		"response":        response,
	}, "")
}

// MustSubmit submits and decodes a successful result.
func (h *TestHarness) MustSubmit(t *testing.T, runID, stepID string, response any) model.SubmitResult {
	t.Helper()
	var out model.SubmitResult
	h.AssertJSON(t, h.Submit(runID, stepID, response), http.StatusOK, &out)
	return out
}

// Answer is one scripted submission.
type Answer struct {
	StepID   string
	Response any
}

// Walk submits answers in order, checking that each one lands on the next
// scripted step, and returns the final result.
func (h *TestHarness) Walk(t *testing.T, runID string, answers []Answer) model.SubmitResult {
	t.Helper()
	var res model.SubmitResult
	for i, a := range answers {
		res = h.MustSubmit(t, runID, a.StepID, a.Response)
		if i+1 < len(answers) {
			if res.NextStep == nil {
				t.Fatalf("after %s: run completed early", a.StepID)
			}
			if res.NextStep.ID != answers[i+1].StepID {
				t.Fatalf("after %s: next step = %q, want %q", a.StepID, res.NextStep.ID, answers[i+1].StepID)
			}
		}
	}
	return res
}

// --- Fixtures ---

// EligibleTRTAnswers walks the TRT assessment through lab work and treatment
// selection to provider review.
func EligibleTRTAnswers() []Answer {
	return []Answer{
		{"welcome", nil},
		{"age", 42},
		{"symptoms", []string{"low_energy", "decreased_libido"}},
		{"severity", "severe"},
		{"lab-info", nil},
		{"treatment", "trt_basic"},
		{"provider-review", nil},
	}
}

// MildTRTAnswers walks the TRT assessment to the alternative care page.
func MildTRTAnswers() []Answer {
	return []Answer{
		{"welcome", nil},
		{"age", "35"},
		{"symptoms", []string{"sleep_issues"}},
		{"severity", "mild"},
		{"alternative-care", nil},
	}
}

// definitionsDir returns the absolute path to the bundled definitions.
func definitionsDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "..", "..", "definitions")
}

// FormatJSON converts a value to indented JSON for test output.
func FormatJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
