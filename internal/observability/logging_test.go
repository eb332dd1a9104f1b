package observability

import (
	"context"
	"reflect"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pitabwire/triage/internal/config"
	"github.com/pitabwire/triage/internal/steptype"
	"github.com/pitabwire/triage/model"
)

func TestNewLogger_levels(t *testing.T) {
	tests := []struct {
		level     string
		wantDebug bool
	}{
		{"debug", true},
		{"info", false},
		{"warn", false},
		{"bogus", false},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			logger, err := NewLogger(config.ObservabilityConfig{LogLevel: tt.level})
			if err != nil {
				t.Fatalf("NewLogger() error = %v", err)
			}
			defer logger.Sync()

			if got := logger.Core().Enabled(zapcore.DebugLevel); got != tt.wantDebug {
				t.Errorf("debug enabled = %v, want %v", got, tt.wantDebug)
			}
			if !logger.Core().Enabled(zapcore.WarnLevel) {
				t.Error("warn should always be enabled")
			}
		})
	}
}

// --- Request and run loggers ---

func patientContext() context.Context {
	return model.WithRequestContext(context.Background(), &model.RequestContext{
		SubjectID:     "patient-7",
		CorrelationID: "corr-1",
		TraceID:       "trace-1",
	})
}

func TestRequestLogger_addsIdentityFields(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)

	RequestLogger(patientContext(), zap.New(core)).Info("run started")

	fields := logs.All()[0].ContextMap()
	want := map[string]any{"subject_id": "patient-7", "correlation_id": "corr-1", "trace_id": "trace-1"}
	if !reflect.DeepEqual(fields, want) {
		t.Errorf("fields = %v, want %v", fields, want)
	}
}

func TestRequestLogger_omitsEmptyIdentity(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	ctx := model.WithRequestContext(context.Background(), &model.RequestContext{CorrelationID: "corr-2"})

	RequestLogger(ctx, zap.New(core)).Info("request")

	fields := logs.All()[0].ContextMap()
	if _, ok := fields["subject_id"]; ok {
		t.Errorf("fields = %v, anonymous requests should not log a subject", fields)
	}
	if fields["correlation_id"] != "corr-2" {
		t.Errorf("correlation_id = %v, want corr-2", fields["correlation_id"])
	}
}

func TestRequestLogger_prefersStoredLogger(t *testing.T) {
	fallbackCore, fallbackLogs := observer.New(zapcore.InfoLevel)
	scopedCore, scopedLogs := observer.New(zapcore.InfoLevel)
	ctx := WithLogger(patientContext(), zap.New(scopedCore).With(zap.String("route", "/v1/runs/{runID}")))

	RequestLogger(ctx, zap.New(fallbackCore)).Info("run advanced")

	if fallbackLogs.Len() != 0 {
		t.Errorf("fallback entries = %d, want 0", fallbackLogs.Len())
	}
	if got := scopedLogs.All()[0].ContextMap()["route"]; got != "/v1/runs/{runID}" {
		t.Errorf("route = %v, want the stored logger's fields", got)
	}
}

func TestRequestLogger_nilFallback(t *testing.T) {
	RequestLogger(context.Background(), nil).Info("dropped")
}

func TestLoggerFrom_fallback(t *testing.T) {
	fallback := zap.NewNop()
	if got := LoggerFrom(context.Background(), fallback); got != fallback {
		t.Error("LoggerFrom() should return the fallback when none is stored")
	}
}

func TestRunLogger_fields(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	run := model.Run{
		ID: "run-9", FlowID: "trt-assessment", FlowVersion: 3, SubjectID: "patient-7",
		Status: model.RunStatusDraft, CurrentStepID: "severity",
	}

	RunLogger(context.Background(), zap.New(core), run).Info("run advanced")

	fields := logs.All()[0].ContextMap()
	want := map[string]any{
		"run_id":          "run-9",
		"flow_id":         "trt-assessment",
		"flow_version":    int64(3),
		"run_status":      "DRAFT",
		"current_step_id": "severity",
	}
	if !reflect.DeepEqual(fields, want) {
		t.Errorf("fields = %v, want %v", fields, want)
	}
}

// --- Submission redaction ---

func question(kind string) model.Step {
	return model.Step{
		ID:     "q",
		Type:   model.StepTypeQuestion,
		Config: map[string]any{"questionType": kind},
	}
}

func TestRedactSubmission_routingAnswersStayReadable(t *testing.T) {
	tests := []struct {
		name string
		step model.Step
		data map[string]any
	}{
		{"number", question(steptype.KindNumber), map[string]any{"value": 42.0}},
		{"single select", question(steptype.KindSingleSelect), map[string]any{"value": "severe"}},
		{"multi select", question(steptype.KindMultiSelect), map[string]any{"value": []any{"low_energy", "mood_changes"}}},
		{"checkout", model.Step{Type: model.StepTypeCheckout}, map[string]any{"value": "trt_basic"}},
		{"consent", model.Step{Type: model.StepTypeConsent}, map[string]any{"acknowledged": true, "accepted": true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RedactSubmission(tt.step, tt.data); !reflect.DeepEqual(got, tt.data) {
				t.Errorf("RedactSubmission() = %v, want %v", got, tt.data)
			}
		})
	}
}

func TestRedactSubmission_freeTextAnswers(t *testing.T) {
	for _, kind := range []string{steptype.KindText, steptype.KindTextarea, steptype.KindDate} {
		got := RedactSubmission(question(kind), map[string]any{"value": "I have felt tired since March"})
		if got["value"] != Redacted {
			t.Errorf("%s answer = %v, want %s", kind, got["value"], Redacted)
		}
	}
}

func TestRedactSubmission_sensitiveStep(t *testing.T) {
	step := question(steptype.KindSingleSelect)
	step.Config["sensitive"] = true

	got := RedactSubmission(step, map[string]any{"value": "hiv_positive"})
	if got["value"] != Redacted {
		t.Errorf("value = %v, want %s", got["value"], Redacted)
	}
}

func TestRedactSubmission_identifyingKeysAtAnyDepth(t *testing.T) {
	data := map[string]any{
		"plan": "trt_basic",
		"shipping": map[string]any{
			"Address": "1 Main St",
			"method":  "express",
		},
		"contacts": []any{map[string]any{"email": "p@example.com", "preferred": true}},
		"dob":      "1980-01-01",
	}
	step := model.Step{Type: "INTAKE_FORM"}

	got := RedactSubmission(step, data)
	want := map[string]any{
		"plan": "trt_basic",
		"shipping": map[string]any{
			"Address": Redacted,
			"method":  "express",
		},
		"contacts": []any{map[string]any{"email": Redacted, "preferred": true}},
		"dob":      Redacted,
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("RedactSubmission() = %v, want %v", got, want)
	}
	if data["dob"] != "1980-01-01" {
		t.Error("RedactSubmission() should not modify its input")
	}
}

func TestRedactSubmission_nil(t *testing.T) {
	if got := RedactSubmission(question(steptype.KindText), nil); got != nil {
		t.Errorf("RedactSubmission(nil) = %v, want nil", got)
	}
}
