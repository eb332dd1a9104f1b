package observability

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/triage/internal/config"
	"github.com/pitabwire/triage/internal/steptype"
	"github.com/pitabwire/triage/model"
)

// ServiceName identifies the service in log entries and traces.
const ServiceName = "triage"

// Redacted replaces answer values that must not reach the logs.
const Redacted = "[REDACTED]"

// NewLogger creates the JSON service logger. Every entry carries the service
// name and build version.
//
// Levels:
//   - error: store or lock failures, panics, 5xx responses
//   - warn:  rejected submissions, lock conflicts, rejected publishes, 4xx
//   - info:  request summaries, run start/advance/completion/review
//   - debug: condition traces and redacted submissions
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	zapCfg.Sampling = nil
	zapCfg.EncoderConfig.TimeKey = "timestamp"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zapCfg.EncoderConfig.EncodeDuration = zapcore.MillisDurationEncoder
	zapCfg.InitialFields = map[string]any{
		"service": ServiceName,
		"version": Version,
	}
	return zapCfg.Build()
}

type loggerKey struct{}

// WithLogger stores a request-scoped logger in the context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the logger stored in the context, or fallback.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return fallback
}

// RequestLogger returns the logger the transport layer stored for this
// request. Outside a request it derives one from fallback and whatever
// RequestContext ctx carries.
func RequestLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	if fallback == nil {
		fallback = zap.NewNop()
	}
	return fallback.With(RequestFields(ctx)...)
}

// RequestFields returns the caller identity fields of ctx. Empty values are
// left out.
func RequestFields(ctx context.Context) []zap.Field {
	rctx := model.RequestContextFrom(ctx)
	if rctx == nil {
		return nil
	}
	var fields []zap.Field
	if rctx.SubjectID != "" {
		fields = append(fields, zap.String("subject_id", rctx.SubjectID))
	}
	if rctx.CorrelationID != "" {
		fields = append(fields, zap.String("correlation_id", rctx.CorrelationID))
	}
	if rctx.TraceID != "" {
		fields = append(fields, zap.String("trace_id", rctx.TraceID))
	}
	return fields
}

// RunFields describes a run in log entries. The subject is left out; it is
// logged once per request by RequestFields.
func RunFields(run model.Run) []zap.Field {
	return []zap.Field{
		zap.String("run_id", run.ID),
		zap.String("flow_id", run.FlowID),
		zap.Int("flow_version", run.FlowVersion),
		zap.String("run_status", string(run.Status)),
		zap.String("current_step_id", run.CurrentStepID),
	}
}

// RunLogger is RequestLogger with the fields of run attached.
func RunLogger(ctx context.Context, fallback *zap.Logger, run model.Run) *zap.Logger {
	return RequestLogger(ctx, fallback).With(RunFields(run)...)
}

// identifyingKeys name answer fields that identify a patient wherever they
// appear in a submission.
var identifyingKeys = map[string]bool{
	"name":                  true,
	"full_name":             true,
	"first_name":            true,
	"last_name":             true,
	"date_of_birth":         true,
	"dob":                   true,
	"email":                 true,
	"phone":                 true,
	"address":               true,
	"ssn":                   true,
	"insurance_id":          true,
	"medical_record_number": true,
	"card_number":           true,
	"notes":                 true,
}

// freeTextKinds are question kinds whose answers are typed by the patient
// rather than picked from options.
var freeTextKinds = map[string]bool{
	steptype.KindText:     true,
	steptype.KindTextarea: true,
	steptype.KindDate:     true,
}

// RedactSubmission returns a copy of a normalized submission that is safe to
// log. Answers to free-text questions, and to any step configured with
// "sensitive: true", are replaced entirely. Elsewhere only identifying keys
// are replaced, at any depth, so option codes and numbers that drive routing
// stay readable.
func RedactSubmission(step model.Step, data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	if sensitiveStep(step) {
		out := make(map[string]any, len(data))
		for k := range data {
			out[k] = Redacted
		}
		return out
	}
	return redactKeys(data)
}

func sensitiveStep(step model.Step) bool {
	if flag, _ := step.Config["sensitive"].(bool); flag {
		return true
	}
	if step.Type != model.StepTypeQuestion {
		return false
	}
	kind, _ := step.Config["questionType"].(string)
	return freeTextKinds[kind]
}

func redactKeys(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		if identifyingKeys[strings.ToLower(k)] {
			out[k] = Redacted
			continue
		}
		out[k] = redactValue(v)
	}
	return out
}

func redactValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return redactKeys(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = redactValue(item)
		}
		return out
	}
	return v
}
