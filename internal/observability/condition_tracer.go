package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/pitabwire/triage/internal/condition"
)

// ZapConditionTracer logs every condition evaluation at debug level.
type ZapConditionTracer struct {
	logger *zap.Logger
}

// NewZapConditionTracer creates a tracer logging to logger. The request
// logger carried by ctx takes precedence when present.
func NewZapConditionTracer(logger *zap.Logger) *ZapConditionTracer {
	return &ZapConditionTracer{logger: logger}
}

// TraceCondition implements condition.Tracer.
func (t *ZapConditionTracer) TraceCondition(ctx context.Context, tr condition.ConditionTrace) {
	logger := LoggerFrom(ctx, t.logger)
	if !logger.Core().Enabled(zap.DebugLevel) {
		return
	}
	logger.Debug("condition evaluated",
		zap.String("logic", string(tr.Logic)),
		zap.Bool("result", tr.Result),
		zap.String("reason", tr.Reason),
		zap.Int("rules", len(tr.Rules)),
	)
	for i, r := range tr.Rules {
		logger.Debug("rule evaluated",
			zap.Int("rule", i),
			zap.String("step_id", r.StepID),
			zap.String("path", r.Path),
			zap.String("operator", string(r.Operator)),
			zap.Any("expected", r.Expected),
			zap.Any("actual", r.Actual),
			zap.Bool("found", r.Found),
			zap.Bool("result", r.Result),
			zap.String("reason", r.Reason),
		)
	}
}

// SpanConditionTracer records each condition evaluation as an event on the
// active span. Spans that are not recording are left untouched.
type SpanConditionTracer struct{}

// TraceCondition implements condition.Tracer.
func (SpanConditionTracer) TraceCondition(ctx context.Context, tr condition.ConditionTrace) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("condition.logic", string(tr.Logic)),
		attribute.Bool("condition.result", tr.Result),
		attribute.String("condition.reason", tr.Reason),
	}
	for i, r := range tr.Rules {
		prefix := fmt.Sprintf("condition.rule.%d.", i)
		attrs = append(attrs,
			attribute.String(prefix+"step_id", r.StepID),
			attribute.String(prefix+"path", r.Path),
			attribute.String(prefix+"operator", string(r.Operator)),
			attribute.Bool(prefix+"result", r.Result),
			attribute.String(prefix+"reason", r.Reason),
		)
	}
	span.AddEvent("condition.evaluated", trace.WithAttributes(attrs...))
}
