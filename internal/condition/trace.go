package condition

import (
	"context"
	"sync"

	"github.com/pitabwire/triage/model"
)

// RuleTrace records how one rule was evaluated.
type RuleTrace struct {
	StepID   string         `json:"step_id"`
	Path     string         `json:"path"`
	Operator model.Operator `json:"operator"`
	Expected any            `json:"expected"`
	Actual   any            `json:"actual,omitempty"`
	Found    bool           `json:"found"`
	Result   bool           `json:"result"`
	Reason   string         `json:"reason"`
	Detail   string         `json:"detail,omitempty"`
}

// ConditionTrace records how a whole condition was evaluated.
type ConditionTrace struct {
	Logic  model.Logic `json:"logic"`
	Rules  []RuleTrace `json:"rules"`
	Result bool        `json:"result"`
	Reason string      `json:"reason"`
}

// Tracer observes condition evaluations. Implementations must not block and
// cannot influence the outcome.
type Tracer interface {
	TraceCondition(ctx context.Context, trace ConditionTrace)
}

// TracerFunc adapts a function to the Tracer interface.
type TracerFunc func(ctx context.Context, trace ConditionTrace)

// TraceCondition implements Tracer.
func (f TracerFunc) TraceCondition(ctx context.Context, trace ConditionTrace) {
	f(ctx, trace)
}

// MultiTracer fans a trace out to several tracers.
type MultiTracer []Tracer

// TraceCondition implements Tracer.
func (m MultiTracer) TraceCondition(ctx context.Context, trace ConditionTrace) {
	for _, t := range m {
		if t != nil {
			t.TraceCondition(ctx, trace)
		}
	}
}

// Recorder is a Tracer that keeps every trace in memory.
type Recorder struct {
	mu     sync.Mutex
	traces []ConditionTrace
}

// TraceCondition implements Tracer.
func (r *Recorder) TraceCondition(_ context.Context, trace ConditionTrace) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.traces = append(r.traces, trace)
}

// Traces returns a copy of the recorded traces.
func (r *Recorder) Traces() []ConditionTrace {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ConditionTrace, len(r.traces))
	copy(out, r.traces)
	return out
}

// Reset discards recorded traces.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.traces = nil
}
