// Package condition evaluates transition conditions against the responses a
// run has accumulated.
//
// Evaluation is fail-closed: a rule that references a missing response, an
// unresolvable path, a non-numeric operand for an ordering operator, or an
// unknown operator evaluates to false. Evaluate never returns an error and
// never panics.
package condition

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"

	"github.com/pitabwire/triage/model"
)

// Rule outcome reasons reported through the Tracer.
const (
	ReasonEvaluated       = "evaluated"
	ReasonNoResponse      = "no_response"
	ReasonPathUnresolved  = "path_unresolved"
	ReasonNonNumeric      = "non_numeric"
	ReasonNotArray        = "not_array"
	ReasonUnknownOperator = "unknown_operator"
	ReasonUnknownLogic    = "unknown_logic"
	ReasonPanic           = "panic"
)

// Evaluator evaluates conditions. The zero value is usable and traces nothing.
type Evaluator struct {
	tracer Tracer
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithTracer installs a trace hook that observes every evaluation.
func WithTracer(t Tracer) Option {
	return func(e *Evaluator) {
		e.tracer = t
	}
}

// NewEvaluator creates an Evaluator.
func NewEvaluator(opts ...Option) *Evaluator {
	e := &Evaluator{}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate reports whether cond holds for the given responses. A nil condition
// always holds. Responses must be ordered by creation; when a step has been
// answered more than once the latest answer is used.
func (e *Evaluator) Evaluate(ctx context.Context, cond *model.Condition, responses []model.StepResponse) bool {
	if cond == nil {
		return true
	}

	logic := model.Logic(strings.ToUpper(string(cond.EffectiveLogic())))
	traces := make([]RuleTrace, 0, len(cond.Rules))
	results := make([]bool, 0, len(cond.Rules))
	for _, rule := range cond.Rules {
		rt := e.evaluateRule(rule, responses)
		traces = append(traces, rt)
		results = append(results, rt.Result)
	}

	result, reason := combine(logic, results)
	if e.tracer != nil {
		e.tracer.TraceCondition(ctx, ConditionTrace{
			Logic:  logic,
			Rules:  traces,
			Result: result,
			Reason: reason,
		})
	}
	return result
}

func combine(logic model.Logic, results []bool) (bool, string) {
	switch logic {
	case model.LogicAnd:
		for _, r := range results {
			if !r {
				return false, ReasonEvaluated
			}
		}
		return true, ReasonEvaluated
	case model.LogicOr:
		for _, r := range results {
			if r {
				return true, ReasonEvaluated
			}
		}
		return false, ReasonEvaluated
	default:
		return false, ReasonUnknownLogic
	}
}

func (e *Evaluator) evaluateRule(rule model.Rule, responses []model.StepResponse) (rt RuleTrace) {
	rt = RuleTrace{
		StepID:   rule.StepID,
		Path:     rule.Path,
		Operator: rule.Operator,
		Expected: rule.Value,
	}
	defer func() {
		if r := recover(); r != nil {
			rt.Result = false
			rt.Reason = ReasonPanic
			rt.Detail = fmt.Sprint(r)
		}
	}()

	resp, ok := latestResponse(responses, rule.StepID)
	if !ok {
		rt.Reason = ReasonNoResponse
		return rt
	}

	actual, found := resolveResponse(resp, rule.Path)
	rt.Actual = actual
	rt.Found = found
	if !found {
		rt.Reason = ReasonPathUnresolved
		return rt
	}

	rt.Result, rt.Reason = apply(rule.Operator, actual, rule.Value)
	return rt
}

// latestResponse returns the most recent response recorded for stepID.
func latestResponse(responses []model.StepResponse, stepID string) (model.StepResponse, bool) {
	for i := len(responses) - 1; i >= 0; i-- {
		if responses[i].StepID == stepID {
			return responses[i], true
		}
	}
	return model.StepResponse{}, false
}

// resolveResponse resolves path against the response record, where the stored
// document sits under "data", and falls back to the stored document itself.
// Rules written as "data.value" and as "value" therefore address the same
// normalized answer.
func resolveResponse(resp model.StepResponse, path string) (any, bool) {
	record := map[string]any{"data": resp.Data}
	if v, ok := Resolve(record, path); ok {
		return v, true
	}
	return Resolve(resp.Data, path)
}

func apply(op model.Operator, actual, expected any) (bool, string) {
	switch op {
	case model.OpEquals:
		return strictEqual(actual, expected), ReasonEvaluated
	case model.OpGreaterThan, model.OpGreaterThanOrEqual, model.OpLessThan, model.OpLessThanOrEqual:
		a, aok := toNumber(actual)
		b, bok := toNumber(expected)
		if !aok || !bok {
			return false, ReasonNonNumeric
		}
		switch op {
		case model.OpGreaterThan:
			return a > b, ReasonEvaluated
		case model.OpGreaterThanOrEqual:
			return a >= b, ReasonEvaluated
		case model.OpLessThan:
			return a < b, ReasonEvaluated
		default:
			return a <= b, ReasonEvaluated
		}
	case model.OpIn:
		items, ok := toSlice(expected)
		if !ok {
			return false, ReasonNotArray
		}
		return includes(items, actual), ReasonEvaluated
	case model.OpContains:
		items, ok := toSlice(actual)
		if !ok {
			return false, ReasonNotArray
		}
		return includes(items, expected), ReasonEvaluated
	default:
		return false, ReasonUnknownOperator
	}
}

func includes(items []any, v any) bool {
	for _, item := range items {
		if strictEqual(item, v) {
			return true
		}
	}
	return false
}

// strictEqual compares values without cross-type coercion: the number 18 and
// the string "18" differ. Numbers of different Go kinds compare by value, since
// decoders disagree on whether 18 is an int or a float64.
func strictEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if isNumber(a) || isNumber(b) {
		if !isNumber(a) || !isNumber(b) {
			return false
		}
		x, _ := toNumber(a)
		y, _ := toNumber(b)
		return x == y
	}
	if as, ok := toSlice(a); ok {
		bs, ok := toSlice(b)
		if !ok || len(as) != len(bs) {
			return false
		}
		for i := range as {
			if !strictEqual(as[i], bs[i]) {
				return false
			}
		}
		return true
	}
	if am, ok := asObject(a); ok {
		bm, ok := asObject(b)
		if !ok || len(am) != len(bm) {
			return false
		}
		for k, av := range am {
			bv, exists := bm[k]
			if !exists || !strictEqual(av, bv) {
				return false
			}
		}
		return true
	}
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb || !ta.Comparable() {
		return false
	}
	return a == b
}

func isNumber(v any) bool {
	if _, ok := v.(json.Number); ok {
		return true
	}
	switch reflect.TypeOf(v).Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}

// toNumber coerces numbers and numeric strings. Booleans, empty strings and
// non-finite values are not numeric.
func toNumber(v any) (float64, bool) {
	if v == nil {
		return 0, false
	}
	var f float64
	switch n := v.(type) {
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		s := strings.TrimSpace(n)
		if s == "" {
			return 0, false
		}
		parsed, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		rv := reflect.ValueOf(v)
		switch rv.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			f = float64(rv.Int())
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			f = float64(rv.Uint())
		case reflect.Float32, reflect.Float64:
			f = rv.Float()
		default:
			return 0, false
		}
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func toSlice(v any) ([]any, bool) {
	if v == nil {
		return nil, false
	}
	if s, ok := v.([]any); ok {
		return s, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}
