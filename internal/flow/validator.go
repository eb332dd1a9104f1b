package flow

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/pitabwire/triage/internal/steptype"
	"github.com/pitabwire/triage/model"
)

// Validator checks the structure of a flow graph before it is published.
type Validator struct {
	registry *steptype.Registry
}

// NewValidator creates a Validator. When registry is nil, step configurations
// are not checked.
func NewValidator(registry *steptype.Registry) *Validator {
	return &Validator{registry: registry}
}

// Validate reports every problem found in f. The result is sorted, so
// validating an unchanged flow twice yields identical lists.
func (v *Validator) Validate(f model.Flow) model.ValidationResult {
	c := &collector{}
	g := NewGraph(f)

	v.checkSteps(c, f)
	v.checkStart(c, f, g)
	v.checkTransitions(c, f, g)
	v.checkReachability(c, f, g)
	v.checkOrdering(c, f, g)

	return c.result()
}

func (v *Validator) checkSteps(c *collector, f model.Flow) {
	seen := make(map[string]int, len(f.Steps))
	for i, s := range f.Steps {
		sp := fmt.Sprintf("steps[%d]", i)
		if s.ID == "" {
			c.err(sp+".id", model.IssueStepIDRequired, "step id is required")
			continue
		}
		if first, dup := seen[s.ID]; dup {
			c.err(sp+".id", model.IssueDuplicateStepID,
				fmt.Sprintf("step id %q is already used by steps[%d]", s.ID, first))
			continue
		}
		seen[s.ID] = i

		if v.registry == nil {
			continue
		}
		ferrs, known := v.registry.ValidateConfig(s)
		if !known {
			c.warn(sp+".type", model.IssueUnknownStepType,
				fmt.Sprintf("step type %q is not registered; submissions are stored unchanged", s.Type))
			continue
		}
		for _, fe := range ferrs {
			c.err(sp+"."+fe.Field, model.IssueInvalidConfig, fmt.Sprintf("%s (%s)", fe.Message, fe.Code))
		}
	}
}

func (v *Validator) checkStart(c *collector, f model.Flow, g *Graph) {
	if f.StartStepID == "" {
		c.err("start_step_id", model.IssueStartStepMissing, "flow has no start step")
		return
	}
	if _, ok := g.Step(f.StartStepID); !ok {
		c.err("start_step_id", model.IssueStartStepNotInFlow,
			fmt.Sprintf("start step %q does not belong to flow %q", f.StartStepID, f.ID))
	}
}

func (v *Validator) checkTransitions(c *collector, f model.Flow, g *Graph) {
	for i, t := range f.Transitions {
		tp := fmt.Sprintf("transitions[%d]", i)
		if t.FlowID != "" && f.ID != "" && t.FlowID != f.ID {
			c.err(tp, model.IssueCrossFlow,
				fmt.Sprintf("transition %q belongs to flow %q, not %q", t.ID, t.FlowID, f.ID))
		}
		if _, ok := g.Step(t.FromStepID); !ok {
			c.err(tp+".from_step_id", model.IssueDanglingTransition,
				fmt.Sprintf("source step %q is not part of the flow", t.FromStepID))
		}
		if _, ok := g.Step(t.ToStepID); !ok {
			c.err(tp+".to_step_id", model.IssueDanglingTransition,
				fmt.Sprintf("target step %q is not part of the flow", t.ToStepID))
		}
		if t.Condition != nil {
			v.checkCondition(c, tp+".condition", t, g)
		}
	}
}

func (v *Validator) checkCondition(c *collector, prefix string, t model.Transition, g *Graph) {
	cond := t.Condition
	switch model.Logic(strings.ToUpper(string(cond.EffectiveLogic()))) {
	case model.LogicAnd, model.LogicOr:
	default:
		c.err(prefix+".logic", model.IssueInvalidCondition,
			fmt.Sprintf("logic %q is not AND or OR; the condition never matches", cond.Logic))
	}
	if len(cond.Rules) == 0 && cond.EffectiveLogic() == model.LogicOr {
		c.warn(prefix+".rules", model.IssueInvalidCondition, "OR condition without rules never matches")
	}

	for j, r := range cond.Rules {
		rp := fmt.Sprintf("%s.rules[%d]", prefix, j)
		if r.StepID == "" {
			c.err(rp+".step_id", model.IssueInvalidCondition, "rule must reference a step")
		} else if _, ok := g.Step(r.StepID); !ok {
			c.err(rp+".step_id", model.IssueInvalidCondition,
				fmt.Sprintf("rule references step %q which is not part of the flow", r.StepID))
		} else if r.StepID != t.FromStepID && !g.ReachableFrom(r.StepID)[t.FromStepID] {
			c.warn(rp+".step_id", model.IssueRuleNotUpstream,
				fmt.Sprintf("step %q cannot be answered before %q; the rule never matches", r.StepID, t.FromStepID))
		}
		if r.Path == "" {
			c.err(rp+".path", model.IssueInvalidCondition, "rule path is required")
		}
		if !r.Operator.IsKnown() {
			c.err(rp+".operator", model.IssueInvalidCondition,
				fmt.Sprintf("operator %q is not supported; the rule never matches", r.Operator))
			continue
		}
		switch r.Operator {
		case model.OpIn:
			if !isList(r.Value) {
				c.err(rp+".value", model.IssueInvalidCondition, "in requires a list value")
			}
		case model.OpGreaterThan, model.OpGreaterThanOrEqual, model.OpLessThan, model.OpLessThanOrEqual:
			if !isNumeric(r.Value) {
				c.err(rp+".value", model.IssueInvalidCondition,
					fmt.Sprintf("%s requires a numeric value", r.Operator))
			}
		}
	}
}

func (v *Validator) checkReachability(c *collector, f model.Flow, g *Graph) {
	if _, ok := g.Start(); !ok {
		return
	}
	reached := g.ReachableFrom(f.StartStepID)
	for i, s := range f.Steps {
		if s.ID == "" || reached[s.ID] || g.IsTerminal(s.ID) {
			continue
		}
		c.err(fmt.Sprintf("steps[%d]", i), model.IssueUnreachableStep,
			fmt.Sprintf("step %q cannot be reached from start step %q", s.ID, f.StartStepID))
	}
}

func (v *Validator) checkOrdering(c *collector, f model.Flow, g *Graph) {
	index := make(map[string]int, len(f.Transitions))
	for i, t := range f.Transitions {
		index[t.ID] = i
	}
	for _, s := range f.Steps {
		out := g.Outgoing(s.ID)
		orders := make(map[int]string, len(out))
		for _, t := range out {
			if other, dup := orders[t.Order]; dup {
				c.warn(fmt.Sprintf("transitions[%d].order", index[t.ID]), model.IssueDuplicateOrder,
					fmt.Sprintf("order %d is shared with transition %q; creation order decides", t.Order, other))
				continue
			}
			orders[t.Order] = t.ID
		}
		for k, t := range out {
			if t.Condition == nil && k < len(out)-1 {
				for _, shadowed := range out[k+1:] {
					c.warn(fmt.Sprintf("transitions[%d]", index[shadowed.ID]), model.IssueShadowedTransition,
						fmt.Sprintf("unconditional transition %q from %q always matches first; %q is never taken",
							t.ID, s.ID, shadowed.ID))
				}
				break
			}
		}
	}
}

type collector struct {
	errors   []model.Issue
	warnings []model.Issue
}

func (c *collector) err(path, code, msg string) {
	c.errors = append(c.errors, model.Issue{Path: path, Code: code, Message: msg})
}

func (c *collector) warn(path, code, msg string) {
	c.warnings = append(c.warnings, model.Issue{Path: path, Code: code, Message: msg})
}

func (c *collector) result() model.ValidationResult {
	sortIssues(c.errors)
	sortIssues(c.warnings)
	r := model.ValidationResult{Errors: c.errors, Warnings: c.warnings}
	if r.Errors == nil {
		r.Errors = []model.Issue{}
	}
	if r.Warnings == nil {
		r.Warnings = []model.Issue{}
	}
	return r
}

func sortIssues(issues []model.Issue) {
	sort.SliceStable(issues, func(i, j int) bool {
		if issues[i].Path != issues[j].Path {
			return issues[i].Path < issues[j].Path
		}
		if issues[i].Code != issues[j].Code {
			return issues[i].Code < issues[j].Code
		}
		return issues[i].Message < issues[j].Message
	})
}

func isList(v any) bool {
	if v == nil {
		return false
	}
	k := reflect.TypeOf(v).Kind()
	return k == reflect.Slice || k == reflect.Array
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func isNumeric(v any) bool {
	switch n := v.(type) {
	case nil, bool:
		return false
	case json.Number:
		f, err := n.Float64()
		return err == nil && isFinite(f)
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return err == nil && isFinite(f)
	case float64:
		return isFinite(n)
	case float32:
		return isFinite(float64(n))
	}
	switch reflect.TypeOf(v).Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}
