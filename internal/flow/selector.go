package flow

import (
	"context"

	"github.com/pitabwire/triage/internal/condition"
	"github.com/pitabwire/triage/model"
)

// Candidate records how one outgoing transition fared during selection.
type Candidate struct {
	TransitionID string `json:"transition_id"`
	ToStepID     string `json:"to_step_id"`
	Order        int    `json:"order"`
	Conditional  bool   `json:"conditional"`
	Matched      bool   `json:"matched"`
	Skipped      string `json:"skipped,omitempty"`
}

// Selection explains a selection: the candidates evaluated, in order, and the
// transition taken. Chosen is nil when no transition matched, which completes
// the run.
type Selection struct {
	FromStepID string            `json:"from_step_id"`
	Candidates []Candidate       `json:"candidates"`
	Chosen     *model.Transition `json:"chosen,omitempty"`
}

// Selector picks the next step of a run.
type Selector struct {
	evaluator *condition.Evaluator
}

// NewSelector creates a Selector. A nil evaluator uses one without tracing.
func NewSelector(evaluator *condition.Evaluator) *Selector {
	if evaluator == nil {
		evaluator = condition.NewEvaluator()
	}
	return &Selector{evaluator: evaluator}
}

// SelectNext returns the target of the first outgoing transition of stepID
// whose condition holds for responses. The second result is false when no
// transition matches, which signals completion rather than an error.
func (s *Selector) SelectNext(ctx context.Context, g *Graph, stepID string, responses []model.StepResponse) (model.Step, bool) {
	sel := s.Explain(ctx, g, stepID, responses)
	if sel.Chosen == nil {
		return model.Step{}, false
	}
	return g.Step(sel.Chosen.ToStepID)
}

// Explain evaluates the outgoing transitions of stepID in order and stops at the
// first match. Transitions whose target is not part of the flow are skipped.
func (s *Selector) Explain(ctx context.Context, g *Graph, stepID string, responses []model.StepResponse) Selection {
	sel := Selection{FromStepID: stepID}
	for _, t := range g.Outgoing(stepID) {
		c := Candidate{
			TransitionID: t.ID,
			ToStepID:     t.ToStepID,
			Order:        t.Order,
			Conditional:  t.Condition != nil,
		}
		if _, ok := g.Step(t.ToStepID); !ok {
			c.Skipped = "target_not_in_flow"
			sel.Candidates = append(sel.Candidates, c)
			continue
		}
		c.Matched = s.evaluator.Evaluate(ctx, t.Condition, responses)
		sel.Candidates = append(sel.Candidates, c)
		if c.Matched {
			chosen := t
			sel.Chosen = &chosen
			break
		}
	}
	return sel
}
