// Package flow indexes flow graphs, selects the next step of a run, validates
// graph structure, and loads flow definitions from YAML.
package flow

import (
	"github.com/pitabwire/triage/model"
)

// Graph is an adjacency index over one loaded flow. It is built once per load
// and is read-only afterwards, so it is safe for concurrent use.
type Graph struct {
	flow     model.Flow
	steps    map[string]model.Step
	outgoing map[string][]model.Transition
	incoming map[string][]model.Transition
}

// NewGraph indexes f. Outgoing transitions of each step are ordered by Order,
// then by creation sequence.
func NewGraph(f model.Flow) *Graph {
	g := &Graph{
		flow:     f,
		steps:    make(map[string]model.Step, len(f.Steps)),
		outgoing: make(map[string][]model.Transition),
		incoming: make(map[string][]model.Transition),
	}
	for _, s := range f.Steps {
		if _, dup := g.steps[s.ID]; !dup {
			g.steps[s.ID] = s
		}
	}
	for _, t := range f.Transitions {
		g.outgoing[t.FromStepID] = append(g.outgoing[t.FromStepID], t)
		g.incoming[t.ToStepID] = append(g.incoming[t.ToStepID], t)
	}
	for id := range g.outgoing {
		model.SortTransitions(g.outgoing[id])
	}
	for id := range g.incoming {
		model.SortTransitions(g.incoming[id])
	}
	return g
}

// Flow returns the indexed flow.
func (g *Graph) Flow() model.Flow { return g.flow }

// ID returns the flow id.
func (g *Graph) ID() string { return g.flow.ID }

// Version returns the flow version the graph was built from.
func (g *Graph) Version() int { return g.flow.Version }

// Step returns the step with the given id.
func (g *Graph) Step(id string) (model.Step, bool) {
	s, ok := g.steps[id]
	return s, ok
}

// Start returns the start step. The second result is false when the start step
// is unset or is not owned by the flow.
func (g *Graph) Start() (model.Step, bool) {
	if g.flow.StartStepID == "" {
		return model.Step{}, false
	}
	return g.Step(g.flow.StartStepID)
}

// Outgoing returns the ordered outgoing transitions of a step. The returned
// slice must not be modified.
func (g *Graph) Outgoing(stepID string) []model.Transition {
	return g.outgoing[stepID]
}

// Incoming returns the transitions that target a step. The returned slice must
// not be modified.
func (g *Graph) Incoming(stepID string) []model.Transition {
	return g.incoming[stepID]
}

// IsTerminal reports whether a step ends traversal by design: provider review
// steps and steps without outgoing transitions.
func (g *Graph) IsTerminal(stepID string) bool {
	s, ok := g.steps[stepID]
	if ok && s.Type == model.StepTypeProviderReview {
		return true
	}
	return len(g.outgoing[stepID]) == 0
}

// ReachableFrom returns the ids of every step reachable from origin by a
// forward walk over transitions, including origin itself. Transitions that
// leave the flow are not followed.
func (g *Graph) ReachableFrom(origin string) map[string]bool {
	seen := make(map[string]bool, len(g.steps))
	if _, ok := g.steps[origin]; !ok {
		return seen
	}
	queue := []string{origin}
	seen[origin] = true
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, t := range g.outgoing[id] {
			if _, ok := g.steps[t.ToStepID]; !ok || seen[t.ToStepID] {
				continue
			}
			seen[t.ToStepID] = true
			queue = append(queue, t.ToStepID)
		}
	}
	return seen
}
