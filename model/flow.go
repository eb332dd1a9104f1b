package model

import (
	"sort"
	"time"
)

// StepType identifies how a step is presented and how its submissions are
// normalized.
type StepType string

// Step type constants.
const (
	StepTypeInformation    StepType = "INFORMATION"
	StepTypeQuestion       StepType = "QUESTION"
	StepTypeConsent        StepType = "CONSENT"
	StepTypeCheckout       StepType = "CHECKOUT"
	StepTypeProviderReview StepType = "PROVIDER_REVIEW"
)

// FlowStatus is the publication state of a flow.
type FlowStatus string

// Flow status constants.
const (
	FlowStatusDraft  FlowStatus = "DRAFT"
	FlowStatusActive FlowStatus = "ACTIVE"
)

// Position is the presentation-only coordinate of a step in the editor canvas.
type Position struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
}

// Step is one node of a flow graph.
type Step struct {
	ID        string         `json:"id" yaml:"id"`
	FlowID    string         `json:"flow_id" yaml:"-"`
	Type      StepType       `json:"type" yaml:"type"`
	Title     string         `json:"title,omitempty" yaml:"title,omitempty"`
	Config    map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
	Position  Position       `json:"position" yaml:"position"`
	Seq       int64          `json:"seq" yaml:"-"`
	CreatedAt time.Time      `json:"created_at" yaml:"-"`
}

// Transition is a directed, optionally conditional edge between two steps of
// the same flow. Order defines evaluation sequence among the outgoing edges
// of FromStepID; Seq breaks ties in creation order.
type Transition struct {
	ID         string     `json:"id" yaml:"id"`
	FlowID     string     `json:"flow_id" yaml:"-"`
	FromStepID string     `json:"from_step_id" yaml:"from"`
	ToStepID   string     `json:"to_step_id" yaml:"to"`
	Condition  *Condition `json:"condition,omitempty" yaml:"condition,omitempty"`
	Order      int        `json:"order" yaml:"order"`
	Seq        int64      `json:"seq" yaml:"-"`
	CreatedAt  time.Time  `json:"created_at" yaml:"-"`
}

// Flow is an assessment graph. It owns its steps and transitions.
type Flow struct {
	ID          string       `json:"id" yaml:"id"`
	Name        string       `json:"name" yaml:"name"`
	Description string       `json:"description,omitempty" yaml:"description,omitempty"`
	Status      FlowStatus   `json:"status" yaml:"status,omitempty"`
	StartStepID string       `json:"start_step_id,omitempty" yaml:"start_step,omitempty"`
	Steps       []Step       `json:"steps" yaml:"steps"`
	Transitions []Transition `json:"transitions" yaml:"transitions"`
	Version     int          `json:"version" yaml:"-"`
	CreatedAt   time.Time    `json:"created_at" yaml:"-"`
	UpdatedAt   time.Time    `json:"updated_at" yaml:"-"`
}

// Step returns the step with the given id, if the flow owns one.
func (f *Flow) Step(id string) (Step, bool) {
	for _, s := range f.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return Step{}, false
}

// Executable reports whether the flow has a start step that it owns.
func (f *Flow) Executable() bool {
	if f.StartStepID == "" {
		return false
	}
	_, ok := f.Step(f.StartStepID)
	return ok
}

// SortTransitions orders transitions by Order ascending, then by Seq.
func SortTransitions(ts []Transition) {
	sort.SliceStable(ts, func(i, j int) bool {
		if ts[i].Order != ts[j].Order {
			return ts[i].Order < ts[j].Order
		}
		return ts[i].Seq < ts[j].Seq
	})
}

// SortSteps orders steps by creation sequence.
func SortSteps(steps []Step) {
	sort.SliceStable(steps, func(i, j int) bool {
		return steps[i].Seq < steps[j].Seq
	})
}
