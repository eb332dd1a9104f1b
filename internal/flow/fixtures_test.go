package flow

import (
	"github.com/pitabwire/triage/model"
)

type flowBuilder struct {
	f model.Flow
}

func newFlow(id string) *flowBuilder {
	return &flowBuilder{f: model.Flow{ID: id, Name: id, Status: model.FlowStatusDraft, Version: 1}}
}

func (b *flowBuilder) start(id string) *flowBuilder {
	b.f.StartStepID = id
	return b
}

func (b *flowBuilder) step(id string, typ model.StepType) *flowBuilder {
	b.f.Steps = append(b.f.Steps, model.Step{
		ID:     id,
		FlowID: b.f.ID,
		Type:   typ,
		Seq:    int64(len(b.f.Steps) + 1),
	})
	return b
}

func (b *flowBuilder) edge(id, from, to string, order int, cond *model.Condition) *flowBuilder {
	b.f.Transitions = append(b.f.Transitions, model.Transition{
		ID:         id,
		FlowID:     b.f.ID,
		FromStepID: from,
		ToStepID:   to,
		Order:      order,
		Condition:  cond,
		Seq:        int64(len(b.f.Transitions) + 1),
	})
	return b
}

func (b *flowBuilder) build() model.Flow {
	return b.f
}

func when(stepID string, op model.Operator, value any) *model.Condition {
	return &model.Condition{Logic: model.LogicAnd, Rules: []model.Rule{
		{StepID: stepID, Path: "value", Operator: op, Value: value},
	}}
}

func answer(stepID string, seq int64, value any) model.StepResponse {
	return model.StepResponse{StepID: stepID, Seq: seq, Data: map[string]any{"value": value}}
}

// ageGatedFlow mirrors the age-gating assessment: Welcome -> Age -> (age >= 18)
// Symptoms -> Severity -> LabInfo when moderate or worse, AltCare when mild.
func ageGatedFlow() model.Flow {
	return newFlow("trt").
		start("welcome").
		step("welcome", model.StepTypeInformation).
		step("age", model.StepTypeQuestion).
		step("symptoms", model.StepTypeQuestion).
		step("severity", model.StepTypeQuestion).
		step("lab", model.StepTypeInformation).
		step("alt", model.StepTypeInformation).
		edge("t1", "welcome", "age", 1, nil).
		edge("t2", "age", "symptoms", 1, when("age", model.OpGreaterThanOrEqual, 18)).
		edge("t3", "symptoms", "severity", 1, nil).
		edge("t4", "severity", "lab", 1, when("severity", model.OpIn, []any{"moderate", "severe", "very_severe"})).
		edge("t5", "severity", "alt", 2, when("severity", model.OpEquals, "mild")).
		build()
}
