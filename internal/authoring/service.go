// Package authoring implements the provider-facing editing operations on
// flows: replacing a whole flow document, editing single steps and
// transitions, choosing the start step, validating and publishing.
//
// Every successful change drops the flow's compiled graph from the cache so
// that runs pick up the new version on their next submission.
package authoring

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/triage/internal/flow"
	"github.com/pitabwire/triage/internal/observability"
	"github.com/pitabwire/triage/internal/store"
	"github.com/pitabwire/triage/model"
)

// TransitionInput describes a new transition. A nil Order places the
// transition after every existing outgoing transition of FromStepID.
type TransitionInput struct {
	ID         string           `json:"id,omitempty"`
	FromStepID string           `json:"from_step_id"`
	ToStepID   string           `json:"to_step_id"`
	Condition  *model.Condition `json:"condition,omitempty"`
	Order      *int             `json:"order,omitempty"`
}

// Service edits flows.
type Service struct {
	flows     store.FlowStore
	graphs    *flow.Cache
	validator *flow.Validator
	logger    *zap.Logger
	metrics   *observability.Metrics
}

// NewService creates an authoring service. graphs may be nil when no graph
// cache is in use.
func NewService(flows store.FlowStore, graphs *flow.Cache, validator *flow.Validator, logger *zap.Logger, metrics *observability.Metrics) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		flows:     flows,
		graphs:    graphs,
		validator: validator,
		logger:    logger,
		metrics:   metrics,
	}
}

// GetFlow returns a flow with its steps and transitions in order.
func (s *Service) GetFlow(ctx context.Context, flowID string) (model.Flow, error) {
	return s.flows.LoadFlow(ctx, flowID)
}

// ListFlows returns every stored flow.
func (s *Service) ListFlows(ctx context.Context) ([]model.Flow, error) {
	return s.flows.ListFlows(ctx)
}

// SaveFlow creates or replaces a whole flow document. Transitions without an
// id get one assigned.
func (s *Service) SaveFlow(ctx context.Context, f model.Flow) (model.Flow, error) {
	if details := checkDocument(f); len(details) > 0 {
		return model.Flow{}, model.NewValidationError(details)
	}
	for i := range f.Transitions {
		if f.Transitions[i].ID == "" {
			f.Transitions[i].ID = uuid.NewString()
		}
	}

	saved, err := s.flows.SaveFlow(ctx, f)
	if err != nil {
		return model.Flow{}, err
	}
	s.changed(ctx, saved.ID, "flow saved", zap.Int("version", saved.Version))
	return saved, nil
}

// SetStartStep points the flow at stepID. An empty stepID clears the start
// step, which makes the flow non-executable.
func (s *Service) SetStartStep(ctx context.Context, flowID, stepID string) (model.Flow, error) {
	if err := s.flows.SetStartStep(ctx, flowID, stepID); err != nil {
		return model.Flow{}, err
	}
	s.changed(ctx, flowID, "start step set", zap.String("step_id", stepID))
	return s.flows.LoadFlow(ctx, flowID)
}

// CreateStep adds a step to a flow. An empty id gets one assigned.
func (s *Service) CreateStep(ctx context.Context, flowID string, step model.Step) (model.Step, error) {
	if step.Type == "" {
		return model.Step{}, model.NewValidationError([]model.FieldError{
			{Field: "type", Code: "required", Message: "step type is required"},
		})
	}
	if step.ID == "" {
		step.ID = uuid.NewString()
	}
	step.FlowID = flowID

	created, err := s.flows.CreateStep(ctx, step)
	if err != nil {
		return model.Step{}, err
	}
	s.changed(ctx, flowID, "step created", zap.String("step_id", created.ID))
	return created, nil
}

// UpdateStep replaces the type, title, config and position of a step.
func (s *Service) UpdateStep(ctx context.Context, flowID string, step model.Step) (model.Step, error) {
	if step.Type == "" {
		return model.Step{}, model.NewValidationError([]model.FieldError{
			{Field: "type", Code: "required", Message: "step type is required"},
		})
	}
	step.FlowID = flowID

	updated, err := s.flows.UpdateStep(ctx, step)
	if err != nil {
		return model.Step{}, err
	}
	s.changed(ctx, flowID, "step updated", zap.String("step_id", updated.ID))
	return updated, nil
}

// DeleteStep removes a step and every transition touching it. Deleting the
// start step clears the flow's start step.
func (s *Service) DeleteStep(ctx context.Context, flowID, stepID string) error {
	if err := s.flows.DeleteStep(ctx, flowID, stepID); err != nil {
		return err
	}
	s.changed(ctx, flowID, "step deleted", zap.String("step_id", stepID))
	return nil
}

// CreateTransition adds a transition between two steps of the flow.
func (s *Service) CreateTransition(ctx context.Context, flowID string, in TransitionInput) (model.Transition, error) {
	// 1. Check the request shape.
	var details []model.FieldError
	if in.FromStepID == "" {
		details = append(details, model.FieldError{Field: "from_step_id", Code: "required", Message: "source step is required"})
	}
	if in.ToStepID == "" {
		details = append(details, model.FieldError{Field: "to_step_id", Code: "required", Message: "target step is required"})
	}
	if len(details) > 0 {
		return model.Transition{}, model.NewValidationError(details)
	}

	// 2. Both ends must belong to the flow.
	f, err := s.flows.LoadFlow(ctx, flowID)
	if err != nil {
		return model.Transition{}, err
	}
	for _, id := range []string{in.FromStepID, in.ToStepID} {
		if _, ok := f.Step(id); !ok {
			return model.Transition{}, model.NewStepNotFoundError(id)
		}
	}

	// 3. Default the order to the end of the source step's list.
	order := nextOrder(f, in.FromStepID)
	if in.Order != nil {
		order = *in.Order
	}
	id := in.ID
	if id == "" {
		id = uuid.NewString()
	}

	// 4. Persist.
	created, err := s.flows.CreateTransition(ctx, model.Transition{
		ID:         id,
		FlowID:     flowID,
		FromStepID: in.FromStepID,
		ToStepID:   in.ToStepID,
		Condition:  in.Condition,
		Order:      order,
	})
	if err != nil {
		return model.Transition{}, err
	}
	s.changed(ctx, flowID, "transition created",
		zap.String("transition_id", created.ID),
		zap.String("from_step_id", created.FromStepID),
		zap.String("to_step_id", created.ToStepID),
		zap.Int("order", created.Order),
	)
	return created, nil
}

// UpdateTransition replaces the endpoints, condition and order of a
// transition.
func (s *Service) UpdateTransition(ctx context.Context, flowID string, t model.Transition) (model.Transition, error) {
	t.FlowID = flowID
	updated, err := s.flows.UpdateTransition(ctx, t)
	if err != nil {
		return model.Transition{}, err
	}
	s.changed(ctx, flowID, "transition updated", zap.String("transition_id", updated.ID))
	return updated, nil
}

// DeleteTransition removes a transition.
func (s *Service) DeleteTransition(ctx context.Context, flowID, transitionID string) error {
	if err := s.flows.DeleteTransition(ctx, flowID, transitionID); err != nil {
		return err
	}
	s.changed(ctx, flowID, "transition deleted", zap.String("transition_id", transitionID))
	return nil
}

// Validate checks the stored flow graph.
func (s *Service) Validate(ctx context.Context, flowID string) (model.ValidationResult, error) {
	f, err := s.flows.LoadFlow(ctx, flowID)
	if err != nil {
		return model.ValidationResult{}, err
	}
	return s.validator.Validate(f), nil
}

// Publish marks a flow ACTIVE. Flows with validation errors are rejected with
// a VALIDATION_ERROR listing every error; warnings do not block publishing.
func (s *Service) Publish(ctx context.Context, flowID string) (model.Flow, error) {
	ctx, span := observability.StartSpan(ctx, "authoring.Publish", observability.AttrFlowID.String(flowID))
	var err error
	defer func() { observability.EndSpanWithError(span, err) }()

	f, err := s.flows.LoadFlow(ctx, flowID)
	if err != nil {
		return model.Flow{}, err
	}

	result := s.validator.Validate(f)
	if !result.Valid() {
		s.metrics.RecordPublish("rejected")
		observability.RequestLogger(ctx, s.logger).Warn("publish rejected",
			zap.String("flow_id", flowID),
			zap.Int("errors", len(result.Errors)),
			zap.Int("warnings", len(result.Warnings)),
		)
		err = model.NewValidationError(result.FieldErrors())
		return model.Flow{}, err
	}

	if f.Status != model.FlowStatusActive {
		if err = s.flows.SetFlowStatus(ctx, flowID, model.FlowStatusActive); err != nil {
			return model.Flow{}, err
		}
		s.changed(ctx, flowID, "flow published", zap.Int("warnings", len(result.Warnings)))
	}
	s.metrics.RecordPublish("published")
	return s.flows.LoadFlow(ctx, flowID)
}

// Unpublish returns a flow to DRAFT.
func (s *Service) Unpublish(ctx context.Context, flowID string) (model.Flow, error) {
	if err := s.flows.SetFlowStatus(ctx, flowID, model.FlowStatusDraft); err != nil {
		return model.Flow{}, err
	}
	s.changed(ctx, flowID, "flow unpublished")
	return s.flows.LoadFlow(ctx, flowID)
}

func (s *Service) changed(ctx context.Context, flowID, msg string, fields ...zap.Field) {
	if s.graphs != nil {
		s.graphs.Invalidate(flowID)
	}
	observability.RequestLogger(ctx, s.logger).Info(msg, append([]zap.Field{zap.String("flow_id", flowID)}, fields...)...)
}

// nextOrder returns one more than the highest order among the outgoing
// transitions of stepID, or 1 when it has none.
func nextOrder(f model.Flow, stepID string) int {
	max := 0
	for _, t := range f.Transitions {
		if t.FromStepID == stepID && t.Order > max {
			max = t.Order
		}
	}
	return max + 1
}

// checkDocument rejects flow documents the store cannot hold. Graph problems
// such as dangling transitions are left to the validator.
func checkDocument(f model.Flow) []model.FieldError {
	var details []model.FieldError
	if f.ID == "" {
		details = append(details, model.FieldError{Field: "id", Code: "required", Message: "flow id is required"})
	}
	if f.Name == "" {
		details = append(details, model.FieldError{Field: "name", Code: "required", Message: "flow name is required"})
	}
	if f.Status != "" && f.Status != model.FlowStatusDraft && f.Status != model.FlowStatusActive {
		details = append(details, model.FieldError{
			Field: "status", Code: "invalid", Message: fmt.Sprintf("unknown flow status %q", f.Status),
		})
	}
	seen := make(map[string]bool, len(f.Steps))
	for i, step := range f.Steps {
		path := fmt.Sprintf("steps[%d]", i)
		switch {
		case step.ID == "":
			details = append(details, model.FieldError{Field: path + ".id", Code: "required", Message: "step id is required"})
		case seen[step.ID]:
			details = append(details, model.FieldError{
				Field: path + ".id", Code: "duplicate", Message: fmt.Sprintf("step id %q is used twice", step.ID),
			})
		}
		seen[step.ID] = true
		if step.Type == "" {
			details = append(details, model.FieldError{Field: path + ".type", Code: "required", Message: "step type is required"})
		}
	}
	ids := make(map[string]bool, len(f.Transitions))
	for i, t := range f.Transitions {
		if t.ID != "" && ids[t.ID] {
			details = append(details, model.FieldError{
				Field:   fmt.Sprintf("transitions[%d].id", i),
				Code:    "duplicate",
				Message: fmt.Sprintf("transition id %q is used twice", t.ID),
			})
		}
		ids[t.ID] = true
	}
	return details
}
