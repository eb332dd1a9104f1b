// Package run drives assessment runs through their flow: it starts runs at the
// flow's start step, records each submission, picks the next step from the
// accumulated answers and handles reviewer actions on finished runs.
package run

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/triage/internal/flow"
	"github.com/pitabwire/triage/internal/observability"
	"github.com/pitabwire/triage/internal/steptype"
	"github.com/pitabwire/triage/internal/store"
	"github.com/pitabwire/triage/model"
)

// Engine manages the lifecycle of runs.
type Engine struct {
	graphs        *flow.Cache
	selector      *flow.Selector
	registry      *steptype.Registry
	runs          store.RunStore
	locker        Locker
	logger        *zap.Logger
	metrics       *observability.Metrics
	requireActive bool
	now           func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithMetrics records run metrics on m.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithRequireActive rejects starting runs of flows that are not ACTIVE.
func WithRequireActive(require bool) Option {
	return func(e *Engine) { e.requireActive = require }
}

// WithClock overrides the time source used for run timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates a run engine. A nil locker serializes submissions with an
// in-process MemoryLocker.
func NewEngine(
	graphs *flow.Cache,
	selector *flow.Selector,
	registry *steptype.Registry,
	runs store.RunStore,
	locker Locker,
	logger *zap.Logger,
	opts ...Option,
) *Engine {
	if locker == nil {
		locker = NewMemoryLocker(0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		graphs:   graphs,
		selector: selector,
		registry: registry,
		runs:     runs,
		locker:   locker,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start creates a DRAFT run of flowID positioned at the flow's start step.
// An empty subjectID falls back to the caller identity carried by ctx.
func (e *Engine) Start(ctx context.Context, flowID, subjectID string) (_ model.Run, _ model.Step, err error) {
	ctx, span := observability.StartSpan(ctx, "run.Start", observability.AttrFlowID.String(flowID))
	defer func() { observability.EndSpanWithError(span, err) }()

	if subjectID == "" {
		subjectID = model.SubjectFrom(ctx)
	}
	if subjectID == "" {
		return model.Run{}, model.Step{}, model.NewBadRequestError("subject_id is required")
	}

	// 1. Load the flow graph.
	g, err := e.graphs.Graph(ctx, flowID)
	if err != nil {
		return model.Run{}, model.Step{}, err
	}
	f := g.Flow()

	// 2. Check the flow can be executed.
	if e.requireActive && f.Status != model.FlowStatusActive {
		return model.Run{}, model.Step{}, model.NewInvalidFlowError(flowID, "flow is not published")
	}
	start, ok := g.Start()
	if !ok {
		if f.StartStepID == "" {
			return model.Run{}, model.Step{}, model.NewInvalidFlowError(flowID, "no start step is set")
		}
		return model.Run{}, model.Step{}, model.NewInvalidFlowError(flowID,
			fmt.Sprintf("start step %q is not part of the flow", f.StartStepID))
	}

	// 3. Persist the run.
	run, err := e.runs.CreateRun(ctx, model.Run{
		ID:            uuid.NewString(),
		FlowID:        flowID,
		FlowVersion:   g.Version(),
		SubjectID:     subjectID,
		Status:        model.RunStatusDraft,
		CurrentStepID: start.ID,
		StartedAt:     e.now(),
	})
	if err != nil {
		return model.Run{}, model.Step{}, fmt.Errorf("create run: %w", err)
	}

	// 4. Append the "run_started" event.
	if err := e.appendEvent(ctx, run.ID, start.ID, model.RunEventStarted, map[string]any{
		"flow_version": g.Version(),
	}); err != nil {
		return model.Run{}, model.Step{}, err
	}

	span.SetAttributes(observability.RunAttributes(run)...)
	e.metrics.RecordRunStart(flowID)
	observability.RunLogger(ctx, e.logger, run).Info("run started")
	return run, start, nil
}

// Submit records the answer to the run's current step and moves the run to
// the next step, or completes it when no outgoing transition matches.
// currentStepID must name the step the run is positioned at.
func (e *Engine) Submit(ctx context.Context, runID, currentStepID string, raw any) (result model.SubmitResult, err error) {
	began := e.now()
	ctx, span := observability.StartSpan(ctx, "run.Submit",
		observability.AttrRunID.String(runID),
		observability.AttrStepID.String(currentStepID),
	)
	var flowID string
	outcome := observability.OutcomeFailed
	defer func() {
		if flowID != "" {
			e.metrics.RecordSubmission(flowID, outcome, e.now().Sub(began))
		}
		observability.EndSpanWithError(span, err)
	}()
	logger := observability.RequestLogger(ctx, e.logger).With(zap.String("run_id", runID))

	// 1. Serialize writers of this run.
	unlock, err := e.locker.Lock(ctx, runID)
	if err != nil {
		e.metrics.RecordRunConflict("locked")
		return model.SubmitResult{}, err
	}
	defer unlock()

	// 2. Load the run.
	run, err := e.runs.GetRun(ctx, runID)
	if err != nil {
		return model.SubmitResult{}, err
	}
	flowID = run.FlowID
	span.SetAttributes(observability.RunAttributes(run)...)
	logger = observability.RunLogger(ctx, e.logger, run)

	// 3. Only DRAFT runs accept submissions.
	if run.Status != model.RunStatusDraft {
		outcome = observability.OutcomeRejected
		e.metrics.RecordRunConflict("closed")
		return model.SubmitResult{}, model.NewRunClosedError(runID, run.Status)
	}

	// 4. The caller must answer the step the run is positioned at.
	if currentStepID != run.CurrentStepID {
		outcome = observability.OutcomeRejected
		e.metrics.RecordRunConflict("position")
		logger.Warn("submission for a step the run is not positioned at",
			zap.String("submitted_step_id", currentStepID),
			zap.String("current_step_id", run.CurrentStepID),
		)
		return model.SubmitResult{}, model.NewInvalidStepError(runID, currentStepID, run.CurrentStepID)
	}

	// 5. Resolve the current step in the flow graph.
	g, err := e.graphs.Graph(ctx, run.FlowID)
	if err != nil {
		return model.SubmitResult{}, err
	}
	if g.Version() != run.FlowVersion {
		logger.Debug("flow changed since the run started",
			zap.Int("run_flow_version", run.FlowVersion),
			zap.Int("flow_version", g.Version()),
		)
	}
	step, ok := g.Step(run.CurrentStepID)
	if !ok {
		return model.SubmitResult{}, model.NewStepNotFoundError(run.CurrentStepID)
	}

	// 6. Normalize and append the response.
	data := e.registry.Normalize(step, raw)
	logger.Debug("submission normalized",
		zap.String("step_id", step.ID),
		zap.String("step_type", string(step.Type)),
		zap.Any("data", observability.RedactSubmission(step, data)),
	)
	resp, err := e.runs.SaveStepResponse(ctx, model.StepResponse{
		ID:        uuid.NewString(),
		RunID:     runID,
		StepID:    step.ID,
		Data:      data,
		CreatedAt: e.now(),
	})
	if err != nil {
		return model.SubmitResult{}, fmt.Errorf("save response: %w", err)
	}

	// 7. Append the "step_submitted" event.
	if err := e.appendEvent(ctx, runID, step.ID, model.RunEventSubmitted, map[string]any{
		"response_id": resp.ID,
	}); err != nil {
		return model.SubmitResult{}, err
	}

	// 8. Select the next step from every answer given so far.
	responses, err := e.runs.LoadResponses(ctx, runID)
	if err != nil {
		return model.SubmitResult{}, fmt.Errorf("load responses: %w", err)
	}
	sel := e.selector.Explain(ctx, g, step.ID, responses)

	// 9. Advance or complete the run.
	var next model.Step
	if sel.Chosen != nil {
		next, _ = g.Step(sel.Chosen.ToStepID)
		run.CurrentStepID = next.ID
	} else {
		completedAt := e.now()
		run.Status = model.RunStatusCompleted
		run.CompletedAt = &completedAt
	}
	updated, err := e.runs.UpdateRun(ctx, run)
	if err != nil {
		if model.IsCode(err, model.ErrConflict) {
			e.metrics.RecordRunConflict("version")
		}
		return model.SubmitResult{}, err
	}
	logger = observability.RunLogger(ctx, e.logger, updated)

	// 10. Record the navigation. The run is already updated, so failures are
	// only logged.
	if sel.Chosen == nil {
		outcome = observability.OutcomeCompleted
		span.SetAttributes(observability.AttrCompleted.Bool(true))
		e.metrics.RecordRunCompletion(run.FlowID)
		if err := e.appendEvent(ctx, runID, step.ID, model.RunEventCompleted, selectionData(sel)); err != nil {
			logger.Error("append run event", zap.String("event", model.RunEventCompleted), zap.Error(err))
		}
		logger.Info("run completed")
		return model.SubmitResult{Completed: true, Run: updated}, nil
	}

	outcome = observability.OutcomeAdvanced
	span.SetAttributes(observability.AttrNextStepID.String(next.ID))
	if err := e.appendEvent(ctx, runID, next.ID, model.RunEventAdvanced, selectionData(sel)); err != nil {
		logger.Error("append run event", zap.String("event", model.RunEventAdvanced), zap.Error(err))
	}
	logger.Info("run advanced",
		zap.String("from_step_id", step.ID),
		zap.String("to_step_id", next.ID),
		zap.String("transition_id", sel.Chosen.ID),
	)
	return model.SubmitResult{NextStep: &next, Run: updated}, nil
}

// Status returns the status of runID.
func (e *Engine) Status(ctx context.Context, runID string) (model.RunStatus, error) {
	run, err := e.runs.GetRun(ctx, runID)
	if err != nil {
		return "", err
	}
	return run.Status, nil
}

// Get returns the reviewer view of runID. CurrentStep is nil when the flow or
// the step no longer exists.
func (e *Engine) Get(ctx context.Context, runID string) (model.RunDescriptor, error) {
	run, err := e.runs.GetRun(ctx, runID)
	if err != nil {
		return model.RunDescriptor{}, err
	}
	responses, err := e.runs.LoadResponses(ctx, runID)
	if err != nil {
		return model.RunDescriptor{}, fmt.Errorf("load responses: %w", err)
	}
	events, err := e.runs.LoadEvents(ctx, runID)
	if err != nil {
		return model.RunDescriptor{}, fmt.Errorf("load events: %w", err)
	}

	desc := model.RunDescriptor{Run: run, Responses: responses, Events: events}
	g, err := e.graphs.Graph(ctx, run.FlowID)
	switch {
	case err == nil:
		if step, ok := g.Step(run.CurrentStepID); ok {
			desc.CurrentStep = &step
		}
	case model.IsCode(err, model.ErrFlowNotFound):
	default:
		return model.RunDescriptor{}, err
	}
	return desc, nil
}

// Review applies a reviewer action to a finished run. COMPLETED runs may be
// REVIEWED or ARCHIVED; REVIEWED runs may be ARCHIVED. An empty reviewer
// falls back to the caller identity carried by ctx.
func (e *Engine) Review(ctx context.Context, runID string, status model.RunStatus, reviewer, notes string) (_ model.Run, err error) {
	ctx, span := observability.StartSpan(ctx, "run.Review",
		observability.AttrRunID.String(runID),
		observability.AttrRunStatus.String(string(status)),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	if status != model.RunStatusReviewed && status != model.RunStatusArchived {
		return model.Run{}, model.NewInvalidReviewError(
			fmt.Sprintf("status %q is not a reviewer action; use REVIEWED or ARCHIVED", status))
	}
	if reviewer == "" {
		reviewer = model.SubjectFrom(ctx)
	}

	unlock, err := e.locker.Lock(ctx, runID)
	if err != nil {
		e.metrics.RecordRunConflict("locked")
		return model.Run{}, err
	}
	defer unlock()

	run, err := e.runs.GetRun(ctx, runID)
	if err != nil {
		return model.Run{}, err
	}
	if !reviewAllowed(run.Status, status) {
		return model.Run{}, model.NewInvalidReviewError(
			fmt.Sprintf("run %q is %s and cannot be marked %s", runID, run.Status, status))
	}

	from := run.Status
	reviewedAt := e.now()
	run.Status = status
	run.ReviewedBy = reviewer
	run.ReviewedAt = &reviewedAt
	if notes != "" {
		run.Notes = notes
	}
	updated, err := e.runs.UpdateRun(ctx, run)
	if err != nil {
		return model.Run{}, err
	}

	event := model.RunEventReviewed
	if status == model.RunStatusArchived {
		event = model.RunEventArchived
	}
	data := map[string]any{"from_status": string(from)}
	if notes != "" {
		data["notes"] = notes
	}
	logger := observability.RunLogger(ctx, e.logger, updated)
	if err := e.appendEventAs(ctx, runID, "", event, reviewer, data); err != nil {
		logger.Error("append run event", zap.String("event", event), zap.Error(err))
	}

	e.metrics.RecordReview(status)
	logger.Info("run reviewed",
		zap.String("from_status", string(from)),
		zap.String("reviewed_by", reviewer),
	)
	return updated, nil
}

// List returns one page of runs matching filters and the total match count.
func (e *Engine) List(ctx context.Context, filters model.RunFilters) ([]model.Run, int, error) {
	if filters.Status != "" && !filters.Status.Valid() {
		return nil, 0, model.NewBadRequestError(fmt.Sprintf("unknown run status %q", filters.Status))
	}
	if filters.Page < 0 || filters.PageSize < 0 {
		return nil, 0, model.NewBadRequestError("page and page_size must not be negative")
	}
	return e.runs.ListRuns(ctx, filters)
}

func reviewAllowed(from, to model.RunStatus) bool {
	switch to {
	case model.RunStatusReviewed:
		return from == model.RunStatusCompleted
	case model.RunStatusArchived:
		return from == model.RunStatusCompleted || from == model.RunStatusReviewed
	}
	return false
}

func (e *Engine) appendEvent(ctx context.Context, runID, stepID, event string, data map[string]any) error {
	return e.appendEventAs(ctx, runID, stepID, event, model.SubjectFrom(ctx), data)
}

func (e *Engine) appendEventAs(ctx context.Context, runID, stepID, event, actorID string, data map[string]any) error {
	err := e.runs.AppendEvent(ctx, model.RunEvent{
		ID:        uuid.NewString(),
		RunID:     runID,
		StepID:    stepID,
		Event:     event,
		ActorID:   actorID,
		Data:      data,
		Timestamp: e.now(),
	})
	if err != nil {
		return fmt.Errorf("append %s event: %w", event, err)
	}
	return nil
}

// selectionData flattens a selection into a JSON document for the audit
// trail.
func selectionData(sel flow.Selection) map[string]any {
	candidates := make([]any, 0, len(sel.Candidates))
	for _, c := range sel.Candidates {
		entry := map[string]any{
			"transition_id": c.TransitionID,
			"to_step_id":    c.ToStepID,
			"order":         c.Order,
			"conditional":   c.Conditional,
			"matched":       c.Matched,
		}
		if c.Skipped != "" {
			entry["skipped"] = c.Skipped
		}
		candidates = append(candidates, entry)
	}
	data := map[string]any{
		"from_step_id": sel.FromStepID,
		"candidates":   candidates,
	}
	if sel.Chosen != nil {
		data["transition_id"] = sel.Chosen.ID
	}
	return data
}
