package run

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/triage/internal/condition"
	"github.com/pitabwire/triage/internal/flow"
	"github.com/pitabwire/triage/internal/observability"
	"github.com/pitabwire/triage/internal/steptype"
	"github.com/pitabwire/triage/internal/store"
	"github.com/pitabwire/triage/model"
)

const trtFlow = "trt-assessment"

type fixture struct {
	engine *Engine
	store  *store.MemoryStore
	graphs *flow.Cache
	rec    *condition.Recorder
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	def, err := flow.NewLoader().LoadFile("../../definitions/trt_assessment.yaml")
	require.NoError(t, err)

	s := store.NewMemoryStore()
	_, err = s.SaveFlow(context.Background(), def.Flow)
	require.NoError(t, err)

	rec := &condition.Recorder{}
	graphs := flow.NewCache(s, 0)
	selector := flow.NewSelector(condition.NewEvaluator(condition.WithTracer(rec)))
	e := NewEngine(graphs, selector, steptype.DefaultRegistry(), s, NewMemoryLocker(0), nil, opts...)
	return &fixture{engine: e, store: s, graphs: graphs, rec: rec}
}

// walk starts a run and submits answers in order, failing on any error.
func (fx *fixture) walk(t *testing.T, answers ...any) (model.Run, model.SubmitResult) {
	t.Helper()
	ctx := context.Background()
	run, step, err := fx.engine.Start(ctx, trtFlow, "patient-1")
	require.NoError(t, err)

	var res model.SubmitResult
	current := step.ID
	for i, a := range answers {
		res, err = fx.engine.Submit(ctx, run.ID, current, a)
		require.NoError(t, err, "answer %d at step %s", i, current)
		if res.Completed {
			require.Equal(t, len(answers)-1, i, "run completed before all answers were given")
			break
		}
		current = res.NextStep.ID
	}
	return run, res
}

// --- Start ---

func TestStart_positionsAtStartStep(t *testing.T) {
	fx := newFixture(t)

	run, step, err := fx.engine.Start(context.Background(), trtFlow, "patient-1")
	require.NoError(t, err)

	assert.Equal(t, "welcome", step.ID)
	assert.Equal(t, model.StepTypeInformation, step.Type)
	assert.Equal(t, model.RunStatusDraft, run.Status)
	assert.Equal(t, "welcome", run.CurrentStepID)
	assert.Equal(t, "patient-1", run.SubjectID)
	assert.Equal(t, 1, run.FlowVersion)
	assert.NotEmpty(t, run.ID)

	events, err := fx.store.LoadEvents(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, model.RunEventStarted, events[0].Event)
	assert.Equal(t, "welcome", events[0].StepID)
}

func TestStart_subjectFromContext(t *testing.T) {
	fx := newFixture(t)
	ctx := model.WithRequestContext(context.Background(), &model.RequestContext{SubjectID: "patient-ctx"})

	run, _, err := fx.engine.Start(ctx, trtFlow, "")
	require.NoError(t, err)
	assert.Equal(t, "patient-ctx", run.SubjectID)
}

func TestStart_requiresSubject(t *testing.T) {
	fx := newFixture(t)

	_, _, err := fx.engine.Start(context.Background(), trtFlow, "")
	assert.True(t, model.IsCode(err, model.ErrBadRequest), "err = %v", err)
}

func TestStart_unknownFlow(t *testing.T) {
	fx := newFixture(t)

	_, _, err := fx.engine.Start(context.Background(), "nope", "patient-1")
	assert.True(t, model.IsCode(err, model.ErrFlowNotFound), "err = %v", err)
}

func TestStart_invalidFlow(t *testing.T) {
	tests := []struct {
		name  string
		start string
	}{
		{"no start step", ""},
		{"start step outside the flow", "elsewhere"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newFixture(t)
			_, err := fx.store.SaveFlow(context.Background(), model.Flow{
				ID:          "broken",
				Name:        "Broken",
				StartStepID: tt.start,
				Steps:       []model.Step{{ID: "only", Type: model.StepTypeInformation}},
			})
			require.NoError(t, err)

			_, _, err = fx.engine.Start(context.Background(), "broken", "patient-1")
			assert.True(t, model.IsCode(err, model.ErrInvalidFlow), "err = %v", err)

			n, err := fx.store.CountByStatus(context.Background())
			require.NoError(t, err)
			assert.Zero(t, n[model.RunStatusDraft], "no run should be created")
		})
	}
}

func TestStart_requireActive(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, WithRequireActive(true))

	_, _, err := fx.engine.Start(ctx, trtFlow, "patient-1")
	require.NoError(t, err, "seeded flow is ACTIVE")

	require.NoError(t, fx.store.SetFlowStatus(ctx, trtFlow, model.FlowStatusDraft))
	fx.graphs.Invalidate(trtFlow)

	_, _, err = fx.engine.Start(ctx, trtFlow, "patient-1")
	assert.True(t, model.IsCode(err, model.ErrInvalidFlow), "err = %v", err)
}

// --- Submit ---

func TestSubmit_underageCompletes(t *testing.T) {
	fx := newFixture(t)

	run, res := fx.walk(t, map[string]any{}, 16)

	assert.True(t, res.Completed)
	assert.Nil(t, res.NextStep)
	assert.Equal(t, model.RunStatusCompleted, res.Run.Status)
	assert.NotNil(t, res.Run.CompletedAt)

	status, err := fx.engine.Status(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, status)
}

func TestSubmit_adultAdvances(t *testing.T) {
	fx := newFixture(t)

	// Numeric strings are coerced by the number question.
	_, res := fx.walk(t, map[string]any{}, "21")

	require.False(t, res.Completed)
	require.NotNil(t, res.NextStep)
	assert.Equal(t, "symptoms", res.NextStep.ID)
	assert.Equal(t, "symptoms", res.Run.CurrentStepID)
	assert.Equal(t, model.RunStatusDraft, res.Run.Status)
}

func TestSubmit_severityBranches(t *testing.T) {
	tests := []struct {
		severity string
		want     string
	}{
		{"mild", "alternative-care"},
		{"moderate", "lab-info"},
		{"severe", "lab-info"},
		{"very_severe", "lab-info"},
	}
	for _, tt := range tests {
		t.Run(tt.severity, func(t *testing.T) {
			fx := newFixture(t)
			_, res := fx.walk(t, map[string]any{}, 40, []any{"low_energy"}, tt.severity)
			require.NotNil(t, res.NextStep)
			assert.Equal(t, tt.want, res.NextStep.ID)
		})
	}
}

func TestSubmit_unmatchedSeverityCompletes(t *testing.T) {
	fx := newFixture(t)

	_, res := fx.walk(t, map[string]any{}, 40, "low_energy", "unknown")
	assert.True(t, res.Completed)
}

func TestSubmit_fullWalk(t *testing.T) {
	fx := newFixture(t)

	run, res := fx.walk(t,
		map[string]any{},
		52,
		[]any{"low_energy", "muscle_loss"},
		"severe",
		map[string]any{},
		"trt_premium",
		map[string]any{},
	)
	assert.True(t, res.Completed)

	desc, err := fx.engine.Get(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, desc.Responses, 7)

	var steps []string
	for _, r := range desc.Responses {
		steps = append(steps, r.StepID)
	}
	assert.Equal(t, []string{
		"welcome", "age", "symptoms", "severity", "lab-info", "treatment", "provider-review",
	}, steps)
	assert.Equal(t, map[string]any{"value": "trt_premium"}, desc.Responses[5].Data)
	assert.Equal(t, map[string]any{"value": []any{"low_energy", "muscle_loss"}}, desc.Responses[2].Data)
}

func TestSubmit_multiSelectSingleValue(t *testing.T) {
	fx := newFixture(t)

	run, _ := fx.walk(t, map[string]any{}, 30, "low_energy")

	responses, err := fx.store.LoadResponses(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, responses, 3)
	assert.Equal(t, []any{"low_energy"}, responses[2].Data["value"])
}

func TestSubmit_positionGuard(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	run, _, err := fx.engine.Start(ctx, trtFlow, "patient-1")
	require.NoError(t, err)

	_, err = fx.engine.Submit(ctx, run.ID, "age", 30)
	assert.True(t, model.IsCode(err, model.ErrInvalidStep), "err = %v", err)

	responses, err := fx.store.LoadResponses(ctx, run.ID)
	require.NoError(t, err)
	assert.Empty(t, responses, "rejected submission must not be recorded")

	got, err := fx.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "welcome", got.CurrentStepID)
}

func TestSubmit_closedRun(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	run, res := fx.walk(t, map[string]any{}, 16)
	require.True(t, res.Completed)

	_, err := fx.engine.Submit(ctx, run.ID, "age", 30)
	assert.True(t, model.IsCode(err, model.ErrInvalidStep), "err = %v", err)
	assert.Contains(t, err.Error(), "COMPLETED")
}

func TestSubmit_unknownRun(t *testing.T) {
	fx := newFixture(t)

	_, err := fx.engine.Submit(context.Background(), "missing", "welcome", nil)
	assert.True(t, model.IsCode(err, model.ErrRunNotFound), "err = %v", err)
}

func TestSubmit_stepRemovedFromFlow(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	run, _, err := fx.engine.Start(ctx, trtFlow, "patient-1")
	require.NoError(t, err)

	require.NoError(t, fx.store.DeleteStep(ctx, trtFlow, "welcome"))
	fx.graphs.Invalidate(trtFlow)

	_, err = fx.engine.Submit(ctx, run.ID, "welcome", nil)
	assert.True(t, model.IsCode(err, model.ErrStepNotFound), "err = %v", err)
}

func TestSubmit_auditTrail(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	run, _ := fx.walk(t, map[string]any{}, 16)

	events, err := fx.store.LoadEvents(ctx, run.ID)
	require.NoError(t, err)

	var names []string
	for _, ev := range events {
		names = append(names, ev.Event)
	}
	assert.Equal(t, []string{
		model.RunEventStarted,
		model.RunEventSubmitted, model.RunEventAdvanced,
		model.RunEventSubmitted, model.RunEventCompleted,
	}, names)

	entered := events[2]
	assert.Equal(t, "age", entered.StepID)
	assert.Equal(t, "welcome-age", entered.Data["transition_id"])
	assert.Equal(t, "welcome", entered.Data["from_step_id"])

	completed := events[4]
	candidates, ok := completed.Data["candidates"].([]any)
	require.True(t, ok)
	require.Len(t, candidates, 1)
	assert.Equal(t, false, candidates[0].(map[string]any)["matched"])
	assert.NotContains(t, completed.Data, "transition_id")
}

func TestSubmit_tracesConditions(t *testing.T) {
	fx := newFixture(t)
	fx.walk(t, map[string]any{}, 16)

	traces := fx.rec.Traces()
	require.NotEmpty(t, traces)
	last := traces[len(traces)-1]
	assert.False(t, last.Result)
	require.Len(t, last.Rules, 1)
	assert.Equal(t, "age", last.Rules[0].StepID)
}

func TestSubmit_concurrentSameStep(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	run, _, err := fx.engine.Start(ctx, trtFlow, "patient-1")
	require.NoError(t, err)

	const writers = 8
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = fx.engine.Submit(ctx, run.ID, "welcome", map[string]any{})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.True(t, model.IsCode(err, model.ErrInvalidStep), "err = %v", err)
	}
	assert.Equal(t, 1, succeeded)

	responses, err := fx.store.LoadResponses(ctx, run.ID)
	require.NoError(t, err)
	assert.Len(t, responses, 1)
}

type failingLocker struct{}

func (failingLocker) Lock(_ context.Context, runID string) (func(), error) {
	return nil, model.NewRunLockedError(runID)
}

func TestSubmit_lockUnavailable(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	run, _, err := fx.engine.Start(ctx, trtFlow, "patient-1")
	require.NoError(t, err)

	locked := NewEngine(fx.graphs, flow.NewSelector(nil), steptype.DefaultRegistry(), fx.store, failingLocker{}, nil)
	_, err = locked.Submit(ctx, run.ID, "welcome", nil)
	assert.True(t, model.IsCode(err, model.ErrConflict), "err = %v", err)
}

type conflictingStore struct {
	*store.MemoryStore
}

func (conflictingStore) UpdateRun(_ context.Context, run model.Run) (model.Run, error) {
	return model.Run{}, model.NewConflictError("stale run")
}

func TestSubmit_versionConflict(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	run, _, err := fx.engine.Start(ctx, trtFlow, "patient-1")
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	m := observability.InitMetrics(reg)
	e := NewEngine(fx.graphs, flow.NewSelector(nil), steptype.DefaultRegistry(),
		conflictingStore{fx.store}, nil, nil, WithMetrics(m))

	_, err = e.Submit(ctx, run.ID, "welcome", nil)
	assert.True(t, model.IsCode(err, model.ErrConflict), "err = %v", err)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunConflictsTotal.WithLabelValues("version")))
}

// --- Get / List ---

func TestGet_descriptor(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	run, res := fx.walk(t, map[string]any{}, 30)
	require.Equal(t, "symptoms", res.NextStep.ID)

	desc, err := fx.engine.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, desc.Run.ID)
	require.NotNil(t, desc.CurrentStep)
	assert.Equal(t, "symptoms", desc.CurrentStep.ID)
	assert.Len(t, desc.Responses, 2)
	assert.Len(t, desc.Events, 5)
}

func TestGet_flowRemoved(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	run, _, err := fx.engine.Start(ctx, trtFlow, "patient-1")
	require.NoError(t, err)

	other := NewEngine(flow.NewCache(store.NewMemoryStore(), 0), flow.NewSelector(nil),
		steptype.DefaultRegistry(), fx.store, nil, nil)
	desc, err := other.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Nil(t, desc.CurrentStep)
}

func TestGet_unknownRun(t *testing.T) {
	fx := newFixture(t)

	_, err := fx.engine.Get(context.Background(), "missing")
	assert.True(t, model.IsCode(err, model.ErrRunNotFound), "err = %v", err)
}

func TestList(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	fx.walk(t, map[string]any{}, 16)
	fx.walk(t, map[string]any{})

	runs, total, err := fx.engine.List(ctx, model.RunFilters{FlowID: trtFlow, Status: model.RunStatusCompleted})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, runs, 1)
	assert.Equal(t, model.RunStatusCompleted, runs[0].Status)

	_, total, err = fx.engine.List(ctx, model.RunFilters{FlowID: trtFlow})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
}

func TestList_rejectsBadFilters(t *testing.T) {
	fx := newFixture(t)

	_, _, err := fx.engine.List(context.Background(), model.RunFilters{Status: "RUNNING"})
	assert.True(t, model.IsCode(err, model.ErrBadRequest), "err = %v", err)

	_, _, err = fx.engine.List(context.Background(), model.RunFilters{Page: -1})
	assert.True(t, model.IsCode(err, model.ErrBadRequest), "err = %v", err)
}

// --- Review ---

func TestReview_transitions(t *testing.T) {
	tests := []struct {
		name    string
		prior   []model.RunStatus
		target  model.RunStatus
		wantErr bool
	}{
		{"completed to reviewed", nil, model.RunStatusReviewed, false},
		{"completed to archived", nil, model.RunStatusArchived, false},
		{"reviewed to archived", []model.RunStatus{model.RunStatusReviewed}, model.RunStatusArchived, false},
		{"reviewed twice", []model.RunStatus{model.RunStatusReviewed}, model.RunStatusReviewed, true},
		{"archived to reviewed", []model.RunStatus{model.RunStatusArchived}, model.RunStatusReviewed, true},
		{"back to draft", nil, model.RunStatusDraft, true},
		{"back to completed", nil, model.RunStatusCompleted, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			fx := newFixture(t)
			run, _ := fx.walk(t, map[string]any{}, 16)
			for _, s := range tt.prior {
				_, err := fx.engine.Review(ctx, run.ID, s, "dr-who", "")
				require.NoError(t, err)
			}

			got, err := fx.engine.Review(ctx, run.ID, tt.target, "dr-who", "looks fine")
			if tt.wantErr {
				assert.True(t, model.IsCode(err, model.ErrInvalidReview), "err = %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.target, got.Status)
			assert.Equal(t, "dr-who", got.ReviewedBy)
			assert.Equal(t, "looks fine", got.Notes)
			assert.NotNil(t, got.ReviewedAt)
		})
	}
}

func TestReview_draftRunRejected(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	run, _, err := fx.engine.Start(ctx, trtFlow, "patient-1")
	require.NoError(t, err)

	_, err = fx.engine.Review(ctx, run.ID, model.RunStatusReviewed, "dr-who", "")
	assert.True(t, model.IsCode(err, model.ErrInvalidReview), "err = %v", err)
}

func TestReview_reviewerFromContext(t *testing.T) {
	fx := newFixture(t)
	run, _ := fx.walk(t, map[string]any{}, 16)
	ctx := model.WithRequestContext(context.Background(), &model.RequestContext{SubjectID: "dr-ctx"})

	got, err := fx.engine.Review(ctx, run.ID, model.RunStatusReviewed, "", "")
	require.NoError(t, err)
	assert.Equal(t, "dr-ctx", got.ReviewedBy)

	events, err := fx.store.LoadEvents(ctx, run.ID)
	require.NoError(t, err)
	last := events[len(events)-1]
	assert.Equal(t, model.RunEventReviewed, last.Event)
	assert.Equal(t, "dr-ctx", last.ActorID)
	assert.Equal(t, string(model.RunStatusCompleted), last.Data["from_status"])
}

// --- Metrics and clock ---

func TestEngine_metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := observability.InitMetrics(reg)
	fx := newFixture(t, WithMetrics(m))

	run, _ := fx.walk(t, map[string]any{}, 16)
	_, err := fx.engine.Submit(context.Background(), run.ID, "age", 20)
	require.Error(t, err)
	_, err = fx.engine.Review(context.Background(), run.ID, model.RunStatusReviewed, "dr", "")
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunStartsTotal.WithLabelValues(trtFlow)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SubmissionsTotal.WithLabelValues(trtFlow, observability.OutcomeAdvanced)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SubmissionsTotal.WithLabelValues(trtFlow, observability.OutcomeCompleted)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SubmissionsTotal.WithLabelValues(trtFlow, observability.OutcomeRejected)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunCompletionsTotal.WithLabelValues(trtFlow)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunConflictsTotal.WithLabelValues("closed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunReviewsTotal.WithLabelValues(string(model.RunStatusReviewed))))
}

func TestEngine_clock(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	fx := newFixture(t, WithClock(func() time.Time { return fixed }))

	run, res := fx.walk(t, map[string]any{}, 16)
	assert.True(t, run.StartedAt.Equal(fixed))
	require.NotNil(t, res.Run.CompletedAt)
	assert.True(t, res.Run.CompletedAt.Equal(fixed))
}

func TestEngine_storeErrorsAreWrapped(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	e := NewEngine(fx.graphs, flow.NewSelector(nil), steptype.DefaultRegistry(), brokenRuns{fx.store}, nil, nil)

	_, _, err := e.Start(ctx, trtFlow, "patient-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errDiskFull))
	assert.Equal(t, "", model.ErrorCode(err))
}

var errDiskFull = errors.New("disk full")

type brokenRuns struct {
	*store.MemoryStore
}

func (brokenRuns) CreateRun(context.Context, model.Run) (model.Run, error) {
	return model.Run{}, errDiskFull
}
