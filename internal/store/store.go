// Package store persists flows, runs, step responses and run events.
//
// Three backends implement Store: an in-memory store for tests and local
// development, PostgreSQL through a pgx pool, and SQLite through
// mattn/go-sqlite3. They share the error contract of the model package:
// missing records return FLOW_NOT_FOUND, STEP_NOT_FOUND or RUN_NOT_FOUND, and
// stale versions return CONFLICT.
package store

import (
	"context"
	"time"

	"github.com/pitabwire/triage/model"
)

// Page size bounds applied to run listings.
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// FlowStore persists flow graphs. Every mutation increments the flow version.
type FlowStore interface {
	// LoadFlow returns the flow with its steps and transitions, each ordered
	// by creation sequence. Returns FLOW_NOT_FOUND if the flow doesn't exist.
	LoadFlow(ctx context.Context, flowID string) (model.Flow, error)

	// FlowVersion returns the current version of a flow without loading its
	// graph. Returns FLOW_NOT_FOUND if the flow doesn't exist.
	FlowVersion(ctx context.Context, flowID string) (int, error)

	// LoadStep returns a single step of a flow. Returns STEP_NOT_FOUND if the
	// step doesn't exist or belongs to a different flow.
	LoadStep(ctx context.Context, flowID, stepID string) (model.Step, error)

	// ListFlows returns every flow ordered by ID.
	ListFlows(ctx context.Context) ([]model.Flow, error)

	// SaveFlow creates or replaces a flow together with its steps and
	// transitions. Sequence numbers are reassigned in slice order.
	SaveFlow(ctx context.Context, f model.Flow) (model.Flow, error)

	// CreateStep adds a step to an existing flow. Returns CONFLICT if the
	// step ID is already used in the flow.
	CreateStep(ctx context.Context, step model.Step) (model.Step, error)

	// UpdateStep replaces the type, title, config and position of a step.
	UpdateStep(ctx context.Context, step model.Step) (model.Step, error)

	// DeleteStep removes a step and every transition into or out of it, and
	// clears the flow's start step if it pointed at the deleted step.
	DeleteStep(ctx context.Context, flowID, stepID string) error

	// CreateTransition adds a transition to an existing flow.
	CreateTransition(ctx context.Context, t model.Transition) (model.Transition, error)

	// UpdateTransition replaces the endpoints, condition and order of a
	// transition.
	UpdateTransition(ctx context.Context, t model.Transition) (model.Transition, error)

	// DeleteTransition removes a transition. Returns NOT_FOUND if it doesn't
	// exist in the flow.
	DeleteTransition(ctx context.Context, flowID, transitionID string) error

	// SetStartStep points the flow at its entry step. An empty stepID clears
	// it; any other value must name a step of the flow.
	SetStartStep(ctx context.Context, flowID, stepID string) error

	// SetFlowStatus changes the flow status.
	SetFlowStatus(ctx context.Context, flowID string, status model.FlowStatus) error
}

// RunStore persists runs and their append-only response and event logs.
type RunStore interface {
	// CreateRun persists a new run at version 1.
	CreateRun(ctx context.Context, run model.Run) (model.Run, error)

	// GetRun retrieves a run by ID. Returns RUN_NOT_FOUND if it doesn't exist.
	GetRun(ctx context.Context, runID string) (model.Run, error)

	// UpdateRun persists status, position and review fields with optimistic
	// locking. The version must match the stored version; the returned run
	// carries the incremented version. Returns CONFLICT on mismatch.
	UpdateRun(ctx context.Context, run model.Run) (model.Run, error)

	// SaveStepResponse appends a response to the run's log and returns it
	// with its sequence number assigned.
	SaveStepResponse(ctx context.Context, resp model.StepResponse) (model.StepResponse, error)

	// LoadResponses returns every response for the run in submission order.
	LoadResponses(ctx context.Context, runID string) ([]model.StepResponse, error)

	// ListRuns returns one page of runs matching the filters, most recently
	// started first, and the total number of matches.
	ListRuns(ctx context.Context, filters model.RunFilters) ([]model.Run, int, error)

	// AppendEvent adds an event to the run's audit trail.
	AppendEvent(ctx context.Context, event model.RunEvent) error

	// LoadEvents returns the run's audit trail in the order it was written.
	LoadEvents(ctx context.Context, runID string) ([]model.RunEvent, error)

	// CountByStatus returns the number of runs in each status.
	CountByStatus(ctx context.Context) (map[model.RunStatus]int, error)

	// CountStaleDrafts returns the number of DRAFT runs not updated since
	// before.
	CountStaleDrafts(ctx context.Context, before time.Time) (int, error)
}

// Store is the full persistence surface used by the service.
type Store interface {
	FlowStore
	RunStore

	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases the backend's resources.
	Close() error
}

// pageBounds converts 1-based page filters into a limit and offset.
func pageBounds(f model.RunFilters) (limit, offset int) {
	limit = f.PageSize
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	page := f.Page
	if page < 1 {
		page = 1
	}
	return limit, (page - 1) * limit
}
