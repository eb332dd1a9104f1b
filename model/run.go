package model

import "time"

// RunStatus is the lifecycle state of a run. DRAFT runs are in progress;
// REVIEWED and ARCHIVED are set by reviewers and never change back.
type RunStatus string

// Run status constants.
const (
	RunStatusDraft     RunStatus = "DRAFT"
	RunStatusCompleted RunStatus = "COMPLETED"
	RunStatusReviewed  RunStatus = "REVIEWED"
	RunStatusArchived  RunStatus = "ARCHIVED"
)

// Valid reports whether s is one of the known run statuses.
func (s RunStatus) Valid() bool {
	switch s {
	case RunStatusDraft, RunStatusCompleted, RunStatusReviewed, RunStatusArchived:
		return true
	}
	return false
}

// Run is one subject's traversal of a flow.
type Run struct {
	ID            string     `json:"id"`
	FlowID        string     `json:"flow_id"`
	FlowVersion   int        `json:"flow_version"`
	SubjectID     string     `json:"subject_id"`
	Status        RunStatus  `json:"status"`
	CurrentStepID string     `json:"current_step_id,omitempty"`
	StartedAt     time.Time  `json:"started_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	ReviewedBy    string     `json:"reviewed_by,omitempty"`
	ReviewedAt    *time.Time `json:"reviewed_at,omitempty"`
	Notes         string     `json:"notes,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
	Version       int        `json:"version"`
}

// StepResponse is an immutable record of one submission for a step.
type StepResponse struct {
	ID        string         `json:"id"`
	RunID     string         `json:"run_id"`
	StepID    string         `json:"step_id"`
	Data      map[string]any `json:"data"`
	Seq       int64          `json:"seq"`
	CreatedAt time.Time      `json:"created_at"`
}

// SubmitResult is the outcome of a step submission: either the next step to
// present, or completion of the run.
type SubmitResult struct {
	NextStep  *Step `json:"next_step,omitempty"`
	Completed bool  `json:"completed,omitempty"`
	Run       Run   `json:"run"`
}

// Run event names recorded in a run's audit trail.
const (
	RunEventStarted   = "run_started"
	RunEventSubmitted = "step_submitted"
	RunEventAdvanced  = "step_entered"
	RunEventCompleted = "run_completed"
	RunEventReviewed  = "run_reviewed"
	RunEventArchived  = "run_archived"
)

// RunEvent records one event in a run's audit trail.
type RunEvent struct {
	ID        string         `json:"id"`
	RunID     string         `json:"run_id"`
	StepID    string         `json:"step_id,omitempty"`
	Event     string         `json:"event"`
	ActorID   string         `json:"actor_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// RunDescriptor is the reviewer view of a run.
type RunDescriptor struct {
	Run         Run            `json:"run"`
	CurrentStep *Step          `json:"current_step,omitempty"`
	Responses   []StepResponse `json:"responses"`
	Events      []RunEvent     `json:"events,omitempty"`
}

// RunFilters narrows a run listing.
type RunFilters struct {
	FlowID    string
	SubjectID string
	Status    RunStatus
	Page      int
	PageSize  int
}
