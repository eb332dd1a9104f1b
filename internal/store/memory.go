package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/triage/model"
)

// MemoryStore is an in-memory Store for tests and local development.
type MemoryStore struct {
	mu        sync.RWMutex
	seq       int64
	flows     map[string]model.Flow           // key: flow ID
	runs      map[string]model.Run            // key: run ID
	responses map[string][]model.StepResponse // key: run ID
	events    map[string][]model.RunEvent     // key: run ID
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		flows:     make(map[string]model.Flow),
		runs:      make(map[string]model.Run),
		responses: make(map[string][]model.StepResponse),
		events:    make(map[string][]model.RunEvent),
	}
}

func (s *MemoryStore) nextSeq() int64 {
	s.seq++
	return s.seq
}

// --- Flows ---

// LoadFlow returns a copy of the stored flow.
func (s *MemoryStore) LoadFlow(_ context.Context, flowID string) (model.Flow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, ok := s.flows[flowID]
	if !ok {
		return model.Flow{}, model.NewFlowNotFoundError(flowID)
	}
	return copyFlow(f), nil
}

// FlowVersion returns the stored version of a flow.
func (s *MemoryStore) FlowVersion(_ context.Context, flowID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, ok := s.flows[flowID]
	if !ok {
		return 0, model.NewFlowNotFoundError(flowID)
	}
	return f.Version, nil
}

// LoadStep returns a single step of a flow.
func (s *MemoryStore) LoadStep(_ context.Context, flowID, stepID string) (model.Step, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, ok := s.flows[flowID]
	if !ok {
		return model.Step{}, model.NewStepNotFoundError(stepID)
	}
	step, ok := f.Step(stepID)
	if !ok {
		return model.Step{}, model.NewStepNotFoundError(stepID)
	}
	step.Config = copyData(step.Config)
	return step, nil
}

// ListFlows returns every flow ordered by ID.
func (s *MemoryStore) ListFlows(_ context.Context) ([]model.Flow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	flows := make([]model.Flow, 0, len(s.flows))
	for _, f := range s.flows {
		flows = append(flows, copyFlow(f))
	}
	sort.Slice(flows, func(i, j int) bool { return flows[i].ID < flows[j].ID })
	return flows, nil
}

// SaveFlow creates or replaces a flow.
func (s *MemoryStore) SaveFlow(_ context.Context, f model.Flow) (model.Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	f = copyFlow(f)
	if existing, ok := s.flows[f.ID]; ok {
		f.Version = existing.Version + 1
		f.CreatedAt = existing.CreatedAt
	} else {
		f.Version = 1
		f.CreatedAt = now
	}
	if f.Status == "" {
		f.Status = model.FlowStatusDraft
	}
	f.UpdatedAt = now

	for i := range f.Steps {
		f.Steps[i].FlowID = f.ID
		f.Steps[i].Seq = s.nextSeq()
		if f.Steps[i].CreatedAt.IsZero() {
			f.Steps[i].CreatedAt = now
		}
	}
	for i := range f.Transitions {
		f.Transitions[i].FlowID = f.ID
		f.Transitions[i].Seq = s.nextSeq()
		if f.Transitions[i].CreatedAt.IsZero() {
			f.Transitions[i].CreatedAt = now
		}
	}

	s.flows[f.ID] = f
	return copyFlow(f), nil
}

// CreateStep adds a step to an existing flow.
func (s *MemoryStore) CreateStep(_ context.Context, step model.Step) (model.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.flows[step.FlowID]
	if !ok {
		return model.Step{}, model.NewFlowNotFoundError(step.FlowID)
	}
	if _, exists := f.Step(step.ID); exists {
		return model.Step{}, model.NewConflictError(
			fmt.Sprintf("step %q already exists in flow %q", step.ID, step.FlowID),
		)
	}

	step.Seq = s.nextSeq()
	step.CreatedAt = time.Now().UTC()
	step.Config = copyData(step.Config)
	f.Steps = append(f.Steps, step)
	s.touch(&f)
	return step, nil
}

// UpdateStep replaces the mutable fields of a step.
func (s *MemoryStore) UpdateStep(_ context.Context, step model.Step) (model.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.flows[step.FlowID]
	if !ok {
		return model.Step{}, model.NewFlowNotFoundError(step.FlowID)
	}
	for i, existing := range f.Steps {
		if existing.ID != step.ID {
			continue
		}
		existing.Type = step.Type
		existing.Title = step.Title
		existing.Config = copyData(step.Config)
		existing.Position = step.Position
		f.Steps[i] = existing
		s.touch(&f)
		return existing, nil
	}
	return model.Step{}, model.NewStepNotFoundError(step.ID)
}

// DeleteStep removes a step and the transitions attached to it.
func (s *MemoryStore) DeleteStep(_ context.Context, flowID, stepID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.flows[flowID]
	if !ok {
		return model.NewFlowNotFoundError(flowID)
	}
	if _, exists := f.Step(stepID); !exists {
		return model.NewStepNotFoundError(stepID)
	}

	steps := make([]model.Step, 0, len(f.Steps)-1)
	for _, st := range f.Steps {
		if st.ID != stepID {
			steps = append(steps, st)
		}
	}
	transitions := make([]model.Transition, 0, len(f.Transitions))
	for _, t := range f.Transitions {
		if t.FromStepID != stepID && t.ToStepID != stepID {
			transitions = append(transitions, t)
		}
	}
	f.Steps = steps
	f.Transitions = transitions
	if f.StartStepID == stepID {
		f.StartStepID = ""
	}
	s.touch(&f)
	return nil
}

// CreateTransition adds a transition to an existing flow.
func (s *MemoryStore) CreateTransition(_ context.Context, t model.Transition) (model.Transition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.flows[t.FlowID]
	if !ok {
		return model.Transition{}, model.NewFlowNotFoundError(t.FlowID)
	}
	for _, existing := range f.Transitions {
		if existing.ID == t.ID {
			return model.Transition{}, model.NewConflictError(
				fmt.Sprintf("transition %q already exists in flow %q", t.ID, t.FlowID),
			)
		}
	}

	t.Seq = s.nextSeq()
	t.CreatedAt = time.Now().UTC()
	t.Condition = copyCondition(t.Condition)
	f.Transitions = append(f.Transitions, t)
	s.touch(&f)
	return t, nil
}

// UpdateTransition replaces the mutable fields of a transition.
func (s *MemoryStore) UpdateTransition(_ context.Context, t model.Transition) (model.Transition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.flows[t.FlowID]
	if !ok {
		return model.Transition{}, model.NewFlowNotFoundError(t.FlowID)
	}
	for i, existing := range f.Transitions {
		if existing.ID != t.ID {
			continue
		}
		existing.FromStepID = t.FromStepID
		existing.ToStepID = t.ToStepID
		existing.Condition = copyCondition(t.Condition)
		existing.Order = t.Order
		f.Transitions[i] = existing
		s.touch(&f)
		return existing, nil
	}
	return model.Transition{}, transitionNotFound(t.FlowID, t.ID)
}

// DeleteTransition removes a transition.
func (s *MemoryStore) DeleteTransition(_ context.Context, flowID, transitionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.flows[flowID]
	if !ok {
		return model.NewFlowNotFoundError(flowID)
	}
	for i, t := range f.Transitions {
		if t.ID == transitionID {
			f.Transitions = append(f.Transitions[:i:i], f.Transitions[i+1:]...)
			s.touch(&f)
			return nil
		}
	}
	return transitionNotFound(flowID, transitionID)
}

// SetStartStep points the flow at its entry step.
func (s *MemoryStore) SetStartStep(_ context.Context, flowID, stepID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.flows[flowID]
	if !ok {
		return model.NewFlowNotFoundError(flowID)
	}
	if stepID != "" {
		if _, exists := f.Step(stepID); !exists {
			return model.NewStepNotFoundError(stepID)
		}
	}
	f.StartStepID = stepID
	s.touch(&f)
	return nil
}

// SetFlowStatus changes the flow status.
func (s *MemoryStore) SetFlowStatus(_ context.Context, flowID string, status model.FlowStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.flows[flowID]
	if !ok {
		return model.NewFlowNotFoundError(flowID)
	}
	f.Status = status
	s.touch(&f)
	return nil
}

// touch bumps the flow version and stores it. Callers hold the write lock.
func (s *MemoryStore) touch(f *model.Flow) {
	f.Version++
	f.UpdatedAt = time.Now().UTC()
	s.flows[f.ID] = *f
}

// --- Runs ---

// CreateRun persists a new run.
func (s *MemoryStore) CreateRun(_ context.Context, run model.Run) (model.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runs[run.ID]; exists {
		return model.Run{}, model.NewConflictError(fmt.Sprintf("run %q already exists", run.ID))
	}
	now := time.Now().UTC()
	if run.StartedAt.IsZero() {
		run.StartedAt = now
	}
	run.UpdatedAt = now
	run.Version = 1
	s.runs[run.ID] = run
	return run, nil
}

// GetRun retrieves a run by ID.
func (s *MemoryStore) GetRun(_ context.Context, runID string) (model.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[runID]
	if !ok {
		return model.Run{}, model.NewRunNotFoundError(runID)
	}
	return run, nil
}

// UpdateRun persists an updated run with optimistic locking.
func (s *MemoryStore) UpdateRun(_ context.Context, run model.Run) (model.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.runs[run.ID]
	if !ok {
		return model.Run{}, model.NewRunNotFoundError(run.ID)
	}
	if existing.Version != run.Version {
		return model.Run{}, model.NewConflictError(
			fmt.Sprintf("run %q version conflict (expected %d, got %d)", run.ID, run.Version, existing.Version),
		)
	}

	// Identity fields never change after creation.
	run.FlowID = existing.FlowID
	run.FlowVersion = existing.FlowVersion
	run.SubjectID = existing.SubjectID
	run.StartedAt = existing.StartedAt
	run.Version++
	run.UpdatedAt = time.Now().UTC()
	s.runs[run.ID] = run
	return run, nil
}

// SaveStepResponse appends a response to the run's log.
func (s *MemoryStore) SaveStepResponse(_ context.Context, resp model.StepResponse) (model.StepResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[resp.RunID]; !ok {
		return model.StepResponse{}, model.NewRunNotFoundError(resp.RunID)
	}
	resp.Seq = s.nextSeq()
	if resp.CreatedAt.IsZero() {
		resp.CreatedAt = time.Now().UTC()
	}
	resp.Data = copyData(resp.Data)
	s.responses[resp.RunID] = append(s.responses[resp.RunID], resp)
	out := resp
	out.Data = copyData(resp.Data)
	return out, nil
}

// LoadResponses returns the run's responses in submission order.
func (s *MemoryStore) LoadResponses(_ context.Context, runID string) ([]model.StepResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored := s.responses[runID]
	out := make([]model.StepResponse, len(stored))
	for i, resp := range stored {
		resp.Data = copyData(resp.Data)
		out[i] = resp
	}
	return out, nil
}

// ListRuns returns one page of matching runs.
func (s *MemoryStore) ListRuns(_ context.Context, filters model.RunFilters) ([]model.Run, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []model.Run
	for _, run := range s.runs {
		if filters.FlowID != "" && run.FlowID != filters.FlowID {
			continue
		}
		if filters.SubjectID != "" && run.SubjectID != filters.SubjectID {
			continue
		}
		if filters.Status != "" && run.Status != filters.Status {
			continue
		}
		matched = append(matched, run)
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].StartedAt.Equal(matched[j].StartedAt) {
			return matched[i].StartedAt.After(matched[j].StartedAt)
		}
		return matched[i].ID < matched[j].ID
	})

	total := len(matched)
	limit, offset := pageBounds(filters)
	if offset >= total {
		return []model.Run{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

// AppendEvent adds an event to the run's audit trail.
func (s *MemoryStore) AppendEvent(_ context.Context, event model.RunEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	event.Data = copyData(event.Data)
	s.events[event.RunID] = append(s.events[event.RunID], event)
	return nil
}

// LoadEvents returns the run's audit trail.
func (s *MemoryStore) LoadEvents(_ context.Context, runID string) ([]model.RunEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored := s.events[runID]
	out := make([]model.RunEvent, len(stored))
	for i, event := range stored {
		event.Data = copyData(event.Data)
		out[i] = event
	}
	return out, nil
}

// CountByStatus returns the number of runs in each status.
func (s *MemoryStore) CountByStatus(_ context.Context) (map[model.RunStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[model.RunStatus]int)
	for _, run := range s.runs {
		counts[run.Status]++
	}
	return counts, nil
}

// CountStaleDrafts returns the number of DRAFT runs idle since before.
func (s *MemoryStore) CountStaleDrafts(_ context.Context, before time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, run := range s.runs {
		if run.Status == model.RunStatusDraft && run.UpdatedAt.Before(before) {
			n++
		}
	}
	return n, nil
}

// Ping always succeeds.
func (s *MemoryStore) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

// Len returns the number of stored runs. For testing.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.runs)
}

func copyFlow(f model.Flow) model.Flow {
	steps := make([]model.Step, len(f.Steps))
	for i, st := range f.Steps {
		st.Config = copyData(st.Config)
		steps[i] = st
	}
	transitions := make([]model.Transition, len(f.Transitions))
	for i, t := range f.Transitions {
		t.Condition = copyCondition(t.Condition)
		transitions[i] = t
	}
	f.Steps = steps
	f.Transitions = transitions
	return f
}

func copyCondition(c *model.Condition) *model.Condition {
	if c == nil {
		return nil
	}
	out := *c
	out.Rules = make([]model.Rule, len(c.Rules))
	for i, r := range c.Rules {
		r.Value = copyValue(r.Value)
		out.Rules[i] = r
	}
	return &out
}

// copyData deep-copies a JSON document so stored records never share maps or
// slices with callers.
func copyData(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return copyData(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = copyValue(item)
		}
		return out
	case []string:
		return append([]string(nil), val...)
	}
	return v
}

func transitionNotFound(flowID, transitionID string) error {
	return model.NewNotFoundError(fmt.Sprintf("transition %q not found in flow %q", transitionID, flowID))
}
