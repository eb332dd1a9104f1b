package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/triage/model"
)

//go:embed schema_postgres.sql
var postgresSchema string

// PostgreSQL error codes mapped to domain errors.
const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// PgStore is a PostgreSQL-backed Store using pgx/v5.
type PgStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PgStore)(nil)

// NewPgStore creates a new PostgreSQL store on an existing pool.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// OpenPgStore connects a pool to dsn and applies the schema.
func OpenPgStore(ctx context.Context, dsn string, minConns, maxConns int32) (*PgStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	if minConns > 0 {
		cfg.MinConns = minConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := NewPgStore(pool)
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the tables if they don't exist.
func (s *PgStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("apply postgres schema: %w", err)
	}
	return nil
}

// Ping checks the pool can reach the database.
func (s *PgStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the pool.
func (s *PgStore) Close() error {
	s.pool.Close()
	return nil
}

// pgQuerier is satisfied by both the pool and a transaction.
type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// --- Flows ---

// LoadFlow returns the flow with its steps and transitions.
func (s *PgStore) LoadFlow(ctx context.Context, flowID string) (model.Flow, error) {
	var f model.Flow
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, description, status, COALESCE(start_step_id, ''),
		       version, created_at, updated_at
		FROM flows
		WHERE id = $1`,
		flowID,
	).Scan(
		&f.ID, &f.Name, &f.Description, &f.Status, &f.StartStepID,
		&f.Version, &f.CreatedAt, &f.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Flow{}, model.NewFlowNotFoundError(flowID)
	}
	if err != nil {
		return model.Flow{}, fmt.Errorf("query flow: %w", err)
	}

	if f.Steps, err = s.querySteps(ctx, s.pool, `WHERE flow_id = $1 ORDER BY seq`, flowID); err != nil {
		return model.Flow{}, err
	}
	if f.Transitions, err = s.queryTransitions(ctx, s.pool, flowID); err != nil {
		return model.Flow{}, err
	}
	return f, nil
}

// FlowVersion returns the stored version of a flow.
func (s *PgStore) FlowVersion(ctx context.Context, flowID string) (int, error) {
	var version int
	err := s.pool.QueryRow(ctx, `SELECT version FROM flows WHERE id = $1`, flowID).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, model.NewFlowNotFoundError(flowID)
	}
	if err != nil {
		return 0, fmt.Errorf("query flow version: %w", err)
	}
	return version, nil
}

// LoadStep returns a single step of a flow.
func (s *PgStore) LoadStep(ctx context.Context, flowID, stepID string) (model.Step, error) {
	steps, err := s.querySteps(ctx, s.pool, `WHERE flow_id = $1 AND id = $2`, flowID, stepID)
	if err != nil {
		return model.Step{}, err
	}
	if len(steps) == 0 {
		return model.Step{}, model.NewStepNotFoundError(stepID)
	}
	return steps[0], nil
}

// ListFlows returns every flow ordered by ID.
func (s *PgStore) ListFlows(ctx context.Context) ([]model.Flow, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM flows ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query flows: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan flow ids: %w", err)
	}

	flows := make([]model.Flow, 0, len(ids))
	for _, id := range ids {
		f, err := s.LoadFlow(ctx, id)
		if err != nil {
			return nil, err
		}
		flows = append(flows, f)
	}
	return flows, nil
}

// SaveFlow creates or replaces a flow with its steps and transitions.
func (s *PgStore) SaveFlow(ctx context.Context, f model.Flow) (model.Flow, error) {
	now := time.Now().UTC()
	if f.Status == "" {
		f.Status = model.FlowStatusDraft
	}
	f = copyFlow(f)

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			INSERT INTO flows (id, name, description, status, start_step_id, version, created_at, updated_at)
			VALUES ($1, $2, $3, $4, NULLIF($5, ''), 1, $6, $6)
			ON CONFLICT (id) DO UPDATE SET
				name = EXCLUDED.name,
				description = EXCLUDED.description,
				status = EXCLUDED.status,
				start_step_id = EXCLUDED.start_step_id,
				version = flows.version + 1,
				updated_at = EXCLUDED.updated_at
			RETURNING version, created_at, updated_at`,
			f.ID, f.Name, f.Description, f.Status, f.StartStepID, now,
		).Scan(&f.Version, &f.CreatedAt, &f.UpdatedAt)
		if err != nil {
			return fmt.Errorf("upsert flow: %w", err)
		}

		if _, err := tx.Exec(ctx, `DELETE FROM transitions WHERE flow_id = $1`, f.ID); err != nil {
			return fmt.Errorf("delete transitions: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM steps WHERE flow_id = $1`, f.ID); err != nil {
			return fmt.Errorf("delete steps: %w", err)
		}

		for i := range f.Steps {
			f.Steps[i].FlowID = f.ID
			if err := insertPgStep(ctx, tx, &f.Steps[i], now); err != nil {
				return err
			}
		}
		for i := range f.Transitions {
			f.Transitions[i].FlowID = f.ID
			if err := insertPgTransition(ctx, tx, &f.Transitions[i], now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return model.Flow{}, err
	}
	return f, nil
}

// CreateStep adds a step to an existing flow.
func (s *PgStore) CreateStep(ctx context.Context, step model.Step) (model.Step, error) {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := touchPgFlow(ctx, tx, step.FlowID); err != nil {
			return err
		}
		return insertPgStep(ctx, tx, &step, time.Now().UTC())
	})
	if err != nil {
		return model.Step{}, err
	}
	return step, nil
}

// UpdateStep replaces the mutable fields of a step.
func (s *PgStore) UpdateStep(ctx context.Context, step model.Step) (model.Step, error) {
	configJSON, err := encodeMap(step.Config)
	if err != nil {
		return model.Step{}, err
	}

	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := touchPgFlow(ctx, tx, step.FlowID); err != nil {
			return err
		}
		err := tx.QueryRow(ctx, `
			UPDATE steps SET
				type = $1,
				title = $2,
				config = $3,
				position_x = $4,
				position_y = $5
			WHERE flow_id = $6 AND id = $7
			RETURNING seq, created_at`,
			step.Type, step.Title, configJSON, step.Position.X, step.Position.Y,
			step.FlowID, step.ID,
		).Scan(&step.Seq, &step.CreatedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return model.NewStepNotFoundError(step.ID)
		}
		if err != nil {
			return fmt.Errorf("update step: %w", err)
		}
		return nil
	})
	if err != nil {
		return model.Step{}, err
	}
	return step, nil
}

// DeleteStep removes a step and the transitions attached to it.
func (s *PgStore) DeleteStep(ctx context.Context, flowID, stepID string) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := touchPgFlow(ctx, tx, flowID); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `DELETE FROM steps WHERE flow_id = $1 AND id = $2`, flowID, stepID)
		if err != nil {
			return fmt.Errorf("delete step: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return model.NewStepNotFoundError(stepID)
		}
		_, err = tx.Exec(ctx, `
			DELETE FROM transitions
			WHERE flow_id = $1 AND (from_step_id = $2 OR to_step_id = $2)`,
			flowID, stepID,
		)
		if err != nil {
			return fmt.Errorf("delete step transitions: %w", err)
		}
		_, err = tx.Exec(ctx, `
			UPDATE flows SET start_step_id = NULL
			WHERE id = $1 AND start_step_id = $2`,
			flowID, stepID,
		)
		if err != nil {
			return fmt.Errorf("clear start step: %w", err)
		}
		return nil
	})
}

// CreateTransition adds a transition to an existing flow.
func (s *PgStore) CreateTransition(ctx context.Context, t model.Transition) (model.Transition, error) {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := touchPgFlow(ctx, tx, t.FlowID); err != nil {
			return err
		}
		return insertPgTransition(ctx, tx, &t, time.Now().UTC())
	})
	if err != nil {
		return model.Transition{}, err
	}
	return t, nil
}

// UpdateTransition replaces the mutable fields of a transition.
func (s *PgStore) UpdateTransition(ctx context.Context, t model.Transition) (model.Transition, error) {
	condJSON, err := encodeCondition(t.Condition)
	if err != nil {
		return model.Transition{}, err
	}

	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := touchPgFlow(ctx, tx, t.FlowID); err != nil {
			return err
		}
		err := tx.QueryRow(ctx, `
			UPDATE transitions SET
				from_step_id = $1,
				to_step_id = $2,
				condition = $3,
				sort_order = $4
			WHERE flow_id = $5 AND id = $6
			RETURNING seq, created_at`,
			t.FromStepID, t.ToStepID, condJSON, t.Order,
			t.FlowID, t.ID,
		).Scan(&t.Seq, &t.CreatedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return transitionNotFound(t.FlowID, t.ID)
		}
		if err != nil {
			return fmt.Errorf("update transition: %w", err)
		}
		return nil
	})
	if err != nil {
		return model.Transition{}, err
	}
	return t, nil
}

// DeleteTransition removes a transition.
func (s *PgStore) DeleteTransition(ctx context.Context, flowID, transitionID string) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := touchPgFlow(ctx, tx, flowID); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `DELETE FROM transitions WHERE flow_id = $1 AND id = $2`, flowID, transitionID)
		if err != nil {
			return fmt.Errorf("delete transition: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return transitionNotFound(flowID, transitionID)
		}
		return nil
	})
}

// SetStartStep points the flow at its entry step.
func (s *PgStore) SetStartStep(ctx context.Context, flowID, stepID string) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := touchPgFlow(ctx, tx, flowID); err != nil {
			return err
		}
		if stepID != "" {
			var one int
			err := tx.QueryRow(ctx, `SELECT 1 FROM steps WHERE flow_id = $1 AND id = $2`, flowID, stepID).Scan(&one)
			if errors.Is(err, pgx.ErrNoRows) {
				return model.NewStepNotFoundError(stepID)
			}
			if err != nil {
				return fmt.Errorf("query start step: %w", err)
			}
		}
		if _, err := tx.Exec(ctx, `UPDATE flows SET start_step_id = NULLIF($2, '') WHERE id = $1`, flowID, stepID); err != nil {
			return fmt.Errorf("set start step: %w", err)
		}
		return nil
	})
}

// SetFlowStatus changes the flow status.
func (s *PgStore) SetFlowStatus(ctx context.Context, flowID string, status model.FlowStatus) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE flows SET status = $2, version = version + 1, updated_at = $3
		WHERE id = $1`,
		flowID, status, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("update flow status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewFlowNotFoundError(flowID)
	}
	return nil
}

// touchPgFlow bumps the flow version and locks its row until the
// transaction ends.
func touchPgFlow(ctx context.Context, q pgQuerier, flowID string) error {
	tag, err := q.Exec(ctx, `
		UPDATE flows SET version = version + 1, updated_at = $2
		WHERE id = $1`,
		flowID, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("touch flow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewFlowNotFoundError(flowID)
	}
	return nil
}

func insertPgStep(ctx context.Context, q pgQuerier, step *model.Step, now time.Time) error {
	configJSON, err := encodeMap(step.Config)
	if err != nil {
		return err
	}
	if step.CreatedAt.IsZero() {
		step.CreatedAt = now
	}
	err = q.QueryRow(ctx, `
		INSERT INTO steps (id, flow_id, type, title, config, position_x, position_y, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING seq`,
		step.ID, step.FlowID, step.Type, step.Title, configJSON,
		step.Position.X, step.Position.Y, step.CreatedAt,
	).Scan(&step.Seq)
	switch pgCode(err) {
	case "":
	case pgUniqueViolation:
		return model.NewConflictError(fmt.Sprintf("step %q already exists in flow %q", step.ID, step.FlowID))
	case pgForeignKeyViolation:
		return model.NewFlowNotFoundError(step.FlowID)
	}
	if err != nil {
		return fmt.Errorf("insert step: %w", err)
	}
	return nil
}

func insertPgTransition(ctx context.Context, q pgQuerier, t *model.Transition, now time.Time) error {
	condJSON, err := encodeCondition(t.Condition)
	if err != nil {
		return err
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	err = q.QueryRow(ctx, `
		INSERT INTO transitions (id, flow_id, from_step_id, to_step_id, condition, sort_order, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING seq`,
		t.ID, t.FlowID, t.FromStepID, t.ToStepID, condJSON, t.Order, t.CreatedAt,
	).Scan(&t.Seq)
	switch pgCode(err) {
	case "":
	case pgUniqueViolation:
		return model.NewConflictError(fmt.Sprintf("transition %q already exists in flow %q", t.ID, t.FlowID))
	case pgForeignKeyViolation:
		return model.NewFlowNotFoundError(t.FlowID)
	}
	if err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}
	return nil
}

func (s *PgStore) querySteps(ctx context.Context, q pgQuerier, where string, args ...any) ([]model.Step, error) {
	rows, err := q.Query(ctx, `
		SELECT seq, id, flow_id, type, title, config, position_x, position_y, created_at
		FROM steps `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("query steps: %w", err)
	}
	defer rows.Close()

	steps := []model.Step{}
	for rows.Next() {
		var st model.Step
		var configJSON []byte
		if err := rows.Scan(
			&st.Seq, &st.ID, &st.FlowID, &st.Type, &st.Title, &configJSON,
			&st.Position.X, &st.Position.Y, &st.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		if st.Config, err = decodeMap(configJSON); err != nil {
			return nil, err
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

func (s *PgStore) queryTransitions(ctx context.Context, q pgQuerier, flowID string) ([]model.Transition, error) {
	rows, err := q.Query(ctx, `
		SELECT seq, id, flow_id, from_step_id, to_step_id, condition, sort_order, created_at
		FROM transitions
		WHERE flow_id = $1
		ORDER BY seq`,
		flowID,
	)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer rows.Close()

	transitions := []model.Transition{}
	for rows.Next() {
		var t model.Transition
		var condJSON []byte
		if err := rows.Scan(
			&t.Seq, &t.ID, &t.FlowID, &t.FromStepID, &t.ToStepID, &condJSON, &t.Order, &t.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		if t.Condition, err = decodeCondition(condJSON); err != nil {
			return nil, err
		}
		transitions = append(transitions, t)
	}
	return transitions, rows.Err()
}

// --- Runs ---

const pgRunColumns = `id, flow_id, flow_version, subject_id, status, current_step_id,
	started_at, completed_at, reviewed_by, reviewed_at, notes, version, updated_at`

func scanPgRun(row pgx.Row) (model.Run, error) {
	var r model.Run
	err := row.Scan(
		&r.ID, &r.FlowID, &r.FlowVersion, &r.SubjectID, &r.Status, &r.CurrentStepID,
		&r.StartedAt, &r.CompletedAt, &r.ReviewedBy, &r.ReviewedAt, &r.Notes, &r.Version, &r.UpdatedAt,
	)
	return r, err
}

// CreateRun inserts a new run at version 1.
func (s *PgStore) CreateRun(ctx context.Context, run model.Run) (model.Run, error) {
	now := time.Now().UTC()
	if run.StartedAt.IsZero() {
		run.StartedAt = now
	}
	run.UpdatedAt = now
	run.Version = 1

	_, err := s.pool.Exec(ctx, `
		INSERT INTO runs (`+pgRunColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		run.ID, run.FlowID, run.FlowVersion, run.SubjectID, run.Status, run.CurrentStepID,
		run.StartedAt, run.CompletedAt, run.ReviewedBy, run.ReviewedAt, run.Notes, run.Version, run.UpdatedAt,
	)
	if pgCode(err) == pgUniqueViolation {
		return model.Run{}, model.NewConflictError(fmt.Sprintf("run %q already exists", run.ID))
	}
	if err != nil {
		return model.Run{}, fmt.Errorf("insert run: %w", err)
	}
	return run, nil
}

// GetRun retrieves a run by ID.
func (s *PgStore) GetRun(ctx context.Context, runID string) (model.Run, error) {
	run, err := scanPgRun(s.pool.QueryRow(ctx, `SELECT `+pgRunColumns+` FROM runs WHERE id = $1`, runID))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Run{}, model.NewRunNotFoundError(runID)
	}
	if err != nil {
		return model.Run{}, fmt.Errorf("query run: %w", err)
	}
	return run, nil
}

// UpdateRun persists an updated run with optimistic locking.
func (s *PgStore) UpdateRun(ctx context.Context, run model.Run) (model.Run, error) {
	now := time.Now().UTC()
	updated, err := scanPgRun(s.pool.QueryRow(ctx, `
		UPDATE runs SET
			status = $1,
			current_step_id = $2,
			completed_at = $3,
			reviewed_by = $4,
			reviewed_at = $5,
			notes = $6,
			version = version + 1,
			updated_at = $7
		WHERE id = $8 AND version = $9
		RETURNING `+pgRunColumns,
		run.Status, run.CurrentStepID, run.CompletedAt, run.ReviewedBy, run.ReviewedAt, run.Notes, now,
		run.ID, run.Version,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := s.GetRun(ctx, run.ID); getErr != nil {
			return model.Run{}, getErr
		}
		return model.Run{}, model.NewConflictError(
			fmt.Sprintf("run %q version conflict (expected %d)", run.ID, run.Version),
		)
	}
	if err != nil {
		return model.Run{}, fmt.Errorf("update run: %w", err)
	}
	return updated, nil
}

// SaveStepResponse appends a response to the run's log.
func (s *PgStore) SaveStepResponse(ctx context.Context, resp model.StepResponse) (model.StepResponse, error) {
	dataJSON, err := encodeMap(resp.Data)
	if err != nil {
		return model.StepResponse{}, err
	}
	if resp.CreatedAt.IsZero() {
		resp.CreatedAt = time.Now().UTC()
	}

	err = s.pool.QueryRow(ctx, `
		INSERT INTO step_responses (id, run_id, step_id, data, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING seq`,
		resp.ID, resp.RunID, resp.StepID, dataJSON, resp.CreatedAt,
	).Scan(&resp.Seq)
	if pgCode(err) == pgForeignKeyViolation {
		return model.StepResponse{}, model.NewRunNotFoundError(resp.RunID)
	}
	if err != nil {
		return model.StepResponse{}, fmt.Errorf("insert step response: %w", err)
	}
	return resp, nil
}

// LoadResponses returns the run's responses in submission order.
func (s *PgStore) LoadResponses(ctx context.Context, runID string) ([]model.StepResponse, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT seq, id, run_id, step_id, data, created_at
		FROM step_responses
		WHERE run_id = $1
		ORDER BY seq ASC`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("query step responses: %w", err)
	}
	defer rows.Close()

	responses := []model.StepResponse{}
	for rows.Next() {
		var r model.StepResponse
		var dataJSON []byte
		if err := rows.Scan(&r.Seq, &r.ID, &r.RunID, &r.StepID, &dataJSON, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan step response: %w", err)
		}
		if r.Data, err = decodeMap(dataJSON); err != nil {
			return nil, err
		}
		responses = append(responses, r)
	}
	return responses, rows.Err()
}

// ListRuns returns one page of matching runs.
func (s *PgStore) ListRuns(ctx context.Context, filters model.RunFilters) ([]model.Run, int, error) {
	var where []string
	var args []any
	add := func(column string, value any) {
		args = append(args, value)
		where = append(where, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if filters.FlowID != "" {
		add("flow_id", filters.FlowID)
	}
	if filters.SubjectID != "" {
		add("subject_id", filters.SubjectID)
	}
	if filters.Status != "" {
		add("status", filters.Status)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM runs`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count runs: %w", err)
	}

	limit, offset := pageBounds(filters)
	query := fmt.Sprintf(`SELECT %s FROM runs%s ORDER BY started_at DESC, id ASC LIMIT $%d OFFSET $%d`,
		pgRunColumns, clause, len(args)+1, len(args)+2)
	rows, err := s.pool.Query(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	runs := []model.Run{}
	for rows.Next() {
		run, err := scanPgRun(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, total, rows.Err()
}

// AppendEvent adds an event to the run's audit trail.
func (s *PgStore) AppendEvent(ctx context.Context, event model.RunEvent) error {
	var dataJSON []byte
	if event.Data != nil {
		var err error
		if dataJSON, err = encodeMap(event.Data); err != nil {
			return err
		}
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO run_events (id, run_id, step_id, event, actor_id, data, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		event.ID, event.RunID, event.StepID, event.Event, event.ActorID, dataJSON, event.Timestamp,
	)
	if pgCode(err) == pgForeignKeyViolation {
		return model.NewRunNotFoundError(event.RunID)
	}
	if err != nil {
		return fmt.Errorf("insert run event: %w", err)
	}
	return nil
}

// LoadEvents returns the run's audit trail.
func (s *PgStore) LoadEvents(ctx context.Context, runID string) ([]model.RunEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, run_id, step_id, event, actor_id, data, created_at
		FROM run_events
		WHERE run_id = $1
		ORDER BY seq ASC`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("query run events: %w", err)
	}
	defer rows.Close()

	events := []model.RunEvent{}
	for rows.Next() {
		var evt model.RunEvent
		var dataJSON []byte
		if err := rows.Scan(
			&evt.ID, &evt.RunID, &evt.StepID, &evt.Event, &evt.ActorID, &dataJSON, &evt.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan run event: %w", err)
		}
		if evt.Data, err = decodeMap(dataJSON); err != nil {
			return nil, err
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}

// CountByStatus returns the number of runs in each status.
func (s *PgStore) CountByStatus(ctx context.Context) (map[model.RunStatus]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM runs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count runs by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.RunStatus]int)
	for rows.Next() {
		var status model.RunStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan run count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// CountStaleDrafts returns the number of DRAFT runs idle since before.
func (s *PgStore) CountStaleDrafts(ctx context.Context, before time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM runs
		WHERE status = $1 AND updated_at < $2`,
		model.RunStatusDraft, before,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count stale drafts: %w", err)
	}
	return n, nil
}
