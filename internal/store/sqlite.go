package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/pitabwire/triage/model"
)

//go:embed schema_sqlite.sql
var sqliteSchema string

// MemoryDSN opens a private in-memory SQLite database.
const MemoryDSN = ":memory:"

// SQLiteStore is a SQLite-backed Store using mattn/go-sqlite3. All access
// goes through a single connection, which serializes writers.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLiteStore opens the database file at path, creating its directory
// if needed, and applies the schema.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path not set")
	}
	if path != MemoryDSN {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func sqliteDSN(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_foreign_keys=on&_busy_timeout=5000"
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// sqlQuerier is satisfied by both *sql.DB and *sql.Tx.
type sqlQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// inTx runs fn inside a transaction, committing when it returns nil.
func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func sqliteConstraint(err error) sqlite3.ErrNoExtended {
	var sqErr sqlite3.Error
	if errors.As(err, &sqErr) && sqErr.Code == sqlite3.ErrConstraint {
		return sqErr.ExtendedCode
	}
	return 0
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

// --- Flows ---

// LoadFlow returns the flow with its steps and transitions.
func (s *SQLiteStore) LoadFlow(ctx context.Context, flowID string) (model.Flow, error) {
	return loadSQLiteFlow(ctx, s.db, flowID)
}

// FlowVersion returns the stored version of a flow.
func (s *SQLiteStore) FlowVersion(ctx context.Context, flowID string) (int, error) {
	var version int
	err := s.db.QueryRowContext(ctx, `SELECT version FROM flows WHERE id = ?`, flowID).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, model.NewFlowNotFoundError(flowID)
	}
	if err != nil {
		return 0, fmt.Errorf("query flow version: %w", err)
	}
	return version, nil
}

func loadSQLiteFlow(ctx context.Context, q sqlQuerier, flowID string) (model.Flow, error) {
	var f model.Flow
	err := q.QueryRowContext(ctx, `
		SELECT id, name, description, status, COALESCE(start_step_id, ''),
		       version, created_at, updated_at
		FROM flows
		WHERE id = ?`,
		flowID,
	).Scan(
		&f.ID, &f.Name, &f.Description, &f.Status, &f.StartStepID,
		&f.Version, &f.CreatedAt, &f.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Flow{}, model.NewFlowNotFoundError(flowID)
	}
	if err != nil {
		return model.Flow{}, fmt.Errorf("query flow: %w", err)
	}

	if f.Steps, err = querySQLiteSteps(ctx, q, `WHERE flow_id = ? ORDER BY seq`, flowID); err != nil {
		return model.Flow{}, err
	}
	if f.Transitions, err = querySQLiteTransitions(ctx, q, flowID); err != nil {
		return model.Flow{}, err
	}
	return f, nil
}

// LoadStep returns a single step of a flow.
func (s *SQLiteStore) LoadStep(ctx context.Context, flowID, stepID string) (model.Step, error) {
	steps, err := querySQLiteSteps(ctx, s.db, `WHERE flow_id = ? AND id = ?`, flowID, stepID)
	if err != nil {
		return model.Step{}, err
	}
	if len(steps) == 0 {
		return model.Step{}, model.NewStepNotFoundError(stepID)
	}
	return steps[0], nil
}

// ListFlows returns every flow ordered by ID.
func (s *SQLiteStore) ListFlows(ctx context.Context) ([]model.Flow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM flows ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query flows: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan flow id: %w", err)
		}
		ids = append(ids, id)
	}
	// The single connection must be released before the per-flow queries.
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate flows: %w", err)
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
func (s *SQLiteStore) SaveFlow(ctx context.Context, f model.Flow) (model.Flow, error) {
	now := time.Now().UTC()
	if f.Status == "" {
		f.Status = model.FlowStatusDraft
	}
	f = copyFlow(f)

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var version int
		var createdAt time.Time
		err := tx.QueryRowContext(ctx, `SELECT version, created_at FROM flows WHERE id = ?`, f.ID).
			Scan(&version, &createdAt)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			f.Version, f.CreatedAt = 1, now
			_, err = tx.ExecContext(ctx, `
				INSERT INTO flows (id, name, description, status, start_step_id, version, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				f.ID, f.Name, f.Description, f.Status, nullString(f.StartStepID), f.Version, now, now,
			)
		case err != nil:
			return fmt.Errorf("query flow: %w", err)
		default:
			f.Version, f.CreatedAt = version+1, createdAt
			_, err = tx.ExecContext(ctx, `
				UPDATE flows SET name = ?, description = ?, status = ?, start_step_id = ?,
					version = ?, updated_at = ?
				WHERE id = ?`,
				f.Name, f.Description, f.Status, nullString(f.StartStepID), f.Version, now, f.ID,
			)
		}
		if err != nil {
			return fmt.Errorf("upsert flow: %w", err)
		}
		f.UpdatedAt = now

		if _, err := tx.ExecContext(ctx, `DELETE FROM transitions WHERE flow_id = ?`, f.ID); err != nil {
			return fmt.Errorf("delete transitions: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM steps WHERE flow_id = ?`, f.ID); err != nil {
			return fmt.Errorf("delete steps: %w", err)
		}
		for i := range f.Steps {
			f.Steps[i].FlowID = f.ID
			if err := insertSQLiteStep(ctx, tx, &f.Steps[i], now); err != nil {
				return err
			}
		}
		for i := range f.Transitions {
			f.Transitions[i].FlowID = f.ID
			if err := insertSQLiteTransition(ctx, tx, &f.Transitions[i], now); err != nil {
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
func (s *SQLiteStore) CreateStep(ctx context.Context, step model.Step) (model.Step, error) {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := touchSQLiteFlow(ctx, tx, step.FlowID); err != nil {
			return err
		}
		return insertSQLiteStep(ctx, tx, &step, time.Now().UTC())
	})
	if err != nil {
		return model.Step{}, err
	}
	return step, nil
}

// UpdateStep replaces the mutable fields of a step.
func (s *SQLiteStore) UpdateStep(ctx context.Context, step model.Step) (model.Step, error) {
	configJSON, err := encodeMap(step.Config)
	if err != nil {
		return model.Step{}, err
	}

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		if err := touchSQLiteFlow(ctx, tx, step.FlowID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE steps SET type = ?, title = ?, config = ?, position_x = ?, position_y = ?
			WHERE flow_id = ? AND id = ?`,
			step.Type, step.Title, string(configJSON), step.Position.X, step.Position.Y,
			step.FlowID, step.ID,
		)
		if err != nil {
			return fmt.Errorf("update step: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return model.NewStepNotFoundError(step.ID)
		}
		return tx.QueryRowContext(ctx, `SELECT seq, created_at FROM steps WHERE flow_id = ? AND id = ?`,
			step.FlowID, step.ID).Scan(&step.Seq, &step.CreatedAt)
	})
	if err != nil {
		return model.Step{}, err
	}
	return step, nil
}

// DeleteStep removes a step and the transitions attached to it.
func (s *SQLiteStore) DeleteStep(ctx context.Context, flowID, stepID string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := touchSQLiteFlow(ctx, tx, flowID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM steps WHERE flow_id = ? AND id = ?`, flowID, stepID)
		if err != nil {
			return fmt.Errorf("delete step: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return model.NewStepNotFoundError(stepID)
		}
		_, err = tx.ExecContext(ctx, `
			DELETE FROM transitions
			WHERE flow_id = ? AND (from_step_id = ? OR to_step_id = ?)`,
			flowID, stepID, stepID,
		)
		if err != nil {
			return fmt.Errorf("delete step transitions: %w", err)
		}
		_, err = tx.ExecContext(ctx, `UPDATE flows SET start_step_id = NULL WHERE id = ? AND start_step_id = ?`,
			flowID, stepID)
		if err != nil {
			return fmt.Errorf("clear start step: %w", err)
		}
		return nil
	})
}

// CreateTransition adds a transition to an existing flow.
func (s *SQLiteStore) CreateTransition(ctx context.Context, t model.Transition) (model.Transition, error) {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := touchSQLiteFlow(ctx, tx, t.FlowID); err != nil {
			return err
		}
		return insertSQLiteTransition(ctx, tx, &t, time.Now().UTC())
	})
	if err != nil {
		return model.Transition{}, err
	}
	return t, nil
}

// UpdateTransition replaces the mutable fields of a transition.
func (s *SQLiteStore) UpdateTransition(ctx context.Context, t model.Transition) (model.Transition, error) {
	condJSON, err := encodeCondition(t.Condition)
	if err != nil {
		return model.Transition{}, err
	}

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		if err := touchSQLiteFlow(ctx, tx, t.FlowID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE transitions SET from_step_id = ?, to_step_id = ?, condition = ?, sort_order = ?
			WHERE flow_id = ? AND id = ?`,
			t.FromStepID, t.ToStepID, sqliteJSON(condJSON), t.Order, t.FlowID, t.ID,
		)
		if err != nil {
			return fmt.Errorf("update transition: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return transitionNotFound(t.FlowID, t.ID)
		}
		return tx.QueryRowContext(ctx, `SELECT seq, created_at FROM transitions WHERE flow_id = ? AND id = ?`,
			t.FlowID, t.ID).Scan(&t.Seq, &t.CreatedAt)
	})
	if err != nil {
		return model.Transition{}, err
	}
	return t, nil
}

// DeleteTransition removes a transition.
func (s *SQLiteStore) DeleteTransition(ctx context.Context, flowID, transitionID string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := touchSQLiteFlow(ctx, tx, flowID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM transitions WHERE flow_id = ? AND id = ?`, flowID, transitionID)
		if err != nil {
			return fmt.Errorf("delete transition: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return transitionNotFound(flowID, transitionID)
		}
		return nil
	})
}

// SetStartStep points the flow at its entry step.
func (s *SQLiteStore) SetStartStep(ctx context.Context, flowID, stepID string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := touchSQLiteFlow(ctx, tx, flowID); err != nil {
			return err
		}
		if stepID != "" {
			var one int
			err := tx.QueryRowContext(ctx, `SELECT 1 FROM steps WHERE flow_id = ? AND id = ?`, flowID, stepID).Scan(&one)
			if errors.Is(err, sql.ErrNoRows) {
				return model.NewStepNotFoundError(stepID)
			}
			if err != nil {
				return fmt.Errorf("query start step: %w", err)
			}
		}
		if _, err := tx.ExecContext(ctx, `UPDATE flows SET start_step_id = ? WHERE id = ?`, nullString(stepID), flowID); err != nil {
			return fmt.Errorf("set start step: %w", err)
		}
		return nil
	})
}

// SetFlowStatus changes the flow status.
func (s *SQLiteStore) SetFlowStatus(ctx context.Context, flowID string, status model.FlowStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE flows SET status = ?, version = version + 1, updated_at = ?
		WHERE id = ?`,
		status, time.Now().UTC(), flowID,
	)
	if err != nil {
		return fmt.Errorf("update flow status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.NewFlowNotFoundError(flowID)
	}
	return nil
}

func touchSQLiteFlow(ctx context.Context, q sqlQuerier, flowID string) error {
	res, err := q.ExecContext(ctx, `UPDATE flows SET version = version + 1, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), flowID)
	if err != nil {
		return fmt.Errorf("touch flow: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.NewFlowNotFoundError(flowID)
	}
	return nil
}

// sqliteJSON stores JSON documents as TEXT, and a nil document as NULL.
func sqliteJSON(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

func insertSQLiteStep(ctx context.Context, q sqlQuerier, step *model.Step, now time.Time) error {
	configJSON, err := encodeMap(step.Config)
	if err != nil {
		return err
	}
	if step.CreatedAt.IsZero() {
		step.CreatedAt = now
	}
	res, err := q.ExecContext(ctx, `
		INSERT INTO steps (id, flow_id, type, title, config, position_x, position_y, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		step.ID, step.FlowID, step.Type, step.Title, string(configJSON),
		step.Position.X, step.Position.Y, step.CreatedAt.UTC(),
	)
	switch sqliteConstraint(err) {
	case sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey:
		return model.NewConflictError(fmt.Sprintf("step %q already exists in flow %q", step.ID, step.FlowID))
	case sqlite3.ErrConstraintForeignKey:
		return model.NewFlowNotFoundError(step.FlowID)
	}
	if err != nil {
		return fmt.Errorf("insert step: %w", err)
	}
	step.Seq, err = res.LastInsertId()
	return err
}

func insertSQLiteTransition(ctx context.Context, q sqlQuerier, t *model.Transition, now time.Time) error {
	condJSON, err := encodeCondition(t.Condition)
	if err != nil {
		return err
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	res, err := q.ExecContext(ctx, `
		INSERT INTO transitions (id, flow_id, from_step_id, to_step_id, condition, sort_order, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.FlowID, t.FromStepID, t.ToStepID, sqliteJSON(condJSON), t.Order, t.CreatedAt.UTC(),
	)
	switch sqliteConstraint(err) {
	case sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey:
		return model.NewConflictError(fmt.Sprintf("transition %q already exists in flow %q", t.ID, t.FlowID))
	case sqlite3.ErrConstraintForeignKey:
		return model.NewFlowNotFoundError(t.FlowID)
	}
	if err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}
	t.Seq, err = res.LastInsertId()
	return err
}

func querySQLiteSteps(ctx context.Context, q sqlQuerier, where string, args ...any) ([]model.Step, error) {
	rows, err := q.QueryContext(ctx, `
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

func querySQLiteTransitions(ctx context.Context, q sqlQuerier, flowID string) ([]model.Transition, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT seq, id, flow_id, from_step_id, to_step_id, condition, sort_order, created_at
		FROM transitions
		WHERE flow_id = ?
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

const sqliteRunColumns = `id, flow_id, flow_version, subject_id, status, current_step_id,
	started_at, completed_at, reviewed_by, reviewed_at, notes, version, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteRun(row rowScanner) (model.Run, error) {
	var r model.Run
	var completedAt, reviewedAt sql.NullTime
	err := row.Scan(
		&r.ID, &r.FlowID, &r.FlowVersion, &r.SubjectID, &r.Status, &r.CurrentStepID,
		&r.StartedAt, &completedAt, &r.ReviewedBy, &reviewedAt, &r.Notes, &r.Version, &r.UpdatedAt,
	)
	if err != nil {
		return model.Run{}, err
	}
	r.StartedAt = r.StartedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	r.CompletedAt = timePtr(completedAt)
	r.ReviewedAt = timePtr(reviewedAt)
	return r, nil
}

// CreateRun inserts a new run at version 1.
func (s *SQLiteStore) CreateRun(ctx context.Context, run model.Run) (model.Run, error) {
	now := time.Now().UTC()
	if run.StartedAt.IsZero() {
		run.StartedAt = now
	}
	run.UpdatedAt = now
	run.Version = 1

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (`+sqliteRunColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.FlowID, run.FlowVersion, run.SubjectID, run.Status, run.CurrentStepID,
		run.StartedAt.UTC(), nullTime(run.CompletedAt), run.ReviewedBy, nullTime(run.ReviewedAt),
		run.Notes, run.Version, run.UpdatedAt,
	)
	switch sqliteConstraint(err) {
	case sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey:
		return model.Run{}, model.NewConflictError(fmt.Sprintf("run %q already exists", run.ID))
	}
	if err != nil {
		return model.Run{}, fmt.Errorf("insert run: %w", err)
	}
	return run, nil
}

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (model.Run, error) {
	run, err := scanSQLiteRun(s.db.QueryRowContext(ctx, `SELECT `+sqliteRunColumns+` FROM runs WHERE id = ?`, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Run{}, model.NewRunNotFoundError(runID)
	}
	if err != nil {
		return model.Run{}, fmt.Errorf("query run: %w", err)
	}
	return run, nil
}

// UpdateRun persists an updated run with optimistic locking.
func (s *SQLiteStore) UpdateRun(ctx context.Context, run model.Run) (model.Run, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET
			status = ?,
			current_step_id = ?,
			completed_at = ?,
			reviewed_by = ?,
			reviewed_at = ?,
			notes = ?,
			version = version + 1,
			updated_at = ?
		WHERE id = ? AND version = ?`,
		run.Status, run.CurrentStepID, nullTime(run.CompletedAt), run.ReviewedBy, nullTime(run.ReviewedAt),
		run.Notes, time.Now().UTC(),
		run.ID, run.Version,
	)
	if err != nil {
		return model.Run{}, fmt.Errorf("update run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, getErr := s.GetRun(ctx, run.ID); getErr != nil {
			return model.Run{}, getErr
		}
		return model.Run{}, model.NewConflictError(
			fmt.Sprintf("run %q version conflict (expected %d)", run.ID, run.Version),
		)
	}
	return s.GetRun(ctx, run.ID)
}

// SaveStepResponse appends a response to the run's log.
func (s *SQLiteStore) SaveStepResponse(ctx context.Context, resp model.StepResponse) (model.StepResponse, error) {
	dataJSON, err := encodeMap(resp.Data)
	if err != nil {
		return model.StepResponse{}, err
	}
	if resp.CreatedAt.IsZero() {
		resp.CreatedAt = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO step_responses (id, run_id, step_id, data, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		resp.ID, resp.RunID, resp.StepID, string(dataJSON), resp.CreatedAt.UTC(),
	)
	if sqliteConstraint(err) == sqlite3.ErrConstraintForeignKey {
		return model.StepResponse{}, model.NewRunNotFoundError(resp.RunID)
	}
	if err != nil {
		return model.StepResponse{}, fmt.Errorf("insert step response: %w", err)
	}
	if resp.Seq, err = res.LastInsertId(); err != nil {
		return model.StepResponse{}, fmt.Errorf("step response seq: %w", err)
	}
	return resp, nil
}

// LoadResponses returns the run's responses in submission order.
func (s *SQLiteStore) LoadResponses(ctx context.Context, runID string) ([]model.StepResponse, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, id, run_id, step_id, data, created_at
		FROM step_responses
		WHERE run_id = ?
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
func (s *SQLiteStore) ListRuns(ctx context.Context, filters model.RunFilters) ([]model.Run, int, error) {
	var where []string
	var args []any
	if filters.FlowID != "" {
		where, args = append(where, "flow_id = ?"), append(args, filters.FlowID)
	}
	if filters.SubjectID != "" {
		where, args = append(where, "subject_id = ?"), append(args, filters.SubjectID)
	}
	if filters.Status != "" {
		where, args = append(where, "status = ?"), append(args, filters.Status)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count runs: %w", err)
	}

	limit, offset := pageBounds(filters)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteRunColumns+` FROM runs`+clause+` ORDER BY started_at DESC, id ASC LIMIT ? OFFSET ?`,
		append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	runs := []model.Run{}
	for rows.Next() {
		run, err := scanSQLiteRun(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, total, rows.Err()
}

// AppendEvent adds an event to the run's audit trail.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event model.RunEvent) error {
	var data any
	if event.Data != nil {
		b, err := encodeMap(event.Data)
		if err != nil {
			return err
		}
		data = string(b)
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_events (id, run_id, step_id, event, actor_id, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.RunID, event.StepID, event.Event, event.ActorID, data, event.Timestamp.UTC(),
	)
	if sqliteConstraint(err) == sqlite3.ErrConstraintForeignKey {
		return model.NewRunNotFoundError(event.RunID)
	}
	if err != nil {
		return fmt.Errorf("insert run event: %w", err)
	}
	return nil
}

// LoadEvents returns the run's audit trail.
func (s *SQLiteStore) LoadEvents(ctx context.Context, runID string) ([]model.RunEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, step_id, event, actor_id, data, created_at
		FROM run_events
		WHERE run_id = ?
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
func (s *SQLiteStore) CountByStatus(ctx context.Context) (map[model.RunStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM runs GROUP BY status`)
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
func (s *SQLiteStore) CountStaleDrafts(ctx context.Context, before time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs WHERE status = ? AND updated_at < ?`,
		model.RunStatusDraft, before.UTC()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count stale drafts: %w", err)
	}
	return n, nil
}
