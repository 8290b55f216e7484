package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/windlass-ci/windlass/internal/model"
)

const runColumns = `id, source_ref, branch, target_branch, commit_sha, state,
	fix_cycle_count, max_fix_cycles, last_failed_gate, error_message, created_at, updated_at`

// CreateRunParams holds the fields needed to create a pipeline run.
type CreateRunParams struct {
	SourceRef    int64
	Branch       string
	TargetBranch string
	CommitSHA    string
	MaxFixCycles int
}

// CreateRun inserts a new pipeline run in the created state.
// Returns ErrDuplicateRun if a non-terminal run already exists for the same
// source ref (enforced by a partial unique index, so concurrent duplicate
// creates cannot both succeed).
func (db *DB) CreateRun(ctx context.Context, p CreateRunParams) (model.PipelineRun, error) {
	now := time.Now().UTC()
	run := model.PipelineRun{
		ID:           uuid.New(),
		SourceRef:    p.SourceRef,
		Branch:       p.Branch,
		TargetBranch: p.TargetBranch,
		CommitSHA:    p.CommitSHA,
		State:        model.StateCreated,
		MaxFixCycles: p.MaxFixCycles,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO pipeline_runs (id, source_ref, branch, target_branch, commit_sha, state,
		     fix_cycle_count, max_fix_cycles, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		run.ID, run.SourceRef, run.Branch, run.TargetBranch, run.CommitSHA,
		string(run.State), run.FixCycleCount, run.MaxFixCycles, run.CreatedAt, run.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return model.PipelineRun{}, ErrDuplicateRun
		}
		return model.PipelineRun{}, fmt.Errorf("storage: create run: %w", err)
	}
	return run, nil
}

// GetRun retrieves a run by ID.
func (db *DB) GetRun(ctx context.Context, id uuid.UUID) (model.PipelineRun, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM pipeline_runs WHERE id = $1`, id)
	return scanRun(row)
}

// GetActiveRunBySourceRef retrieves the single non-terminal run for a source ref.
func (db *DB) GetActiveRunBySourceRef(ctx context.Context, sourceRef int64) (model.PipelineRun, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM pipeline_runs
		 WHERE source_ref = $1 AND state NOT IN ('done', 'failed')`, sourceRef)
	return scanRun(row)
}

// GetActiveRunByBranch retrieves the non-terminal run tracking a branch.
// Used to resolve branch-push events to a run.
func (db *DB) GetActiveRunByBranch(ctx context.Context, branch string) (model.PipelineRun, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM pipeline_runs
		 WHERE branch = $1 AND state NOT IN ('done', 'failed')
		 ORDER BY created_at DESC LIMIT 1`, branch)
	return scanRun(row)
}

// ListRuns returns runs ordered by creation time descending, optionally
// filtered by state.
func (db *DB) ListRuns(ctx context.Context, state *model.RunState, limit, offset int) ([]model.PipelineRun, int, error) {
	if limit <= 0 {
		limit = 50
	}

	var (
		total int
		rows  pgx.Rows
		err   error
	)
	if state != nil {
		if err = db.pool.QueryRow(ctx,
			`SELECT COUNT(*) FROM pipeline_runs WHERE state = $1`, string(*state),
		).Scan(&total); err != nil {
			return nil, 0, fmt.Errorf("storage: count runs: %w", err)
		}
		rows, err = db.pool.Query(ctx,
			`SELECT `+runColumns+` FROM pipeline_runs WHERE state = $1
			 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
			string(*state), limit, offset)
	} else {
		if err = db.pool.QueryRow(ctx,
			`SELECT COUNT(*) FROM pipeline_runs`,
		).Scan(&total); err != nil {
			return nil, 0, fmt.Errorf("storage: count runs: %w", err)
		}
		rows, err = db.pool.Query(ctx,
			`SELECT `+runColumns+` FROM pipeline_runs
			 ORDER BY created_at DESC LIMIT $1 OFFSET $2`,
			limit, offset)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list runs: %w", err)
	}
	defer rows.Close()

	var runs []model.PipelineRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, 0, err
		}
		runs = append(runs, run)
	}
	return runs, total, rows.Err()
}

// ListTransitions returns the append-only transition log for a run, oldest first.
func (db *DB) ListTransitions(ctx context.Context, runID uuid.UUID) ([]model.StateTransition, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, pipeline_run_id, from_state, to_state, trigger, note, created_at
		 FROM state_transitions WHERE pipeline_run_id = $1 ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("storage: list transitions: %w", err)
	}
	defer rows.Close()

	var ts []model.StateTransition
	for rows.Next() {
		var t model.StateTransition
		if err := rows.Scan(&t.ID, &t.PipelineRunID, &t.FromState, &t.ToState, &t.Trigger, &t.Note, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan transition: %w", err)
		}
		ts = append(ts, t)
	}
	return ts, rows.Err()
}

// SessionClose describes how to finalize the run's active agent session
// within a transition.
type SessionClose struct {
	Status          model.AgentSessionStatus
	ResultCommitSHA *string
}

// TransitionParams describes one atomic state transition: the guarded run
// update, the appended log entry, and any agent session changes that must
// commit with it.
type TransitionParams struct {
	RunID     uuid.UUID
	FromState model.RunState
	ToState   model.RunState
	Trigger   model.TriggerKind
	Note      string

	// Optional run field updates, applied alongside the state change.
	FixCycleCount  *int
	CommitSHA      *string
	LastFailedGate *model.GateKind
	ErrorMessage   *string

	// CloseSession finalizes the run's active session (if any is required).
	CloseSession *SessionClose
	// OpenSession inserts a new launched session of the given kind.
	OpenSession *model.AgentSessionKind
}

// ApplyTransition atomically applies one state transition. The run update is
// guarded by the expected current state: if another event committed first,
// no row matches, the transaction rolls back, and ErrStaleRun is returned so
// the caller can reload and re-decide. The transition log entry commits in
// the same transaction, so a crash cannot separate the two.
//
// Serialization failures and deadlocks are retried here; ErrStaleRun is not
// retriable at this level because the caller must re-decide against the new
// state first.
func (db *DB) ApplyTransition(ctx context.Context, p TransitionParams) error {
	return WithRetry(ctx, 3, 25*time.Millisecond, func() error {
		return db.applyTransitionTx(ctx, p)
	})
}

func (db *DB) applyTransitionTx(ctx context.Context, p TransitionParams) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin transition tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()

	set := `state = $1, updated_at = $2`
	args := []any{string(p.ToState), now}
	if p.FixCycleCount != nil {
		args = append(args, *p.FixCycleCount)
		set += fmt.Sprintf(", fix_cycle_count = $%d", len(args))
	}
	if p.CommitSHA != nil {
		args = append(args, *p.CommitSHA)
		set += fmt.Sprintf(", commit_sha = $%d", len(args))
	}
	if p.LastFailedGate != nil {
		args = append(args, string(*p.LastFailedGate))
		set += fmt.Sprintf(", last_failed_gate = $%d", len(args))
	}
	if p.ErrorMessage != nil {
		args = append(args, *p.ErrorMessage)
		set += fmt.Sprintf(", error_message = $%d", len(args))
	}
	args = append(args, p.RunID, string(p.FromState))

	tag, err := tx.Exec(ctx,
		fmt.Sprintf(`UPDATE pipeline_runs SET %s WHERE id = $%d AND state = $%d`,
			set, len(args)-1, len(args)),
		args...,
	)
	if err != nil {
		return fmt.Errorf("storage: update run state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleRun
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO state_transitions (pipeline_run_id, from_state, to_state, trigger, note, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		p.RunID, string(p.FromState), string(p.ToState), string(p.Trigger), p.Note, now,
	); err != nil {
		return fmt.Errorf("storage: insert transition: %w", err)
	}

	if p.CloseSession != nil {
		tag, err := tx.Exec(ctx,
			`UPDATE agent_sessions
			 SET status = $1, result_commit_sha = COALESCE($2, result_commit_sha), completed_at = $3
			 WHERE pipeline_run_id = $4 AND status IN ('launched', 'working')`,
			string(p.CloseSession.Status), p.CloseSession.ResultCommitSHA, now, p.RunID,
		)
		if err != nil {
			return fmt.Errorf("storage: close session: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("storage: close session: no active session for run %s", p.RunID)
		}
	}

	if p.OpenSession != nil {
		_, err := tx.Exec(ctx,
			`INSERT INTO agent_sessions (id, pipeline_run_id, kind, status, started_at)
			 VALUES ($1, $2, $3, $4, $5)`,
			uuid.New(), p.RunID, string(*p.OpenSession), string(model.SessionLaunched), now,
		)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return ErrSessionConflict
			}
			return fmt.Errorf("storage: open session: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit transition tx: %w", err)
	}
	return nil
}

func scanRun(row pgx.Row) (model.PipelineRun, error) {
	var (
		run            model.PipelineRun
		state          string
		lastFailedGate *string
	)
	err := row.Scan(
		&run.ID, &run.SourceRef, &run.Branch, &run.TargetBranch, &run.CommitSHA, &state,
		&run.FixCycleCount, &run.MaxFixCycles, &lastFailedGate, &run.ErrorMessage,
		&run.CreatedAt, &run.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.PipelineRun{}, ErrNotFound
		}
		return model.PipelineRun{}, fmt.Errorf("storage: scan run: %w", err)
	}
	run.State = model.RunState(state)
	if lastFailedGate != nil {
		g := model.GateKind(*lastFailedGate)
		run.LastFailedGate = &g
	}
	return run, nil
}
