package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/windlass-ci/windlass/internal/model"
)

// CreatePendingGate records that a gate workflow was dispatched for the run
// at the given commit. The row starts pending and is finalized exactly once
// by the completion callback.
func (db *DB) CreatePendingGate(ctx context.Context, runID uuid.UUID, gate model.GateKind, commitSHA string) (model.GateResult, error) {
	gr := model.GateResult{
		ID:            uuid.New(),
		PipelineRunID: runID,
		GateKind:      gate,
		Status:        model.GateStatusPending,
		CommitSHA:     commitSHA,
		CreatedAt:     time.Now().UTC(),
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO gate_results (id, pipeline_run_id, gate_kind, status, commit_sha, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		gr.ID, gr.PipelineRunID, string(gr.GateKind), string(gr.Status), gr.CommitSHA, gr.CreatedAt,
	)
	if err != nil {
		return model.GateResult{}, fmt.Errorf("storage: create pending gate: %w", err)
	}
	return gr, nil
}

// FinalizeGate moves the most recent pending result for (run, gate) to a
// terminal status. The update is guarded on status = 'pending', so a
// duplicate callback finds no row and gets ErrGateAlreadyFinal.
func (db *DB) FinalizeGate(ctx context.Context, runID uuid.UUID, gate model.GateKind, status model.GateStatus) error {
	if status != model.GateStatusPassed && status != model.GateStatusFailed {
		return fmt.Errorf("storage: finalize gate: non-terminal status %q", status)
	}

	tag, err := db.pool.Exec(ctx,
		`UPDATE gate_results SET status = $1, completed_at = $2
		 WHERE id = (
		     SELECT id FROM gate_results
		     WHERE pipeline_run_id = $3 AND gate_kind = $4 AND status = 'pending'
		     ORDER BY created_at DESC LIMIT 1
		 )`,
		string(status), time.Now().UTC(), runID, string(gate),
	)
	if err != nil {
		return fmt.Errorf("storage: finalize gate: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrGateAlreadyFinal
	}
	return nil
}

// ListGateResults returns all gate results for a run, newest first.
func (db *DB) ListGateResults(ctx context.Context, runID uuid.UUID) ([]model.GateResult, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, pipeline_run_id, gate_kind, status, commit_sha, created_at, completed_at
		 FROM gate_results WHERE pipeline_run_id = $1 ORDER BY created_at DESC`, runID)
	if err != nil {
		return nil, fmt.Errorf("storage: list gate results: %w", err)
	}
	defer rows.Close()

	var results []model.GateResult
	for rows.Next() {
		gr, err := scanGateResult(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, gr)
	}
	return results, rows.Err()
}

// GetPendingGate returns the most recent pending result for (run, gate).
func (db *DB) GetPendingGate(ctx context.Context, runID uuid.UUID, gate model.GateKind) (model.GateResult, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT id, pipeline_run_id, gate_kind, status, commit_sha, created_at, completed_at
		 FROM gate_results
		 WHERE pipeline_run_id = $1 AND gate_kind = $2 AND status = 'pending'
		 ORDER BY created_at DESC LIMIT 1`, runID, string(gate))
	return scanGateResult(row)
}

func scanGateResult(row pgx.Row) (model.GateResult, error) {
	var (
		gr     model.GateResult
		kind   string
		status string
	)
	err := row.Scan(&gr.ID, &gr.PipelineRunID, &kind, &status, &gr.CommitSHA, &gr.CreatedAt, &gr.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.GateResult{}, ErrNotFound
		}
		return model.GateResult{}, fmt.Errorf("storage: scan gate result: %w", err)
	}
	gr.GateKind = model.GateKind(kind)
	gr.Status = model.GateStatus(status)
	return gr, nil
}
