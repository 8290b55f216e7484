package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/windlass-ci/windlass/internal/model"
)

// ListSessions returns all agent sessions for a run, newest first.
func (db *DB) ListSessions(ctx context.Context, runID uuid.UUID) ([]model.AgentSession, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, pipeline_run_id, kind, status, result_commit_sha, started_at, completed_at
		 FROM agent_sessions WHERE pipeline_run_id = $1 ORDER BY started_at DESC`, runID)
	if err != nil {
		return nil, fmt.Errorf("storage: list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []model.AgentSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// GetActiveSession returns the run's launched or working session, if any.
func (db *DB) GetActiveSession(ctx context.Context, runID uuid.UUID) (model.AgentSession, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT id, pipeline_run_id, kind, status, result_commit_sha, started_at, completed_at
		 FROM agent_sessions
		 WHERE pipeline_run_id = $1 AND status IN ('launched', 'working')`, runID)
	return scanSession(row)
}

// MarkSessionWorking moves a launched session to working, recorded once the
// agent's workflow dispatch is accepted. A session whose dispatch was never
// acknowledged stays launched.
func (db *DB) MarkSessionWorking(ctx context.Context, sessionID uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE agent_sessions SET status = $1
		 WHERE id = $2 AND status = $3`,
		string(model.SessionWorking), sessionID, string(model.SessionLaunched),
	)
	if err != nil {
		return fmt.Errorf("storage: mark session working: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanSession(row pgx.Row) (model.AgentSession, error) {
	var (
		s      model.AgentSession
		kind   string
		status string
	)
	err := row.Scan(&s.ID, &s.PipelineRunID, &kind, &status, &s.ResultCommitSHA, &s.StartedAt, &s.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.AgentSession{}, ErrNotFound
		}
		return model.AgentSession{}, fmt.Errorf("storage: scan session: %w", err)
	}
	s.Kind = model.AgentSessionKind(kind)
	s.Status = model.AgentSessionStatus(status)
	return s, nil
}
