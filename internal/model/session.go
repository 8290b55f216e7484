package model

import (
	"time"

	"github.com/google/uuid"
)

// AgentSessionKind distinguishes remediation attempts from judgment reviews.
type AgentSessionKind string

const (
	SessionFix   AgentSessionKind = "fix"
	SessionJudge AgentSessionKind = "judge"
)

// AgentSessionStatus is the lifecycle state of an agent session.
type AgentSessionStatus string

const (
	SessionLaunched  AgentSessionStatus = "launched"
	SessionWorking   AgentSessionStatus = "working"
	SessionCompleted AgentSessionStatus = "completed"
	SessionFailed    AgentSessionStatus = "failed"
)

// Active reports whether the session still occupies the run's single
// active-session slot.
func (s AgentSessionStatus) Active() bool {
	return s == SessionLaunched || s == SessionWorking
}

// AgentSession is one remediation or judgment attempt. At most one session
// per run may be launched or working at a time (enforced by a partial unique
// index). Completion is driven by an external signal: a push to the run's
// branch for fix sessions, an explicit judgment callback for judge sessions.
type AgentSession struct {
	ID              uuid.UUID          `json:"id"`
	PipelineRunID   uuid.UUID          `json:"pipeline_run_id"`
	Kind            AgentSessionKind   `json:"kind"`
	Status          AgentSessionStatus `json:"status"`
	ResultCommitSHA *string            `json:"result_commit_sha,omitempty"`
	StartedAt       time.Time          `json:"started_at"`
	CompletedAt     *time.Time         `json:"completed_at,omitempty"`
}
