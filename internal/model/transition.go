package model

import (
	"time"

	"github.com/google/uuid"
)

// TriggerKind is an external signal that may advance a pipeline run.
type TriggerKind string

const (
	TriggerRequestOpened    TriggerKind = "request_opened"
	TriggerGateDispatched   TriggerKind = "gate_dispatched"
	TriggerGatePassed       TriggerKind = "gate_passed"
	TriggerGateFailed       TriggerKind = "gate_failed"
	TriggerFixAgentPushed   TriggerKind = "fix_agent_pushed"
	TriggerJudgmentApproved TriggerKind = "judgment_approved"
	TriggerJudgmentRejected TriggerKind = "judgment_rejected"
	TriggerHumanApproved    TriggerKind = "human_approved"
	TriggerDeploySucceeded  TriggerKind = "deploy_succeeded"
	TriggerDeployFailed     TriggerKind = "deploy_failed"
	TriggerRequestMerged    TriggerKind = "request_merged"
)

// StateTransition is an append-only log entry recording one state change.
// Immutable once written; never updated or deleted. The log doubles as the
// audit trail and as the source for "time since last activity".
type StateTransition struct {
	ID            int64       `json:"id"`
	PipelineRunID uuid.UUID   `json:"pipeline_run_id"`
	FromState     RunState    `json:"from_state"`
	ToState       RunState    `json:"to_state"`
	Trigger       TriggerKind `json:"trigger"`
	Note          string      `json:"note,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
}
