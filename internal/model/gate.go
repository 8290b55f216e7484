package model

import (
	"time"

	"github.com/google/uuid"
)

// GateKind identifies one of the four quality gates.
type GateKind string

const (
	GateUnitContract GateKind = "unit_contract"
	GateIntegration  GateKind = "integration"
	GateE2E          GateKind = "e2e"
	GateRegression   GateKind = "regression"
)

// ValidGateKind reports whether g names a known gate.
func ValidGateKind(g GateKind) bool {
	_, ok := stateByGate[g]
	return ok
}

// GateStatus is the outcome of a gate execution attempt.
type GateStatus string

const (
	GateStatusPending GateStatus = "pending"
	GateStatusPassed  GateStatus = "passed"
	GateStatusFailed  GateStatus = "failed"
)

// GateResult records one gate execution attempt. Created pending when the
// gate workflow is dispatched; finalized exactly once by the completion
// callback; never deleted.
type GateResult struct {
	ID            uuid.UUID  `json:"id"`
	PipelineRunID uuid.UUID  `json:"pipeline_run_id"`
	GateKind      GateKind   `json:"gate_kind"`
	Status        GateStatus `json:"status"`
	CommitSHA     string     `json:"commit_sha"`
	CreatedAt     time.Time  `json:"created_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}
