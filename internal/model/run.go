// Package model defines the core domain types for Windlass.
//
// All types correspond directly to database tables and webhook/callback
// payloads. Types use strong typing (UUIDs, time.Time, enums) and avoid
// interface{} wherever possible.
package model

import (
	"time"

	"github.com/google/uuid"
)

// RunState is the lifecycle state of a pipeline run.
type RunState string

const (
	StateCreated          RunState = "created"
	StateUnitContractGate RunState = "unit_contract_gate"
	StateDevDeploying     RunState = "dev_deploying"
	StateDevDeployed      RunState = "dev_deployed"
	StateIntegrationGate  RunState = "integration_gate"
	StateE2EGate          RunState = "e2e_gate"
	StateStagingPromoting RunState = "staging_promoting"
	StateStagingDeploying RunState = "staging_deploying"
	StateStagingDeployed  RunState = "staging_deployed"
	StateRegressionGate   RunState = "regression_gate"
	StateReadyForProd     RunState = "ready_for_prod"
	StateProdDeploying    RunState = "prod_deploying"
	StateProdDeployed     RunState = "prod_deployed"
	StateDone             RunState = "done"
	StateFixing           RunState = "fixing"
	StateJudging          RunState = "judging"
	StateFailed           RunState = "failed"
)

// IsTerminal reports whether no trigger can transition out of s.
func (s RunState) IsTerminal() bool {
	return s == StateDone || s == StateFailed
}

var gateByState = map[RunState]GateKind{
	StateUnitContractGate: GateUnitContract,
	StateIntegrationGate:  GateIntegration,
	StateE2EGate:          GateE2E,
	StateRegressionGate:   GateRegression,
}

var stateByGate = map[GateKind]RunState{
	GateUnitContract: StateUnitContractGate,
	GateIntegration:  StateIntegrationGate,
	GateE2E:          StateE2EGate,
	GateRegression:   StateRegressionGate,
}

// GateForState returns the gate kind executed in a gate state.
func GateForState(s RunState) (GateKind, bool) {
	g, ok := gateByState[s]
	return g, ok
}

// StateForGate returns the gate state in which a gate kind executes.
func StateForGate(g GateKind) (RunState, bool) {
	s, ok := stateByGate[g]
	return s, ok
}

// deployedOrDeploying is the set of states in which a dev deployment has
// already been dispatched (or the run has advanced past it).
var deployedOrDeploying = map[RunState]bool{
	StateDevDeploying:     true,
	StateDevDeployed:      true,
	StateIntegrationGate:  true,
	StateE2EGate:          true,
	StateStagingPromoting: true,
	StateStagingDeploying: true,
	StateStagingDeployed:  true,
	StateRegressionGate:   true,
	StateReadyForProd:     true,
	StateProdDeploying:    true,
	StateProdDeployed:     true,
	StateDone:             true,
}

// PastDevDeploy reports whether the run has already entered (or passed)
// the dev deployment stage.
func (s RunState) PastDevDeploy() bool {
	return deployedOrDeploying[s]
}

// Environment is a deployment target.
type Environment string

const (
	EnvDev Environment = "dev"
	// EnvStagingPromote is the branch-promotion workflow that merges the
	// integration branch into the staging branch ahead of a staging deploy.
	EnvStagingPromote Environment = "staging-promote"
	EnvStaging        Environment = "staging"
	EnvProd           Environment = "prod"
)

// ValidEnvironment reports whether e names a known deployment target.
func ValidEnvironment(e Environment) bool {
	switch e {
	case EnvDev, EnvStagingPromote, EnvStaging, EnvProd:
		return true
	}
	return false
}

// PipelineRun tracks one change request's full lifecycle through the engine.
// Created on the triggering "opened" event, mutated only through state
// transitions, never physically deleted.
type PipelineRun struct {
	ID            uuid.UUID `json:"id"`
	SourceRef     int64     `json:"source_ref"` // Pull request number on the host.
	Branch        string    `json:"branch"`
	TargetBranch  string    `json:"target_branch"`
	CommitSHA     string    `json:"commit_sha"`
	State         RunState  `json:"state"`
	FixCycleCount int       `json:"fix_cycle_count"`
	MaxFixCycles  int       `json:"max_fix_cycles"`
	// LastFailedGate records which gate most recently failed, so an approved
	// fix can re-run exactly that gate.
	LastFailedGate *GateKind `json:"last_failed_gate,omitempty"`
	ErrorMessage   *string   `json:"error_message,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}
