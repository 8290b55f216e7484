// Package engine implements the pipeline state machine.
//
// The machine is split into a pure core and an imperative shell. Decide maps
// (current run, trigger) to an Outcome without touching storage or the
// network; Engine.Apply serializes triggers per run, persists the transition
// atomically, and executes the outcome's side effects after commit.
package engine

import (
	"github.com/windlass-ci/windlass/internal/model"
)

// Trigger is one external signal delivered to a run: a webhook event, a
// completion callback, or a follow-up raised by the engine itself.
type Trigger struct {
	Kind model.TriggerKind

	// Gate qualifies gate_passed, gate_failed, and gate_dispatched.
	Gate model.GateKind
	// Environment qualifies deploy_succeeded and deploy_failed.
	Environment model.Environment
	// CommitSHA carries the new head commit on fix_agent_pushed.
	CommitSHA string
	// Note is recorded on the resulting transition log entry.
	Note string
}

// EffectKind classifies a post-commit side effect.
type EffectKind string

const (
	// EffectDispatchGate triggers a gate workflow for the run.
	EffectDispatchGate EffectKind = "dispatch_gate"
	// EffectDispatchDeploy triggers a deployment workflow for the run.
	EffectDispatchDeploy EffectKind = "dispatch_deploy"
	// EffectLaunchAgent triggers a fix or judge agent workflow for the run.
	EffectLaunchAgent EffectKind = "launch_agent"
)

// Effect is a side effect to execute after the transition commits. Effects
// never run inside the transaction: a crashed dispatch leaves the run parked
// in a queryable state instead of corrupting it.
type Effect struct {
	Kind        EffectKind
	Gate        model.GateKind
	Environment model.Environment
	Agent       model.AgentSessionKind

	// FollowUp, when set, is applied to the run as a fresh trigger after the
	// effect succeeds.
	FollowUp *Trigger
}

// Outcome is the full result of deciding one trigger: the target state, the
// run field updates and session changes that must commit atomically with it,
// and the side effects to run afterwards.
type Outcome struct {
	To   model.RunState
	Note string

	FixCycleCount  *int
	CommitSHA      *string
	LastFailedGate *model.GateKind
	ErrorMessage   *string

	CloseSession *SessionChange
	OpenSession  *model.AgentSessionKind

	Effects []Effect
}

// SessionChange finalizes the run's active agent session within the
// transition.
type SessionChange struct {
	Status          model.AgentSessionStatus
	ResultCommitSHA *string
}
