package windlass

import (
	"time"

	"github.com/google/uuid"
)

// RunEvent is the public view of one committed pipeline transition, delivered
// to EventHook implementations. All fields are primitives or stdlib types so
// external consumers never import internal packages.
type RunEvent struct {
	RunID        uuid.UUID
	SourceRef    int64 // Pull request number.
	Branch       string
	TargetBranch string
	CommitSHA    string

	// FromState and ToState are run state names such as "fixing" or
	// "ready_for_prod".
	FromState string
	ToState   string
	// Trigger is the signal that caused the transition, such as
	// "gate_failed" or "human_approved".
	Trigger string

	FixCycleCount int
	// LastFailedGate is set once a gate has failed ("unit_contract",
	// "integration", "e2e", "regression").
	LastFailedGate string
	// Terminal reports whether ToState is done or failed.
	Terminal bool

	OccurredAt time.Time
}
