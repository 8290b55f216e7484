package storage

import "errors"

var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrDuplicateRun is returned when a run already exists in a non-terminal
	// state for the same source ref (idempotent create).
	ErrDuplicateRun = errors.New("storage: active run already exists for source ref")

	// ErrStaleRun is returned when a guarded transition update matched no row
	// because the run's state changed underneath the caller. Callers reload
	// the run and re-decide.
	ErrStaleRun = errors.New("storage: run state changed concurrently")

	// ErrSessionConflict is returned when opening an agent session while
	// another session is still active for the same run.
	ErrSessionConflict = errors.New("storage: run already has an active agent session")

	// ErrGateAlreadyFinal is returned when finalizing a gate result that has
	// already reached a terminal status.
	ErrGateAlreadyFinal = errors.New("storage: gate result already finalized")
)
