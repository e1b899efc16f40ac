package ledger

import "errors"

// Standard ledger error types that all implementations should use.
var (
	// ErrRunNotFound indicates a run was not found by the given identifier.
	ErrRunNotFound = errors.New("run not found")

	// ErrRunFinalized indicates an append over a run that already reached a
	// terminal status.
	ErrRunFinalized = errors.New("run already finalized")

	// ErrStageListShrunk indicates a snapshot with fewer stage outcomes than
	// the stored record. Stage lists are append-only per run.
	ErrStageListShrunk = errors.New("stage outcome list cannot shrink")
)

// IsRunNotFound checks if an error indicates a run was not found.
func IsRunNotFound(err error) bool {
	return errors.Is(err, ErrRunNotFound)
}

// IsRunFinalized checks if an error indicates a run was already finalized.
func IsRunFinalized(err error) bool {
	return errors.Is(err, ErrRunFinalized)
}
