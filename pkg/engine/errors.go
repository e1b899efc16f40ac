package engine

import "errors"

// ErrApprovalTimeout is recorded when a run sits at an approval gate past the
// profile's timeout window. The run fails terminally.
var ErrApprovalTimeout = errors.New("approval timed out")

// ErrAlreadyResolved is returned when an approval signal arrives for a run
// that is not waiting for one, either because a decision was already made or
// because the run is not active.
var ErrAlreadyResolved = errors.New("approval already resolved")

func IsApprovalTimeout(err error) bool {
	return errors.Is(err, ErrApprovalTimeout)
}

func IsAlreadyResolved(err error) bool {
	return errors.Is(err, ErrAlreadyResolved)
}
