package jobs

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a job id is unknown to the registry.
var ErrNotFound = errors.New("job not found")

// ErrInvalidTransition is the marker for state-machine violations. Callers
// match it with errors.Is; the concrete error carries the offending edge.
var ErrInvalidTransition = errors.New("invalid job transition")

// ErrProcessOwned is returned when a component attempts to claim process
// ownership of a job that already has a supervising component.
var ErrProcessOwned = errors.New("job already owns a running process")

// InvalidTransitionError describes a rejected state-machine edge.
type InvalidTransitionError struct {
	JobID string
	From  State
	To    State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid job transition: %s -> %s (job %s)", e.From, e.To, e.JobID)
}

func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}
