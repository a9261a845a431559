package pipeline

import (
	"errors"
	"fmt"
)

// ErrStateNotFound is returned when no pipeline state exists for an issue id.
var ErrStateNotFound = errors.New("pipeline state not found")

// InvalidTransitionError reports an attempted stage change that is not in the
// valid-transition map. The state is left unchanged.
type InvalidTransitionError struct {
	From Stage
	To   Stage
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s → %s (valid targets: %v)", e.From, e.To, ValidTargets(e.From))
}
