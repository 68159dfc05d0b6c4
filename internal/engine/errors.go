package engine

import (
	"errors"
	"fmt"
)

// ErrNotFound reports an unknown workflow, execution, schedule, trigger or
// template id. Wrapped with the offending id at each call site.
var ErrNotFound = errors.New("not found")

// ErrQueueFull is returned by ExecuteWorkflow when the bounded execution
// queue cannot accept another id. The execution row stays pending.
var ErrQueueFull = errors.New("execution queue full")

// ValidationError reports a missing or malformed field on create/update.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s %s", e.Field, e.Reason)
}

// StateError reports an operation applied in an illegal execution state,
// e.g. cancelling a completed execution.
type StateError struct {
	Op     string
	Status string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s not permitted in state %q", e.Op, e.Status)
}
