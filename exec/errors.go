package exec

import "errors"

// ErrConflict indicates an attempt to create an execution whose ID already
// exists in the store.
var ErrConflict = errors.New("execution already exists")

// ErrNotFound is returned when a requested execution or claim does not
// exist.
var ErrNotFound = errors.New("not found")

// ErrClaimLost indicates the caller no longer holds the active claim for
// an execution. Work in flight must be abandoned without status changes;
// the new owner or the recovery sweeper resolves the execution.
var ErrClaimLost = errors.New("execution claim lost")

// ErrFlowNotFound indicates the referenced flow could not be loaded. This
// is a permanent failure: the task fails without retry.
var ErrFlowNotFound = errors.New("flow not found")

// Error is a structured error carrying execution context for diagnostics
// and for the errorMessage/errorNodeId fields surfaced on failed
// executions.
type Error struct {
	Code        string
	Message     string
	ExecutionID string
	NodeID      string
	Cause       error
}

func (e *Error) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// Unwrap returns the underlying cause for errors.Is / errors.As support.
func (e *Error) Unwrap() error {
	return e.Cause
}
