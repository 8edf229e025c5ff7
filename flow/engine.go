package flow

import (
	"context"
	"errors"

	"github.com/dshills/flowexec-go/exec"
)

// ErrStopped is returned by Execute when the debugger's Stop (or an
// external cancellation mapped to it) terminated the flow before
// completion. Callers translate it into the Stopped terminal status
// rather than the failure path.
var ErrStopped = errors.New("flow execution stopped")

// EmitFunc is the event-publishing capability handed to an engine. The
// engine calls it for every event it produces and never reaches back
// into the component that owns it. Implementations assign Index,
// ExecutionID, WorkerID, and Timestamp; the engine supplies only the
// type and payload.
type EmitFunc func(eventType exec.EventType, data exec.EventData)

// Engine is the capability the worker drives for one execution.
type Engine interface {
	// Execute runs the flow to completion. It returns nil on success,
	// ErrStopped when stopped, and the node or flow error otherwise.
	// Cancellation of ctx aborts execution at the next step boundary.
	Execute(ctx context.Context) error

	// Debugger returns the control surface for this engine. Valid before
	// and during Execute.
	Debugger() Debugger
}

// Debugger controls a running engine. All methods are safe to call from
// any goroutine and before Execute starts; they take effect at the next
// node boundary.
type Debugger interface {
	// Pause suspends execution at the next node boundary.
	Pause()

	// Continue resumes a paused execution.
	Continue()

	// Step allows exactly one node to run while remaining paused.
	Step()

	// Stop terminates execution. Execute returns ErrStopped.
	Stop()

	// SetBreakpoint pauses execution just before the named node runs.
	SetBreakpoint(nodeID string)

	// ClearBreakpoint removes a breakpoint.
	ClearBreakpoint(nodeID string)
}
