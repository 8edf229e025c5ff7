package flow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dshills/flowexec-go/exec"
)

// Default execution limits.
const (
	// DefaultMaxSteps bounds node executions per flow run to prevent
	// runaway cycles.
	DefaultMaxSteps = 1000

	// DefaultNodeTimeout applies to nodes whose spec carries no timeout.
	DefaultNodeTimeout = 5 * time.Minute
)

// GraphEngineOptions configures a GraphEngine. Zero values are valid.
type GraphEngineOptions struct {
	// Emit receives every event the engine produces. Optional; a nil
	// Emit discards events.
	Emit EmitFunc

	// Breakpoints lists node IDs to pause at before execution starts.
	// Further breakpoints can be set through the Debugger at runtime.
	Breakpoints []string

	// MaxSteps caps node executions per run. 0 means DefaultMaxSteps.
	MaxSteps int

	// NodeTimeout applies to nodes without a per-node timeout.
	// 0 means DefaultNodeTimeout.
	NodeTimeout time.Duration

	// InitialState seeds the state bag handed to the entry node.
	InitialState State
}

// GraphEngine is the sequential reference engine: it walks the flow from
// its entry node, evaluates edge conditions against the state bag, and
// emits flow/node/edge events through the injected capability. It
// implements Engine.
type GraphEngine struct {
	flow    *Flow
	runners map[string]Runner
	emit    EmitFunc
	opts    GraphEngineOptions
	gate    *debugGate
}

// NewGraphEngine validates the flow and resolves every node's runner up
// front, so unknown node types and malformed configs fail before any
// node runs.
func NewGraphEngine(f *Flow, reg *Registry, opts GraphEngineOptions) (*GraphEngine, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = DefaultMaxSteps
	}
	if opts.NodeTimeout <= 0 {
		opts.NodeTimeout = DefaultNodeTimeout
	}

	runners := make(map[string]Runner, len(f.Nodes))
	for _, spec := range f.Nodes {
		r, err := reg.Resolve(spec)
		if err != nil {
			return nil, fmt.Errorf("build flow %s: %w", f.ID, err)
		}
		runners[spec.ID] = r
	}

	gate := newDebugGate()
	for _, id := range opts.Breakpoints {
		gate.SetBreakpoint(id)
	}

	return &GraphEngine{
		flow:    f,
		runners: runners,
		emit:    opts.Emit,
		opts:    opts,
		gate:    gate,
	}, nil
}

// Debugger returns the engine's control surface.
func (e *GraphEngine) Debugger() Debugger { return e.gate }

// Execute walks the flow to completion. See Engine.Execute for the error
// contract.
func (e *GraphEngine) Execute(ctx context.Context) error {
	if e.flow.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.flow.Timeout)
		defer cancel()
	}

	e.emitEvent(exec.EventFlowStarted, exec.FlowEventData{})

	state := e.opts.InitialState.Clone()
	current := e.flow.EntryNodeID

	for steps := 0; ; steps++ {
		if steps >= e.opts.MaxSteps {
			err := &exec.Error{
				Code:    "MAX_STEPS_EXCEEDED",
				Message: fmt.Sprintf("flow %s exceeded %d steps", e.flow.ID, e.opts.MaxSteps),
			}
			e.emitEvent(exec.EventFlowFailed, exec.FlowEventData{Error: err.Message})
			return err
		}

		if err := e.arrive(ctx, current); err != nil {
			return e.cancelled(err)
		}

		spec := e.flow.Node(current)
		e.emitEvent(exec.EventNodeStarted, exec.NodeEventData{NodeID: spec.ID, NodeType: spec.Type})

		next, err := e.runNode(ctx, spec, state)
		if err != nil {
			// A node unblocked by Stop or by context cancellation surfaced
			// a cancellation, not a failure.
			if e.gate.stopRequested() {
				return e.cancelled(ErrStopped)
			}
			if ctx.Err() != nil {
				return e.cancelled(ctx.Err())
			}
			e.emitEvent(exec.EventNodeFailed, exec.NodeEventData{
				NodeID:   spec.ID,
				NodeType: spec.Type,
				Error:    err.Error(),
			})
			e.emitEvent(exec.EventFlowFailed, exec.FlowEventData{Error: err.Error()})
			return &exec.Error{
				Code:    "NODE_FAILED",
				Message: err.Error(),
				NodeID:  spec.ID,
				Cause:   err,
			}
		}
		if next != nil {
			state = next
		}
		e.emitEvent(exec.EventNodeCompleted, exec.NodeEventData{NodeID: spec.ID, NodeType: spec.Type})

		edge, ok := e.route(current, state)
		if !ok {
			e.emitEvent(exec.EventFlowCompleted, exec.FlowEventData{})
			return nil
		}
		e.emitEvent(exec.EventEdgeTransferCompleted, exec.EdgeEventData{
			EdgeID:     edge.ID,
			FromNodeID: edge.From,
			ToNodeID:   edge.To,
		})
		current = edge.To
	}
}

func (e *GraphEngine) cancelled(cause error) error {
	reason := "stopped"
	if !errors.Is(cause, ErrStopped) && cause != nil {
		reason = cause.Error()
	}
	e.emitEvent(exec.EventFlowCancelled, exec.FlowEventData{Reason: reason})
	if errors.Is(cause, ErrStopped) {
		return ErrStopped
	}
	return cause
}

// runNode executes one node under its timeout.
func (e *GraphEngine) runNode(ctx context.Context, spec *NodeSpec, state State) (State, error) {
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = e.opts.NodeTimeout
	}
	nodeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return e.runners[spec.ID].Run(nodeCtx, state)
}

// route picks the first outgoing edge whose condition holds. A node with
// no matching edge terminates the flow.
func (e *GraphEngine) route(nodeID string, state State) (EdgeSpec, bool) {
	for _, edge := range e.flow.EdgesFrom(nodeID) {
		if edge.Condition == "" || state.Truthy(edge.Condition) {
			return edge, true
		}
	}
	return EdgeSpec{}, false
}

// arrive is the per-node boundary: it fires breakpoints, blocks while
// paused, grants step budget, and observes stop/cancellation.
func (e *GraphEngine) arrive(ctx context.Context, nodeID string) error {
	g := e.gate

	// Wake the cond when the context is cancelled. The broadcast must hold
	// the mutex: an unlocked broadcast can land between the wait loop's
	// ctx.Err() check and cond.Wait() and be lost.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			g.mu.Lock()
			g.cond.Broadcast()
			g.mu.Unlock()
		case <-watchDone:
		}
	}()

	g.mu.Lock()
	if _, hit := g.breakpoints[nodeID]; hit && !g.paused {
		g.paused = true
		g.pauseAnnounced = true
		g.mu.Unlock()
		e.emitEvent(exec.EventDebugBreakpointHit, exec.BreakpointEventData{NodeID: nodeID})
		g.mu.Lock()
	}

	for {
		if g.stopped {
			g.mu.Unlock()
			return ErrStopped
		}
		if err := ctx.Err(); err != nil {
			g.mu.Unlock()
			return err
		}
		if !g.paused {
			announce := g.resumePending
			g.resumePending = false
			g.mu.Unlock()
			if announce {
				e.emitEvent(exec.EventFlowResumed, exec.FlowEventData{})
			}
			return nil
		}
		if g.stepBudget > 0 {
			g.stepBudget--
			g.mu.Unlock()
			return nil
		}
		if g.pausePending {
			g.pausePending = false
			g.pauseAnnounced = true
			g.mu.Unlock()
			e.emitEvent(exec.EventFlowPaused, exec.FlowEventData{})
			g.mu.Lock()
			continue
		}
		g.cond.Wait()
	}
}

func (e *GraphEngine) emitEvent(t exec.EventType, d exec.EventData) {
	if e.emit != nil {
		e.emit(t, d)
	}
}

// debugGate serialises the pause/step/stop protocol between the engine
// goroutine and external controllers. It implements Debugger.
type debugGate struct {
	mu   sync.Mutex
	cond *sync.Cond

	paused  bool
	stopped bool

	// pausePending: a FLOW_PAUSED emission is owed at the next boundary.
	// pauseAnnounced: the pause was surfaced (FLOW_PAUSED or a breakpoint
	// event), so the matching Continue owes a FLOW_RESUMED.
	pausePending   bool
	pauseAnnounced bool
	resumePending  bool

	stepBudget  int
	breakpoints map[string]struct{}
}

func newDebugGate() *debugGate {
	g := &debugGate{breakpoints: make(map[string]struct{})}
	g.cond = sync.NewCond(&g.mu)
	return g
}

func (g *debugGate) Pause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.paused || g.stopped {
		return
	}
	g.paused = true
	g.pausePending = true
}

func (g *debugGate) Continue() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.paused {
		return
	}
	g.paused = false
	g.pausePending = false
	g.stepBudget = 0
	if g.pauseAnnounced {
		g.pauseAnnounced = false
		g.resumePending = true
	}
	g.cond.Broadcast()
}

func (g *debugGate) Step() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.paused || g.stopped {
		return
	}
	g.stepBudget++
	g.cond.Broadcast()
}

func (g *debugGate) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stopped = true
	g.cond.Broadcast()
}

func (g *debugGate) SetBreakpoint(nodeID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.breakpoints[nodeID] = struct{}{}
}

func (g *debugGate) ClearBreakpoint(nodeID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.breakpoints, nodeID)
}

func (g *debugGate) stopRequested() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stopped
}
