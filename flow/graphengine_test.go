package flow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dshills/flowexec-go/exec"
)

// eventRecorder collects emitted events and lets tests wait for a
// specific type to appear.
type eventRecorder struct {
	mu     sync.Mutex
	events []recordedEvent
	wakes  []chan struct{}
}

type recordedEvent struct {
	Type exec.EventType
	Data exec.EventData
}

func (r *eventRecorder) emit(t exec.EventType, d exec.EventData) {
	r.mu.Lock()
	r.events = append(r.events, recordedEvent{Type: t, Data: d})
	for _, w := range r.wakes {
		select {
		case w <- struct{}{}:
		default:
		}
	}
	r.mu.Unlock()
}

func (r *eventRecorder) types() []exec.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]exec.EventType, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

func (r *eventRecorder) waitFor(t *testing.T, want exec.EventType) {
	t.Helper()
	r.waitForN(t, want, 1)
}

// waitForN blocks until the recorder has seen want at least n times.
func (r *eventRecorder) waitForN(t *testing.T, want exec.EventType, n int) {
	t.Helper()
	wake := make(chan struct{}, 1)
	r.mu.Lock()
	r.wakes = append(r.wakes, wake)
	r.mu.Unlock()

	deadline := time.After(3 * time.Second)
	for {
		count := 0
		r.mu.Lock()
		for _, ev := range r.events {
			if ev.Type == want {
				count++
			}
		}
		r.mu.Unlock()
		if count >= n {
			return
		}
		select {
		case <-wake:
		case <-deadline:
			t.Fatalf("timed out waiting for %d x %s; saw %v", n, want, r.types())
		}
	}
}

func testRegistry() *Registry {
	reg := NewRegistry()
	reg.Register("noop", func(NodeSpec) (Runner, error) {
		return RunnerFunc(func(_ context.Context, s State) (State, error) { return s, nil }), nil
	})
	reg.Register("fail", func(spec NodeSpec) (Runner, error) {
		return RunnerFunc(func(_ context.Context, s State) (State, error) {
			return nil, fmt.Errorf("node %s exploded", spec.ID)
		}), nil
	})
	reg.Register("set", func(spec NodeSpec) (Runner, error) {
		key, _ := spec.Config["key"].(string)
		value := spec.Config["value"]
		return RunnerFunc(func(_ context.Context, s State) (State, error) {
			out := s.Clone()
			out[key] = value
			return out, nil
		}), nil
	})
	reg.Register("block", func(NodeSpec) (Runner, error) {
		return RunnerFunc(func(ctx context.Context, s State) (State, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}), nil
	})
	return reg
}

func TestGraphEngineHappyPath(t *testing.T) {
	rec := &eventRecorder{}
	eng, err := NewGraphEngine(linearFlow(), testRegistry(), GraphEngineOptions{Emit: rec.emit})
	if err != nil {
		t.Fatalf("build engine: %v", err)
	}

	if err := eng.Execute(context.Background()); err != nil {
		t.Fatalf("execute: %v", err)
	}

	want := []exec.EventType{
		exec.EventFlowStarted,
		exec.EventNodeStarted,
		exec.EventNodeCompleted,
		exec.EventEdgeTransferCompleted,
		exec.EventNodeStarted,
		exec.EventNodeCompleted,
		exec.EventFlowCompleted,
	}
	got := rec.types()
	if len(got) != len(want) {
		t.Fatalf("event types = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event[%d] = %s, want %s (full: %v)", i, got[i], want[i], got)
		}
	}
}

func TestGraphEngineConditionalRouting(t *testing.T) {
	f := &Flow{
		ID:          "branching",
		EntryNodeID: "decide",
		Nodes: []NodeSpec{
			{ID: "decide", Type: "set", Config: map[string]any{"key": "approved", "value": true}},
			{ID: "approve", Type: "noop"},
			{ID: "reject", Type: "noop"},
		},
		Edges: []EdgeSpec{
			{From: "decide", To: "reject", Condition: "denied"},
			{From: "decide", To: "approve", Condition: "approved"},
		},
	}

	rec := &eventRecorder{}
	eng, err := NewGraphEngine(f, testRegistry(), GraphEngineOptions{Emit: rec.emit})
	if err != nil {
		t.Fatalf("build engine: %v", err)
	}
	if err := eng.Execute(context.Background()); err != nil {
		t.Fatalf("execute: %v", err)
	}

	var visited []string
	for _, ev := range rec.events {
		if ev.Type == exec.EventNodeStarted {
			visited = append(visited, ev.Data.(exec.NodeEventData).NodeID)
		}
	}
	if len(visited) != 2 || visited[1] != "approve" {
		t.Errorf("visited = %v, want [decide approve]", visited)
	}
}

func TestGraphEngineNodeFailure(t *testing.T) {
	f := &Flow{
		ID:          "f-fail",
		EntryNodeID: "boom",
		Nodes:       []NodeSpec{{ID: "boom", Type: "fail"}},
	}
	rec := &eventRecorder{}
	eng, err := NewGraphEngine(f, testRegistry(), GraphEngineOptions{Emit: rec.emit})
	if err != nil {
		t.Fatalf("build engine: %v", err)
	}

	err = eng.Execute(context.Background())
	if err == nil {
		t.Fatal("expected node failure")
	}
	var ee *exec.Error
	if !errors.As(err, &ee) || ee.NodeID != "boom" {
		t.Errorf("error = %v, want *exec.Error with NodeID boom", err)
	}

	got := rec.types()
	last := got[len(got)-1]
	if last != exec.EventFlowFailed {
		t.Errorf("last event = %s, want FLOW_FAILED (full: %v)", last, got)
	}
}

func TestGraphEngineUnknownNodeType(t *testing.T) {
	f := &Flow{
		ID:          "f-unknown",
		EntryNodeID: "x",
		Nodes:       []NodeSpec{{ID: "x", Type: "mystery"}},
	}
	if _, err := NewGraphEngine(f, testRegistry(), GraphEngineOptions{}); err == nil {
		t.Error("unknown node type must fail at build time")
	}
}

func TestGraphEngineMaxSteps(t *testing.T) {
	f := &Flow{
		ID:          "loop",
		EntryNodeID: "a",
		Nodes:       []NodeSpec{{ID: "a", Type: "noop"}, {ID: "b", Type: "noop"}},
		Edges:       []EdgeSpec{{From: "a", To: "b"}, {From: "b", To: "a"}},
	}
	eng, err := NewGraphEngine(f, testRegistry(), GraphEngineOptions{MaxSteps: 10})
	if err != nil {
		t.Fatalf("build engine: %v", err)
	}
	err = eng.Execute(context.Background())
	var ee *exec.Error
	if !errors.As(err, &ee) || ee.Code != "MAX_STEPS_EXCEEDED" {
		t.Errorf("error = %v, want MAX_STEPS_EXCEEDED", err)
	}
}

func TestGraphEngineBreakpointStepResume(t *testing.T) {
	rec := &eventRecorder{}
	eng, err := NewGraphEngine(linearFlow(), testRegistry(), GraphEngineOptions{
		Emit:        rec.emit,
		Breakpoints: []string{"b"},
	})
	if err != nil {
		t.Fatalf("build engine: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- eng.Execute(context.Background()) }()

	rec.waitFor(t, exec.EventDebugBreakpointHit)

	// Node b must not have started while paused at its breakpoint.
	for _, ev := range rec.types() {
		if ev == exec.EventFlowCompleted {
			t.Fatal("flow completed before the breakpoint released")
		}
	}

	eng.Debugger().Step()
	rec.waitForN(t, exec.EventNodeCompleted, 2)

	eng.Debugger().Continue()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("execute: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("engine did not finish after Continue")
	}
	rec.waitFor(t, exec.EventFlowCompleted)
}

func TestGraphEnginePauseResume(t *testing.T) {
	// A three-node chain; pause before execution starts, so the engine
	// blocks at the entry boundary.
	f := &Flow{
		ID:          "f3",
		EntryNodeID: "a",
		Nodes:       []NodeSpec{{ID: "a", Type: "noop"}, {ID: "b", Type: "noop"}, {ID: "c", Type: "noop"}},
		Edges:       []EdgeSpec{{From: "a", To: "b"}, {From: "b", To: "c"}},
	}
	rec := &eventRecorder{}
	eng, err := NewGraphEngine(f, testRegistry(), GraphEngineOptions{Emit: rec.emit})
	if err != nil {
		t.Fatalf("build engine: %v", err)
	}

	eng.Debugger().Pause()
	done := make(chan error, 1)
	go func() { done <- eng.Execute(context.Background()) }()

	rec.waitFor(t, exec.EventFlowPaused)
	eng.Debugger().Continue()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("execute: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("engine did not finish after Continue")
	}

	rec.waitFor(t, exec.EventFlowResumed)
	rec.waitFor(t, exec.EventFlowCompleted)
}

func TestGraphEngineStop(t *testing.T) {
	f := &Flow{
		ID:          "f-block",
		EntryNodeID: "a",
		Nodes:       []NodeSpec{{ID: "a", Type: "noop"}, {ID: "wait", Type: "block"}},
		Edges:       []EdgeSpec{{From: "a", To: "wait"}},
	}
	rec := &eventRecorder{}
	eng, err := NewGraphEngine(f, testRegistry(), GraphEngineOptions{Emit: rec.emit})
	if err != nil {
		t.Fatalf("build engine: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- eng.Execute(ctx) }()

	rec.waitFor(t, exec.EventNodeStarted)
	eng.Debugger().Stop()
	cancel() // unblock the in-flight node

	select {
	case err := <-done:
		if !errors.Is(err, ErrStopped) {
			t.Errorf("execute err = %v, want ErrStopped", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("engine did not stop")
	}
	rec.waitFor(t, exec.EventFlowCancelled)
}

// TestGraphEngineCancelWhilePaused exercises the paused wait loop against
// context cancellation: the wakeup must reach an engine blocked on the
// gate, every time.
func TestGraphEngineCancelWhilePaused(t *testing.T) {
	for i := 0; i < 50; i++ {
		rec := &eventRecorder{}
		eng, err := NewGraphEngine(linearFlow(), testRegistry(), GraphEngineOptions{Emit: rec.emit})
		if err != nil {
			t.Fatalf("build engine: %v", err)
		}

		eng.Debugger().Pause()
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- eng.Execute(ctx) }()

		rec.waitFor(t, exec.EventFlowPaused)
		cancel()

		select {
		case err := <-done:
			if !errors.Is(err, context.Canceled) {
				t.Fatalf("execute err = %v, want context.Canceled", err)
			}
		case <-time.After(3 * time.Second):
			t.Fatal("paused engine did not observe cancellation")
		}
	}
}

func TestGraphEngineNodeTimeout(t *testing.T) {
	f := &Flow{
		ID:          "f-timeout",
		EntryNodeID: "wait",
		Nodes:       []NodeSpec{{ID: "wait", Type: "block", Timeout: 20 * time.Millisecond}},
	}
	eng, err := NewGraphEngine(f, testRegistry(), GraphEngineOptions{})
	if err != nil {
		t.Fatalf("build engine: %v", err)
	}

	err = eng.Execute(context.Background())
	var ee *exec.Error
	if !errors.As(err, &ee) || ee.NodeID != "wait" {
		t.Errorf("error = %v, want node failure for wait", err)
	}
}
