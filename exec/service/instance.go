package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dshills/flowexec-go/exec"
	"github.com/dshills/flowexec-go/exec/eventbus"
	"github.com/dshills/flowexec-go/exec/metrics"
	"github.com/dshills/flowexec-go/flow"
)

// publishTimeout bounds a single event publish during drain so cleanup
// cannot hang on a dead bus.
const publishTimeout = 10 * time.Second

// InstanceOptions configures CreateExecutionInstance.
type InstanceOptions struct {
	// WorkerID stamps every published event.
	WorkerID string

	// OnBreakpoint is invoked (from the tap goroutine) when the engine
	// reports a breakpoint hit, so the owner can flip the execution to
	// Paused. Optional.
	OnBreakpoint func(nodeID string)
}

// Instance is one controllable engine run. The worker owns it for the
// duration of its claim: it drives Execute, forwards debugger commands,
// aborts it on STOP or claim loss, and must call CleanupEventHandling on
// every exit path before writing a terminal status.
type Instance struct {
	ExecutionID string

	engine flow.Engine
	tap    *eventTap
	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	abortReason string
}

// CreateExecutionInstance builds an engine for the task's flow, wired so
// every event the engine emits is published to the event bus. Event
// indexes start at 0 for this attempt.
func (s *Service) CreateExecutionInstance(ctx context.Context, task *exec.Task, f *flow.Flow, opts InstanceOptions) (*Instance, error) {
	tap := newEventTap(tapConfig{
		executionID:  task.ExecutionID,
		workerID:     opts.WorkerID,
		bus:          s.events,
		log:          s.log,
		metrics:      s.metrics,
		onBreakpoint: opts.OnBreakpoint,
	})

	eng, err := flow.NewGraphEngine(f, s.registry, flow.GraphEngineOptions{
		Emit:         tap.emit,
		Breakpoints:  task.Breakpoints,
		InitialState: flow.State(task.EventTrigger),
	})
	if err != nil {
		tap.drain()
		return nil, fmt.Errorf("build instance for %s: %w", task.ExecutionID, err)
	}

	instCtx, cancel := context.WithCancel(ctx)
	inst := &Instance{
		ExecutionID: task.ExecutionID,
		engine:      eng,
		tap:         tap,
		ctx:         instCtx,
		cancel:      cancel,
	}

	// The stream's first event: the publishing pipeline is wired and
	// subscribers attached from index 0 will see everything.
	tap.emit(exec.EventFlowSubscribed, exec.FlowEventData{})
	return inst, nil
}

// Execute drives the engine to completion under the instance's abortable
// context.
func (i *Instance) Execute() error {
	return i.engine.Execute(i.ctx)
}

// Debugger exposes the engine's control surface.
func (i *Instance) Debugger() flow.Debugger {
	return i.engine.Debugger()
}

// Abort cancels the instance context, unblocking every suspension point
// in the engine. The first reason wins.
func (i *Instance) Abort(reason string) {
	i.mu.Lock()
	if i.abortReason == "" {
		i.abortReason = reason
	}
	i.mu.Unlock()
	i.cancel()
}

// AbortReason returns the reason passed to the first Abort call, or "".
func (i *Instance) AbortReason() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.abortReason
}

// CleanupEventHandling drains and flushes pending event publishes. It is
// idempotent and must complete before the owner writes a terminal status,
// so subscribers observe every event before the terminal state is visible
// through the store.
func (i *Instance) CleanupEventHandling() error {
	i.tap.drain()
	i.cancel()
	return nil
}

type tapConfig struct {
	executionID  string
	workerID     string
	bus          eventbus.Bus
	log          *zap.Logger
	metrics      *metrics.Metrics
	onBreakpoint func(nodeID string)
}

// eventTap is the capability handed to the engine: it assigns monotonic
// per-attempt indexes (starting at 0), stamps worker and timestamp, and
// publishes through a single goroutine so index order and publish order
// agree.
type eventTap struct {
	cfg tapConfig

	mu     sync.Mutex
	next   int64
	closed bool

	in   chan *exec.Event
	done chan struct{}

	drainOnce sync.Once
}

func newEventTap(cfg tapConfig) *eventTap {
	t := &eventTap{
		cfg:  cfg,
		in:   make(chan *exec.Event, 256),
		done: make(chan struct{}),
	}
	go t.publishLoop()
	return t
}

// emit builds and enqueues one event. Events emitted after drain started
// are dropped with a warning; that only happens if an engine violates the
// contract of emitting nothing after Execute returns.
func (t *eventTap) emit(eventType exec.EventType, data exec.EventData) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		t.cfg.log.Warn("event emitted after cleanup, dropped",
			zap.String("execution_id", t.cfg.executionID),
			zap.String("type", string(eventType)))
		return
	}
	ev := &exec.Event{
		ExecutionID: t.cfg.executionID,
		Index:       t.next,
		Type:        eventType,
		Timestamp:   time.Now(),
		WorkerID:    t.cfg.workerID,
		Data:        data,
	}
	t.next++
	t.in <- ev
	t.mu.Unlock()
}

func (t *eventTap) publishLoop() {
	defer close(t.done)
	for ev := range t.in {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		err := t.cfg.bus.PublishEvent(ctx, ev.ExecutionID, ev)
		cancel()
		if err != nil {
			t.cfg.log.Error("event publish failed",
				zap.String("execution_id", ev.ExecutionID),
				zap.Int64("index", ev.Index),
				zap.String("type", string(ev.Type)),
				zap.Error(err))
		}
		if ev.Type == exec.EventDebugBreakpointHit && t.cfg.onBreakpoint != nil {
			if data, ok := ev.Data.(exec.BreakpointEventData); ok {
				t.cfg.onBreakpoint(data.NodeID)
			}
		}
	}
}

// drain closes the intake and blocks until every queued event has been
// published. Idempotent.
func (t *eventTap) drain() {
	t.drainOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		close(t.in)
		t.mu.Unlock()
	})
	<-t.done
}
