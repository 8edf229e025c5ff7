// Package worker implements the execution worker: it consumes
// tasks, acquires exclusive claims, heartbeats them, drives the engine to
// completion, and handles failure, retry, cancellation, and debug
// commands.
//
// The delivery contract with the queue is deliberate: the offset is
// committed immediately after a successful claim, never before and never
// later. Failures past that point are handled by retry-by-republish, not
// by queue redelivery.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/dshills/flowexec-go/exec"
	"github.com/dshills/flowexec-go/exec/cmdbus"
	"github.com/dshills/flowexec-go/exec/metrics"
	"github.com/dshills/flowexec-go/exec/queue"
	"github.com/dshills/flowexec-go/exec/service"
	"github.com/dshills/flowexec-go/exec/store"
	"github.com/dshills/flowexec-go/flow"
)

var tracer = otel.Tracer("flowexec/worker")

// Defaults for the claim lease and its heartbeat.
const (
	DefaultClaimTTL          = 30 * time.Second
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultConcurrency       = 4
)

// Options wires a Worker. Store, Queue, Service, and Loader are required.
type Options struct {
	// WorkerID identifies this process in claims, events, and logs.
	// Required and unique per process.
	WorkerID string

	// Concurrency caps in-flight executions. 0 means DefaultConcurrency.
	Concurrency int

	// ClaimTTL is the claim lease duration. 0 means DefaultClaimTTL.
	ClaimTTL time.Duration

	// HeartbeatInterval is the extend period. It is clamped to ClaimTTL/3.
	// 0 means DefaultHeartbeatInterval.
	HeartbeatInterval time.Duration

	Store    store.Store
	Queue    queue.Queue
	Commands cmdbus.Bus
	Service  *service.Service
	Loader   flow.Loader
	Logger   *zap.Logger
	Metrics  *metrics.Metrics

	// Reconnect policy for the command subscription. Zero values take the
	// defaults in reconnect.go.
	ReconnectBase        time.Duration
	ReconnectCap         time.Duration
	ReconnectMaxAttempts int
}

// Worker consumes execution tasks and drives them to a terminal status.
type Worker struct {
	id       string
	ttl      time.Duration
	ttlMs    int64
	interval time.Duration

	store    store.Store
	queue    queue.Queue
	commands cmdbus.Bus
	service  *service.Service
	loader   flow.Loader
	log      *zap.Logger
	metrics  *metrics.Metrics

	reconnect reconnectPolicy

	sem chan struct{}

	mu      sync.Mutex
	active  map[string]*activeExecution
	applied *appliedCommands

	// sleep is swappable so retry-delay tests run instantly.
	sleep func(ctx context.Context, d time.Duration) error
}

// activeExecution is the per-claim state the worker owns while a task is
// in flight.
type activeExecution struct {
	task      *exec.Task
	inst      *service.Instance
	stopHeart chan struct{}
	heartDone chan struct{}

	mu        sync.Mutex
	claimLost bool
	stopped   bool
}

func (ae *activeExecution) markClaimLost() {
	ae.mu.Lock()
	ae.claimLost = true
	ae.mu.Unlock()
}

func (ae *activeExecution) lostClaim() bool {
	ae.mu.Lock()
	defer ae.mu.Unlock()
	return ae.claimLost
}

func (ae *activeExecution) markStopped() {
	ae.mu.Lock()
	ae.stopped = true
	ae.mu.Unlock()
}

func (ae *activeExecution) wasStopped() bool {
	ae.mu.Lock()
	defer ae.mu.Unlock()
	return ae.stopped
}

// New validates the wiring and returns a Worker.
func New(opts Options) (*Worker, error) {
	switch {
	case opts.WorkerID == "":
		return nil, fmt.Errorf("worker: worker ID is required")
	case opts.Store == nil:
		return nil, fmt.Errorf("worker: store is required")
	case opts.Queue == nil:
		return nil, fmt.Errorf("worker: queue is required")
	case opts.Service == nil:
		return nil, fmt.Errorf("worker: service is required")
	case opts.Loader == nil:
		return nil, fmt.Errorf("worker: flow loader is required")
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.ClaimTTL <= 0 {
		opts.ClaimTTL = DefaultClaimTTL
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	// A heartbeat slower than TTL/3 risks losing a healthy claim.
	if maxInterval := opts.ClaimTTL / 3; opts.HeartbeatInterval > maxInterval {
		opts.HeartbeatInterval = maxInterval
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	return &Worker{
		id:        opts.WorkerID,
		ttl:       opts.ClaimTTL,
		ttlMs:     opts.ClaimTTL.Milliseconds(),
		interval:  opts.HeartbeatInterval,
		store:     opts.Store,
		queue:     opts.Queue,
		commands:  opts.Commands,
		service:   opts.Service,
		loader:    opts.Loader,
		log:       opts.Logger.With(zap.String("worker_id", opts.WorkerID)),
		metrics:   opts.Metrics,
		reconnect: newReconnectPolicy(opts.ReconnectBase, opts.ReconnectCap, opts.ReconnectMaxAttempts),
		sem:       make(chan struct{}, opts.Concurrency),
		active:    make(map[string]*activeExecution),
		applied:   newAppliedCommands(),
		sleep:     sleepCtx,
	}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run subscribes to commands, consumes tasks, and blocks until the
// context is cancelled. On shutdown it stops consuming, waits for
// in-flight handlers, and releases every remaining claim.
func (w *Worker) Run(ctx context.Context) error {
	if w.commands != nil {
		go w.runCommandSubscription(ctx)
	}
	if err := w.queue.ConsumeTasks(ctx, w.handleTask); err != nil {
		return fmt.Errorf("worker %s: consume: %w", w.id, err)
	}
	w.log.Info("worker started")

	<-ctx.Done()
	w.log.Info("worker shutting down")
	w.queue.StopConsuming()
	w.releaseAll(context.Background())
	return nil
}

// releaseAll releases every claim this worker still holds. Used on
// shutdown and before reconnect attempts; the released executions are
// picked up by recovery.
func (w *Worker) releaseAll(ctx context.Context) {
	w.mu.Lock()
	ids := make([]string, 0, len(w.active))
	for id, ae := range w.active {
		ids = append(ids, id)
		ae.inst.Abort("worker shutdown")
	}
	w.mu.Unlock()

	for _, id := range ids {
		if err := w.store.ReleaseExecution(ctx, id, w.id); err != nil {
			w.log.Warn("release on shutdown failed",
				zap.String("execution_id", id), zap.Error(err))
		}
	}
}

// handleTask is the queue handler: one invocation per delivered task.
func (w *Worker) handleTask(ctx context.Context, task *exec.Task, d queue.Delivery) error {
	w.sem <- struct{}{}
	defer func() { <-w.sem }()

	task.ApplyDefaults()
	w.metrics.TaskConsumed()
	log := w.log.With(
		zap.String("execution_id", task.ExecutionID),
		zap.String("flow_id", task.FlowID),
		zap.Int("retry_count", task.RetryCount))

	row, err := w.store.Get(ctx, task.ExecutionID)
	if errors.Is(err, exec.ErrNotFound) {
		log.Warn("task references unknown execution, dropping")
		w.commit(ctx, d, log)
		return nil
	}
	if err != nil {
		// Transient store trouble: leave uncommitted for redelivery.
		log.Error("execution lookup failed", zap.Error(err))
		return err
	}

	if row.Status.IsTerminal() {
		log.Debug("execution already terminal, dropping task",
			zap.String("status", string(row.Status)))
		w.commit(ctx, d, log)
		return nil
	}

	ok, err := w.store.ClaimExecution(ctx, task.ExecutionID, w.id, w.ttlMs)
	if err != nil {
		log.Error("claim failed", zap.Error(err))
		return err
	}
	if !ok {
		log.Debug("claim held elsewhere, dropping task")
		w.commit(ctx, d, log)
		return nil
	}
	w.metrics.ClaimAcquired()

	// Commit immediately after a successful claim: the queue must not
	// redeliver this task to a peer once we own the execution.
	w.commit(ctx, d, log)

	start := time.Now()
	w.processClaimed(ctx, task, log)
	w.metrics.ObserveTaskSeconds(time.Since(start).Seconds())
	return nil
}

func (w *Worker) commit(ctx context.Context, d queue.Delivery, log *zap.Logger) {
	if err := d.CommitOffset(ctx); err != nil {
		log.Error("offset commit failed", zap.Error(err))
	}
}

// processClaimed runs one claimed attempt end to end.
func (w *Worker) processClaimed(ctx context.Context, task *exec.Task, log *zap.Logger) {
	ctx, span := tracer.Start(ctx, "execution.attempt")
	defer span.End()
	span.SetAttributes(
		attribute.String("flowexec.execution_id", task.ExecutionID),
		attribute.String("flowexec.flow_id", task.FlowID),
		attribute.String("flowexec.worker_id", w.id),
		attribute.Int("flowexec.attempt", task.RetryCount),
	)

	ae := &activeExecution{
		task:      task,
		stopHeart: make(chan struct{}),
		heartDone: make(chan struct{}),
	}

	f, err := w.loader.LoadFlow(ctx, task.FlowID)
	if err != nil {
		span.SetStatus(codes.Error, "flow not found")
		w.failPermanently(ctx, task, fmt.Errorf("%w: %s", exec.ErrFlowNotFound, err.Error()), "", log)
		w.release(ctx, task.ExecutionID, log)
		return
	}

	inst, err := w.service.CreateExecutionInstance(ctx, task, f, service.InstanceOptions{
		WorkerID: w.id,
		OnBreakpoint: func(nodeID string) {
			w.onBreakpoint(task.ExecutionID, nodeID, log)
		},
	})
	if err != nil {
		w.failPermanently(ctx, task, err, "", log)
		w.release(ctx, task.ExecutionID, log)
		return
	}
	ae.inst = inst

	w.register(ae)
	defer w.unregister(task.ExecutionID)

	go w.heartbeatLoop(ae, log)
	defer func() {
		close(ae.stopHeart)
		<-ae.heartDone
	}()

	now := time.Now()
	if ok, err := w.store.UpdateStatus(ctx, exec.StatusUpdate{
		ExecutionID: task.ExecutionID,
		Status:      exec.StatusRunning,
		StartedAt:   &now,
	}); err != nil || !ok {
		log.Warn("could not set running", zap.Bool("applied", ok), zap.Error(err))
	}

	execErr := inst.Execute()

	switch {
	case execErr == nil:
		w.finishSuccess(ctx, task, inst, log)
	case ae.lostClaim():
		// Ownership is gone: drain events, change nothing, republish
		// nothing. The new owner or the sweeper resolves the execution.
		log.Warn("claim lost mid-execution, abandoning")
		w.metrics.ClaimLost()
		w.cleanup(inst, log)
	case errors.Is(execErr, flow.ErrStopped), ae.wasStopped():
		w.finishStopped(ctx, task, inst, log)
	case ctx.Err() != nil:
		// Process shutdown: drain events and hand the execution to the
		// recovery sweeper via release; no status change, no republish.
		log.Warn("shutdown during execution, releasing for recovery")
		w.cleanup(inst, log)
		w.release(context.Background(), task.ExecutionID, log)
	default:
		span.RecordError(execErr)
		span.SetStatus(codes.Error, execErr.Error())
		w.failAttempt(ctx, task, inst, execErr, log)
	}
}

// finishSuccess is the success path: event-drain, then Completed, then
// release. The order is load-bearing; see CleanupEventHandling.
func (w *Worker) finishSuccess(ctx context.Context, task *exec.Task, inst *service.Instance, log *zap.Logger) {
	w.cleanup(inst, log)

	now := time.Now()
	ok, err := w.store.UpdateStatus(ctx, exec.StatusUpdate{
		ExecutionID: task.ExecutionID,
		Status:      exec.StatusCompleted,
		CompletedAt: &now,
	})
	if err != nil {
		log.Error("set completed failed", zap.Error(err))
	} else if !ok {
		log.Warn("set completed was not applied")
	} else {
		w.metrics.ExecutionFinished(string(exec.StatusCompleted))
		log.Info("execution completed")
	}
	w.release(ctx, task.ExecutionID, log)
}

func (w *Worker) finishStopped(ctx context.Context, task *exec.Task, inst *service.Instance, log *zap.Logger) {
	w.cleanup(inst, log)

	now := time.Now()
	reason := inst.AbortReason()
	ok, err := w.store.UpdateStatus(ctx, exec.StatusUpdate{
		ExecutionID:  task.ExecutionID,
		Status:       exec.StatusStopped,
		ErrorMessage: reason,
		CompletedAt:  &now,
	})
	if err != nil {
		log.Error("set stopped failed", zap.Error(err))
	}
	if ok {
		w.metrics.ExecutionFinished(string(exec.StatusStopped))
	}
	log.Info("execution stopped", zap.String("reason", reason))
	w.release(ctx, task.ExecutionID, log)
}

// failAttempt is the failure path: drain defensively, release, re-verify
// ownership, then either schedule a retry or mark the execution Failed.
func (w *Worker) failAttempt(ctx context.Context, task *exec.Task, inst *service.Instance, cause error, log *zap.Logger) {
	log.Warn("execution attempt failed", zap.Error(cause))
	w.cleanup(inst, log)
	w.release(ctx, task.ExecutionID, log)

	// If another worker now holds the active claim, the execution is
	// theirs; retrying here would double-run it.
	if claim, err := w.store.GetClaim(ctx, task.ExecutionID); err == nil {
		if claim.Active(time.Now()) && claim.WorkerID != w.id {
			log.Warn("execution reclaimed elsewhere, aborting retry",
				zap.String("new_owner", claim.WorkerID))
			w.metrics.ClaimLost()
			return
		}
	}

	task.RetryCount++
	task.RetryHistory = append(task.RetryHistory, exec.RetryAttempt{
		Attempt:   task.RetryCount,
		Error:     cause.Error(),
		Timestamp: time.Now(),
		WorkerID:  w.id,
	})

	permanent := errors.Is(cause, exec.ErrFlowNotFound)
	if permanent || task.RetryCount > task.MaxRetries {
		w.failPermanently(ctx, task, cause, errorNodeID(cause), log)
		return
	}

	delay := task.RetryDelay()
	if ok, err := w.store.UpdateStatus(ctx, exec.StatusUpdate{
		ExecutionID:  task.ExecutionID,
		Status:       exec.StatusCreated,
		ErrorMessage: fmt.Sprintf("attempt %d failed, retrying: %s", task.RetryCount, cause.Error()),
	}); err != nil || !ok {
		log.Warn("retry reset not applied", zap.Bool("applied", ok), zap.Error(err))
	}

	w.metrics.Retry()
	log.Info("scheduling retry",
		zap.Int("attempt", task.RetryCount),
		zap.Duration("delay", delay))
	if err := w.sleep(ctx, delay); err != nil {
		log.Warn("retry delay interrupted, republishing immediately", zap.Error(err))
	}
	if err := w.queue.PublishTask(ctx, task); err != nil {
		log.Error("retry republish failed", zap.Error(err))
		w.failPermanently(ctx, task, fmt.Errorf("retry republish failed: %w", err), "", log)
		return
	}
	w.metrics.TaskRepublished()
}

// failPermanently writes the Failed terminal status.
func (w *Worker) failPermanently(ctx context.Context, task *exec.Task, cause error, nodeID string, log *zap.Logger) {
	now := time.Now()
	if nodeID == "" {
		nodeID = errorNodeID(cause)
	}
	ok, err := w.store.UpdateStatus(ctx, exec.StatusUpdate{
		ExecutionID:  task.ExecutionID,
		Status:       exec.StatusFailed,
		ErrorMessage: cause.Error(),
		ErrorNodeID:  nodeID,
		CompletedAt:  &now,
	})
	if err != nil {
		log.Error("set failed errored", zap.Error(err))
		return
	}
	if ok {
		w.metrics.ExecutionFinished(string(exec.StatusFailed))
		log.Info("execution failed permanently", zap.String("error", cause.Error()))
	}
}

// errorNodeID extracts the failing node from a structured engine error.
func errorNodeID(err error) string {
	var ee *exec.Error
	if errors.As(err, &ee) {
		return ee.NodeID
	}
	return ""
}

func (w *Worker) cleanup(inst *service.Instance, log *zap.Logger) {
	if err := inst.CleanupEventHandling(); err != nil {
		log.Error("event cleanup failed", zap.Error(err))
	}
}

func (w *Worker) release(ctx context.Context, executionID string, log *zap.Logger) {
	if err := w.store.ReleaseExecution(ctx, executionID, w.id); err != nil {
		log.Warn("release failed", zap.Error(err))
	}
}

func (w *Worker) register(ae *activeExecution) {
	w.mu.Lock()
	w.active[ae.task.ExecutionID] = ae
	w.mu.Unlock()
}

func (w *Worker) unregister(executionID string) {
	w.mu.Lock()
	delete(w.active, executionID)
	w.mu.Unlock()
}

func (w *Worker) lookupActive(executionID string) *activeExecution {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.active[executionID]
}

// heartbeatLoop extends the claim until the attempt ends. A false extend
// means ownership was lost: the loop aborts the engine and exits; the
// processing loop then abandons the execution without status changes.
func (w *Worker) heartbeatLoop(ae *activeExecution, log *zap.Logger) {
	defer close(ae.heartDone)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ae.stopHeart:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), w.interval)
		ok, err := w.store.ExtendClaim(ctx, ae.task.ExecutionID, w.id, w.ttlMs)
		cancel()
		if err != nil {
			// Transient store trouble; the TTL gives us slack to retry on
			// the next tick.
			log.Warn("heartbeat extend errored", zap.Error(err))
			continue
		}
		if !ok {
			w.metrics.ClaimExtendFailed()
			log.Warn("heartbeat lost the claim, aborting engine")
			ae.markClaimLost()
			ae.inst.Abort(exec.ErrClaimLost.Error())
			return
		}
	}
}

// onBreakpoint flips the execution to Paused when the engine reports a
// breakpoint hit.
func (w *Worker) onBreakpoint(executionID, nodeID string, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if ok, err := w.store.UpdateStatus(ctx, exec.StatusUpdate{
		ExecutionID: executionID,
		Status:      exec.StatusPaused,
	}); err != nil || !ok {
		log.Warn("pause on breakpoint not applied",
			zap.String("node_id", nodeID), zap.Bool("applied", ok), zap.Error(err))
		return
	}
	log.Info("breakpoint hit", zap.String("node_id", nodeID))
}
