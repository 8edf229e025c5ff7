package recovery

import (
	"context"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/dshills/flowexec-go/exec"
	"github.com/dshills/flowexec-go/exec/cmdbus"
	"github.com/dshills/flowexec-go/exec/eventbus"
	"github.com/dshills/flowexec-go/exec/queue"
	"github.com/dshills/flowexec-go/exec/service"
	"github.com/dshills/flowexec-go/exec/store"
	"github.com/dshills/flowexec-go/exec/worker"
	"github.com/dshills/flowexec-go/flow"
)

// seedAbandoned writes a Running execution whose claim belonged to a
// worker that stopped heartbeating an hour ago.
func seedAbandoned(t *testing.T, st *store.MemStore, executionID, workerID string) {
	t.Helper()
	ctx := context.Background()
	past := time.Now().Add(-time.Hour)

	if err := st.Create(ctx, &exec.Execution{
		ID: executionID, FlowID: "two-step", Status: exec.StatusCreated, CreatedAt: past,
	}); err != nil {
		t.Fatalf("seed row: %v", err)
	}

	st.SetClock(func() time.Time { return past })
	if ok, _ := st.ClaimExecution(ctx, executionID, workerID, 30_000); !ok {
		t.Fatal("seed claim failed")
	}
	st.SetClock(time.Now)

	if ok, _ := st.UpdateStatus(ctx, exec.StatusUpdate{
		ExecutionID: executionID, Status: exec.StatusRunning, StartedAt: &past,
	}); !ok {
		t.Fatal("seed running failed")
	}
}

func drainOne(t *testing.T, q *queue.MemQueue) *exec.Task {
	t.Helper()
	got := make(chan *exec.Task, 1)
	err := q.ConsumeTasks(context.Background(), func(ctx context.Context, task *exec.Task, d queue.Delivery) error {
		d.CommitOffset(ctx)
		select {
		case got <- task:
		default:
		}
		return nil
	})
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	defer q.StopConsuming()

	select {
	case task := <-got:
		return task
	case <-time.After(3 * time.Second):
		t.Fatal("no task delivered")
		return nil
	}
}

func TestSweepRequeuesAbandonedExecution(t *testing.T) {
	st := store.NewMemStore()
	q := queue.NewMemQueue()
	defer q.Close()

	seedAbandoned(t, st, "e1", "worker1")

	sw, err := New(Options{
		Store: st, Queue: q,
		ScanInterval: 50 * time.Millisecond,
		Grace:        50 * time.Millisecond,
		Logger:       zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}

	requeued, err := sw.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if requeued != 1 {
		t.Fatalf("requeued = %d, want 1", requeued)
	}

	claim, _ := st.GetClaim(context.Background(), "e1")
	if claim.Status != exec.ClaimExpired {
		t.Errorf("claim status = %s, want expired", claim.Status)
	}
	row, _ := st.Get(context.Background(), "e1")
	if row.Status != exec.StatusCreated {
		t.Errorf("row status = %s, want created (reset for retry)", row.Status)
	}
	if row.RecoveryCount != 1 {
		t.Errorf("recoveryCount = %d, want 1", row.RecoveryCount)
	}

	task := drainOne(t, q)
	if task.ExecutionID != "e1" || task.RetryCount != 1 {
		t.Errorf("task = %+v, want e1 with retryCount 1", task)
	}
	if len(task.RetryHistory) != 1 || task.RetryHistory[0].WorkerID != "worker1" {
		t.Errorf("retryHistory = %+v, want one entry naming worker1", task.RetryHistory)
	}
}

func TestSweepLeavesHealthyExecutionsAlone(t *testing.T) {
	st := store.NewMemStore()
	q := queue.NewMemQueue()
	defer q.Close()
	ctx := context.Background()

	t.Run("live claim", func(t *testing.T) {
		st.Create(ctx, &exec.Execution{
			ID: "live", FlowID: "f", Status: exec.StatusCreated, CreatedAt: time.Now().Add(-time.Hour),
		})
		now := time.Now()
		st.UpdateStatus(ctx, exec.StatusUpdate{ExecutionID: "live", Status: exec.StatusRunning, StartedAt: &now})
		st.ClaimExecution(ctx, "live", "w-healthy", 60_000)

		sw, _ := New(Options{Store: st, Queue: q, Grace: time.Millisecond, Logger: zap.NewNop()})
		requeued, err := sw.Sweep(ctx)
		if err != nil || requeued != 0 {
			t.Errorf("requeued = %d err = %v, want 0, nil", requeued, err)
		}
	})

	t.Run("fresh unclaimed row stays queued", func(t *testing.T) {
		st.Create(ctx, &exec.Execution{
			ID: "fresh", FlowID: "f", Status: exec.StatusCreated, CreatedAt: time.Now(),
		})
		sw, _ := New(Options{Store: st, Queue: q, Grace: time.Minute, Logger: zap.NewNop()})
		requeued, err := sw.Sweep(ctx)
		if err != nil || requeued != 0 {
			t.Errorf("requeued = %d err = %v, want 0, nil", requeued, err)
		}
	})

	t.Run("terminal rows ignored", func(t *testing.T) {
		now := time.Now()
		st.Create(ctx, &exec.Execution{
			ID: "done", FlowID: "f", Status: exec.StatusCreated, CreatedAt: now.Add(-time.Hour),
		})
		st.UpdateStatus(ctx, exec.StatusUpdate{ExecutionID: "done", Status: exec.StatusRunning, StartedAt: &now})
		st.UpdateStatus(ctx, exec.StatusUpdate{ExecutionID: "done", Status: exec.StatusCompleted, CompletedAt: &now})

		sw, _ := New(Options{Store: st, Queue: q, Grace: time.Millisecond, Logger: zap.NewNop()})
		requeued, _ := sw.Sweep(ctx)
		if requeued != 0 {
			t.Errorf("requeued = %d, want 0", requeued)
		}
	})
}

func TestSweepFailureCap(t *testing.T) {
	st := store.NewMemStore()
	q := queue.NewMemQueue()
	defer q.Close()
	ctx := context.Background()

	seedAbandoned(t, st, "e-doomed", "worker1")
	sw, err := New(Options{
		Store: st, Queue: q,
		Grace:           time.Millisecond,
		MaxFailureCount: 2,
		Logger:          zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}

	// Each sweep recovers once; the row keeps losing its claim because no
	// worker consumes the queue. Past the cap it must fail out.
	for i := 0; i < 2; i++ {
		time.Sleep(2 * time.Millisecond)
		requeued, err := sw.Sweep(ctx)
		if err != nil {
			t.Fatalf("sweep %d: %v", i, err)
		}
		if requeued != 1 {
			t.Fatalf("sweep %d requeued = %d, want 1", i, requeued)
		}
		// Simulate the next abandonment: a worker claims and vanishes.
		past := time.Now().Add(-time.Hour)
		st.SetClock(func() time.Time { return past })
		if ok, _ := st.ClaimExecution(ctx, "e-doomed", "worker1", 30_000); !ok {
			t.Fatalf("re-claim %d failed", i)
		}
		st.SetClock(time.Now)
		now := time.Now()
		st.UpdateStatus(ctx, exec.StatusUpdate{ExecutionID: "e-doomed", Status: exec.StatusRunning, StartedAt: &now})
	}

	time.Sleep(2 * time.Millisecond)
	requeued, err := sw.Sweep(ctx)
	if err != nil {
		t.Fatalf("final sweep: %v", err)
	}
	if requeued != 0 {
		t.Errorf("final sweep requeued = %d, want 0", requeued)
	}
	row, _ := st.Get(ctx, "e-doomed")
	if row.Status != exec.StatusFailed {
		t.Errorf("status = %s, want failed after exceeding the cap", row.Status)
	}
	if !strings.Contains(row.ErrorMessage, "recovery limit") {
		t.Errorf("errorMessage = %q, want recovery limit message", row.ErrorMessage)
	}
}

// TestWorkerCrashRecoveryEndToEnd drives the full crash story: worker1
// died mid-execution, the sweeper requeues, and a live worker completes.
func TestWorkerCrashRecoveryEndToEnd(t *testing.T) {
	st := store.NewMemStore()
	q := queue.NewMemQueue()
	ev := eventbus.NewMemBus(eventbus.MemBusOptions{PartitionCount: 4})
	cb := cmdbus.NewMemBus()
	defer func() {
		q.Close()
		ev.Close()
		cb.Close()
	}()
	ctx := context.Background()

	reg := flow.NewRegistry()
	reg.Register("noop", func(flow.NodeSpec) (flow.Runner, error) {
		return flow.RunnerFunc(func(_ context.Context, s flow.State) (flow.State, error) { return s, nil }), nil
	})
	loader := flow.NewMemLoader()
	if err := loader.Put(&flow.Flow{
		ID:          "two-step",
		EntryNodeID: "a",
		Nodes:       []flow.NodeSpec{{ID: "a", Type: "noop"}, {ID: "b", Type: "noop"}},
		Edges:       []flow.EdgeSpec{{From: "a", To: "b"}},
	}); err != nil {
		t.Fatalf("put flow: %v", err)
	}

	svc, err := service.New(service.Options{
		Store: st, Queue: q, Commands: cb, Events: ev,
		Loader: loader, Registry: reg, Logger: zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	seedAbandoned(t, st, "e-crashed", "worker1")

	w, err := worker.New(worker.Options{
		WorkerID: "worker2",
		Store:    st, Queue: q, Commands: cb,
		Service: svc, Loader: loader,
		Logger: zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	workerDone := make(chan error, 1)
	go func() { workerDone <- w.Run(runCtx) }()

	sw, err := New(Options{
		Store: st, Queue: q,
		ScanInterval: 20 * time.Millisecond,
		Grace:        20 * time.Millisecond,
		Logger:       zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}
	go sw.Run(runCtx)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		row, err := st.Get(ctx, "e-crashed")
		if err == nil && row.Status == exec.StatusCompleted {
			if row.RecoveryCount < 1 {
				t.Errorf("recoveryCount = %d, want >= 1", row.RecoveryCount)
			}
			cancel()
			<-workerDone
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	row, _ := st.Get(ctx, "e-crashed")
	t.Fatalf("execution never completed after recovery; row = %+v", row)
}
