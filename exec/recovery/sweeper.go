// Package recovery implements the recovery sweeper: it periodically
// expires overdue claims and re-enqueues executions that are non-terminal
// but no longer owned by any worker, up to a per-execution failure cap.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/dshills/flowexec-go/exec"
	"github.com/dshills/flowexec-go/exec/metrics"
	"github.com/dshills/flowexec-go/exec/queue"
	"github.com/dshills/flowexec-go/exec/store"
)

// Defaults for the sweep cadence and the recovery cap.
const (
	DefaultScanInterval    = 30 * time.Second
	DefaultMaxFailureCount = 5
)

// Options wires a Sweeper. Store and Queue are required.
type Options struct {
	Store store.Store
	Queue queue.Queue

	// ScanInterval is the sweep period. 0 means DefaultScanInterval.
	ScanInterval time.Duration

	// Grace is how long an unclaimed or recently heartbeated execution is
	// left alone, so the normal path has time to act before the sweeper
	// does. 0 means ScanInterval.
	Grace time.Duration

	// MaxFailureCount caps recoveries per execution; past it the
	// execution is marked Failed. 0 means DefaultMaxFailureCount.
	MaxFailureCount int

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Sweeper scans for abandoned executions and hands them back to the
// worker pool.
type Sweeper struct {
	store    store.Store
	queue    queue.Queue
	interval time.Duration
	grace    time.Duration
	maxFail  int
	log      *zap.Logger
	metrics  *metrics.Metrics
}

// New validates the wiring and returns a Sweeper.
func New(opts Options) (*Sweeper, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("recovery: store is required")
	}
	if opts.Queue == nil {
		return nil, fmt.Errorf("recovery: queue is required")
	}
	if opts.ScanInterval <= 0 {
		opts.ScanInterval = DefaultScanInterval
	}
	if opts.Grace <= 0 {
		opts.Grace = opts.ScanInterval
	}
	if opts.MaxFailureCount <= 0 {
		opts.MaxFailureCount = DefaultMaxFailureCount
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Sweeper{
		store:    opts.Store,
		queue:    opts.Queue,
		interval: opts.ScanInterval,
		grace:    opts.Grace,
		maxFail:  opts.MaxFailureCount,
		log:      opts.Logger,
		metrics:  opts.Metrics,
	}, nil
}

// Run sweeps on the configured interval until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info("recovery sweeper started",
		zap.Duration("interval", s.interval),
		zap.Int("max_failure_count", s.maxFail))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.log.Error("sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep runs one pass: expire overdue claims, then requeue every
// abandoned non-terminal execution. It returns how many were requeued.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	expired, err := s.store.ExpireOldClaims(ctx)
	if err != nil {
		return 0, fmt.Errorf("expire claims: %w", err)
	}
	if expired > 0 {
		s.log.Info("expired overdue claims", zap.Int("count", expired))
	}

	requeued := 0
	for _, status := range []exec.Status{exec.StatusCreated, exec.StatusRunning, exec.StatusPaused} {
		rows, err := s.store.List(ctx, store.ListFilter{Status: status})
		if err != nil {
			return requeued, fmt.Errorf("list %s executions: %w", status, err)
		}
		for _, row := range rows {
			if s.recoverOne(ctx, row) {
				requeued++
			}
		}
	}
	return requeued, nil
}

// recoverOne requeues a single abandoned execution. It reports whether a
// retry task was published.
func (s *Sweeper) recoverOne(ctx context.Context, row *exec.Execution) bool {
	now := time.Now()
	log := s.log.With(zap.String("execution_id", row.ID))

	claim, err := s.store.GetClaim(ctx, row.ID)
	switch {
	case errors.Is(err, exec.ErrNotFound):
		// Never claimed: the original task is probably still queued. Only
		// step in once the row has clearly outlived the normal path.
		if now.Sub(row.CreatedAt) < s.grace {
			return false
		}
		claim = nil
	case err != nil:
		log.Warn("claim lookup failed", zap.Error(err))
		return false
	case claim.Active(now):
		return false
	case now.Sub(claim.HeartbeatAt) < s.grace:
		// Recently abandoned; the releasing worker may still be writing
		// its own retry or terminal status.
		return false
	}

	count, err := s.store.IncrementRecoveryCount(ctx, row.ID)
	if err != nil {
		log.Warn("recovery count increment failed", zap.Error(err))
		return false
	}
	if count > s.maxFail {
		s.failOut(ctx, row, count, log)
		return false
	}

	priorWorker := ""
	if claim != nil {
		priorWorker = claim.WorkerID
	}

	// A Running or Paused row re-enters the machine through Created.
	if row.Status != exec.StatusCreated {
		if ok, err := s.store.UpdateStatus(ctx, exec.StatusUpdate{
			ExecutionID:  row.ID,
			Status:       exec.StatusCreated,
			ErrorMessage: fmt.Sprintf("recovered: claim abandoned by worker %s", priorWorker),
		}); err != nil || !ok {
			log.Warn("recovery status reset not applied", zap.Bool("applied", ok), zap.Error(err))
			return false
		}
	}

	task := &exec.Task{
		ExecutionID:       row.ID,
		FlowID:            row.FlowID,
		Timestamp:         now,
		RetryCount:        count,
		ExecutionDepth:    row.Depth,
		ParentExecutionID: row.ParentExecutionID,
		RootExecutionID:   row.RootExecutionID,
		Integrations:      row.Integrations,
		RetryHistory: []exec.RetryAttempt{{
			Attempt:   count,
			Error:     "claim expired; execution recovered",
			Timestamp: now,
			WorkerID:  priorWorker,
		}},
	}
	task.ApplyDefaults()

	if err := s.queue.PublishTask(ctx, task); err != nil {
		log.Error("recovery republish failed", zap.Error(err))
		return false
	}
	s.metrics.RecoveryRequeue()
	log.Info("execution requeued by recovery",
		zap.Int("recovery_count", count),
		zap.String("prior_worker", priorWorker))
	return true
}

func (s *Sweeper) failOut(ctx context.Context, row *exec.Execution, count int, log *zap.Logger) {
	now := time.Now()
	ok, err := s.store.UpdateStatus(ctx, exec.StatusUpdate{
		ExecutionID:  row.ID,
		Status:       exec.StatusFailed,
		ErrorMessage: fmt.Sprintf("recovery limit exceeded after %d recoveries", count-1),
		CompletedAt:  &now,
	})
	if err != nil || !ok {
		log.Warn("recovery fail-out not applied", zap.Bool("applied", ok), zap.Error(err))
		return
	}
	s.metrics.ExecutionFinished(string(exec.StatusFailed))
	log.Warn("execution failed: recovery limit exceeded", zap.Int("recoveries", count-1))
}
