package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dshills/flowexec-go/exec"
)

// appliedCapacity bounds the command-ID dedupe window. Commands are
// short-lived; a few thousand IDs cover any realistic redelivery window.
const appliedCapacity = 4096

// appliedCommands is a bounded set of command IDs already applied, the
// basis of command idempotency.
type appliedCommands struct {
	mu    sync.Mutex
	seen  map[string]struct{}
	order []string
}

func newAppliedCommands() *appliedCommands {
	return &appliedCommands{seen: make(map[string]struct{})}
}

// firstTime records the ID and reports whether it was new.
func (a *appliedCommands) firstTime(id string) bool {
	if id == "" {
		// Unidentified commands cannot be deduplicated; apply them.
		return true
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, dup := a.seen[id]; dup {
		return false
	}
	a.seen[id] = struct{}{}
	a.order = append(a.order, id)
	if len(a.order) > appliedCapacity {
		delete(a.seen, a.order[0])
		a.order = a.order[1:]
	}
	return true
}

// handleCommand applies one control command to a claimed execution.
// Commands for executions this worker does not hold, non-debug tasks, or
// duplicated IDs are ignored.
func (w *Worker) handleCommand(ctx context.Context, cmd *exec.Command) {
	log := w.log.With(
		zap.String("execution_id", cmd.ExecutionID),
		zap.String("command", string(cmd.Command)),
		zap.String("command_id", cmd.ID))

	ae := w.lookupActive(cmd.ExecutionID)
	if ae == nil {
		return
	}
	if !ae.task.Debug {
		log.Debug("command for non-debug execution ignored")
		return
	}
	if !w.applied.firstTime(cmd.ID) {
		log.Debug("duplicate command ignored")
		return
	}

	// Re-verify ownership: a claim can expire between the command being
	// published and it arriving here.
	if err := w.verifyClaim(ctx, cmd.ExecutionID); err != nil {
		if errors.Is(err, exec.ErrClaimLost) {
			w.metrics.ClaimLost()
			log.Warn("command for execution we no longer own, ignoring")
		} else {
			log.Warn("claim re-verify failed", zap.Error(err))
		}
		return
	}

	switch cmd.Command {
	case exec.CommandStop:
		w.applyStop(ctx, ae, cmd, log)
	case exec.CommandPause:
		ae.inst.Debugger().Pause()
		w.applyStatus(ctx, cmd.ExecutionID, exec.StatusPaused, log)
		log.Info("execution paused")
	case exec.CommandResume, exec.CommandStart:
		ae.inst.Debugger().Continue()
		w.applyStatus(ctx, cmd.ExecutionID, exec.StatusRunning, log)
		log.Info("execution resumed")
	case exec.CommandStep:
		ae.inst.Debugger().Step()
		log.Info("execution stepped")
	default:
		log.Warn("unsupported command ignored")
	}
}

func (w *Worker) applyStop(ctx context.Context, ae *activeExecution, cmd *exec.Command, log *zap.Logger) {
	reason := cmd.Payload.Reason
	if reason == "" {
		reason = "external stop"
	}
	ae.markStopped()
	ae.inst.Abort(reason)
	ae.inst.Debugger().Stop()

	now := time.Now()
	if ok, err := w.store.UpdateStatus(ctx, exec.StatusUpdate{
		ExecutionID:  cmd.ExecutionID,
		Status:       exec.StatusStopped,
		ErrorMessage: reason,
		CompletedAt:  &now,
	}); err != nil || !ok {
		log.Warn("stop status not applied", zap.Bool("applied", ok), zap.Error(err))
	} else {
		w.metrics.ExecutionFinished(string(exec.StatusStopped))
	}
	w.release(ctx, cmd.ExecutionID, log)
	log.Info("execution stopped by command", zap.String("reason", reason))
}

// verifyClaim confirms this worker still holds the live claim. It
// returns exec.ErrClaimLost when ownership expired or moved elsewhere.
func (w *Worker) verifyClaim(ctx context.Context, executionID string) error {
	claim, err := w.store.GetClaim(ctx, executionID)
	if err != nil {
		return fmt.Errorf("claim re-verify: %w", err)
	}
	if !claim.Active(time.Now()) || claim.WorkerID != w.id {
		return exec.ErrClaimLost
	}
	return nil
}

func (w *Worker) applyStatus(ctx context.Context, executionID string, status exec.Status, log *zap.Logger) {
	if ok, err := w.store.UpdateStatus(ctx, exec.StatusUpdate{
		ExecutionID: executionID,
		Status:      status,
	}); err != nil || !ok {
		log.Warn("command status not applied",
			zap.String("status", string(status)), zap.Bool("applied", ok), zap.Error(err))
	}
}
