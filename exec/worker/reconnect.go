package worker

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Reconnect defaults: exponential backoff from 1s doubling to a 32s cap,
// ten attempts before the worker gives up.
const (
	DefaultReconnectBase        = time.Second
	DefaultReconnectCap         = 32 * time.Second
	DefaultReconnectMaxAttempts = 10
)

type reconnectPolicy struct {
	base        time.Duration
	cap         time.Duration
	maxAttempts int
}

func newReconnectPolicy(base, capDelay time.Duration, maxAttempts int) reconnectPolicy {
	if base <= 0 {
		base = DefaultReconnectBase
	}
	if capDelay <= 0 {
		capDelay = DefaultReconnectCap
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultReconnectMaxAttempts
	}
	return reconnectPolicy{base: base, cap: capDelay, maxAttempts: maxAttempts}
}

// delay returns the backoff before the given attempt (1-based).
func (p reconnectPolicy) delay(attempt int) time.Duration {
	d := p.base << (attempt - 1)
	if d > p.cap || d <= 0 {
		d = p.cap
	}
	return d
}

// runCommandSubscription keeps the command subscription alive. When a
// subscribe attempt fails, the worker releases every active execution
// (recovery will pick them up), backs off, and tries again; after the
// attempt budget it stops retrying and leaves the worker running tasks
// without a command channel.
func (w *Worker) runCommandSubscription(ctx context.Context) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		unsubscribe, err := w.commands.SubscribeCommands(ctx, w.handleCommand)
		if err == nil {
			attempt = 0
			w.log.Info("command subscription established")
			<-ctx.Done()
			unsubscribe()
			return
		}

		attempt++
		if attempt > w.reconnect.maxAttempts {
			w.log.Error("command subscription attempts exhausted, continuing without command channel",
				zap.Int("attempts", attempt-1))
			return
		}

		// Our claims may outlive a broken control channel; release them so
		// recovery can hand the executions to a worker that can be
		// controlled.
		w.releaseAll(ctx)

		delay := w.reconnect.delay(attempt)
		w.log.Warn("command subscription failed, backing off",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
		if err := w.sleep(ctx, delay); err != nil {
			return
		}
	}
}
