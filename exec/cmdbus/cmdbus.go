// Package cmdbus provides the command bus: low-latency fan-out of
// control commands (STOP/PAUSE/RESUME/STEP) keyed by execution.
//
// Consumers receive every command on the channel and filter internally to
// executions they currently claim; before acting they re-verify the claim
// against the store, which closes the race between a claim expiring and a
// command arriving. Latency matters more than durability here: commands
// missed during a short outage are simply re-issued by the caller.
//
// Implementations:
//   - MemBus: in-process fan-out, for tests
//   - RedisBus: Redis pub/sub (redis.go)
package cmdbus

import (
	"context"

	"github.com/dshills/flowexec-go/exec"
)

// CommandHandler processes one command. Handlers are invoked sequentially
// per subscription, in arrival order.
type CommandHandler func(ctx context.Context, cmd *exec.Command)

// Bus is the command bus port.
type Bus interface {
	// PublishCommand fans the command out to every subscriber.
	PublishCommand(ctx context.Context, cmd *exec.Command) error

	// SubscribeCommands registers a handler for all commands. It returns
	// an unsubscribe function. The handler runs until unsubscribe or
	// context cancellation.
	SubscribeCommands(ctx context.Context, h CommandHandler) (func(), error)

	// Close tears down the bus.
	Close() error
}
