// Package eventbus provides the durable per-execution event log:
// append-only publish plus partition-aware subscribe with replay-from-index
// and batched, ordered, at-least-once delivery.
//
// Events for one execution always land on one partition, derived from a
// stable hash of the execution ID. The partition number travels as a
// record header ("partition-hint") together with "execution-id", so
// subscribers discard foreign records cheaply before deserialisation.
//
// Implementations:
//   - MemBus: in-process shared log with the same partition/header model
//   - KafkaBus: Kafka/Redpanda backend (kafka.go)
package eventbus

import (
	"context"
	"time"

	"github.com/dshills/flowexec-go/exec"
)

// Default batching knobs.
const (
	DefaultBatchMaxEvents = 64
	DefaultBatchMaxWait   = 100 * time.Millisecond

	// DefaultIdleTimeout tears down subscriptions that delivered nothing
	// for this long. Idle sweeps run periodically.
	DefaultIdleTimeout = 5 * time.Minute

	// DefaultIdleSweepInterval is how often the idle sweep runs.
	DefaultIdleSweepInterval = 30 * time.Second
)

// BatchConfig tunes subscriber-side batching. Zero values take defaults.
type BatchConfig struct {
	// MaxEvents caps events per yielded batch.
	MaxEvents int

	// MaxWait bounds how long a partially filled batch may be held back.
	MaxWait time.Duration
}

func (c BatchConfig) withDefaults() BatchConfig {
	if c.MaxEvents <= 0 {
		c.MaxEvents = DefaultBatchMaxEvents
	}
	if c.MaxWait <= 0 {
		c.MaxWait = DefaultBatchMaxWait
	}
	return c
}

// Subscription is one live reader of an execution's event stream.
//
// Batches yields non-empty, index-ascending slices of events with
// index >= fromIndex. The channel closes when the subscription is torn
// down: by Close, by the enclosing context, or by the idle-timeout sweep.
type Subscription interface {
	// Batches is the ordered event stream.
	Batches() <-chan []*exec.Event

	// EarlySkipped reports how many records were discarded by the header
	// checks before deserialisation. Exposed for observability; at a
	// healthy cluster the filter-out ratio approaches (N-1)/N.
	EarlySkipped() int64

	// Close releases the underlying reader promptly. Idempotent.
	Close()
}

// Bus is the event bus port.
type Bus interface {
	// PublishEvent durably appends the event to the execution's log. The
	// caller assigns Index; the bus guarantees that subscribers observe
	// one execution's events in index order.
	PublishEvent(ctx context.Context, executionID string, ev *exec.Event) error

	// SubscribeToEvents opens a dedicated consumer for one execution's
	// stream, replaying retained events with index >= fromIndex before
	// following live traffic.
	SubscribeToEvents(ctx context.Context, executionID string, fromIndex int64, cfg BatchConfig) (Subscription, error)

	// Close tears down every subscription and the backing clients.
	Close() error
}
