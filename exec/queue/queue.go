// Package queue provides the durable task queue: a FIFO-per-key
// stream of execution tasks with manual commit and consumer-group load
// balancing.
//
// The partition key is the execution ID, so tasks for one execution are
// delivered in enqueue order to at most one consumer at a time. Delivery
// is at-least-once: a handler that returns without committing sees the
// task again after the visibility window or a rebalance.
//
// Implementations:
//   - MemQueue: in-process, for tests and single-node development
//   - KafkaQueue: Kafka/Redpanda consumer group (kafka.go)
package queue

import (
	"context"

	"github.com/dshills/flowexec-go/exec"
)

// Delivery is the per-message acknowledgement surface handed to handlers.
// Commit semantics are the consumer's responsibility: the queue never
// decides when to acknowledge.
type Delivery interface {
	// CommitOffset durably acknowledges the delivery. After a successful
	// commit the task is not redelivered to any group member.
	CommitOffset(ctx context.Context) error
}

// Handler processes one task delivery. Returning an error only logs it;
// redelivery is governed solely by whether CommitOffset was called.
type Handler func(ctx context.Context, task *exec.Task, d Delivery) error

// Queue is the task queue port.
type Queue interface {
	// PublishTask durably enqueues a task keyed by its execution ID.
	PublishTask(ctx context.Context, task *exec.Task) error

	// ConsumeTasks starts consuming and invokes the handler for each
	// delivery. It does not block; teardown happens via StopConsuming.
	// Calling it twice is an error.
	ConsumeTasks(ctx context.Context, h Handler) error

	// StopConsuming stops delivery and waits for in-flight handlers.
	StopConsuming()

	// Close tears down the queue. Implies StopConsuming.
	Close() error
}
