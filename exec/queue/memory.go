package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dshills/flowexec-go/exec"
)

// DefaultVisibilityTimeout is how long an uncommitted delivery stays
// invisible before it is offered again.
const DefaultVisibilityTimeout = 500 * time.Millisecond

// MemQueue is an in-process Queue with the same contract as the Kafka
// backend: per-key FIFO, at most one in-flight delivery per key, manual
// commit, and redelivery of uncommitted messages after the visibility
// window.
type MemQueue struct {
	mu         sync.Mutex
	partitions map[string]*memPartition
	visibility time.Duration

	consuming bool
	handler   Handler
	wake      chan struct{}
	stop      chan struct{}
	done      sync.WaitGroup
	inflight  sync.WaitGroup
	closed    bool
}

type memPartition struct {
	pending  []*exec.Task
	inflight bool
	// notBefore delays redelivery of an uncommitted head.
	notBefore time.Time
}

// NewMemQueue creates an in-process task queue.
func NewMemQueue() *MemQueue {
	return &MemQueue{
		partitions: make(map[string]*memPartition),
		visibility: DefaultVisibilityTimeout,
		wake:       make(chan struct{}, 1),
		stop:       make(chan struct{}),
	}
}

// SetVisibilityTimeout overrides the redelivery delay. Test hook.
func (q *MemQueue) SetVisibilityTimeout(d time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.visibility = d
}

// PublishTask appends the task to its execution's FIFO.
func (q *MemQueue) PublishTask(_ context.Context, task *exec.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return errors.New("queue closed")
	}

	p := q.partitions[task.ExecutionID]
	if p == nil {
		p = &memPartition{}
		q.partitions[task.ExecutionID] = p
	}
	cp := *task
	p.pending = append(p.pending, &cp)
	q.signal()
	return nil
}

// ConsumeTasks starts the dispatch loop.
func (q *MemQueue) ConsumeTasks(ctx context.Context, h Handler) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return errors.New("queue closed")
	}
	if q.consuming {
		return errors.New("already consuming")
	}
	q.consuming = true
	q.handler = h

	q.done.Add(1)
	go q.dispatchLoop(ctx)
	return nil
}

func (q *MemQueue) dispatchLoop(ctx context.Context) {
	defer q.done.Done()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		q.dispatchReady(ctx)
		select {
		case <-ctx.Done():
			return
		case <-q.stop:
			return
		case <-q.wake:
		case <-ticker.C:
			// Periodic pass picks up visibility-window expiries.
		}
	}
}

// dispatchReady offers the head of every idle partition whose redelivery
// delay has elapsed.
func (q *MemQueue) dispatchReady(ctx context.Context) {
	q.mu.Lock()
	now := time.Now()
	type offer struct {
		key  string
		task *exec.Task
	}
	var offers []offer
	for key, p := range q.partitions {
		if p.inflight || len(p.pending) == 0 || p.notBefore.After(now) {
			continue
		}
		p.inflight = true
		offers = append(offers, offer{key: key, task: p.pending[0]})
	}
	handler := q.handler
	q.mu.Unlock()

	for _, o := range offers {
		q.inflight.Add(1)
		go func(o offer) {
			defer q.inflight.Done()
			q.deliver(ctx, handler, o.key, o.task)
		}(o)
	}
}

func (q *MemQueue) deliver(ctx context.Context, h Handler, key string, task *exec.Task) {
	d := &memDelivery{}
	cp := *task
	_ = h(ctx, &cp, d)

	q.mu.Lock()
	defer q.mu.Unlock()
	p := q.partitions[key]
	p.inflight = false
	if d.committed {
		p.pending = p.pending[1:]
		p.notBefore = time.Time{}
	} else {
		// Uncommitted: keep the head and redeliver after the window.
		p.notBefore = time.Now().Add(q.visibility)
	}
	q.signal()
}

func (q *MemQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// StopConsuming halts dispatch and waits for in-flight handlers.
func (q *MemQueue) StopConsuming() {
	q.mu.Lock()
	if !q.consuming {
		q.mu.Unlock()
		return
	}
	q.consuming = false
	close(q.stop)
	q.mu.Unlock()

	q.done.Wait()
	q.inflight.Wait()

	q.mu.Lock()
	q.stop = make(chan struct{})
	q.mu.Unlock()
}

// Close tears the queue down.
func (q *MemQueue) Close() error {
	q.StopConsuming()
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

// PendingCount reports queued (undelivered or uncommitted) tasks for an
// execution. Test hook.
func (q *MemQueue) PendingCount(executionID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	p := q.partitions[executionID]
	if p == nil {
		return 0
	}
	return len(p.pending)
}

type memDelivery struct {
	mu        sync.Mutex
	committed bool
}

func (d *memDelivery) CommitOffset(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.committed = true
	return nil
}
