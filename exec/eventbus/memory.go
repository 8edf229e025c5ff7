package eventbus

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dshills/flowexec-go/exec"
	"github.com/dshills/flowexec-go/exec/metrics"
)

// MemBus is an in-process event bus with the same record model as the
// Kafka backend: a shared partitioned log of headered records, two-stage
// subscriber filtering, replay from retained history, batching, and
// idle-timeout sweeps.
//
// Retention is unbounded (the whole log stays in memory), so replay from
// any index always succeeds. Tests and single-process deployments only.
type MemBus struct {
	partitionCount int32
	idleTimeout    time.Duration
	sweepInterval  time.Duration
	metrics        *metrics.Metrics

	mu     sync.Mutex
	logs   [][]memRecord
	subs   map[int]*memSubscription
	nextID int
	closed bool

	stopSweep chan struct{}
	sweepDone sync.WaitGroup
}

type memRecord struct {
	hint   string
	execID string
	body   []byte
}

// MemBusOptions configures a MemBus. Zero values take defaults.
type MemBusOptions struct {
	PartitionCount int32
	IdleTimeout    time.Duration
	SweepInterval  time.Duration
	Metrics        *metrics.Metrics
}

// NewMemBus creates an in-process event bus.
func NewMemBus(opts MemBusOptions) *MemBus {
	if opts.PartitionCount <= 0 {
		opts.PartitionCount = 16
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultIdleSweepInterval
	}

	b := &MemBus{
		partitionCount: opts.PartitionCount,
		idleTimeout:    opts.IdleTimeout,
		sweepInterval:  opts.SweepInterval,
		metrics:        opts.Metrics,
		logs:           make([][]memRecord, opts.PartitionCount),
		subs:           make(map[int]*memSubscription),
		stopSweep:      make(chan struct{}),
	}
	b.sweepDone.Add(1)
	go b.idleSweepLoop()
	return b
}

// PublishEvent appends the event to its partition and wakes subscribers.
func (b *MemBus) PublishEvent(_ context.Context, executionID string, ev *exec.Event) error {
	body, err := encodeEnvelope(ev)
	if err != nil {
		return err
	}
	partition := Partition(executionID, b.partitionCount)
	rec := memRecord{
		hint:   strconv.Itoa(int(partition)),
		execID: executionID,
		body:   body,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errors.New("event bus closed")
	}
	b.logs[partition] = append(b.logs[partition], rec)
	for _, sub := range b.subs {
		if sub.partition == partition {
			sub.notify()
		}
	}
	b.mu.Unlock()

	b.metrics.EventPublished()
	return nil
}

// SubscribeToEvents opens a reader over the execution's partition. The
// reader scans from the beginning of the retained log, so any event
// published concurrently with subscription setup is still observed.
func (b *MemBus) SubscribeToEvents(ctx context.Context, executionID string, fromIndex int64, cfg BatchConfig) (Subscription, error) {
	cfg = cfg.withDefaults()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, errors.New("event bus closed")
	}
	id := b.nextID
	b.nextID++
	sub := &memSubscription{
		bus:          b,
		id:           id,
		executionID:  executionID,
		partition:    Partition(executionID, b.partitionCount),
		fromIndex:    fromIndex,
		cfg:          cfg,
		batches:      make(chan []*exec.Event),
		wake:         make(chan struct{}, 1),
		done:         make(chan struct{}),
		lastActivity: time.Now().UnixNano(),
	}
	b.subs[id] = sub
	b.mu.Unlock()

	b.metrics.SubscriptionOpened()
	go sub.run(ctx)
	return sub, nil
}

func (b *MemBus) idleSweepLoop() {
	defer b.sweepDone.Done()
	ticker := time.NewTicker(b.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopSweep:
			return
		case <-ticker.C:
			b.sweepIdle()
		}
	}
}

func (b *MemBus) sweepIdle() {
	cutoff := time.Now().Add(-b.idleTimeout).UnixNano()
	b.mu.Lock()
	var idle []*memSubscription
	for _, sub := range b.subs {
		if atomic.LoadInt64(&sub.lastActivity) < cutoff {
			idle = append(idle, sub)
		}
	}
	b.mu.Unlock()
	for _, sub := range idle {
		sub.Close()
	}
}

func (b *MemBus) removeSub(id int) {
	b.mu.Lock()
	_, existed := b.subs[id]
	delete(b.subs, id)
	b.mu.Unlock()
	if existed {
		b.metrics.SubscriptionClosed()
	}
}

// Close tears down every subscription and stops the sweep.
func (b *MemBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*memSubscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	close(b.stopSweep)
	b.sweepDone.Wait()
	for _, sub := range subs {
		sub.Close()
	}
	return nil
}

type memSubscription struct {
	bus         *MemBus
	id          int
	executionID string
	partition   int32
	fromIndex   int64
	cfg         BatchConfig

	batches chan []*exec.Event
	wake    chan struct{}
	done    chan struct{}

	cursor       int
	earlySkipped int64
	lastActivity int64 // unix nanos, atomically updated
	closeOnce    sync.Once
}

func (s *memSubscription) Batches() <-chan []*exec.Event { return s.batches }

func (s *memSubscription) EarlySkipped() int64 {
	return atomic.LoadInt64(&s.earlySkipped)
}

// Close releases the reader promptly. Idempotent.
func (s *memSubscription) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.bus.removeSub(s.id)
	})
}

func (s *memSubscription) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// run is the subscription pump: drain available records, batch them, and
// deliver in index order. Exits on Close or context cancellation.
func (s *memSubscription) run(ctx context.Context) {
	defer close(s.batches)

	var pending []*exec.Event
	for {
		pending = append(pending, s.drain()...)

		if len(pending) == 0 {
			// Nothing buffered: block until traffic or teardown.
			select {
			case <-ctx.Done():
				s.Close()
				return
			case <-s.done:
				return
			case <-s.wake:
				continue
			}
		}

		if len(pending) < s.cfg.MaxEvents {
			// Partially filled batch: hold back up to MaxWait for more.
			wait := time.NewTimer(s.cfg.MaxWait)
			select {
			case <-ctx.Done():
				wait.Stop()
				s.Close()
				return
			case <-s.done:
				wait.Stop()
				return
			case <-s.wake:
				wait.Stop()
				continue
			case <-wait.C:
			}
		}

		batch := pending
		if len(batch) > s.cfg.MaxEvents {
			batch = batch[:s.cfg.MaxEvents]
		}
		pending = pending[len(batch):]

		select {
		case <-ctx.Done():
			s.Close()
			return
		case <-s.done:
			return
		case s.batches <- batch:
			atomic.StoreInt64(&s.lastActivity, time.Now().UnixNano())
		}
	}
}

// drain advances the cursor over the partition log, applying the
// two-stage filter.
func (s *memSubscription) drain() []*exec.Event {
	s.bus.mu.Lock()
	log := s.bus.logs[s.partition]
	recs := log[s.cursor:]
	s.cursor = len(log)
	s.bus.mu.Unlock()

	var out []*exec.Event
	skipped := 0
	for _, rec := range recs {
		ev, early, err := filterRecord(rec.hint, rec.execID, rec.body,
			s.partition, s.executionID, s.fromIndex)
		if early {
			skipped++
			continue
		}
		if err != nil || ev == nil {
			continue
		}
		out = append(out, ev)
	}
	if skipped > 0 {
		atomic.AddInt64(&s.earlySkipped, int64(skipped))
		s.bus.metrics.EventsEarlySkipped(skipped)
	}
	return out
}
