package eventbus

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/dshills/flowexec-go/exec"
	"github.com/dshills/flowexec-go/exec/metrics"
)

// KafkaConfig configures the Kafka-backed event bus.
type KafkaConfig struct {
	// Brokers are the seed broker addresses.
	Brokers []string

	// Topic is the shared event log topic.
	Topic string

	// PartitionCount must equal the topic's actual partition count; the
	// bus verifies this at startup and refuses to run on a mismatch,
	// because the hash(executionID) mod N mapping would silently break.
	// Resizing requires draining first.
	PartitionCount int32

	// ReplicationFactor for topic creation. Defaults to 1.
	ReplicationFactor int16

	// IdleTimeout and SweepInterval govern idle-subscription teardown.
	IdleTimeout   time.Duration
	SweepInterval time.Duration
}

// KafkaBus is the production event bus.
//
// Publishing uses manual partitioning: the partition is derived from the
// execution ID hash and stamped both on the record and in the
// partition-hint header. A circuit breaker around the producer keeps a
// broker outage from hanging every worker on publish.
//
// Each subscription opens a dedicated group-less consumer pinned to the
// execution's partition, reading from the start of the retained log and
// filtering in two stages (headers first, payload second).
type KafkaBus struct {
	cfg     KafkaConfig
	log     *zap.Logger
	metrics *metrics.Metrics

	producer *kgo.Client
	breaker  *gobreaker.CircuitBreaker

	mu     sync.Mutex
	subs   map[int]*kafkaSubscription
	nextID int
	closed bool

	stopSweep chan struct{}
	sweepDone sync.WaitGroup
}

// NewKafkaBus connects the producer, ensures the topic, and verifies the
// partition count.
func NewKafkaBus(cfg KafkaConfig, log *zap.Logger, m *metrics.Metrics) (*KafkaBus, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("no seed brokers configured")
	}
	if cfg.Topic == "" {
		return nil, errors.New("event topic is required")
	}
	if cfg.PartitionCount <= 0 {
		cfg.PartitionCount = 16
	}
	if cfg.ReplicationFactor <= 0 {
		cfg.ReplicationFactor = 1
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultIdleSweepInterval
	}
	if log == nil {
		log = zap.NewNop()
	}

	producer, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.RecordPartitioner(kgo.ManualPartitioner()),
	)
	if err != nil {
		return nil, fmt.Errorf("event producer client: %w", err)
	}

	b := &KafkaBus{
		cfg:     cfg,
		log:     log,
		metrics: m,
		producer: producer,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "event-publish",
			Timeout: 10 * time.Second,
		}),
		subs:      make(map[int]*kafkaSubscription),
		stopSweep: make(chan struct{}),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := b.ensureTopic(ctx); err != nil {
		producer.Close()
		return nil, err
	}
	if err := b.verifyPartitionCount(ctx); err != nil {
		producer.Close()
		return nil, err
	}

	b.sweepDone.Add(1)
	go b.idleSweepLoop()
	return b, nil
}

func (b *KafkaBus) ensureTopic(ctx context.Context) error {
	adm := kadm.NewClient(b.producer)
	resp, err := adm.CreateTopics(ctx, b.cfg.PartitionCount, b.cfg.ReplicationFactor, nil, b.cfg.Topic)
	if err != nil {
		return fmt.Errorf("create topic %s: %w", b.cfg.Topic, err)
	}
	for _, r := range resp {
		if r.Err != nil && !errors.Is(r.Err, kerr.TopicAlreadyExists) {
			b.log.Warn("event topic creation", zap.String("topic", r.Topic), zap.Error(r.Err))
		}
	}
	return nil
}

func (b *KafkaBus) verifyPartitionCount(ctx context.Context) error {
	adm := kadm.NewClient(b.producer)
	meta, err := adm.Metadata(ctx, b.cfg.Topic)
	if err != nil {
		return fmt.Errorf("topic metadata: %w", err)
	}
	detail, ok := meta.Topics[b.cfg.Topic]
	if !ok {
		return fmt.Errorf("topic %s missing from metadata", b.cfg.Topic)
	}
	actual := int32(len(detail.Partitions))
	if actual != b.cfg.PartitionCount {
		return fmt.Errorf("topic %s has %d partitions but %d configured; drain and resize before changing partitionCount",
			b.cfg.Topic, actual, b.cfg.PartitionCount)
	}
	return nil
}

// PublishEvent appends the event to the execution's partition.
func (b *KafkaBus) PublishEvent(ctx context.Context, executionID string, ev *exec.Event) error {
	body, err := encodeEnvelope(ev)
	if err != nil {
		return err
	}
	partition := Partition(executionID, b.cfg.PartitionCount)
	rec := &kgo.Record{
		Topic:     b.cfg.Topic,
		Key:       []byte(executionID),
		Value:     body,
		Partition: partition,
		Headers: []kgo.RecordHeader{
			{Key: HeaderPartitionHint, Value: []byte(strconv.Itoa(int(partition)))},
			{Key: HeaderExecutionID, Value: []byte(executionID)},
		},
	}

	_, err = b.breaker.Execute(func() (any, error) {
		return nil, b.producer.ProduceSync(ctx, rec).FirstErr()
	})
	if err != nil {
		return fmt.Errorf("publish event %s[%d]: %w", executionID, ev.Index, err)
	}
	b.metrics.EventPublished()
	return nil
}

// SubscribeToEvents opens a dedicated partition reader for one execution.
func (b *KafkaBus) SubscribeToEvents(ctx context.Context, executionID string, fromIndex int64, cfg BatchConfig) (Subscription, error) {
	cfg = cfg.withDefaults()
	partition := Partition(executionID, b.cfg.PartitionCount)

	// Read from the start of the retained log: replay correctness is
	// guaranteed within the retention window, and starting before the
	// subscription opened means concurrent publishes cannot be lost.
	reader, err := kgo.NewClient(
		kgo.SeedBrokers(b.cfg.Brokers...),
		kgo.ConsumePartitions(map[string]map[int32]kgo.Offset{
			b.cfg.Topic: {partition: kgo.NewOffset().AtStart()},
		}),
		kgo.FetchMaxWait(cfg.MaxWait),
	)
	if err != nil {
		return nil, fmt.Errorf("event reader client: %w", err)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		reader.Close()
		return nil, errors.New("event bus closed")
	}
	id := b.nextID
	b.nextID++
	sub := &kafkaSubscription{
		bus:          b,
		id:           id,
		executionID:  executionID,
		partition:    partition,
		fromIndex:    fromIndex,
		cfg:          cfg,
		reader:       reader,
		batches:      make(chan []*exec.Event),
		done:         make(chan struct{}),
		lastActivity: time.Now().UnixNano(),
	}
	b.subs[id] = sub
	b.mu.Unlock()

	b.metrics.SubscriptionOpened()
	go sub.run(ctx)
	return sub, nil
}

func (b *KafkaBus) idleSweepLoop() {
	defer b.sweepDone.Done()
	ticker := time.NewTicker(b.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopSweep:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-b.cfg.IdleTimeout).UnixNano()
			b.mu.Lock()
			var idle []*kafkaSubscription
			for _, sub := range b.subs {
				if atomic.LoadInt64(&sub.lastActivity) < cutoff {
					idle = append(idle, sub)
				}
			}
			b.mu.Unlock()
			for _, sub := range idle {
				b.log.Info("closing idle event subscription",
					zap.String("execution_id", sub.executionID))
				sub.Close()
			}
		}
	}
}

func (b *KafkaBus) removeSub(id int) {
	b.mu.Lock()
	_, existed := b.subs[id]
	delete(b.subs, id)
	b.mu.Unlock()
	if existed {
		b.metrics.SubscriptionClosed()
	}
}

// Close tears down every subscription and the producer.
func (b *KafkaBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*kafkaSubscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	close(b.stopSweep)
	b.sweepDone.Wait()
	for _, sub := range subs {
		sub.Close()
	}
	b.producer.Close()
	return nil
}

type kafkaSubscription struct {
	bus         *KafkaBus
	id          int
	executionID string
	partition   int32
	fromIndex   int64
	cfg         BatchConfig
	reader      *kgo.Client

	batches chan []*exec.Event
	done    chan struct{}

	earlySkipped int64
	lastActivity int64
	closeOnce    sync.Once
}

func (s *kafkaSubscription) Batches() <-chan []*exec.Event { return s.batches }

func (s *kafkaSubscription) EarlySkipped() int64 {
	return atomic.LoadInt64(&s.earlySkipped)
}

// Close releases the partition reader promptly. Idempotent.
func (s *kafkaSubscription) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.reader.Close()
		s.bus.removeSub(s.id)
	})
}

func (s *kafkaSubscription) run(ctx context.Context) {
	defer close(s.batches)
	defer s.Close()

	pollCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.done:
			cancel()
		case <-pollCtx.Done():
		}
	}()

	var pending []*exec.Event
	for {
		fetches := s.reader.PollFetches(pollCtx)
		if fetches.IsClientClosed() || pollCtx.Err() != nil {
			return
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			s.bus.log.Warn("event fetch error",
				zap.String("topic", topic),
				zap.Int32("partition", partition),
				zap.Error(err))
		})

		skipped := 0
		fetches.EachRecord(func(rec *kgo.Record) {
			hint, execID := recordHeaders(rec)
			ev, early, err := filterRecord(hint, execID, rec.Value,
				s.partition, s.executionID, s.fromIndex)
			if early {
				skipped++
				return
			}
			if err != nil {
				s.bus.log.Warn("undecodable event record",
					zap.Int64("offset", rec.Offset), zap.Error(err))
				return
			}
			if ev != nil {
				pending = append(pending, ev)
			}
		})
		if skipped > 0 {
			atomic.AddInt64(&s.earlySkipped, int64(skipped))
			s.bus.metrics.EventsEarlySkipped(skipped)
		}

		for len(pending) > 0 {
			// FetchMaxWait already bounded the hold-back; deliver what we
			// have, chunked to MaxEvents.
			batch := pending
			if len(batch) > s.cfg.MaxEvents {
				batch = batch[:s.cfg.MaxEvents]
			}
			pending = pending[len(batch):]
			select {
			case <-pollCtx.Done():
				return
			case <-s.done:
				return
			case s.batches <- batch:
				atomic.StoreInt64(&s.lastActivity, time.Now().UnixNano())
			}
		}
	}
}

func recordHeaders(rec *kgo.Record) (partitionHint, executionID string) {
	for _, h := range rec.Headers {
		switch h.Key {
		case HeaderPartitionHint:
			partitionHint = string(h.Value)
		case HeaderExecutionID:
			executionID = string(h.Value)
		}
	}
	return partitionHint, executionID
}
