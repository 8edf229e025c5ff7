package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/dshills/flowexec-go/exec"
)

// KafkaConfig configures the Kafka-backed task queue.
type KafkaConfig struct {
	// Brokers are the seed broker addresses.
	Brokers []string

	// Topic is the task topic. Created on first use when missing.
	Topic string

	// Group is the consumer group shared by the worker pool. Partitions
	// are balanced across group members; each partition is assigned to
	// exactly one member at a time.
	Group string

	// Partitions is the partition count used when the topic must be
	// created. Per-partition max-in-flight is 1, so this bounds the
	// cluster-wide task parallelism.
	Partitions int32

	// ReplicationFactor for topic creation. Defaults to 1.
	ReplicationFactor int16
}

// KafkaQueue is the production Queue backend on a Kafka consumer group
// with manual offset commits.
//
// Delivery discipline: records are fanned out to one goroutine per
// assigned partition and processed strictly in order within it. Offsets
// are committed only when the handler calls CommitOffset, so an
// uncommitted task is redelivered after a rebalance or restart.
type KafkaQueue struct {
	cfg    KafkaConfig
	log    *zap.Logger
	client *kgo.Client

	mu        sync.Mutex
	consuming bool
	cancel    context.CancelFunc
	done      sync.WaitGroup

	partCh map[int32]chan *kgo.Record
	partWg sync.WaitGroup
}

// NewKafkaQueue connects to the cluster and ensures the task topic exists.
func NewKafkaQueue(cfg KafkaConfig, log *zap.Logger) (*KafkaQueue, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("no seed brokers configured")
	}
	if cfg.Topic == "" || cfg.Group == "" {
		return nil, errors.New("task topic and consumer group are required")
	}
	if cfg.Partitions <= 0 {
		cfg.Partitions = 16
	}
	if cfg.ReplicationFactor <= 0 {
		cfg.ReplicationFactor = 1
	}
	if log == nil {
		log = zap.NewNop()
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.Group),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.DisableAutoCommit(),
		kgo.FetchMaxWait(time.Second),
		kgo.SessionTimeout(30*time.Second),
		kgo.HeartbeatInterval(3*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}

	q := &KafkaQueue{cfg: cfg, log: log, client: client, partCh: make(map[int32]chan *kgo.Record)}
	if err := q.ensureTopic(context.Background()); err != nil {
		client.Close()
		return nil, err
	}
	return q, nil
}

func (q *KafkaQueue) ensureTopic(ctx context.Context) error {
	adm := kadm.NewClient(q.client)
	resp, err := adm.CreateTopics(ctx, q.cfg.Partitions, q.cfg.ReplicationFactor, nil, q.cfg.Topic)
	if err != nil {
		return fmt.Errorf("create topic %s: %w", q.cfg.Topic, err)
	}
	for _, r := range resp {
		if r.Err != nil && !errors.Is(r.Err, kerr.TopicAlreadyExists) {
			q.log.Warn("topic creation",
				zap.String("topic", r.Topic), zap.Error(r.Err))
		}
	}
	return nil
}

// PublishTask produces the task keyed by execution ID, so all tasks for
// one execution land on one partition in order.
func (q *KafkaQueue) PublishTask(ctx context.Context, task *exec.Task) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	rec := &kgo.Record{
		Topic: q.cfg.Topic,
		Key:   []byte(task.ExecutionID),
		Value: payload,
	}
	if err := q.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("publish task %s: %w", task.ExecutionID, err)
	}
	return nil
}

// ConsumeTasks starts the poll loop.
func (q *KafkaQueue) ConsumeTasks(ctx context.Context, h Handler) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.consuming {
		return errors.New("already consuming")
	}
	q.consuming = true

	loopCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.done.Add(1)
	go q.pollLoop(loopCtx, h)
	return nil
}

func (q *KafkaQueue) pollLoop(ctx context.Context, h Handler) {
	defer q.done.Done()
	for {
		fetches := q.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			q.log.Warn("task fetch error",
				zap.String("topic", topic),
				zap.Int32("partition", partition),
				zap.Error(err))
		})
		fetches.EachRecord(func(rec *kgo.Record) {
			q.dispatch(ctx, rec, h)
		})
	}
}

// dispatch hands the record to its partition's serial consumer. It
// reports false when the context was cancelled before the channel had
// room; the uncommitted record is dropped and redelivered after the
// next rebalance. A blocking send here would wedge the poll loop on
// shutdown once a partition channel is full.
func (q *KafkaQueue) dispatch(ctx context.Context, rec *kgo.Record, h Handler) bool {
	select {
	case q.partitionChan(ctx, rec.Partition, h) <- rec:
		return true
	case <-ctx.Done():
		return false
	}
}

// partitionChan returns the serial-dispatch channel for a partition,
// creating its consumer goroutine on first use. One goroutine per
// partition keeps max-in-flight at 1 within an execution's task stream.
func (q *KafkaQueue) partitionChan(ctx context.Context, partition int32, h Handler) chan *kgo.Record {
	q.mu.Lock()
	defer q.mu.Unlock()

	ch, ok := q.partCh[partition]
	if ok {
		return ch
	}
	ch = make(chan *kgo.Record, 64)
	q.partCh[partition] = ch

	q.partWg.Add(1)
	go func() {
		defer q.partWg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case rec := <-ch:
				q.handleRecord(ctx, h, rec)
			}
		}
	}()
	return ch
}

func (q *KafkaQueue) handleRecord(ctx context.Context, h Handler, rec *kgo.Record) {
	var task exec.Task
	if err := json.Unmarshal(rec.Value, &task); err != nil {
		// Poison payload: commit so the partition is not wedged.
		q.log.Error("undecodable task record, committing past it",
			zap.Int32("partition", rec.Partition),
			zap.Int64("offset", rec.Offset),
			zap.Error(err))
		if cerr := q.client.CommitRecords(ctx, rec); cerr != nil {
			q.log.Warn("commit poison record", zap.Error(cerr))
		}
		return
	}

	d := &kafkaDelivery{client: q.client, rec: rec}
	if err := h(ctx, &task, d); err != nil {
		q.log.Warn("task handler error",
			zap.String("execution_id", task.ExecutionID),
			zap.Error(err))
	}
}

// StopConsuming halts the poll loop and waits for partition consumers.
func (q *KafkaQueue) StopConsuming() {
	q.mu.Lock()
	cancel := q.cancel
	q.consuming = false
	q.cancel = nil
	q.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	q.done.Wait()
	q.partWg.Wait()

	q.mu.Lock()
	q.partCh = make(map[int32]chan *kgo.Record)
	q.mu.Unlock()
}

// Close stops consumption and closes the client.
func (q *KafkaQueue) Close() error {
	q.StopConsuming()
	q.client.Close()
	return nil
}

type kafkaDelivery struct {
	client *kgo.Client
	rec    *kgo.Record
	once   sync.Once
	err    error
}

// CommitOffset commits this record's offset to the group. Idempotent.
func (d *kafkaDelivery) CommitOffset(ctx context.Context) error {
	d.once.Do(func() {
		d.err = d.client.CommitRecords(ctx, d.rec)
	})
	return d.err
}
