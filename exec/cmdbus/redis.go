package cmdbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dshills/flowexec-go/exec"
)

// RedisBus is the production command bus on Redis pub/sub.
//
// Pub/sub matches the contract exactly: fan-out to every live subscriber,
// millisecond latency, no retention. A worker that was disconnected when
// a command was published never sees it, which is acceptable because the
// claim re-verify discards stale commands anyway and callers re-issue.
type RedisBus struct {
	client  *redis.Client
	channel string
	log     *zap.Logger

	mu     sync.Mutex
	subs   []*redis.PubSub
	closed bool
}

// NewRedisBus connects to Redis and verifies the connection.
func NewRedisBus(ctx context.Context, addr, channel string, log *zap.Logger) (*RedisBus, error) {
	if channel == "" {
		return nil, errors.New("command channel name is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisBus{client: client, channel: channel, log: log}, nil
}

// PublishCommand publishes the serialised command on the shared channel.
func (b *RedisBus) PublishCommand(ctx context.Context, cmd *exec.Command) error {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish command %s: %w", cmd.ID, err)
	}
	return nil
}

// SubscribeCommands opens a dedicated pub/sub connection and pumps
// messages to the handler.
func (b *RedisBus) SubscribeCommands(ctx context.Context, h CommandHandler) (func(), error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, errors.New("command bus closed")
	}
	ps := b.client.Subscribe(ctx, b.channel)
	b.subs = append(b.subs, ps)
	b.mu.Unlock()

	// Receive confirms the subscription before any publish can race it.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}

	go func() {
		ch := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var cmd exec.Command
				if err := json.Unmarshal([]byte(msg.Payload), &cmd); err != nil {
					b.log.Warn("undecodable command payload", zap.Error(err))
					continue
				}
				h(ctx, &cmd)
			}
		}
	}()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() { _ = ps.Close() })
	}
	return unsubscribe, nil
}

// Close closes every open subscription and the client.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, ps := range b.subs {
		_ = ps.Close()
	}
	return b.client.Close()
}
