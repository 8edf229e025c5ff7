package cmdbus

import (
	"context"
	"errors"
	"sync"

	"github.com/dshills/flowexec-go/exec"
)

// MemBus is an in-process command bus. Each subscriber has a buffered
// inbox drained by its own goroutine, so a slow handler never blocks
// publishers or other subscribers.
type MemBus struct {
	mu     sync.Mutex
	subs   map[int]*memSub
	nextID int
	closed bool
}

type memSub struct {
	inbox chan *exec.Command
	done  chan struct{}
}

// NewMemBus creates an in-process command bus.
func NewMemBus() *MemBus {
	return &MemBus{subs: make(map[int]*memSub)}
}

// PublishCommand fans out to every subscriber inbox. A full inbox drops
// the command for that subscriber; the bus trades delivery guarantees for
// latency by contract.
func (b *MemBus) PublishCommand(_ context.Context, cmd *exec.Command) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.New("command bus closed")
	}
	for _, sub := range b.subs {
		cp := *cmd
		select {
		case sub.inbox <- &cp:
		default:
		}
	}
	return nil
}

// SubscribeCommands registers a handler for all commands.
func (b *MemBus) SubscribeCommands(ctx context.Context, h CommandHandler) (func(), error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, errors.New("command bus closed")
	}
	id := b.nextID
	b.nextID++
	sub := &memSub{
		inbox: make(chan *exec.Command, 128),
		done:  make(chan struct{}),
	}
	b.subs[id] = sub
	b.mu.Unlock()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-sub.done:
				return
			case cmd := <-sub.inbox:
				h(ctx, cmd)
			}
		}
	}()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(sub.done)
		})
	}
	return unsubscribe, nil
}

// Close removes all subscribers.
func (b *MemBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for id, sub := range b.subs {
		close(sub.done)
		delete(b.subs, id)
	}
	return nil
}
