package cmdbus

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"go.uber.org/zap"

	"github.com/dshills/flowexec-go/exec"
)

func newTestRedisBus(t *testing.T) *RedisBus {
	t.Helper()
	mr := miniredis.RunT(t)
	bus, err := NewRedisBus(context.Background(), mr.Addr(), "flowexec.commands", zap.NewNop())
	if err != nil {
		t.Fatalf("redis bus: %v", err)
	}
	t.Cleanup(func() { _ = bus.Close() })
	return bus
}

func TestRedisBusFanOut(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus := newTestRedisBus(t)

	recv1 := make(chan *exec.Command, 1)
	recv2 := make(chan *exec.Command, 1)
	unsub1, err := bus.SubscribeCommands(ctx, func(_ context.Context, cmd *exec.Command) { recv1 <- cmd })
	if err != nil {
		t.Fatalf("subscribe 1: %v", err)
	}
	defer unsub1()
	unsub2, err := bus.SubscribeCommands(ctx, func(_ context.Context, cmd *exec.Command) { recv2 <- cmd })
	if err != nil {
		t.Fatalf("subscribe 2: %v", err)
	}
	defer unsub2()

	want := &exec.Command{
		ID: "c1", ExecutionID: "e1", Command: exec.CommandStop,
		Payload: exec.CommandPayload{Reason: "operator stop"},
	}
	if err := bus.PublishCommand(ctx, want); err != nil {
		t.Fatalf("publish: %v", err)
	}

	for i, recv := range []chan *exec.Command{recv1, recv2} {
		select {
		case got := <-recv:
			if got.ID != "c1" || got.Command != exec.CommandStop || got.Payload.Reason != "operator stop" {
				t.Errorf("subscriber %d got %+v", i+1, got)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("subscriber %d did not receive the command", i+1)
		}
	}
}

func TestRedisBusUnsubscribeStopsDelivery(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus := newTestRedisBus(t)

	recv := make(chan *exec.Command, 4)
	unsub, err := bus.SubscribeCommands(ctx, func(_ context.Context, cmd *exec.Command) { recv <- cmd })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	unsub()
	unsub() // idempotent

	bus.PublishCommand(ctx, &exec.Command{ID: "c1", ExecutionID: "e1", Command: exec.CommandPause})

	select {
	case cmd := <-recv:
		t.Errorf("received %+v after unsubscribe", cmd)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMemBusFanOutAndIsolation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus := NewMemBus()
	defer bus.Close()

	recv := make(chan *exec.Command, 1)
	unsub, err := bus.SubscribeCommands(ctx, func(_ context.Context, cmd *exec.Command) { recv <- cmd })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsub()

	bus.PublishCommand(ctx, &exec.Command{ID: "c1", ExecutionID: "e1", Command: exec.CommandStep})

	select {
	case got := <-recv:
		if got.Command != exec.CommandStep {
			t.Errorf("got %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("no delivery")
	}
}
