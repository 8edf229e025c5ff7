// Package service instantiates executions: it writes the initial
// store record, enqueues the first task, and builds controllable engine
// instances whose events are funneled through the event bus.
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/dshills/flowexec-go/exec"
	"github.com/dshills/flowexec-go/exec/cmdbus"
	"github.com/dshills/flowexec-go/exec/eventbus"
	"github.com/dshills/flowexec-go/exec/metrics"
	"github.com/dshills/flowexec-go/exec/queue"
	"github.com/dshills/flowexec-go/exec/store"
	"github.com/dshills/flowexec-go/flow"
)

var tracer = otel.Tracer("flowexec/service")

// Options wires a Service. Store, Queue, Events, Loader, and Registry are
// required; Logger and Metrics are optional.
type Options struct {
	Store    store.Store
	Queue    queue.Queue
	Commands cmdbus.Bus
	Events   eventbus.Bus
	Loader   flow.Loader
	Registry *flow.Registry
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
}

// Service coordinates execution creation and instance construction. It
// owns no execution state itself; everything durable lives behind the
// injected ports.
type Service struct {
	store    store.Store
	queue    queue.Queue
	commands cmdbus.Bus
	events   eventbus.Bus
	loader   flow.Loader
	registry *flow.Registry
	log      *zap.Logger
	metrics  *metrics.Metrics
}

// New validates the wiring and returns a Service.
func New(opts Options) (*Service, error) {
	switch {
	case opts.Store == nil:
		return nil, fmt.Errorf("service: store is required")
	case opts.Queue == nil:
		return nil, fmt.Errorf("service: queue is required")
	case opts.Events == nil:
		return nil, fmt.Errorf("service: event bus is required")
	case opts.Loader == nil:
		return nil, fmt.Errorf("service: flow loader is required")
	case opts.Registry == nil:
		return nil, fmt.Errorf("service: node registry is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Service{
		store:    opts.Store,
		queue:    opts.Queue,
		commands: opts.Commands,
		events:   opts.Events,
		loader:   opts.Loader,
		registry: opts.Registry,
		log:      opts.Logger,
		metrics:  opts.Metrics,
	}, nil
}

// CreateParams are the inputs to CreateExecution.
type CreateParams struct {
	FlowID            string
	Debug             bool
	Breakpoints       []string
	MaxRetries        int
	RetryDelayMs      int
	ParentExecutionID string
	RootExecutionID   string
	ExecutionDepth    int
	Integrations      map[string]any
	EventTrigger      map[string]any
}

// CreateExecution validates the flow, writes a Created record, and
// publishes the first task. It returns the new execution ID.
func (s *Service) CreateExecution(ctx context.Context, p CreateParams) (string, error) {
	ctx, span := tracer.Start(ctx, "execution.create")
	defer span.End()
	span.SetAttributes(
		attribute.String("flowexec.flow_id", p.FlowID),
		attribute.Bool("flowexec.debug", p.Debug),
	)

	if p.FlowID == "" {
		return "", fmt.Errorf("create execution: flow ID is required")
	}
	if p.ExecutionDepth < 0 {
		return "", fmt.Errorf("create execution: depth cannot be negative")
	}
	if _, err := s.loader.LoadFlow(ctx, p.FlowID); err != nil {
		return "", fmt.Errorf("create execution: %w", err)
	}

	executionID := uuid.NewString()
	rootID := p.RootExecutionID
	if rootID == "" && p.ParentExecutionID != "" {
		rootID = p.ParentExecutionID
	}

	row := &exec.Execution{
		ID:                executionID,
		FlowID:            p.FlowID,
		Status:            exec.StatusCreated,
		ParentExecutionID: p.ParentExecutionID,
		RootExecutionID:   rootID,
		Depth:             p.ExecutionDepth,
		CreatedAt:         time.Now(),
		Integrations:      p.Integrations,
	}
	if err := s.store.Create(ctx, row); err != nil {
		return "", fmt.Errorf("create execution: %w", err)
	}

	task := &exec.Task{
		ExecutionID:       executionID,
		FlowID:            p.FlowID,
		Timestamp:         time.Now(),
		MaxRetries:        p.MaxRetries,
		RetryDelayMs:      p.RetryDelayMs,
		Debug:             p.Debug,
		Breakpoints:       p.Breakpoints,
		ExecutionDepth:    p.ExecutionDepth,
		ParentExecutionID: p.ParentExecutionID,
		RootExecutionID:   rootID,
		Integrations:      p.Integrations,
		EventTrigger:      p.EventTrigger,
	}
	task.ApplyDefaults()

	if err := s.queue.PublishTask(ctx, task); err != nil {
		// The row exists but will never be picked up; fail it so it does
		// not linger in Created forever.
		if _, uerr := s.store.UpdateStatus(ctx, exec.StatusUpdate{
			ExecutionID:  executionID,
			Status:       exec.StatusFailed,
			ErrorMessage: "task enqueue failed: " + err.Error(),
		}); uerr != nil {
			s.log.Error("mark unenqueued execution failed",
				zap.String("execution_id", executionID), zap.Error(uerr))
		}
		return "", fmt.Errorf("create execution: enqueue: %w", err)
	}

	span.SetAttributes(attribute.String("flowexec.execution_id", executionID))
	s.log.Info("execution created",
		zap.String("execution_id", executionID),
		zap.String("flow_id", p.FlowID),
		zap.Bool("debug", p.Debug))
	return executionID, nil
}

// GetExecution returns one execution record.
func (s *Service) GetExecution(ctx context.Context, executionID string) (*exec.Execution, error) {
	return s.store.Get(ctx, executionID)
}

// ListExecutions returns executions matching the filter, newest first.
func (s *Service) ListExecutions(ctx context.Context, filter store.ListFilter) ([]*exec.Execution, error) {
	return s.store.List(ctx, filter)
}

// SendCommand publishes a control command. A missing ID or timestamp is
// filled in; the ID is what makes redeliveries idempotent.
func (s *Service) SendCommand(ctx context.Context, cmd *exec.Command) error {
	if s.commands == nil {
		return fmt.Errorf("send command: command bus not configured")
	}
	if cmd.ExecutionID == "" {
		return fmt.Errorf("send command: execution ID is required")
	}
	if cmd.Command == "" {
		return fmt.Errorf("send command: command type is required")
	}
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	if cmd.Timestamp.IsZero() {
		cmd.Timestamp = time.Now()
	}
	return s.commands.PublishCommand(ctx, cmd)
}

// SubscribeToEvents opens an event subscription for one execution.
func (s *Service) SubscribeToEvents(ctx context.Context, executionID string, fromIndex int64, cfg eventbus.BatchConfig) (eventbus.Subscription, error) {
	return s.events.SubscribeToEvents(ctx, executionID, fromIndex, cfg)
}
