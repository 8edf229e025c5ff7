package flow

import (
	"context"
	"fmt"
	"sync"
)

// State is the mutable data bag threaded through a flow's nodes. Each
// runner receives the current state and returns the state to carry
// forward. Edge conditions are evaluated against it.
type State map[string]any

// Clone returns a shallow copy of the state.
func (s State) Clone() State {
	out := make(State, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Truthy reports whether the named key holds a value an edge condition
// treats as true: a true bool, a non-empty string, or a non-zero number.
func (s State) Truthy(key string) bool {
	switch v := s[key].(type) {
	case bool:
		return v
	case string:
		return v != ""
	case int:
		return v != 0
	case int64:
		return v != 0
	case float64:
		return v != 0
	default:
		return v != nil
	}
}

// Runner executes one node's logic. Implementations must honor context
// cancellation; the engine wraps each call in the node's timeout.
type Runner interface {
	Run(ctx context.Context, state State) (State, error)
}

// RunnerFunc adapts a plain function to the Runner interface.
type RunnerFunc func(ctx context.Context, state State) (State, error)

// Run implements Runner.
func (f RunnerFunc) Run(ctx context.Context, state State) (State, error) {
	return f(ctx, state)
}

// RunnerFactory builds a Runner from a node's spec. The factory may
// reject malformed config; that surfaces as a flow build error before
// execution starts.
type RunnerFactory func(spec NodeSpec) (Runner, error)

// Registry maps node types to runner factories. Safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]RunnerFactory
}

// NewRegistry creates an empty node-type registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]RunnerFactory)}
}

// Register binds a node type to a factory. Re-registering a type is an
// error; node-type bindings are fixed for the life of a process.
func (r *Registry) Register(nodeType string, factory RunnerFactory) error {
	if nodeType == "" {
		return fmt.Errorf("node type cannot be empty")
	}
	if factory == nil {
		return fmt.Errorf("factory for node type %s cannot be nil", nodeType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[nodeType]; exists {
		return fmt.Errorf("node type %s already registered", nodeType)
	}
	r.factories[nodeType] = factory
	return nil
}

// Resolve builds the runner for a node spec. Unknown node types are a
// load-time error, before any node of the flow runs.
func (r *Registry) Resolve(spec NodeSpec) (Runner, error) {
	r.mu.RLock()
	factory, ok := r.factories[spec.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown node type %q for node %s", spec.Type, spec.ID)
	}
	return factory(spec)
}
