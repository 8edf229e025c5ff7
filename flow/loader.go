package flow

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrNotFound is returned by loaders when the requested flow does not
// exist. Callers treat it as permanent: the execution fails without
// retry.
var ErrNotFound = errors.New("flow not found")

// Loader retrieves flow definitions from storage.
type Loader interface {
	LoadFlow(ctx context.Context, flowID string) (*Flow, error)
}

// MemLoader is an in-memory Loader backed by a map. Flows are validated
// on Put so a load never returns a structurally broken graph.
type MemLoader struct {
	mu    sync.RWMutex
	flows map[string]*Flow
}

// NewMemLoader creates an empty in-memory flow loader.
func NewMemLoader() *MemLoader {
	return &MemLoader{flows: make(map[string]*Flow)}
}

// Put stores a flow, replacing any previous definition with the same ID.
func (l *MemLoader) Put(f *Flow) error {
	if err := f.Validate(); err != nil {
		return fmt.Errorf("store flow: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.flows[f.ID] = f
	return nil
}

// LoadFlow implements Loader.
func (l *MemLoader) LoadFlow(_ context.Context, flowID string) (*Flow, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	f, ok := l.flows[flowID]
	if !ok {
		return nil, fmt.Errorf("flow %s: %w", flowID, ErrNotFound)
	}
	return f, nil
}
