package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dshills/flowexec-go/exec"
)

// MemStore is an in-memory implementation of Store.
//
// It mirrors the transactional semantics of the Postgres backend under a
// single mutex: claim acquisition, expiry replacement, and status
// transitions are each atomic with respect to concurrent callers.
//
// Designed for tests and single-process development; data is lost when
// the process terminates.
type MemStore struct {
	mu     sync.Mutex
	rows   map[string]*exec.Execution
	claims map[string]*exec.Claim
	order  []string

	// now is swappable so tests can drive claim expiry deterministically.
	now func() time.Time
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		rows:   make(map[string]*exec.Execution),
		claims: make(map[string]*exec.Claim),
		now:    time.Now,
	}
}

// SetClock replaces the store's time source. Test hook.
func (s *MemStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Create inserts a new execution record.
func (s *MemStore) Create(_ context.Context, row *exec.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rows[row.ID]; exists {
		return exec.ErrConflict
	}
	cp := *row
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now()
	}
	s.rows[row.ID] = &cp
	s.order = append(s.order, row.ID)
	return nil
}

// Get returns a copy of the execution record.
func (s *MemStore) Get(_ context.Context, executionID string) (*exec.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[executionID]
	if !ok {
		return nil, exec.ErrNotFound
	}
	cp := *row
	return &cp, nil
}

// List returns matching executions, newest first.
func (s *MemStore) List(_ context.Context, filter ListFilter) ([]*exec.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, len(s.order))
	copy(ids, s.order)
	sort.SliceStable(ids, func(i, j int) bool {
		return s.rows[ids[i]].CreatedAt.After(s.rows[ids[j]].CreatedAt)
	})

	var out []*exec.Execution
	skipped := 0
	for _, id := range ids {
		row := s.rows[id]
		if filter.FlowID != "" && row.FlowID != filter.FlowID {
			continue
		}
		if filter.Status != "" && row.Status != filter.Status {
			continue
		}
		if filter.ParentExecutionID != "" && row.ParentExecutionID != filter.ParentExecutionID {
			continue
		}
		if skipped < filter.Offset {
			skipped++
			continue
		}
		cp := *row
		out = append(out, &cp)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// UpdateStatus applies one legal status transition.
func (s *MemStore) UpdateStatus(_ context.Context, upd exec.StatusUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[upd.ExecutionID]
	if !ok {
		return false, nil
	}
	if !s.transitionOK(row.Status, upd.Status) {
		return false, nil
	}

	row.Status = upd.Status
	if upd.ErrorMessage != "" {
		row.ErrorMessage = upd.ErrorMessage
	}
	if upd.ErrorNodeID != "" {
		row.ErrorNodeID = upd.ErrorNodeID
	}
	if upd.StartedAt != nil {
		row.StartedAt = upd.StartedAt
	}
	if upd.CompletedAt != nil {
		row.CompletedAt = upd.CompletedAt
	}
	return true, nil
}

// transitionOK permits the state machine plus the retry reset: a failed
// attempt re-enters the queue with status Created, which may come from
// Running or Paused while the failure path runs.
func (s *MemStore) transitionOK(from, to exec.Status) bool {
	if exec.CanTransition(from, to) {
		return true
	}
	if to == exec.StatusCreated && (from == exec.StatusRunning || from == exec.StatusPaused) {
		return true
	}
	return false
}

// ClaimExecution acquires the exclusive claim in one atomic step.
func (s *MemStore) ClaimExecution(_ context.Context, executionID, workerID string, ttlMs int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if existing, ok := s.claims[executionID]; ok && existing.Status == exec.ClaimActive {
		if existing.ExpiresAt.After(now) {
			return false, nil
		}
		// Expired-replacement path: invalidate and fall through to write.
		existing.Status = exec.ClaimExpired
	}

	s.claims[executionID] = &exec.Claim{
		ExecutionID: executionID,
		WorkerID:    workerID,
		Status:      exec.ClaimActive,
		ExpiresAt:   now.Add(time.Duration(ttlMs) * time.Millisecond),
		HeartbeatAt: now,
	}
	return true, nil
}

// ExtendClaim renews the lease iff the caller still owns it.
func (s *MemStore) ExtendClaim(_ context.Context, executionID, workerID string, ttlMs int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	claim, ok := s.claims[executionID]
	if !ok || claim.Status != exec.ClaimActive || claim.WorkerID != workerID || !claim.ExpiresAt.After(now) {
		return false, nil
	}
	claim.ExpiresAt = now.Add(time.Duration(ttlMs) * time.Millisecond)
	claim.HeartbeatAt = now
	return true, nil
}

// ReleaseExecution marks the claim released when owned by the caller.
func (s *MemStore) ReleaseExecution(_ context.Context, executionID, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	claim, ok := s.claims[executionID]
	if !ok || claim.WorkerID != workerID || claim.Status != exec.ClaimActive {
		return nil
	}
	claim.Status = exec.ClaimReleased
	return nil
}

// ExpireOldClaims sweeps every overdue active claim in one pass.
func (s *MemStore) ExpireOldClaims(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	count := 0
	for _, claim := range s.claims {
		if claim.Status == exec.ClaimActive && claim.ExpiresAt.Before(now) {
			claim.Status = exec.ClaimExpired
			count++
		}
	}
	return count, nil
}

// GetClaim returns a copy of the current claim row.
func (s *MemStore) GetClaim(_ context.Context, executionID string) (*exec.Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	claim, ok := s.claims[executionID]
	if !ok {
		return nil, exec.ErrNotFound
	}
	cp := *claim
	return &cp, nil
}

// IncrementRecoveryCount bumps the recovery counter.
func (s *MemStore) IncrementRecoveryCount(_ context.Context, executionID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[executionID]
	if !ok {
		return 0, exec.ErrNotFound
	}
	row.RecoveryCount++
	return row.RecoveryCount, nil
}

// Close is a no-op for the in-memory store.
func (s *MemStore) Close() error { return nil }
