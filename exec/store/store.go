// Package store provides the durable execution registry: one record per
// execution plus the exclusive-ownership claims workers hold while
// processing.
//
// The store is the single serialisation point for lifecycle state. Every
// mutating operation is atomic under concurrent callers; there is no
// read-modify-write outside a transaction.
//
// Implementations:
//   - MemStore: in-memory, for tests and single-process development
//   - PostgresStore: production backend (see postgres.go)
package store

import (
	"context"

	"github.com/dshills/flowexec-go/exec"
)

// Store is the execution registry port.
type Store interface {
	// Create inserts a new execution record. Returns exec.ErrConflict if
	// the execution ID is already present.
	Create(ctx context.Context, row *exec.Execution) error

	// Get returns the execution record, or exec.ErrNotFound.
	Get(ctx context.Context, executionID string) (*exec.Execution, error)

	// List returns executions matching the filter, newest first.
	List(ctx context.Context, filter ListFilter) ([]*exec.Execution, error)

	// UpdateStatus applies one status transition. It returns true iff a
	// row was modified. Illegal transitions (including any transition out
	// of a terminal status) are a no-op returning false; callers log them.
	UpdateStatus(ctx context.Context, upd exec.StatusUpdate) (bool, error)

	// ClaimExecution attempts to acquire the exclusive claim for an
	// execution. It returns true iff no active claim exists, or an active
	// claim had already expired and was atomically replaced. On success an
	// active claim with expiresAt = now + ttl is written. The whole
	// operation is a single transaction.
	ClaimExecution(ctx context.Context, executionID, workerID string, ttlMs int64) (bool, error)

	// ExtendClaim resets expiresAt and heartbeatAt iff the caller holds
	// the active claim. A false return means ownership was lost and the
	// caller must abort work.
	ExtendClaim(ctx context.Context, executionID, workerID string, ttlMs int64) (bool, error)

	// ReleaseExecution marks the claim released. Idempotent; a no-op when
	// the caller is not the owner.
	ReleaseExecution(ctx context.Context, executionID, workerID string) error

	// ExpireOldClaims marks every active claim with expiresAt < now as
	// expired and returns the count.
	ExpireOldClaims(ctx context.Context) (int, error)

	// GetClaim returns the current claim row for an execution, or
	// exec.ErrNotFound when none was ever written.
	GetClaim(ctx context.Context, executionID string) (*exec.Claim, error)

	// IncrementRecoveryCount bumps the per-execution recovery counter and
	// returns the new value. Used by the recovery sweeper's failure cap.
	IncrementRecoveryCount(ctx context.Context, executionID string) (int, error)

	// Close releases the backing resources.
	Close() error
}

// ListFilter narrows List results. Zero values mean "no constraint".
type ListFilter struct {
	FlowID            string
	Status            exec.Status
	ParentExecutionID string
	Limit             int
	Offset            int
}
