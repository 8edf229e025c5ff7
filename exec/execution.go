// Package exec defines the core data model for the flow execution
// coordination plane: execution records, claims, tasks, commands, and the
// per-execution event stream.
//
// The package is transport-agnostic. Durable behavior lives behind the
// ports in the subpackages (store, queue, cmdbus, eventbus); this package
// only models state and the legal transitions between states.
package exec

import "time"

// Status is the lifecycle state of an execution.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusCreating  Status = "creating"
	StatusCreated   Status = "created"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusStopped   Status = "stopped"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// IsTerminal reports whether the status is absorbing. Once an execution
// reaches a terminal status, no further transition is legal.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusStopped:
		return true
	default:
		return false
	}
}

// legalTransitions encodes the execution state machine:
//
//	Idle → Creating → Created → Running → {Completed, Failed, Paused, Stopped}
//	Paused → {Running, Stopped, Failed}
//	Created → Failed (pre-start failure)
//
// A retry resets a failed attempt to Created, which re-enters the machine
// through Created → Running.
var legalTransitions = map[Status][]Status{
	StatusIdle:     {StatusCreating},
	StatusCreating: {StatusCreated},
	StatusCreated:  {StatusRunning, StatusFailed, StatusStopped},
	StatusRunning:  {StatusCompleted, StatusFailed, StatusPaused, StatusStopped},
	StatusPaused:   {StatusRunning, StatusStopped, StatusFailed},
}

// CanTransition reports whether moving from one status to another is legal.
// Self-transitions are not legal; terminal statuses accept nothing.
//
// The one transition outside the table is retry: Failed attempts are reset
// to Created by republishing the task, but that path goes through the
// store's retry reset, not through UpdateStatus.
func CanTransition(from, to Status) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Execution is the durable record of one run of one flow. It is the single
// serialisation point for lifecycle state: all mutation goes through the
// store's atomic operations.
type Execution struct {
	ID                string         `db:"id" json:"executionId"`
	FlowID            string         `db:"flow_id" json:"flowId"`
	Status            Status         `db:"status" json:"status"`
	ParentExecutionID string         `db:"parent_id" json:"parentExecutionId,omitempty"`
	RootExecutionID   string         `db:"root_id" json:"rootExecutionId,omitempty"`
	Depth             int            `db:"depth" json:"executionDepth"`
	ErrorMessage      string         `db:"error_message" json:"errorMessage,omitempty"`
	ErrorNodeID       string         `db:"error_node_id" json:"errorNodeId,omitempty"`
	RecoveryCount     int            `db:"recovery_count" json:"recoveryCount,omitempty"`
	CreatedAt         time.Time      `db:"created_at" json:"createdAt"`
	StartedAt         *time.Time     `db:"started_at" json:"startedAt,omitempty"`
	CompletedAt       *time.Time     `db:"completed_at" json:"completedAt,omitempty"`
	Integrations      map[string]any `db:"-" json:"integrations,omitempty"`
}

// ClaimStatus is the lifecycle state of a worker's claim on an execution.
type ClaimStatus string

const (
	ClaimActive   ClaimStatus = "active"
	ClaimReleased ClaimStatus = "released"
	ClaimExpired  ClaimStatus = "expired"
)

// Claim is an exclusive, time-bounded lease held by a worker on an
// execution. At most one active claim exists per execution at any instant;
// the store enforces this atomically.
type Claim struct {
	ExecutionID string      `db:"execution_id" json:"executionId"`
	WorkerID    string      `db:"worker_id" json:"workerId"`
	Status      ClaimStatus `db:"status" json:"status"`
	ExpiresAt   time.Time   `db:"expires_at" json:"expiresAt"`
	HeartbeatAt time.Time   `db:"heartbeat_at" json:"heartbeatAt"`
}

// Active reports whether the claim is live at the given instant.
func (c *Claim) Active(now time.Time) bool {
	return c != nil && c.Status == ClaimActive && c.ExpiresAt.After(now)
}

// StatusUpdate carries one status transition for an execution. Optional
// fields are applied only when non-zero.
type StatusUpdate struct {
	ExecutionID  string
	Status       Status
	ErrorMessage string
	ErrorNodeID  string
	StartedAt    *time.Time
	CompletedAt  *time.Time
}
