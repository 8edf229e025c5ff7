package exec

import "time"

// Default retry parameters applied by the worker when a task arrives with
// zero values.
const (
	DefaultMaxRetries   = 3
	DefaultRetryDelayMs = 1000
)

// RetryAttempt records one failed attempt of a task. The history travels
// with the task payload so that a different worker can pick up the retry
// with full context; no retry state is kept in worker memory.
type RetryAttempt struct {
	Attempt   int       `json:"attempt"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
	WorkerID  string    `json:"workerId"`
}

// Task is the queue payload that schedules one attempt of an execution.
// ExecutionID doubles as the partition key: tasks for the same execution
// are delivered in enqueue order to at most one consumer at a time.
type Task struct {
	ExecutionID       string         `json:"executionId"`
	FlowID            string         `json:"flowId"`
	Timestamp         time.Time      `json:"timestamp"`
	RetryCount        int            `json:"retryCount"`
	MaxRetries        int            `json:"maxRetries"`
	RetryDelayMs      int            `json:"retryDelayMs"`
	RetryHistory      []RetryAttempt `json:"retryHistory,omitempty"`
	Debug             bool           `json:"debug,omitempty"`
	Breakpoints       []string       `json:"breakpoints,omitempty"`
	ExecutionDepth    int            `json:"executionDepth"`
	ParentExecutionID string         `json:"parentExecutionId,omitempty"`
	RootExecutionID   string         `json:"rootExecutionId,omitempty"`
	Integrations      map[string]any `json:"integrations,omitempty"`
	EventTrigger      map[string]any `json:"eventTrigger,omitempty"`
}

// ApplyDefaults fills zero-valued retry parameters. Called once per
// delivery before any other processing.
func (t *Task) ApplyDefaults() {
	if t.MaxRetries == 0 {
		t.MaxRetries = DefaultMaxRetries
	}
	if t.RetryDelayMs == 0 {
		t.RetryDelayMs = DefaultRetryDelayMs
	}
}

// RetryDelay computes the exponential backoff before the attempt numbered
// by RetryCount: delay = retryDelayMs * 2^(retryCount-1). RetryCount must
// already be incremented for the upcoming attempt.
func (t *Task) RetryDelay() time.Duration {
	if t.RetryCount < 1 {
		return time.Duration(t.RetryDelayMs) * time.Millisecond
	}
	return time.Duration(t.RetryDelayMs) * time.Millisecond << (t.RetryCount - 1)
}

// RetryBudgetLeft reports whether another retry attempt is allowed.
func (t *Task) RetryBudgetLeft() bool {
	return t.RetryCount < t.MaxRetries
}
