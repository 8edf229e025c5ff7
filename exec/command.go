package exec

import "time"

// CommandType enumerates the control commands accepted by the command bus.
type CommandType string

const (
	CommandCreate    CommandType = "CREATE"
	CommandStart     CommandType = "START"
	CommandStop      CommandType = "STOP"
	CommandPause     CommandType = "PAUSE"
	CommandResume    CommandType = "RESUME"
	CommandStep      CommandType = "STEP"
	CommandHeartbeat CommandType = "HEARTBEAT"
)

// Command is a control-plane message keyed by execution. Commands are
// idempotent by ID: a consumer that has already applied a command ID
// ignores redeliveries of the same ID.
type Command struct {
	ID          string         `json:"id"`
	ExecutionID string         `json:"executionId"`
	Command     CommandType    `json:"command"`
	Payload     CommandPayload `json:"payload,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	IssuedBy    string         `json:"issuedBy,omitempty"`
}

// CommandPayload carries command-specific arguments.
type CommandPayload struct {
	Reason string `json:"reason,omitempty"`
	FlowID string `json:"flowId,omitempty"`
	NodeID string `json:"nodeId,omitempty"`
}
