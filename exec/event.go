package exec

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType enumerates the fine-grained signals emitted during execution.
type EventType string

const (
	// Flow-level events.
	EventFlowSubscribed EventType = "FLOW_SUBSCRIBED"
	EventFlowStarted    EventType = "FLOW_STARTED"
	EventFlowCompleted  EventType = "FLOW_COMPLETED"
	EventFlowFailed     EventType = "FLOW_FAILED"
	EventFlowCancelled  EventType = "FLOW_CANCELLED"
	EventFlowPaused     EventType = "FLOW_PAUSED"
	EventFlowResumed    EventType = "FLOW_RESUMED"

	// Node-level events.
	EventNodeStarted        EventType = "NODE_STARTED"
	EventNodeBackgrounded   EventType = "NODE_BACKGROUNDED"
	EventNodeCompleted      EventType = "NODE_COMPLETED"
	EventNodeFailed         EventType = "NODE_FAILED"
	EventNodeSkipped        EventType = "NODE_SKIPPED"
	EventNodeStatusChanged  EventType = "NODE_STATUS_CHANGED"
	EventNodeDebugLogString EventType = "NODE_DEBUG_LOG_STRING"

	// Edge-level events.
	EventEdgeTransferStarted   EventType = "EDGE_TRANSFER_STARTED"
	EventEdgeTransferCompleted EventType = "EDGE_TRANSFER_COMPLETED"
	EventEdgeTransferFailed    EventType = "EDGE_TRANSFER_FAILED"

	// Debugger events.
	EventDebugBreakpointHit EventType = "DEBUG_BREAKPOINT_HIT"

	// Child execution lineage events.
	EventChildExecutionSpawned   EventType = "CHILD_EXECUTION_SPAWNED"
	EventChildExecutionCompleted EventType = "CHILD_EXECUTION_COMPLETED"
	EventChildExecutionFailed    EventType = "CHILD_EXECUTION_FAILED"
)

// EventData is the type-discriminated payload of an Event. Deserialisation
// is keyed on Event.Type; each shape in the closed set below implements
// the marker method.
type EventData interface {
	eventData()
}

// FlowEventData is the payload for FLOW_* events.
type FlowEventData struct {
	Reason string `json:"reason,omitempty"`
	Error  string `json:"error,omitempty"`
}

// NodeEventData is the payload for NODE_* events.
type NodeEventData struct {
	NodeID   string `json:"nodeId"`
	NodeType string `json:"nodeType,omitempty"`
	Status   string `json:"status,omitempty"`
	Message  string `json:"message,omitempty"`
	Error    string `json:"error,omitempty"`
}

// EdgeEventData is the payload for EDGE_TRANSFER_* events.
type EdgeEventData struct {
	EdgeID     string `json:"edgeId,omitempty"`
	FromNodeID string `json:"fromNodeId"`
	ToNodeID   string `json:"toNodeId"`
	Error      string `json:"error,omitempty"`
}

// BreakpointEventData is the payload for DEBUG_BREAKPOINT_HIT.
type BreakpointEventData struct {
	NodeID string `json:"nodeId"`
}

// ChildEventData is the payload for CHILD_EXECUTION_* events.
type ChildEventData struct {
	ChildExecutionID string `json:"childExecutionId"`
	FlowID           string `json:"flowId,omitempty"`
	Error            string `json:"error,omitempty"`
}

func (FlowEventData) eventData()       {}
func (NodeEventData) eventData()       {}
func (EdgeEventData) eventData()       {}
func (BreakpointEventData) eventData() {}
func (ChildEventData) eventData()      {}

// Event is one entry in an execution's append-only event stream. Index is
// monotonic per execution and per producer: it starts at 0, increases
// strictly, and has no gaps within one attempt.
type Event struct {
	ExecutionID string    `json:"executionId"`
	Index       int64     `json:"index"`
	Type        EventType `json:"type"`
	Timestamp   time.Time `json:"timestamp"`
	WorkerID    string    `json:"workerId,omitempty"`
	Data        EventData `json:"data,omitempty"`
}

// eventEnvelope mirrors Event with a raw payload for two-phase decoding.
type eventEnvelope struct {
	ExecutionID string          `json:"executionId"`
	Index       int64           `json:"index"`
	Type        EventType       `json:"type"`
	Timestamp   time.Time       `json:"timestamp"`
	WorkerID    string          `json:"workerId,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
}

// UnmarshalJSON decodes an event, selecting the Data shape from Type.
func (e *Event) UnmarshalJSON(b []byte) error {
	var env eventEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return err
	}
	e.ExecutionID = env.ExecutionID
	e.Index = env.Index
	e.Type = env.Type
	e.Timestamp = env.Timestamp
	e.WorkerID = env.WorkerID
	e.Data = nil

	if len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}

	data, err := decodeEventData(env.Type, env.Data)
	if err != nil {
		return err
	}
	e.Data = data
	return nil
}

func decodeEventData(t EventType, raw json.RawMessage) (EventData, error) {
	switch t {
	case EventFlowSubscribed, EventFlowStarted, EventFlowCompleted,
		EventFlowFailed, EventFlowCancelled, EventFlowPaused, EventFlowResumed:
		var d FlowEventData
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, fmt.Errorf("decode %s data: %w", t, err)
		}
		return d, nil
	case EventNodeStarted, EventNodeBackgrounded, EventNodeCompleted,
		EventNodeFailed, EventNodeSkipped, EventNodeStatusChanged,
		EventNodeDebugLogString:
		var d NodeEventData
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, fmt.Errorf("decode %s data: %w", t, err)
		}
		return d, nil
	case EventEdgeTransferStarted, EventEdgeTransferCompleted, EventEdgeTransferFailed:
		var d EdgeEventData
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, fmt.Errorf("decode %s data: %w", t, err)
		}
		return d, nil
	case EventDebugBreakpointHit:
		var d BreakpointEventData
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, fmt.Errorf("decode %s data: %w", t, err)
		}
		return d, nil
	case EventChildExecutionSpawned, EventChildExecutionCompleted, EventChildExecutionFailed:
		var d ChildEventData
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, fmt.Errorf("decode %s data: %w", t, err)
		}
		return d, nil
	default:
		return nil, fmt.Errorf("unknown event type %q", t)
	}
}
