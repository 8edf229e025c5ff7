package eventbus

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/dshills/flowexec-go/exec"
)

// Record header keys shared by every backend.
const (
	HeaderPartitionHint = "partition-hint"
	HeaderExecutionID   = "execution-id"
)

// Partition derives the stable partition for an execution:
// xxhash(executionID) mod partitionCount.
//
// The mapping is fixed for the life of a cluster. Increasing the partition
// count breaks it for in-flight executions; resizing requires draining
// first (stop producers, let subscribers catch up, then resize).
func Partition(executionID string, partitionCount int32) int32 {
	if partitionCount <= 1 {
		return 0
	}
	return int32(xxhash.Sum64String(executionID) % uint64(partitionCount))
}

// envelope is the on-wire body of one event record.
type envelope struct {
	ExecutionID string      `json:"executionId"`
	Timestamp   time.Time   `json:"timestamp"`
	WorkerID    string      `json:"workerId,omitempty"`
	Event       *exec.Event `json:"event"`
}

// encodeEnvelope serialises the event body.
func encodeEnvelope(ev *exec.Event) ([]byte, error) {
	b, err := json.Marshal(envelope{
		ExecutionID: ev.ExecutionID,
		Timestamp:   ev.Timestamp,
		WorkerID:    ev.WorkerID,
		Event:       ev,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal event envelope: %w", err)
	}
	return b, nil
}

// decodeEnvelope deserialises a record body back into the event.
func decodeEnvelope(b []byte) (*exec.Event, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("unmarshal event envelope: %w", err)
	}
	if env.Event == nil {
		return nil, fmt.Errorf("event envelope without event body")
	}
	return env.Event, nil
}

// headerMatch is the stage-one filter: a cheap string comparison on the
// two required headers, done before any deserialisation. Records whose
// partition hint or execution ID disagree with the subscription target
// are discarded and counted as early-skipped.
func headerMatch(partitionHint, executionID string, wantPartition int32, wantExecutionID string) bool {
	if executionID != wantExecutionID {
		return false
	}
	return partitionHint == strconv.Itoa(int(wantPartition))
}

// filterRecord applies both filter stages to one raw record and returns
// the decoded event when it belongs to the target stream at or past
// fromIndex. earlySkipped reports a stage-one discard.
func filterRecord(partitionHint, executionID string, body []byte,
	wantPartition int32, wantExecutionID string, fromIndex int64,
) (ev *exec.Event, earlySkipped bool, err error) {
	if !headerMatch(partitionHint, executionID, wantPartition, wantExecutionID) {
		return nil, true, nil
	}
	decoded, err := decodeEnvelope(body)
	if err != nil {
		return nil, false, err
	}
	// Defence in depth: the payload must agree with the headers.
	if decoded.ExecutionID != wantExecutionID {
		return nil, false, nil
	}
	if decoded.Index < fromIndex {
		return nil, false, nil
	}
	return decoded, false, nil
}
