// Package flow defines the workflow model consumed by the execution
// plane: immutable graphs of nodes and edges, the registry that maps node
// types to runnable implementations, flow loading, and the engine
// capability the worker drives.
//
// The package also ships GraphEngine, a sequential reference engine that
// walks a flow from its entry node, emits the full execution event
// vocabulary, and supports the pause/step/stop debugger protocol.
package flow

import (
	"fmt"
	"time"
)

// Flow is a static graph of nodes and edges. It is immutable for the
// duration of an execution.
type Flow struct {
	ID          string         `json:"id" yaml:"id"`
	Name        string         `json:"name,omitempty" yaml:"name,omitempty"`
	EntryNodeID string         `json:"entryNodeId" yaml:"entry_node_id"`
	Nodes       []NodeSpec     `json:"nodes" yaml:"nodes"`
	Edges       []EdgeSpec     `json:"edges,omitempty" yaml:"edges,omitempty"`
	Timeout     time.Duration  `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// NodeSpec declares one node of a flow. Type selects the runner through
// the Registry; Config is passed to the runner factory.
type NodeSpec struct {
	ID      string         `json:"id" yaml:"id"`
	Type    string         `json:"type" yaml:"type"`
	Config  map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
	Timeout time.Duration  `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// EdgeSpec declares a directed transition between two nodes. An empty
// Condition always traverses; otherwise the edge traverses only when the
// named state key holds a truthy value after the source node ran.
type EdgeSpec struct {
	ID        string `json:"id,omitempty" yaml:"id,omitempty"`
	From      string `json:"from" yaml:"from"`
	To        string `json:"to" yaml:"to"`
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`
}

// Validate checks the structural invariants of a flow: a non-empty ID,
// unique node IDs, an entry node that exists, and edges that reference
// known nodes.
func (f *Flow) Validate() error {
	if f.ID == "" {
		return fmt.Errorf("flow ID cannot be empty")
	}
	if len(f.Nodes) == 0 {
		return fmt.Errorf("flow %s has no nodes", f.ID)
	}

	seen := make(map[string]struct{}, len(f.Nodes))
	for _, n := range f.Nodes {
		if n.ID == "" {
			return fmt.Errorf("flow %s: node ID cannot be empty", f.ID)
		}
		if n.Type == "" {
			return fmt.Errorf("flow %s: node %s has no type", f.ID, n.ID)
		}
		if _, dup := seen[n.ID]; dup {
			return fmt.Errorf("flow %s: duplicate node ID %s", f.ID, n.ID)
		}
		seen[n.ID] = struct{}{}
	}

	if f.EntryNodeID == "" {
		return fmt.Errorf("flow %s: entry node not set", f.ID)
	}
	if _, ok := seen[f.EntryNodeID]; !ok {
		return fmt.Errorf("flow %s: entry node %s does not exist", f.ID, f.EntryNodeID)
	}

	for _, e := range f.Edges {
		if _, ok := seen[e.From]; !ok {
			return fmt.Errorf("flow %s: edge %s references unknown source node %s", f.ID, e.ID, e.From)
		}
		if _, ok := seen[e.To]; !ok {
			return fmt.Errorf("flow %s: edge %s references unknown target node %s", f.ID, e.ID, e.To)
		}
	}
	return nil
}

// Node returns the spec for the given node ID, or nil when absent.
func (f *Flow) Node(id string) *NodeSpec {
	for i := range f.Nodes {
		if f.Nodes[i].ID == id {
			return &f.Nodes[i]
		}
	}
	return nil
}

// EdgesFrom returns the outgoing edges of a node in declaration order.
func (f *Flow) EdgesFrom(id string) []EdgeSpec {
	var out []EdgeSpec
	for _, e := range f.Edges {
		if e.From == id {
			out = append(out, e)
		}
	}
	return out
}
