package flow

import (
	"context"
	"errors"
	"testing"
)

func linearFlow() *Flow {
	return &Flow{
		ID:          "f1",
		EntryNodeID: "a",
		Nodes: []NodeSpec{
			{ID: "a", Type: "noop"},
			{ID: "b", Type: "noop"},
		},
		Edges: []EdgeSpec{{From: "a", To: "b"}},
	}
}

func TestFlowValidate(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		if err := linearFlow().Validate(); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})

	t.Run("duplicate node ID", func(t *testing.T) {
		f := linearFlow()
		f.Nodes = append(f.Nodes, NodeSpec{ID: "a", Type: "noop"})
		if err := f.Validate(); err == nil {
			t.Error("expected error for duplicate node ID")
		}
	})

	t.Run("missing entry", func(t *testing.T) {
		f := linearFlow()
		f.EntryNodeID = "missing"
		if err := f.Validate(); err == nil {
			t.Error("expected error for unknown entry node")
		}
	})

	t.Run("edge to unknown node", func(t *testing.T) {
		f := linearFlow()
		f.Edges = append(f.Edges, EdgeSpec{From: "b", To: "ghost"})
		if err := f.Validate(); err == nil {
			t.Error("expected error for edge to unknown node")
		}
	})

	t.Run("no nodes", func(t *testing.T) {
		f := &Flow{ID: "empty"}
		if err := f.Validate(); err == nil {
			t.Error("expected error for empty flow")
		}
	})
}

func TestRegistry(t *testing.T) {
	noop := func(NodeSpec) (Runner, error) {
		return RunnerFunc(func(_ context.Context, s State) (State, error) { return s, nil }), nil
	}

	t.Run("register and resolve", func(t *testing.T) {
		reg := NewRegistry()
		if err := reg.Register("noop", noop); err != nil {
			t.Fatalf("register: %v", err)
		}
		if _, err := reg.Resolve(NodeSpec{ID: "n", Type: "noop"}); err != nil {
			t.Errorf("resolve: %v", err)
		}
	})

	t.Run("duplicate registration", func(t *testing.T) {
		reg := NewRegistry()
		if err := reg.Register("noop", noop); err != nil {
			t.Fatalf("register: %v", err)
		}
		if err := reg.Register("noop", noop); err == nil {
			t.Error("expected error re-registering a node type")
		}
	})

	t.Run("unknown type", func(t *testing.T) {
		reg := NewRegistry()
		if _, err := reg.Resolve(NodeSpec{ID: "n", Type: "mystery"}); err == nil {
			t.Error("unknown node type must be a load-time error")
		}
	})
}

func TestMemLoader(t *testing.T) {
	loader := NewMemLoader()
	if err := loader.Put(linearFlow()); err != nil {
		t.Fatalf("put: %v", err)
	}

	t.Run("found", func(t *testing.T) {
		f, err := loader.LoadFlow(context.Background(), "f1")
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if f.ID != "f1" {
			t.Errorf("loaded flow ID = %s, want f1", f.ID)
		}
	})

	t.Run("not found", func(t *testing.T) {
		_, err := loader.LoadFlow(context.Background(), "nope")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("err = %v, want ErrNotFound", err)
		}
	})

	t.Run("rejects invalid flow", func(t *testing.T) {
		if err := loader.Put(&Flow{ID: "bad"}); err == nil {
			t.Error("expected validation error")
		}
	})
}

func TestStateTruthy(t *testing.T) {
	s := State{
		"yes":   true,
		"no":    false,
		"text":  "x",
		"empty": "",
		"n":     3,
		"zero":  0,
		"f":     1.5,
	}
	for key, want := range map[string]bool{
		"yes": true, "no": false,
		"text": true, "empty": false,
		"n": true, "zero": false,
		"f": true, "absent": false,
	} {
		if got := s.Truthy(key); got != want {
			t.Errorf("Truthy(%s) = %v, want %v", key, got, want)
		}
	}
}
