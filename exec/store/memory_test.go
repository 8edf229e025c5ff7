package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dshills/flowexec-go/exec"
)

func TestMemStoreCreateAndGet(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	t.Run("create then get", func(t *testing.T) {
		row := &exec.Execution{ID: "e1", FlowID: "f1", Status: exec.StatusCreated}
		if err := s.Create(ctx, row); err != nil {
			t.Fatalf("create: %v", err)
		}
		got, err := s.Get(ctx, "e1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.FlowID != "f1" || got.Status != exec.StatusCreated {
			t.Errorf("unexpected row: %+v", got)
		}
		if got.CreatedAt.IsZero() {
			t.Error("CreatedAt should be stamped")
		}
	})

	t.Run("duplicate id conflicts", func(t *testing.T) {
		err := s.Create(ctx, &exec.Execution{ID: "e1", FlowID: "f2"})
		if err != exec.ErrConflict {
			t.Errorf("err = %v, want ErrConflict", err)
		}
	})

	t.Run("missing id not found", func(t *testing.T) {
		if _, err := s.Get(ctx, "nope"); err != exec.ErrNotFound {
			t.Errorf("err = %v, want ErrNotFound", err)
		}
	})
}

func TestMemStoreUpdateStatus(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	mustCreate(t, s, "e1", exec.StatusCreated)

	t.Run("legal transition", func(t *testing.T) {
		now := time.Now()
		ok, err := s.UpdateStatus(ctx, exec.StatusUpdate{
			ExecutionID: "e1", Status: exec.StatusRunning, StartedAt: &now,
		})
		if err != nil || !ok {
			t.Fatalf("ok=%v err=%v, want true,nil", ok, err)
		}
		row, _ := s.Get(ctx, "e1")
		if row.Status != exec.StatusRunning || row.StartedAt == nil {
			t.Errorf("row = %+v", row)
		}
	})

	t.Run("illegal transition is a no-op", func(t *testing.T) {
		ok, err := s.UpdateStatus(ctx, exec.StatusUpdate{ExecutionID: "e1", Status: exec.StatusCreating})
		if err != nil {
			t.Fatalf("err: %v", err)
		}
		if ok {
			t.Error("illegal transition should return false")
		}
		row, _ := s.Get(ctx, "e1")
		if row.Status != exec.StatusRunning {
			t.Errorf("status mutated to %s", row.Status)
		}
	})

	t.Run("terminal status transitions exactly once", func(t *testing.T) {
		now := time.Now()
		ok, _ := s.UpdateStatus(ctx, exec.StatusUpdate{
			ExecutionID: "e1", Status: exec.StatusCompleted, CompletedAt: &now,
		})
		if !ok {
			t.Fatal("Running -> Completed should succeed")
		}
		// Subsequent attempts are no-ops.
		ok, _ = s.UpdateStatus(ctx, exec.StatusUpdate{ExecutionID: "e1", Status: exec.StatusFailed})
		if ok {
			t.Error("terminal row must not transition again")
		}
	})

	t.Run("retry resets Running to Created", func(t *testing.T) {
		mustCreate(t, s, "e2", exec.StatusCreated)
		s.UpdateStatus(ctx, exec.StatusUpdate{ExecutionID: "e2", Status: exec.StatusRunning})
		ok, _ := s.UpdateStatus(ctx, exec.StatusUpdate{
			ExecutionID: "e2", Status: exec.StatusCreated, ErrorMessage: "attempt 1 failed",
		})
		if !ok {
			t.Fatal("retry reset Running -> Created should succeed")
		}
		row, _ := s.Get(ctx, "e2")
		if row.ErrorMessage != "attempt 1 failed" {
			t.Errorf("error message = %q", row.ErrorMessage)
		}
	})
}

func TestMemStoreClaims(t *testing.T) {
	ctx := context.Background()

	t.Run("at most one active claim", func(t *testing.T) {
		s := NewMemStore()
		ok1, _ := s.ClaimExecution(ctx, "e1", "w1", 30000)
		ok2, _ := s.ClaimExecution(ctx, "e1", "w2", 30000)
		if !ok1 || ok2 {
			t.Errorf("claims = (%v,%v), want (true,false)", ok1, ok2)
		}
	})

	t.Run("concurrent contention has exactly one winner", func(t *testing.T) {
		s := NewMemStore()
		const workers = 16
		var wins int
		var mu sync.Mutex
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, _ := s.ClaimExecution(ctx, "e1", "w", 30000)
				if ok {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		if wins != 1 {
			t.Errorf("wins = %d, want exactly 1", wins)
		}
	})

	t.Run("expired claim is atomically replaced", func(t *testing.T) {
		s := NewMemStore()
		now := time.Now()
		s.SetClock(func() time.Time { return now })

		if ok, _ := s.ClaimExecution(ctx, "e1", "w1", 1000); !ok {
			t.Fatal("first claim should succeed")
		}
		// Advance past the TTL; the stale claim is replaced in one step.
		now = now.Add(2 * time.Second)
		ok, _ := s.ClaimExecution(ctx, "e1", "w2", 1000)
		if !ok {
			t.Fatal("claim over expired lease should succeed")
		}
		claim, _ := s.GetClaim(ctx, "e1")
		if claim.WorkerID != "w2" || claim.Status != exec.ClaimActive {
			t.Errorf("claim = %+v", claim)
		}
	})

	t.Run("extend requires live ownership", func(t *testing.T) {
		s := NewMemStore()
		now := time.Now()
		s.SetClock(func() time.Time { return now })

		s.ClaimExecution(ctx, "e1", "w1", 1000)
		if ok, _ := s.ExtendClaim(ctx, "e1", "w2", 1000); ok {
			t.Error("non-owner must not extend")
		}
		if ok, _ := s.ExtendClaim(ctx, "e1", "w1", 1000); !ok {
			t.Error("owner should extend a live claim")
		}
		// Miss the heartbeat window entirely.
		now = now.Add(5 * time.Second)
		if ok, _ := s.ExtendClaim(ctx, "e1", "w1", 1000); ok {
			t.Error("owner must not extend an expired claim")
		}
	})

	t.Run("release is idempotent and owner-only", func(t *testing.T) {
		s := NewMemStore()
		s.ClaimExecution(ctx, "e1", "w1", 30000)

		if err := s.ReleaseExecution(ctx, "e1", "w2"); err != nil {
			t.Fatalf("non-owner release should be a no-op, got %v", err)
		}
		claim, _ := s.GetClaim(ctx, "e1")
		if claim.Status != exec.ClaimActive {
			t.Error("non-owner release must not change the claim")
		}

		if err := s.ReleaseExecution(ctx, "e1", "w1"); err != nil {
			t.Fatalf("release: %v", err)
		}
		if err := s.ReleaseExecution(ctx, "e1", "w1"); err != nil {
			t.Fatalf("second release: %v", err)
		}
		claim, _ = s.GetClaim(ctx, "e1")
		if claim.Status != exec.ClaimReleased {
			t.Errorf("claim status = %s", claim.Status)
		}
	})

	t.Run("expireOldClaims sweeps every overdue claim", func(t *testing.T) {
		s := NewMemStore()
		now := time.Now()
		s.SetClock(func() time.Time { return now })

		s.ClaimExecution(ctx, "e1", "w1", 1000)
		s.ClaimExecution(ctx, "e2", "w1", 1000)
		s.ClaimExecution(ctx, "e3", "w1", 60000)

		now = now.Add(2 * time.Second)
		n, err := s.ExpireOldClaims(ctx)
		if err != nil {
			t.Fatalf("expire: %v", err)
		}
		if n != 2 {
			t.Errorf("expired = %d, want 2", n)
		}
		claim, _ := s.GetClaim(ctx, "e3")
		if claim.Status != exec.ClaimActive {
			t.Error("unexpired claim must stay active")
		}
	})
}

func TestMemStoreList(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	base := time.Now()
	for i, id := range []string{"e1", "e2", "e3"} {
		s.Create(ctx, &exec.Execution{
			ID: id, FlowID: "f1", Status: exec.StatusCreated,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
	}
	s.Create(ctx, &exec.Execution{ID: "x1", FlowID: "f2", Status: exec.StatusCompleted, CreatedAt: base})

	t.Run("filter by flow newest first", func(t *testing.T) {
		rows, err := s.List(ctx, ListFilter{FlowID: "f1"})
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(rows) != 3 || rows[0].ID != "e3" {
			t.Errorf("rows = %v", rowIDs(rows))
		}
	})

	t.Run("limit", func(t *testing.T) {
		rows, _ := s.List(ctx, ListFilter{FlowID: "f1", Limit: 2})
		if len(rows) != 2 {
			t.Errorf("len = %d, want 2", len(rows))
		}
	})

	t.Run("filter by status", func(t *testing.T) {
		rows, _ := s.List(ctx, ListFilter{Status: exec.StatusCompleted})
		if len(rows) != 1 || rows[0].ID != "x1" {
			t.Errorf("rows = %v", rowIDs(rows))
		}
	})
}

func TestMemStoreRecoveryCount(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	mustCreate(t, s, "e1", exec.StatusCreated)

	for want := 1; want <= 3; want++ {
		n, err := s.IncrementRecoveryCount(ctx, "e1")
		if err != nil || n != want {
			t.Fatalf("increment = (%d,%v), want (%d,nil)", n, err, want)
		}
	}
	if _, err := s.IncrementRecoveryCount(ctx, "missing"); err != exec.ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func mustCreate(t *testing.T, s *MemStore, id string, status exec.Status) {
	t.Helper()
	if err := s.Create(context.Background(), &exec.Execution{ID: id, FlowID: "f1", Status: status}); err != nil {
		t.Fatalf("create %s: %v", id, err)
	}
}

func rowIDs(rows []*exec.Execution) []string {
	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
	}
	return ids
}
