package runstate

import (
	"path/filepath"
	"testing"
)

func TestStore_RoundTrip(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "state", "run.json"))

	run := NewRun()
	run.CurrentPhase = "research"
	run.IterationCount = 1
	run.PendingWork = []WorkItem{{Agent: "scout", Description: "chase the missing spec"}}
	run.PhaseHistory = append(run.PhaseHistory, PhaseRecord{
		Phase: "discovery", Iteration: 0, GateSatisfied: true,
	})

	if err := store.Save(run); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if loaded.ID != run.ID {
		t.Errorf("id lost: %q vs %q", loaded.ID, run.ID)
	}
	if loaded.CurrentPhase != "research" || loaded.IterationCount != 1 {
		t.Errorf("state lost: %+v", loaded)
	}
	if len(loaded.PendingWork) != 1 || loaded.PendingWork[0].Agent != "scout" {
		t.Errorf("pending work lost: %+v", loaded.PendingWork)
	}
	if loaded.UpdatedAt.IsZero() {
		t.Error("updatedAt not stamped")
	}
}

func TestStore_LoadMissingIsNil(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "never.json"))
	run, err := store.Load()
	if err != nil {
		t.Fatalf("load of missing state should not error: %v", err)
	}
	if run != nil {
		t.Error("expected nil run for missing state")
	}
}

func TestNewRun(t *testing.T) {
	a, b := NewRun(), NewRun()
	if a.ID == b.ID {
		t.Error("run IDs must be unique")
	}
	if a.State != StateRunning || a.Terminal {
		t.Errorf("new run should be running and non-terminal: %+v", a)
	}
}
