package stores

import (
	"context"
	"testing"

	"github.com/queuetue/phasor/pkg/engine"
)

func TestMemoryStore_LoadUnknownPlanYieldsEmptyState(t *testing.T) {
	store := NewMemoryStore()

	state, err := store.LoadPlanState(context.Background(), "plan.yaml")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(state.Phases) != 0 {
		t.Errorf("Expected empty state, got %d records", len(state.Phases))
	}
}

func TestMemoryStore_SaveAndLoadAreIsolated(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	saved := testState("plan.yaml")
	if err := store.SavePlanState(ctx, saved); err != nil {
		t.Fatalf("SavePlanState failed: %v", err)
	}

	// Mutating the caller's state after save must not affect the store.
	saved.Phases["preflight"].Status = engine.StatusFailed
	saved.Phases["preflight"].Resources[0].Labels["tier"] = "mutated"

	loaded, err := store.LoadPlanState(ctx, "plan.yaml")
	if err != nil {
		t.Fatalf("LoadPlanState failed: %v", err)
	}
	rec, ok := loaded.Record("preflight")
	if !ok {
		t.Fatal("preflight record missing")
	}
	if rec.Status != engine.StatusSucceeded {
		t.Errorf("Store should hold its own copy, got status %s", rec.Status)
	}
	if rec.Resources[0].Labels["tier"] != "core" {
		t.Errorf("Snapshot labels should be copied, got %v", rec.Resources[0].Labels)
	}

	// Mutating a loaded record must not affect the next load.
	rec.Status = engine.StatusAborted
	reloaded, _ := store.LoadPlanState(ctx, "plan.yaml")
	again, _ := reloaded.Record("preflight")
	if again.Status != engine.StatusSucceeded {
		t.Errorf("Loaded state should be a copy, got status %s", again.Status)
	}
}

func TestMemoryStore_RecordPhaseCreatesPlan(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	record := &engine.PhaseRecord{
		Phase:  "deploy",
		Status: engine.StatusSucceeded,
		RunID:  "run-1",
	}
	if err := store.RecordPhase(ctx, "plan.yaml", record); err != nil {
		t.Fatalf("RecordPhase failed: %v", err)
	}

	state, err := store.LoadPlanState(ctx, "plan.yaml")
	if err != nil {
		t.Fatalf("LoadPlanState failed: %v", err)
	}
	if _, ok := state.Record("deploy"); !ok {
		t.Error("Expected deploy record after RecordPhase on a fresh plan")
	}
	if state.LastRunID != "run-1" {
		t.Errorf("Expected last run id run-1, got %q", state.LastRunID)
	}
}

func TestMemoryStore_EventsPerRun(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for _, runID := range []string{"run-1", "run-1", "run-2"} {
		if err := store.AppendEvent(ctx, &engine.Event{ID: runID + "-e", RunID: runID, Type: engine.EventPhaseStarted}); err != nil {
			t.Fatalf("AppendEvent failed: %v", err)
		}
	}

	events, err := store.ListEvents(ctx, "run-1")
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(events) != 2 {
		t.Errorf("Expected 2 events for run-1, got %d", len(events))
	}
}
