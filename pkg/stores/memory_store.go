package stores

import (
	"context"
	"sync"

	"github.com/queuetue/phasor/pkg/engine"
)

// MemoryStore implements engine.StateStore in process memory. State does
// not survive the process; it exists for tests and one-shot dry runs.
type MemoryStore struct {
	mu     sync.Mutex
	plans  map[string]*engine.PlanState
	events map[string][]*engine.Event
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		plans:  make(map[string]*engine.PlanState),
		events: make(map[string][]*engine.Event),
	}
}

// LoadPlanState returns a copy of the stored state, or a fresh empty state.
func (s *MemoryStore) LoadPlanState(_ context.Context, planSource string) (*engine.PlanState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.plans[planSource]
	if !ok {
		return &engine.PlanState{
			PlanSource: planSource,
			Phases:     make(map[string]*engine.PhaseRecord),
		}, nil
	}
	return copyState(stored), nil
}

// SavePlanState replaces the stored state for a plan.
func (s *MemoryStore) SavePlanState(_ context.Context, state *engine.PlanState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans[state.PlanSource] = copyState(state)
	return nil
}

// RecordPhase upserts one phase's record.
func (s *MemoryStore) RecordPhase(_ context.Context, planSource string, record *engine.PhaseRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.plans[planSource]
	if !ok {
		state = &engine.PlanState{
			PlanSource: planSource,
			Phases:     make(map[string]*engine.PhaseRecord),
		}
		s.plans[planSource] = state
	}
	c := *record
	state.Phases[record.Phase] = &c
	state.LastRunID = record.RunID
	return nil
}

// AppendEvent records a timeline event.
func (s *MemoryStore) AppendEvent(_ context.Context, event *engine.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *event
	s.events[event.RunID] = append(s.events[event.RunID], &c)
	return nil
}

// ListEvents returns the timeline for a run in append order.
func (s *MemoryStore) ListEvents(_ context.Context, runID string) ([]*engine.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	events := s.events[runID]
	out := make([]*engine.Event, len(events))
	copy(out, events)
	return out, nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

func copyState(state *engine.PlanState) *engine.PlanState {
	c := &engine.PlanState{
		PlanSource: state.PlanSource,
		LastRunID:  state.LastRunID,
		Phases:     make(map[string]*engine.PhaseRecord, len(state.Phases)),
	}
	for id, record := range state.Phases {
		r := *record
		r.Resources = copySnapshots(record.Resources)
		c.Phases[id] = &r
	}
	return c
}

func copySnapshots(snapshots []engine.ResourceSnapshot) []engine.ResourceSnapshot {
	if snapshots == nil {
		return nil
	}
	out := make([]engine.ResourceSnapshot, len(snapshots))
	for i, s := range snapshots {
		c := s
		if s.Spec != nil {
			c.Spec = make(map[string]interface{}, len(s.Spec))
			for k, v := range s.Spec {
				c.Spec[k] = v
			}
		}
		if s.Labels != nil {
			c.Labels = make(map[string]string, len(s.Labels))
			for k, v := range s.Labels {
				c.Labels[k] = v
			}
		}
		out[i] = c
	}
	return out
}
