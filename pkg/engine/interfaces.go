package engine

import (
	"context"
)

// ResourceRegistry supplies the resources phases bind to. The engine treats
// its contents as read-only; handler label merges happen on copies.
type ResourceRegistry interface {
	// ListResources returns every resource the registry knows about.
	ListResources(ctx context.Context) ([]*Resource, error)
}

// Applier performs the actual work of a phase against its bound resources.
// The engine owns retries; an Applier implements a single attempt.
type Applier interface {
	// Apply runs one attempt for a phase. The resources slice holds copies
	// with any handler labels from earlier phases already merged in.
	Apply(ctx context.Context, phase string, resources []*Resource) error
}

// Notifier delivers handler notifications. Delivery failures are reported
// but never change a phase's outcome.
type Notifier interface {
	// Notify delivers a message to a target. Exactly one of Email or Slack
	// on the target is set.
	Notify(ctx context.Context, target NotifyTarget, message string) error
}

// NotifyTarget addresses a single notification delivery.
type NotifyTarget struct {
	// Email is a recipient address, when delivering by email.
	Email string `json:"email,omitempty"`

	// Slack is a channel or webhook identifier, when delivering to Slack.
	Slack string `json:"slack,omitempty"`
}

// StateStore persists run state between reconciliations. Implementations
// must serialize writes for the same phase; the engine may record different
// phases concurrently.
type StateStore interface {
	// LoadPlanState returns the prior state for a plan source, or a fresh
	// empty state when none exists.
	LoadPlanState(ctx context.Context, planSource string) (*PlanState, error)

	// SavePlanState persists the complete state for a plan source.
	SavePlanState(ctx context.Context, state *PlanState) error

	// RecordPhase upserts one phase's record within a plan's state.
	RecordPhase(ctx context.Context, planSource string, record *PhaseRecord) error

	// AppendEvent records a timeline event.
	AppendEvent(ctx context.Context, event *Event) error

	// ListEvents returns the timeline for a run in append order.
	ListEvents(ctx context.Context, runID string) ([]*Event, error)

	// Close releases any underlying resources.
	Close() error
}

// PlanState is the durable state of one plan across runs.
type PlanState struct {
	// PlanSource identifies the plan document.
	PlanSource string `json:"plan_source"`

	// LastRunID is the run that last wrote this state.
	LastRunID string `json:"last_run_id,omitempty"`

	// Phases maps phase id to its last known record.
	Phases map[string]*PhaseRecord `json:"phases"`
}

// Record returns the stored record for a phase, if any.
func (s *PlanState) Record(phase string) (*PhaseRecord, bool) {
	if s == nil || s.Phases == nil {
		return nil, false
	}
	r, ok := s.Phases[phase]
	return r, ok
}

// PhaseRecord is the durable per-phase outcome used for idempotence.
type PhaseRecord struct {
	// Phase is the phase id.
	Phase string `json:"phase"`

	// Status is the terminal status from the recording run.
	Status PhaseStatus `json:"status"`

	// AppliedHash digests the phase definition plus its bound resource
	// snapshots at the time of a successful apply. Empty for phases that
	// never succeeded.
	AppliedHash string `json:"applied_hash,omitempty"`

	// Resources snapshots the resources bound to the phase when it last
	// applied.
	Resources []ResourceSnapshot `json:"resources,omitempty"`

	// Attempts is how many apply attempts the recording run used.
	Attempts int `json:"attempts"`

	// RunID is the run that wrote this record.
	RunID string `json:"run_id"`

	// UpdatedAt is when the record was written.
	UpdatedAt int64 `json:"updated_at"`
}

// ResourceSnapshot is a resource's identity, spec, and labels captured at
// apply time.
type ResourceSnapshot struct {
	Kind   string                 `json:"kind"`
	ID     string                 `json:"id"`
	Spec   map[string]interface{} `json:"spec,omitempty"`
	Labels map[string]string      `json:"labels,omitempty"`
}

// Snapshot captures a resource's current shape.
func (r *Resource) Snapshot() ResourceSnapshot {
	c := r.Clone()
	return ResourceSnapshot{Kind: c.Kind, ID: c.ID, Spec: c.Spec, Labels: c.Labels}
}
