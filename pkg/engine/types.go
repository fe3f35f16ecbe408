package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Resource is an externally supplied object a phase can bind to.
type Resource struct {
	// Kind is the resource type (e.g., "service", "bucket").
	Kind string `json:"kind" yaml:"kind"`

	// ID is the unique identifier within the registry.
	ID string `json:"id" yaml:"id"`

	// Spec is the desired configuration for this resource.
	Spec map[string]interface{} `json:"spec,omitempty" yaml:"spec,omitempty"`

	// Labels are key-value pairs phases select on.
	Labels map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`
}

// Key returns the registry-unique identity of the resource.
func (r *Resource) Key() string {
	return r.Kind + "/" + r.ID
}

// Clone returns a deep-enough copy so handler label merges never mutate the
// registry's view of a resource.
func (r *Resource) Clone() *Resource {
	c := &Resource{Kind: r.Kind, ID: r.ID}
	if r.Spec != nil {
		c.Spec = make(map[string]interface{}, len(r.Spec))
		for k, v := range r.Spec {
			c.Spec[k] = v
		}
	}
	if r.Labels != nil {
		c.Labels = make(map[string]string, len(r.Labels))
		for k, v := range r.Labels {
			c.Labels[k] = v
		}
	}
	return c
}

// Hash returns a stable digest of the resource's spec and labels. Map keys
// are sorted so the digest does not depend on iteration order.
func (r *Resource) Hash() string {
	h := sha256.New()
	fmt.Fprintf(h, "resource:%s\n", r.Key())
	writeSortedJSON(h, "spec", r.Spec)
	labels := make(map[string]interface{}, len(r.Labels))
	for k, v := range r.Labels {
		labels[k] = v
	}
	writeSortedJSON(h, "labels", labels)
	return hex.EncodeToString(h.Sum(nil))
}

func writeSortedJSON(h interface{ Write([]byte) (int, error) }, section string, m map[string]interface{}) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Fprintf(h, "%s:\n", section)
	for _, k := range keys {
		b, err := json.Marshal(m[k])
		if err != nil {
			// Unencodable values still need a deterministic digest.
			b = []byte(fmt.Sprintf("%v", m[k]))
		}
		fmt.Fprintf(h, "  %s=%s\n", k, b)
	}
}

// PhaseResult is the per-phase record in the final report.
type PhaseResult struct {
	// Phase is the phase id.
	Phase string `json:"phase"`

	// Status is the terminal status the phase reached.
	Status PhaseStatus `json:"status"`

	// Attempts is how many apply attempts ran. Zero for phases that never
	// applied.
	Attempts int `json:"attempts"`

	// Resources are the keys of the resources the phase bound to.
	Resources []string `json:"resources,omitempty"`

	// StartedAt is when the phase left the waiting state.
	StartedAt time.Time `json:"started_at,omitzero"`

	// CompletedAt is when the phase reached its terminal status.
	CompletedAt time.Time `json:"completed_at,omitzero"`

	// Duration is the total time the phase spent applying.
	Duration time.Duration `json:"duration"`

	// Error is the terminal error for failed, degraded, or aborted phases.
	Error *EngineError `json:"error,omitempty"`
}

// Report is the reconciliation outcome returned alongside final state.
type Report struct {
	// RunID is the unique identifier of this run.
	RunID string `json:"run_id"`

	// PlanSource identifies the plan document that was applied.
	PlanSource string `json:"plan_source"`

	// Status is the overall run outcome.
	Status RunStatus `json:"status"`

	// StartedAt is when the run started.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the run finished.
	CompletedAt time.Time `json:"completed_at"`

	// Phases holds every phase's result in topological order.
	Phases []PhaseResult `json:"phases"`

	// Summary provides counters over the phase results.
	Summary ReportSummary `json:"summary"`
}

// ReportSummary counts phases by terminal status.
type ReportSummary struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Degraded  int `json:"degraded"`
	Deferred  int `json:"deferred"`
	Aborted   int `json:"aborted"`
	Skipped   int `json:"skipped"`
}

// Result returns the result for a phase, if present.
func (r *Report) Result(phase string) (*PhaseResult, bool) {
	for i := range r.Phases {
		if r.Phases[i].Phase == phase {
			return &r.Phases[i], true
		}
	}
	return nil, false
}

// summarize recomputes the summary from the phase results.
func (r *Report) summarize() {
	s := ReportSummary{Total: len(r.Phases)}
	for _, pr := range r.Phases {
		switch pr.Status {
		case StatusSucceeded:
			s.Succeeded++
		case StatusFailed:
			s.Failed++
		case StatusDegraded:
			s.Degraded++
		case StatusDeferred:
			s.Deferred++
		case StatusAborted:
			s.Aborted++
		case StatusSkipped:
			s.Skipped++
		}
	}
	r.Summary = s
}

// Event is a timeline entry recorded during a run.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Type is the type of event.
	Type EventType `json:"type"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// RunID is the run this event belongs to.
	RunID string `json:"run_id"`

	// Phase is the phase id, if applicable.
	Phase string `json:"phase,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Details contains additional event-specific data.
	Details map[string]interface{} `json:"details,omitempty"`
}
