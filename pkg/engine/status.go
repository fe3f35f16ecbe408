package engine

import (
	"encoding/json"
	"fmt"
)

// PhaseStatus represents the lifecycle state of a phase during a run.
type PhaseStatus string

const (
	// StatusPending indicates the phase has not been scheduled yet.
	StatusPending PhaseStatus = "pending"

	// StatusWaiting indicates the phase is blocked on its waitFor dependencies.
	StatusWaiting PhaseStatus = "waiting"

	// StatusReady indicates every dependency settled acceptably and the phase
	// is queued for a worker.
	StatusReady PhaseStatus = "ready"

	// StatusApplying indicates the phase's resources are being applied.
	StatusApplying PhaseStatus = "applying"

	// StatusSucceeded indicates the phase applied successfully.
	StatusSucceeded PhaseStatus = "succeeded"

	// StatusFailed indicates the phase exhausted its attempts and its failure
	// was fatal.
	StatusFailed PhaseStatus = "failed"

	// StatusDegraded indicates the phase failed but its handler chose to
	// continue; dependents still proceed.
	StatusDegraded PhaseStatus = "degraded"

	// StatusDeferred indicates an onUse phase that was intentionally not
	// applied in this run.
	StatusDeferred PhaseStatus = "deferred"

	// StatusAborted indicates the phase never ran because the run was
	// aborted first.
	StatusAborted PhaseStatus = "aborted"

	// StatusSkipped indicates the phase was outside the target closure or
	// idempotently unchanged since the prior run.
	StatusSkipped PhaseStatus = "skipped"
)

// IsTerminal returns true if the phase status represents a final state.
func (s PhaseStatus) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusDegraded,
		StatusDeferred, StatusAborted, StatusSkipped:
		return true
	default:
		return false
	}
}

// Unblocks returns true if a dependency in this status allows its dependents
// to proceed. Degraded, deferred, and skipped dependencies all count as
// settled acceptably.
func (s PhaseStatus) Unblocks() bool {
	switch s {
	case StatusSucceeded, StatusDegraded, StatusDeferred, StatusSkipped:
		return true
	default:
		return false
	}
}

// Validate checks if the phase status is valid.
func (s PhaseStatus) Validate() error {
	switch s {
	case StatusPending, StatusWaiting, StatusReady, StatusApplying,
		StatusSucceeded, StatusFailed, StatusDegraded,
		StatusDeferred, StatusAborted, StatusSkipped:
		return nil
	default:
		return fmt.Errorf("invalid phase status: %s", s)
	}
}

// RunStatus represents the overall outcome of a reconciliation run.
type RunStatus string

const (
	// RunStatusRunning indicates the run is currently executing.
	RunStatusRunning RunStatus = "running"

	// RunStatusSucceeded indicates every applied phase succeeded.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusDegraded indicates at least one phase degraded but the run
	// completed.
	RunStatusDegraded RunStatus = "degraded"

	// RunStatusFailed indicates the run aborted on a fatal phase failure.
	RunStatusFailed RunStatus = "failed"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusDegraded || s == RunStatusFailed
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusRunning, RunStatusSucceeded, RunStatusDegraded, RunStatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// EventType represents the type of event in the run timeline.
type EventType string

const (
	// EventRunStarted indicates a reconciliation run has started.
	EventRunStarted EventType = "run_started"

	// EventRunCompleted indicates a reconciliation run has finished.
	EventRunCompleted EventType = "run_completed"

	// EventPhaseStarted indicates a phase began applying.
	EventPhaseStarted EventType = "phase_started"

	// EventPhaseCompleted indicates a phase reached a terminal status.
	EventPhaseCompleted EventType = "phase_completed"

	// EventPhaseRetried indicates a failed attempt is being retried.
	EventPhaseRetried EventType = "phase_retried"

	// EventHandlerRan indicates a success or failure handler finished.
	EventHandlerRan EventType = "handler_ran"

	// EventNotifyFailed indicates a notification could not be delivered.
	EventNotifyFailed EventType = "notify_failed"
)

// Severity returns the log severity for the event type.
func (e EventType) Severity() string {
	switch e {
	case EventNotifyFailed:
		return "warning"
	default:
		return "info"
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s PhaseStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *PhaseStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = PhaseStatus(str)
	return s.Validate()
}
