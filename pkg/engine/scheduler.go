package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/queuetue/phasor/pkg/plan"
	"github.com/queuetue/phasor/pkg/telemetry"
)

// defaultMaxParallel bounds concurrent phase applications when the caller
// does not set a limit.
const defaultMaxParallel = 8

// scheduler drives one reconciliation run. Phase state lives in a single
// event loop goroutine; workers apply phases and report outcomes over a
// channel, so no status map needs locking.
type scheduler struct {
	plan       *plan.Plan
	graph      *Graph
	applier    Applier
	store      StateStore
	binder     *binder
	retrier    *retrier
	dispatcher *dispatcher
	logger     zerolog.Logger
	metrics    *telemetry.Metrics

	runID       string
	prior       *PlanState
	maxParallel int

	status   map[string]PhaseStatus
	results  map[string]*PhaseResult
	hashes   map[string]string
	snaps    map[string][]ResourceSnapshot
	pending  map[string]int
	aborted  bool
	abortErr *EngineError
}

// dispatchInfo is what a worker needs to run one phase.
type dispatchInfo struct {
	phase *plan.Phase

	// depsUnchanged is true when every dependency settled without
	// re-applying this run. Only then may the phase skip on an unchanged
	// hash.
	depsUnchanged bool
}

// outcome is a worker's report back to the event loop.
type outcome struct {
	phase       string
	status      PhaseStatus
	attempts    int
	resources   []string
	snapshots   []ResourceSnapshot
	appliedHash string
	startedAt   time.Time
	completedAt time.Time
	err         *EngineError
}

func (s *scheduler) run(ctx context.Context) *Report {
	report := &Report{
		RunID:      s.runID,
		PlanSource: s.plan.Source,
		Status:     RunStatusRunning,
		StartedAt:  time.Now(),
	}

	s.status = make(map[string]PhaseStatus, len(s.plan.Phases))
	s.results = make(map[string]*PhaseResult, len(s.plan.Phases))
	s.hashes = make(map[string]string, len(s.plan.Phases))
	s.snaps = make(map[string][]ResourceSnapshot, len(s.plan.Phases))
	s.pending = make(map[string]int, len(s.plan.Phases))

	// The gate context stops new attempts and newly-ready phases on abort;
	// the outer context still reaches the applier so an attempt already
	// underway finishes normally.
	gate, cancel := context.WithCancel(ctx)
	defer cancel()

	work := make(chan dispatchInfo, len(s.plan.Phases))
	done := make(chan outcome, len(s.plan.Phases))
	timeouts := make(chan string, len(s.plan.Phases))

	workers := s.maxParallel
	if workers <= 0 {
		workers = defaultMaxParallel
	}
	for i := 0; i < workers; i++ {
		go s.worker(ctx, gate, work, done)
	}

	s.appendEvent(ctx, EventRunStarted, "", "reconciliation run started", nil)

	// Out-of-closure phases settle immediately as skipped; everything else
	// starts pending with its dependency count.
	remaining := 0
	for _, ph := range s.plan.Phases {
		if !s.graph.InClosure(ph.ID) {
			s.status[ph.ID] = StatusSkipped
			s.results[ph.ID] = &PhaseResult{Phase: ph.ID, Status: StatusSkipped}
			if prior, ok := s.prior.Record(ph.ID); ok {
				s.hashes[ph.ID] = prior.AppliedHash
				s.snaps[ph.ID] = prior.Resources
			}
			continue
		}
		remaining++
		deps := s.graph.Dependencies[ph.ID]
		s.pending[ph.ID] = len(deps)
		if len(deps) == 0 {
			s.status[ph.ID] = StatusReady
			work <- dispatchInfo{phase: ph, depsUnchanged: true}
		} else {
			s.status[ph.ID] = StatusWaiting
			if ph.WaitFor.Timeout > 0 {
				s.armTimeout(gate, ph, timeouts)
			}
		}
	}

	for remaining > 0 {
		select {
		case out := <-done:
			remaining--
			s.settle(ctx, out, cancel)
			s.advance(ctx, out.phase, work, done)

		case id := <-timeouts:
			if s.status[id] != StatusWaiting {
				continue
			}
			s.status[id] = StatusApplying
			ph, _ := s.plan.Phase(id)
			go s.expire(ctx, ph, done)
		}
	}
	close(work)

	s.finish(ctx, report)
	return report
}

// worker applies phases from the work queue until it closes.
func (s *scheduler) worker(ctx, gate context.Context, work <-chan dispatchInfo, done chan<- outcome) {
	for d := range work {
		done <- s.execute(ctx, gate, d)
	}
}

// execute runs one phase end to end: bind, idempotence check, bounded
// attempts, then the success or failure handler. The returned outcome's
// status is terminal.
func (s *scheduler) execute(ctx, gate context.Context, d dispatchInfo) (out outcome) {
	ph := d.phase
	out = outcome{phase: ph.ID, startedAt: time.Now()}
	defer func() {
		out.completedAt = time.Now()
	}()

	if gate.Err() != nil {
		out.status = StatusAborted
		out.err = NewAbortedError(ph.ID, "run aborted before phase started")
		return out
	}

	if s.plan.Mode(ph) == plan.InstanceModeOnUse {
		s.logger.Debug().Str("phase", ph.ID).Msg("phase deferred")
		out.status = StatusDeferred
		return out
	}

	resources, err := s.binder.bind(ctx, ph)
	if err != nil {
		out.status = StatusFailed
		out.err = asEngineError(err, ph.ID)
		return out
	}
	for _, r := range resources {
		out.resources = append(out.resources, r.Key())
		out.snapshots = append(out.snapshots, r.Snapshot())
	}

	hash := phaseHash(ph, resources)
	if d.depsUnchanged {
		prior, ok := s.prior.Record(ph.ID)
		if ok && (prior.Status == StatusSucceeded || prior.Status == StatusSkipped) &&
			prior.AppliedHash != "" && prior.AppliedHash == hash {
			s.logger.Debug().Str("phase", ph.ID).Msg("phase unchanged, skipping")
			out.status = StatusSkipped
			out.appliedHash = hash
			return out
		}
	}

	s.appendEvent(ctx, EventPhaseStarted, ph.ID, "phase applying", map[string]interface{}{
		"resources": len(resources),
	})
	s.logger.Info().
		Str("phase", ph.ID).
		Int("resources", len(resources)).
		Msg("applying phase")

	attempts, applyErr := s.retrier.run(ctx, gate, ph, func(ctx context.Context) error {
		return s.applier.Apply(ctx, ph.ID, resources)
	})
	out.attempts = attempts

	if applyErr == nil {
		s.dispatcher.runSuccess(ctx, ph, resources)
		if ph.OnSuccess != nil {
			s.appendEvent(ctx, EventHandlerRan, ph.ID, "onSuccess handler ran", nil)
		}
		out.status = StatusSucceeded
		out.appliedHash = hash
		return out
	}

	eerr := asEngineError(applyErr, ph.ID)
	if eerr.Kind == KindAborted {
		out.status = StatusAborted
		out.err = eerr
		return out
	}

	action := s.dispatcher.runFailure(ctx, ph, resources)
	if ph.OnFailure != nil {
		s.appendEvent(ctx, EventHandlerRan, ph.ID, "onFailure handler ran", nil)
	}
	out.err = eerr
	if action == plan.ActionContinue {
		out.status = StatusDegraded
	} else {
		out.status = StatusFailed
	}
	return out
}

// expire handles a waitFor deadline that fired while the phase was still
// blocked. The failure handler still runs and still decides raise versus
// continue.
func (s *scheduler) expire(ctx context.Context, ph *plan.Phase, done chan<- outcome) {
	out := outcome{
		phase:     ph.ID,
		startedAt: time.Now(),
		err: NewDependencyTimeoutError(ph.ID,
			fmt.Sprintf("dependencies %v did not settle within %s", ph.WaitFor.Phases, ph.WaitFor.Timeout)),
	}

	resources, err := s.binder.bind(ctx, ph)
	if err != nil {
		resources = nil
	}

	action := s.dispatcher.runFailure(ctx, ph, resources)
	if ph.OnFailure != nil {
		s.appendEvent(ctx, EventHandlerRan, ph.ID, "onFailure handler ran", nil)
	}
	if action == plan.ActionContinue {
		out.status = StatusDegraded
	} else {
		out.status = StatusFailed
	}
	out.completedAt = time.Now()
	done <- out
}

// armTimeout starts the phase's waiting clock. The clock covers time spent
// blocked, independent of any retry budget the phase has.
func (s *scheduler) armTimeout(ctx context.Context, ph *plan.Phase, timeouts chan<- string) {
	timer := time.NewTimer(ph.WaitFor.Timeout.Std())
	go func() {
		defer timer.Stop()
		select {
		case <-timer.C:
			timeouts <- ph.ID
		case <-ctx.Done():
		}
	}()
}

// settle records a phase's terminal outcome and aborts the run on a fatal
// failure.
func (s *scheduler) settle(ctx context.Context, out outcome, cancel context.CancelFunc) {
	s.status[out.phase] = out.status
	s.results[out.phase] = &PhaseResult{
		Phase:       out.phase,
		Status:      out.status,
		Attempts:    out.attempts,
		Resources:   out.resources,
		StartedAt:   out.startedAt,
		CompletedAt: out.completedAt,
		Duration:    out.completedAt.Sub(out.startedAt),
		Error:       out.err,
	}
	if out.appliedHash != "" {
		s.hashes[out.phase] = out.appliedHash
		s.snaps[out.phase] = out.snapshots
	}

	s.appendEvent(ctx, EventPhaseCompleted, out.phase,
		fmt.Sprintf("phase completed with status %s", out.status), nil)
	s.logger.Info().
		Str("phase", out.phase).
		Str("status", string(out.status)).
		Int("attempts", out.attempts).
		Msg("phase settled")

	s.metrics.RecordPhaseOutcome(string(out.status), out.completedAt.Sub(out.startedAt))
	s.recordPhase(ctx, out)

	if out.status == StatusFailed && !s.aborted {
		s.aborted = true
		s.abortErr = out.err
		cancel()
	}
}

// advance unblocks dependents of a settled phase and dispatches any that
// became ready.
func (s *scheduler) advance(ctx context.Context, settled string, work chan<- dispatchInfo, done chan<- outcome) {
	for _, id := range s.graph.Dependents[settled] {
		if s.status[id] != StatusWaiting {
			continue
		}
		s.pending[id]--
		if s.pending[id] > 0 {
			continue
		}

		ph, _ := s.plan.Phase(id)
		if s.aborted {
			// done is buffered for every phase, so this never blocks.
			s.status[id] = StatusApplying
			done <- outcome{
				phase:       id,
				status:      StatusAborted,
				startedAt:   time.Now(),
				completedAt: time.Now(),
				err:         NewAbortedError(id, "run aborted before phase started"),
			}
			continue
		}

		depsUnchanged := true
		for _, dep := range s.graph.Dependencies[id] {
			switch s.status[dep] {
			case StatusSkipped, StatusDeferred:
			default:
				depsUnchanged = false
			}
		}

		s.status[id] = StatusReady
		work <- dispatchInfo{phase: ph, depsUnchanged: depsUnchanged}
	}
}

// finish assembles the report in topological order and computes the run
// outcome.
func (s *scheduler) finish(ctx context.Context, report *Report) {
	for _, id := range s.graph.Order {
		res, ok := s.results[id]
		if !ok {
			res = &PhaseResult{Phase: id, Status: StatusAborted}
		}
		report.Phases = append(report.Phases, *res)
	}
	report.CompletedAt = time.Now()
	report.summarize()

	switch {
	case s.aborted:
		report.Status = RunStatusFailed
	case report.Summary.Degraded > 0:
		report.Status = RunStatusDegraded
	default:
		report.Status = RunStatusSucceeded
	}

	s.appendEvent(ctx, EventRunCompleted, "",
		fmt.Sprintf("reconciliation run completed with status %s", report.Status), nil)
}

// recordPhase persists one phase's durable record. Skipped phases keep the
// hash that made them skippable; degraded and failed phases store none so a
// re-run retries them.
func (s *scheduler) recordPhase(ctx context.Context, out outcome) {
	record := &PhaseRecord{
		Phase:       out.phase,
		Status:      out.status,
		Attempts:    out.attempts,
		AppliedHash: s.carriedHash(out.phase, out.status, out.appliedHash),
		Resources:   s.carriedSnapshots(out.phase, out.status, out.snapshots),
		RunID:       s.runID,
		UpdatedAt:   time.Now().Unix(),
	}
	if err := s.store.RecordPhase(ctx, s.plan.Source, record); err != nil {
		s.logger.Error().Str("phase", out.phase).Err(err).Msg("failed to record phase state")
	}
}

// carriedHash resolves the durable hash for a phase record. Succeeded and
// skipped phases store the hash they applied; aborted and deferred phases
// keep whatever the prior run stored so unchanged work still skips next
// time; degraded and failed phases store none so a re-run retries them.
func (s *scheduler) carriedHash(phase string, status PhaseStatus, applied string) string {
	switch status {
	case StatusSucceeded, StatusSkipped:
		return applied
	case StatusAborted, StatusDeferred:
		if prior, ok := s.prior.Record(phase); ok {
			return prior.AppliedHash
		}
	}
	return ""
}

// carriedSnapshots follows the same carry rules as carriedHash for the
// resource snapshots a phase last applied.
func (s *scheduler) carriedSnapshots(phase string, status PhaseStatus, fresh []ResourceSnapshot) []ResourceSnapshot {
	switch status {
	case StatusSucceeded, StatusSkipped:
		return fresh
	case StatusAborted, StatusDeferred:
		if prior, ok := s.prior.Record(phase); ok {
			return prior.Resources
		}
	}
	return nil
}

// finalState assembles the complete durable state written at the end of the
// run.
func (s *scheduler) finalState() *PlanState {
	state := &PlanState{
		PlanSource: s.plan.Source,
		LastRunID:  s.runID,
		Phases:     make(map[string]*PhaseRecord, len(s.graph.Order)),
	}
	for _, id := range s.graph.Order {
		res, ok := s.results[id]
		if !ok {
			res = &PhaseResult{Phase: id, Status: StatusAborted}
		}
		state.Phases[id] = &PhaseRecord{
			Phase:       id,
			Status:      res.Status,
			Attempts:    res.Attempts,
			AppliedHash: s.carriedHash(id, res.Status, s.hashes[id]),
			Resources:   s.carriedSnapshots(id, res.Status, s.snaps[id]),
			RunID:       s.runID,
			UpdatedAt:   time.Now().Unix(),
		}
	}
	return state
}

func (s *scheduler) appendEvent(ctx context.Context, typ EventType, phase, message string, details map[string]interface{}) {
	event := &Event{
		ID:        uuid.New().String(),
		Type:      typ,
		Timestamp: time.Now(),
		RunID:     s.runID,
		Phase:     phase,
		Message:   message,
		Details:   details,
	}
	if err := s.store.AppendEvent(ctx, event); err != nil {
		s.logger.Warn().Err(err).Msg("failed to append run event")
	}
}

func asEngineError(err error, phase string) *EngineError {
	if ee, ok := err.(*EngineError); ok {
		if ee.Phase == "" {
			return ee.WithPhase(phase)
		}
		return ee
	}
	return NewInternalError("phase apply failed", err).WithPhase(phase)
}
