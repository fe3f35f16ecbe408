package engine

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/queuetue/phasor/pkg/plan"
	"github.com/queuetue/phasor/pkg/telemetry"
)

// Reconciler applies plan documents. It is safe to reuse across runs; each
// Reconcile call is independent.
type Reconciler struct {
	registry ResourceRegistry
	applier  Applier
	notifier Notifier
	store    StateStore

	logger      zerolog.Logger
	metrics     *telemetry.Metrics
	tracer      trace.Tracer
	backoff     BackOffFactory
	maxParallel int
	dryRun      bool
}

// ReconcilerOption configures a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithLogger sets the logger for run and phase lifecycle logging.
func WithLogger(logger zerolog.Logger) ReconcilerOption {
	return func(r *Reconciler) { r.logger = logger }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *telemetry.Metrics) ReconcilerOption {
	return func(r *Reconciler) { r.metrics = m }
}

// WithBackOff overrides the retry pacing policy.
func WithBackOff(factory BackOffFactory) ReconcilerOption {
	return func(r *Reconciler) { r.backoff = factory }
}

// WithMaxParallel bounds concurrent phase applications.
func WithMaxParallel(n int) ReconcilerOption {
	return func(r *Reconciler) { r.maxParallel = n }
}

// WithDryRun makes Reconcile report without applying or persisting. The
// prior state is still consulted so the report shows which phases would
// skip.
func WithDryRun(dryRun bool) ReconcilerOption {
	return func(r *Reconciler) { r.dryRun = dryRun }
}

// NewReconciler creates a reconciler over the given collaborators.
func NewReconciler(registry ResourceRegistry, applier Applier, notifier Notifier, store StateStore, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		registry: registry,
		applier:  applier,
		notifier: notifier,
		store:    store,
		logger:   zerolog.Nop(),
		backoff:  DefaultBackOff,
		tracer:   otel.Tracer("phasor/engine"),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.metrics == nil {
		m, _ := telemetry.NewMetrics(telemetry.MetricsConfig{})
		r.metrics = m
	}
	return r
}

// Reconcile applies a plan against the durable state and returns the final
// state together with the phase report. A non-nil error means the run
// aborted; the report still covers every phase.
func (r *Reconciler) Reconcile(ctx context.Context, p *plan.Plan) (*PlanState, *Report, error) {
	ctx, span := r.tracer.Start(ctx, "reconcile",
		trace.WithAttributes(
			attribute.String("plan.source", p.Source),
			attribute.Int("plan.phases", len(p.Phases)),
		))
	defer span.End()

	graph, err := BuildGraph(p)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "graph build failed")
		return nil, nil, err
	}

	prior, err := r.store.LoadPlanState(ctx, p.Source)
	if err != nil {
		span.RecordError(err)
		return nil, nil, NewInternalError("failed to load prior state", err)
	}

	runID := uuid.New().String()
	span.SetAttributes(attribute.String("run.id", runID))
	logger := r.logger.With().Str("run_id", runID).Str("plan", p.Source).Logger()
	logger.Info().
		Int("phases", len(p.Phases)).
		Str("target", p.TargetPhase).
		Bool("dry_run", r.dryRun).
		Msg("starting reconciliation")
	r.metrics.RecordRunStarted(p.Source)

	applier := r.applier
	store := r.store
	if r.dryRun {
		applier = nopApplier{}
		store = nopStore{prior: prior}
	}

	bind := newBinder(r.registry)
	sched := &scheduler{
		plan:        p,
		graph:       graph,
		applier:     applier,
		store:       store,
		binder:      bind,
		logger:      logger,
		runID:       runID,
		prior:       prior,
		maxParallel: r.maxParallel,
		metrics:     r.metrics,
	}
	sched.retrier = &retrier{
		factory: r.backoff,
		logger:  logger,
		onRetry: func(phase string, attempt int, err error) {
			r.metrics.RecordPhaseRetry(phase)
			sched.appendEvent(ctx, EventPhaseRetried, phase, err.Error(), map[string]interface{}{
				"attempt": attempt,
			})
		},
	}
	sched.dispatcher = &dispatcher{
		notifier: r.notifier,
		binder:   bind,
		logger:   logger,
		onNotifyErr: func(phase string, err error) {
			r.metrics.RecordNotifyError()
			sched.appendEvent(ctx, EventNotifyFailed, phase, err.Error(), nil)
		},
	}

	report := sched.run(ctx)
	state := sched.finalState()

	if !r.dryRun {
		if err := r.store.SavePlanState(ctx, state); err != nil {
			span.RecordError(err)
			return state, report, NewInternalError("failed to save final state", err)
		}
	}

	duration := report.CompletedAt.Sub(report.StartedAt)
	r.metrics.RecordRunCompleted(string(report.Status), duration)
	logger.Info().
		Str("status", string(report.Status)).
		Dur("duration", duration).
		Int("succeeded", report.Summary.Succeeded).
		Int("skipped", report.Summary.Skipped).
		Msg("reconciliation finished")

	if sched.abortErr != nil {
		span.RecordError(sched.abortErr)
		span.SetStatus(codes.Error, "run aborted")
		return state, report, sched.abortErr
	}
	span.SetStatus(codes.Ok, "")
	return state, report, nil
}

// nopApplier succeeds without touching anything. Used for dry runs.
type nopApplier struct{}

func (nopApplier) Apply(context.Context, string, []*Resource) error { return nil }

// nopStore serves the prior state read-only and swallows writes. Used for
// dry runs.
type nopStore struct {
	prior *PlanState
}

func (s nopStore) LoadPlanState(context.Context, string) (*PlanState, error) {
	return s.prior, nil
}
func (nopStore) SavePlanState(context.Context, *PlanState) error          { return nil }
func (nopStore) RecordPhase(context.Context, string, *PhaseRecord) error  { return nil }
func (nopStore) AppendEvent(context.Context, *Event) error                { return nil }
func (nopStore) ListEvents(context.Context, string) ([]*Event, error)     { return nil, nil }
func (nopStore) Close() error                                             { return nil }
