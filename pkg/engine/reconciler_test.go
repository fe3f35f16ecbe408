package engine_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/queuetue/phasor/pkg/engine"
	"github.com/queuetue/phasor/pkg/notify"
	"github.com/queuetue/phasor/pkg/plan"
	"github.com/queuetue/phasor/pkg/stores"
)

// fakeApplier counts apply calls per phase and fails the phases it is told
// to fail. It is safe for concurrent use.
type fakeApplier struct {
	mu    sync.Mutex
	calls map[string]int
	fail  map[string]error
	sleep map[string]time.Duration
	bound map[string][]*engine.Resource
}

func newFakeApplier() *fakeApplier {
	return &fakeApplier{
		calls: make(map[string]int),
		fail:  make(map[string]error),
		sleep: make(map[string]time.Duration),
		bound: make(map[string][]*engine.Resource),
	}
}

func (f *fakeApplier) Apply(ctx context.Context, phase string, resources []*engine.Resource) error {
	f.mu.Lock()
	f.calls[phase]++
	f.bound[phase] = resources
	err := f.fail[phase]
	sleep := f.sleep[phase]
	f.mu.Unlock()

	if sleep > 0 {
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (f *fakeApplier) callCount(phase string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[phase]
}

func (f *fakeApplier) lastBound(phase string) []*engine.Resource {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bound[phase]
}

func loadPlan(t *testing.T, doc string) *plan.Plan {
	t.Helper()
	l, err := plan.NewLoader()
	if err != nil {
		t.Fatalf("failed to create loader: %v", err)
	}
	p, err := l.Load(context.Background(), "test-plan.yaml", []byte(doc))
	if err != nil {
		t.Fatalf("failed to load plan: %v", err)
	}
	return p
}

func testRegistry(t *testing.T, resources ...*engine.Resource) *engine.StaticRegistry {
	t.Helper()
	if len(resources) == 0 {
		resources = []*engine.Resource{
			{Kind: "service", ID: "api", Spec: map[string]interface{}{"replicas": 2}, Labels: map[string]string{"tier": "core"}},
		}
	}
	reg, err := engine.NewStaticRegistry(resources)
	if err != nil {
		t.Fatalf("failed to create registry: %v", err)
	}
	return reg
}

func newTestReconciler(t *testing.T, applier *fakeApplier, store engine.StateStore, reg *engine.StaticRegistry, opts ...engine.ReconcilerOption) *engine.Reconciler {
	t.Helper()
	notifier := notify.Func(func(context.Context, engine.NotifyTarget, string) error { return nil })
	opts = append([]engine.ReconcilerOption{engine.WithBackOff(engine.NoBackOff)}, opts...)
	return engine.NewReconciler(reg, applier, notifier, store, opts...)
}

func phaseStatus(t *testing.T, report *engine.Report, phase string) engine.PhaseStatus {
	t.Helper()
	res, ok := report.Result(phase)
	if !ok {
		t.Fatalf("phase %s missing from report", phase)
	}
	return res.Status
}

const fatalChainDoc = `
preflight:
  description: Check prerequisites
  selector:
    matchLabels: {tier: core}
initialization:
  description: Initialize services
  selector:
    matchLabels: {tier: core}
  waitFor:
    phases: [preflight]
  retry:
    maxAttempts: 5
setup:
  description: Final setup
  selector:
    matchLabels: {tier: core}
  waitFor:
    phases: [initialization]
  retry:
    maxAttempts: 10
`

func TestReconcile_FatalFailureAbortsDependents(t *testing.T) {
	applier := newFakeApplier()
	applier.fail["preflight"] = errors.New("disk full")

	store := stores.NewMemoryStore()
	r := newTestReconciler(t, applier, store, testRegistry(t))

	state, report, err := r.Reconcile(context.Background(), loadPlan(t, fatalChainDoc))
	if err == nil {
		t.Fatal("Expected the run to report the fatal failure")
	}
	if report.Status != engine.RunStatusFailed {
		t.Errorf("Expected failed run, got %s", report.Status)
	}

	if got := phaseStatus(t, report, "preflight"); got != engine.StatusFailed {
		t.Errorf("Expected preflight failed, got %s", got)
	}
	for _, ph := range []string{"initialization", "setup"} {
		if got := phaseStatus(t, report, ph); got != engine.StatusAborted {
			t.Errorf("Expected %s aborted, got %s", ph, got)
		}
		if applier.callCount(ph) != 0 {
			t.Errorf("Phase %s must never apply after a fatal failure upstream", ph)
		}
	}

	// No onFailure handler means a single attempt and a fatal raise.
	if applier.callCount("preflight") != 1 {
		t.Errorf("Expected 1 preflight attempt, got %d", applier.callCount("preflight"))
	}
	if rec, ok := state.Record("preflight"); !ok || rec.AppliedHash != "" {
		t.Error("Failed phase must not store an applied hash")
	}
}

const degradedChainDoc = `
preflight:
  description: Check prerequisites
  selector:
    matchLabels: {tier: core}
initialization:
  description: Initialize services
  selector:
    matchLabels: {tier: core}
  waitFor:
    phases: [preflight]
  retry:
    maxAttempts: 5
  onFailure:
    action: continue
    spec:
      message: ["initialization failed, continuing with defaults"]
      labels:
        initialization: defaults
setup:
  description: Final setup
  selector:
    matchLabels: {initialization: defaults}
  waitFor:
    phases: [initialization]
`

func TestReconcile_ContinueDegradesAndUnblocks(t *testing.T) {
	applier := newFakeApplier()
	applier.fail["initialization"] = errors.New("config service unreachable")

	store := stores.NewMemoryStore()
	r := newTestReconciler(t, applier, store, testRegistry(t))

	_, report, err := r.Reconcile(context.Background(), loadPlan(t, degradedChainDoc))
	if err != nil {
		t.Fatalf("A degraded run must not return an error, got: %v", err)
	}
	if report.Status != engine.RunStatusDegraded {
		t.Errorf("Expected degraded run, got %s", report.Status)
	}

	if applier.callCount("initialization") != 5 {
		t.Errorf("Expected exactly 5 initialization attempts, got %d", applier.callCount("initialization"))
	}
	if got := phaseStatus(t, report, "initialization"); got != engine.StatusDegraded {
		t.Errorf("Expected initialization degraded, got %s", got)
	}
	if got := phaseStatus(t, report, "setup"); got != engine.StatusSucceeded {
		t.Errorf("Expected setup to proceed and succeed, got %s", got)
	}

	// The handler's labels reached the resources setup bound to.
	bound := applier.lastBound("setup")
	if len(bound) != 1 {
		t.Fatalf("Expected setup to bind the labeled resource, got %d", len(bound))
	}
	if bound[0].Labels["initialization"] != "defaults" {
		t.Errorf("Expected merged label on bound resource, got %v", bound[0].Labels)
	}
}

func TestReconcile_TargetPhaseSkipsPhasesPastIt(t *testing.T) {
	doc := `
plan:
  targetPhase: initialization
` + fatalChainDoc

	applier := newFakeApplier()
	store := stores.NewMemoryStore()
	r := newTestReconciler(t, applier, store, testRegistry(t))

	_, report, err := r.Reconcile(context.Background(), loadPlan(t, doc))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if got := phaseStatus(t, report, "setup"); got != engine.StatusSkipped {
		t.Errorf("Expected setup skipped outside target closure, got %s", got)
	}
	if applier.callCount("setup") != 0 {
		t.Error("A phase outside the target closure must never be scheduled")
	}
	for _, ph := range []string{"preflight", "initialization"} {
		if got := phaseStatus(t, report, ph); got != engine.StatusSucceeded {
			t.Errorf("Expected %s succeeded, got %s", ph, got)
		}
	}
}

func TestReconcile_SecondRunIsIdempotent(t *testing.T) {
	applier := newFakeApplier()
	store := stores.NewMemoryStore()
	reg := testRegistry(t)
	p := loadPlan(t, fatalChainDoc)

	r := newTestReconciler(t, applier, store, reg)
	if _, _, err := r.Reconcile(context.Background(), p); err != nil {
		t.Fatalf("First run failed: %v", err)
	}
	for _, ph := range []string{"preflight", "initialization", "setup"} {
		if applier.callCount(ph) != 1 {
			t.Errorf("First run: expected 1 apply for %s, got %d", ph, applier.callCount(ph))
		}
	}

	_, report, err := r.Reconcile(context.Background(), p)
	if err != nil {
		t.Fatalf("Second run failed: %v", err)
	}
	for _, ph := range []string{"preflight", "initialization", "setup"} {
		if applier.callCount(ph) != 1 {
			t.Errorf("Second run re-applied %s", ph)
		}
		if got := phaseStatus(t, report, ph); got != engine.StatusSkipped {
			t.Errorf("Expected %s skipped on unchanged re-run, got %s", ph, got)
		}
	}
	if report.Summary.Skipped != 3 {
		t.Errorf("Expected all 3 phases skipped, got summary %+v", report.Summary)
	}
}

func TestReconcile_ChangedResourceReappliesPhaseAndDependents(t *testing.T) {
	applier := newFakeApplier()
	store := stores.NewMemoryStore()

	resources := []*engine.Resource{
		{Kind: "service", ID: "api", Spec: map[string]interface{}{"replicas": 2}, Labels: map[string]string{"tier": "core"}},
		{Kind: "bucket", ID: "logs", Spec: map[string]interface{}{"region": "us"}, Labels: map[string]string{"tier": "storage"}},
	}
	doc := `
storage:
  description: Provision storage
  selector:
    matchLabels: {tier: storage}
core:
  description: Provision core services
  selector:
    matchLabels: {tier: core}
serve:
  description: Enable traffic
  selector:
    matchLabels: {tier: core}
  waitFor:
    phases: [core]
`
	p := loadPlan(t, doc)

	reg := testRegistry(t, resources...)
	r := newTestReconciler(t, applier, store, reg)
	if _, _, err := r.Reconcile(context.Background(), p); err != nil {
		t.Fatalf("First run failed: %v", err)
	}

	// Change the core resource; the storage phase's resources are untouched.
	changed := []*engine.Resource{
		{Kind: "service", ID: "api", Spec: map[string]interface{}{"replicas": 4}, Labels: map[string]string{"tier": "core"}},
		resources[1],
	}
	reg = testRegistry(t, changed...)
	r = newTestReconciler(t, applier, store, reg)

	_, report, err := r.Reconcile(context.Background(), p)
	if err != nil {
		t.Fatalf("Second run failed: %v", err)
	}

	if got := phaseStatus(t, report, "storage"); got != engine.StatusSkipped {
		t.Errorf("Expected unchanged storage phase skipped, got %s", got)
	}
	if applier.callCount("storage") != 1 {
		t.Errorf("Unchanged phase re-applied: %d calls", applier.callCount("storage"))
	}
	if applier.callCount("core") != 2 {
		t.Errorf("Changed phase should re-apply, got %d calls", applier.callCount("core"))
	}
	if applier.callCount("serve") != 2 {
		t.Errorf("Dependent of a re-applied phase should re-apply, got %d calls", applier.callCount("serve"))
	}
}

func TestReconcile_OnUsePhaseIsDeferred(t *testing.T) {
	doc := `
cache:
  description: Warm caches on demand
  selector:
    matchLabels: {tier: core}
  instanceMode: onUse
serve:
  description: Enable traffic
  selector:
    matchLabels: {tier: core}
  waitFor:
    phases: [cache]
`
	applier := newFakeApplier()
	store := stores.NewMemoryStore()
	r := newTestReconciler(t, applier, store, testRegistry(t))

	_, report, err := r.Reconcile(context.Background(), loadPlan(t, doc))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if got := phaseStatus(t, report, "cache"); got != engine.StatusDeferred {
		t.Errorf("Expected onUse phase deferred, got %s", got)
	}
	if applier.callCount("cache") != 0 {
		t.Error("Deferred phase must not apply")
	}
	if got := phaseStatus(t, report, "serve"); got != engine.StatusSucceeded {
		t.Errorf("Deferred dependency must unblock dependents, got %s", got)
	}
}

func TestReconcile_WaitForTimeoutRunsFailureHandler(t *testing.T) {
	doc := `
slow:
  description: Slow provisioning
  selector:
    matchLabels: {tier: core}
blocked:
  description: Blocked on slow
  selector:
    matchLabels: {tier: core}
  waitFor:
    phases: [slow]
    timeout: 50ms
  onFailure:
    action: continue
`
	applier := newFakeApplier()
	applier.sleep["slow"] = 400 * time.Millisecond

	store := stores.NewMemoryStore()
	r := newTestReconciler(t, applier, store, testRegistry(t))

	_, report, err := r.Reconcile(context.Background(), loadPlan(t, doc))
	if err != nil {
		t.Fatalf("Expected no run error with continue handler, got: %v", err)
	}

	res, ok := report.Result("blocked")
	if !ok {
		t.Fatal("blocked missing from report")
	}
	if res.Status != engine.StatusDegraded {
		t.Errorf("Expected timed-out phase degraded, got %s", res.Status)
	}
	if res.Error == nil || !engine.IsDependencyTimeout(res.Error) {
		t.Errorf("Expected dependency timeout error, got %v", res.Error)
	}
	if applier.callCount("blocked") != 0 {
		t.Error("A timed-out phase must not apply")
	}
	if got := phaseStatus(t, report, "slow"); got != engine.StatusSucceeded {
		t.Errorf("The slow dependency still finishes, got %s", got)
	}
}

func TestReconcile_DryRunAppliesAndPersistsNothing(t *testing.T) {
	applier := newFakeApplier()
	store := stores.NewMemoryStore()
	p := loadPlan(t, fatalChainDoc)

	r := newTestReconciler(t, applier, store, testRegistry(t), engine.WithDryRun(true))
	_, report, err := r.Reconcile(context.Background(), p)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if report.Status != engine.RunStatusSucceeded {
		t.Errorf("Expected dry run to succeed, got %s", report.Status)
	}

	for ph := range map[string]bool{"preflight": true, "initialization": true, "setup": true} {
		if applier.callCount(ph) != 0 {
			t.Errorf("Dry run must not apply, phase %s ran", ph)
		}
	}

	state, err := store.LoadPlanState(context.Background(), p.Source)
	if err != nil {
		t.Fatalf("LoadPlanState failed: %v", err)
	}
	if len(state.Phases) != 0 {
		t.Errorf("Dry run must not persist state, got %d records", len(state.Phases))
	}
}

func TestReconcile_FinalStateCarriesSnapshots(t *testing.T) {
	applier := newFakeApplier()
	store := stores.NewMemoryStore()
	r := newTestReconciler(t, applier, store, testRegistry(t))

	state, _, err := r.Reconcile(context.Background(), loadPlan(t, fatalChainDoc))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	rec, ok := state.Record("preflight")
	if !ok {
		t.Fatal("preflight record missing")
	}
	if rec.Status != engine.StatusSucceeded {
		t.Errorf("Expected succeeded record, got %s", rec.Status)
	}
	if rec.AppliedHash == "" {
		t.Error("Succeeded record must carry an applied hash")
	}
	if len(rec.Resources) != 1 {
		t.Fatalf("Expected 1 resource snapshot, got %d", len(rec.Resources))
	}
	snap := rec.Resources[0]
	if snap.Kind != "service" || snap.ID != "api" {
		t.Errorf("Unexpected snapshot identity: %s/%s", snap.Kind, snap.ID)
	}
	if fmt.Sprintf("%v", snap.Spec["replicas"]) != "2" {
		t.Errorf("Snapshot should capture the spec, got %v", snap.Spec)
	}
}

func TestReconcile_NotifierFailureNeverChangesOutcome(t *testing.T) {
	doc := `
deploy:
  description: Deploy services
  selector:
    matchLabels: {tier: core}
  onSuccess:
    spec:
      message: ["deployed"]
      notify:
        email: ops@example.com
`
	applier := newFakeApplier()
	store := stores.NewMemoryStore()
	reg := testRegistry(t)

	notifier := notify.Func(func(context.Context, engine.NotifyTarget, string) error {
		return errors.New("smtp down")
	})
	r := engine.NewReconciler(reg, applier, notifier, store, engine.WithBackOff(engine.NoBackOff))

	_, report, err := r.Reconcile(context.Background(), loadPlan(t, doc))
	if err != nil {
		t.Fatalf("Notifier failures must not fail the run, got: %v", err)
	}
	if got := phaseStatus(t, report, "deploy"); got != engine.StatusSucceeded {
		t.Errorf("Expected deploy succeeded despite notify failure, got %s", got)
	}
}

func TestReconcile_EventsRecordRunTimeline(t *testing.T) {
	applier := newFakeApplier()
	store := stores.NewMemoryStore()
	r := newTestReconciler(t, applier, store, testRegistry(t))

	_, report, err := r.Reconcile(context.Background(), loadPlan(t, fatalChainDoc))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	events, err := store.ListEvents(context.Background(), report.RunID)
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(events) == 0 {
		t.Fatal("Expected run events to be recorded")
	}
	if events[0].Type != engine.EventRunStarted {
		t.Errorf("Expected run_started first, got %s", events[0].Type)
	}
	if events[len(events)-1].Type != engine.EventRunCompleted {
		t.Errorf("Expected run_completed last, got %s", events[len(events)-1].Type)
	}
}
