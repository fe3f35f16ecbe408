package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/queuetue/phasor/pkg/plan"
)

func newTestRetrier() *retrier {
	return &retrier{factory: NoBackOff, logger: zerolog.Nop()}
}

func TestRetrier_SpendsExactBudget(t *testing.T) {
	ph := &plan.Phase{ID: "init", Retry: &plan.Retry{MaxAttempts: 5}}
	r := newTestRetrier()

	calls := 0
	attempts, err := r.run(context.Background(), context.Background(), ph, func(context.Context) error {
		calls++
		return errors.New("boom")
	})

	if calls != 5 {
		t.Errorf("Expected exactly 5 attempt calls, got %d", calls)
	}
	if attempts != 5 {
		t.Errorf("Expected 5 reported attempts, got %d", attempts)
	}
	if !IsRetryExhausted(err) {
		t.Errorf("Expected retry_exhausted error, got %v", err)
	}
}

func TestRetrier_SingleAttemptWithoutRetryBlock(t *testing.T) {
	for _, ph := range []*plan.Phase{
		{ID: "a"},
		{ID: "b", Retry: &plan.Retry{MaxAttempts: 0}},
	} {
		r := newTestRetrier()
		calls := 0
		attempts, err := r.run(context.Background(), context.Background(), ph, func(context.Context) error {
			calls++
			return errors.New("boom")
		})
		if calls != 1 {
			t.Errorf("phase %s: expected 1 call, got %d", ph.ID, calls)
		}
		if attempts != 1 {
			t.Errorf("phase %s: expected 1 reported attempt, got %d", ph.ID, attempts)
		}
		if err == nil {
			t.Errorf("phase %s: expected an error", ph.ID)
		}
	}
}

func TestRetrier_StopsOnFirstSuccess(t *testing.T) {
	ph := &plan.Phase{ID: "init", Retry: &plan.Retry{MaxAttempts: 10}}
	r := newTestRetrier()

	calls := 0
	attempts, err := r.run(context.Background(), context.Background(), ph, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})

	if err != nil {
		t.Fatalf("Expected success, got: %v", err)
	}
	if calls != 3 || attempts != 3 {
		t.Errorf("Expected success on attempt 3, got calls=%d attempts=%d", calls, attempts)
	}
}

func TestRetrier_GateStopsNewAttempts(t *testing.T) {
	ph := &plan.Phase{ID: "init", Retry: &plan.Retry{MaxAttempts: 10}}
	r := newTestRetrier()

	gate, cancel := context.WithCancel(context.Background())
	calls := 0
	attempts, err := r.run(context.Background(), gate, ph, func(context.Context) error {
		calls++
		if calls == 2 {
			cancel()
		}
		return errors.New("boom")
	})

	// The attempt that cancelled the gate finishes; no further attempt starts.
	if calls != 2 {
		t.Errorf("Expected 2 calls before the gate closed, got %d", calls)
	}
	if attempts != 2 {
		t.Errorf("Expected 2 reported attempts, got %d", attempts)
	}
	if KindOf(err) != KindAborted {
		t.Errorf("Expected aborted error, got %v", err)
	}
}

func TestRetrier_ReportsRetriesThroughHook(t *testing.T) {
	ph := &plan.Phase{ID: "init", Retry: &plan.Retry{MaxAttempts: 3}}
	r := newTestRetrier()

	var retried []int
	r.onRetry = func(phase string, attempt int, err error) {
		if phase != "init" {
			t.Errorf("Expected phase init in hook, got %q", phase)
		}
		retried = append(retried, attempt)
	}

	_, _ = r.run(context.Background(), context.Background(), ph, func(context.Context) error {
		return errors.New("boom")
	})

	// The final attempt is not a retry, so the hook fires twice.
	if len(retried) != 2 || retried[0] != 1 || retried[1] != 2 {
		t.Errorf("Expected retry hooks for attempts 1 and 2, got %v", retried)
	}
}
