package engine

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/queuetue/phasor/pkg/plan"
)

// BackOffFactory produces a fresh backoff policy for one phase's attempt
// sequence. Each phase gets its own policy instance.
type BackOffFactory func() backoff.BackOff

// DefaultBackOff is the standard retry pacing: exponential starting at
// 250ms, capped at one minute per interval.
func DefaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = time.Minute
	return b
}

// NoBackOff retries immediately. Useful in tests.
func NoBackOff() backoff.BackOff {
	return backoff.NewConstantBackOff(0)
}

// retrier drives a phase's bounded attempt sequence. The attempt budget is
// total attempts, not retries: maxAttempts of 3 means at most 3 calls.
type retrier struct {
	factory BackOffFactory
	logger  zerolog.Logger
	onRetry func(phase string, attempt int, err error)
}

// run invokes attempt until it succeeds or the budget is spent. It returns
// the number of attempts made and, on exhaustion, a retry_exhausted error
// wrapping the last attempt's error. The gate context stops the sequence
// between attempts; an attempt already underway runs to completion.
func (r *retrier) run(ctx, gate context.Context, ph *plan.Phase, attempt func(ctx context.Context) error) (int, error) {
	budget := ph.MaxAttempts()
	policy := r.factory()

	var (
		lastErr error
		made    int
	)
	for n := 1; n <= budget; n++ {
		if err := gate.Err(); err != nil {
			return made, NewAbortedError(ph.ID, "run aborted before attempt")
		}

		made = n
		lastErr = attempt(ctx)
		if lastErr == nil {
			return n, nil
		}

		if n == budget {
			break
		}

		r.logger.Warn().
			Str("phase", ph.ID).
			Int("attempt", n).
			Int("max_attempts", budget).
			Err(lastErr).
			Msg("phase attempt failed, retrying")
		if r.onRetry != nil {
			r.onRetry(ph.ID, n, lastErr)
		}

		wait := policy.NextBackOff()
		if wait == backoff.Stop {
			break
		}
		select {
		case <-gate.Done():
			return n, NewAbortedError(ph.ID, "run aborted during retry wait")
		case <-time.After(wait):
		}
	}

	return made, NewRetryExhaustedError(ph.ID, made, lastErr)
}
