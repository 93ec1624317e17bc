// Package retry wraps a fallible attempt with bounded retries, a
// configurable backoff schedule, and circuit breaker coordination.
// Non-transient failures surface immediately; rate-limit failures override
// the schedule with a long fixed wait.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/aristath/taskd/internal/breaker"
	"github.com/aristath/taskd/internal/classify"
)

// DefaultRateLimitDelay is the fixed wait applied when the classifier
// reports a rate limit, regardless of schedule.
const DefaultRateLimitDelay = 60 * time.Second

// Controller retries an operation according to its policy.
type Controller struct {
	MaxAttempts    int           // Total attempts including the first (default 3)
	BaseDelay      time.Duration // First delay (default 1s)
	MaxDelay       time.Duration // Delay cap (default 60s)
	Schedule       Schedule      // Defaults to exponential
	RateLimitDelay time.Duration // Defaults to DefaultRateLimitDelay
	Breaker        *breaker.Breaker

	// OnRetry, if set, observes each scheduled retry: the attempt that just
	// failed (1-based), its classification, and the upcoming sleep.
	OnRetry func(attempt int, rec classify.Record, delay time.Duration)
}

// Do runs op until it succeeds, a non-transient failure surfaces, the
// attempt budget is exhausted, or ctx is done. When op failed, the returned
// error is a *classify.ClassifiedError, except once ctx is done: then ctx's
// own error (context.Canceled or context.DeadlineExceeded) is returned.
func (c *Controller) Do(ctx context.Context, op func(context.Context) error) error {
	maxAttempts := c.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	baseDelay := c.BaseDelay
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	maxDelay := c.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 60 * time.Second
	}
	rateDelay := c.RateLimitDelay
	if rateDelay <= 0 {
		rateDelay = DefaultRateLimitDelay
	}

	inner := newPolicy(c.Schedule, baseDelay, maxDelay)
	aware := &kindAwareBackOff{inner: inner, rateLimitDelay: rateDelay}
	policy := backoff.WithContext(backoff.WithMaxRetries(aware, uint64(maxAttempts-1)), ctx)

	attempt := 0
	operation := func() error {
		attempt++

		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}

		// The breaker gates every attempt, not just the first: an open
		// breaker mid-retry aborts the loop.
		if c.Breaker != nil {
			if err := c.Breaker.Allow(); err != nil {
				return backoff.Permanent(classify.Wrap(err))
			}
		}

		err := op(ctx)
		if err == nil {
			if c.Breaker != nil {
				c.Breaker.ReportSuccess()
			}
			return nil
		}

		ce := classify.Wrap(err)
		if c.Breaker != nil && countsAgainstBreaker(err) {
			c.Breaker.ReportFailure()
		}

		aware.lastRecord = ce.Record
		if !ce.Record.Transient {
			return backoff.Permanent(ce)
		}
		return ce
	}

	notify := func(err error, delay time.Duration) {
		if c.OnRetry == nil {
			return
		}
		c.OnRetry(attempt, classify.Classify(err), delay)
	}

	return backoff.RetryNotify(operation, policy, notify)
}

// countsAgainstBreaker excludes our own cancellation and deadline from the
// dependency's failure count: the agent did nothing wrong.
func countsAgainstBreaker(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

// kindAwareBackOff overrides the schedule with a fixed delay when the last
// failure was a rate limit.
type kindAwareBackOff struct {
	inner          backoff.BackOff
	rateLimitDelay time.Duration
	lastRecord     classify.Record
}

func (k *kindAwareBackOff) NextBackOff() time.Duration {
	next := k.inner.NextBackOff()
	if k.lastRecord.Kind == classify.KindRateLimit {
		return k.rateLimitDelay
	}
	return next
}

func (k *kindAwareBackOff) Reset() { k.inner.Reset() }
