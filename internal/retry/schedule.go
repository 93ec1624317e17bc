package retry

import (
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Schedule selects the delay progression between attempts.
type Schedule string

const (
	ScheduleExponential Schedule = "exponential"
	ScheduleLinear      Schedule = "linear"
	ScheduleFibonacci   Schedule = "fibonacci"
)

// jitterFactor is the ±20% randomization applied to every computed delay.
const jitterFactor = 0.2

// newPolicy builds the backoff.BackOff for a schedule.
func newPolicy(schedule Schedule, base, max time.Duration) backoff.BackOff {
	switch schedule {
	case ScheduleLinear:
		return &linearBackOff{base: base, max: max}
	case ScheduleFibonacci:
		return &fibonacciBackOff{base: base, max: max}
	default:
		policy := backoff.NewExponentialBackOff()
		policy.InitialInterval = base
		policy.MaxInterval = max
		policy.Multiplier = 2.0
		policy.RandomizationFactor = jitterFactor
		policy.MaxElapsedTime = 0 // Attempts are bounded by count, not wall time
		return policy
	}
}

// linearBackOff yields base·attempt, capped, with jitter. Implements
// backoff.BackOff so it feeds the same retry loop as the exponential
// policy.
type linearBackOff struct {
	base, max time.Duration
	attempt   int
}

func (l *linearBackOff) NextBackOff() time.Duration {
	l.attempt++
	return jittered(capDelay(l.base*time.Duration(l.attempt), l.max))
}

func (l *linearBackOff) Reset() { l.attempt = 0 }

// fibonacciBackOff yields base·fib(attempt), capped, with jitter.
type fibonacciBackOff struct {
	base, max  time.Duration
	prev, curr int64
}

func (f *fibonacciBackOff) NextBackOff() time.Duration {
	if f.curr == 0 {
		f.prev, f.curr = 0, 1
	} else {
		f.prev, f.curr = f.curr, f.prev+f.curr
	}
	return jittered(capDelay(f.base*time.Duration(f.curr), f.max))
}

func (f *fibonacciBackOff) Reset() { f.prev, f.curr = 0, 0 }

func capDelay(d, max time.Duration) time.Duration {
	if max > 0 && d > max {
		return max
	}
	return d
}

// jittered applies ±jitterFactor randomization.
func jittered(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	delta := float64(d) * jitterFactor
	return time.Duration(float64(d) - delta + rand.Float64()*2*delta)
}
