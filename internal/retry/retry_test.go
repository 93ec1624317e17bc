package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aristath/taskd/internal/agent"
	"github.com/aristath/taskd/internal/breaker"
	"github.com/aristath/taskd/internal/classify"
)

func fastController() *Controller {
	return &Controller{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
	}
}

func TestTransientFailureRetriesThenSucceeds(t *testing.T) {
	c := fastController()
	calls := 0

	err := c.Do(context.Background(), func(context.Context) error {
		calls++
		if calls == 1 {
			return &agent.ConnectError{Err: errors.New("broken pipe")}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do() error: %v", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestNonTransientSurfacesImmediately(t *testing.T) {
	c := fastController()
	calls := 0

	err := c.Do(context.Background(), func(context.Context) error {
		calls++
		return &agent.NotFoundError{Command: "claude"}
	})

	if calls != 1 {
		t.Errorf("calls = %d, want 1 (no retry on permanent failure)", calls)
	}
	var ce *classify.ClassifiedError
	if !errors.As(err, &ce) {
		t.Fatalf("expected classified error, got %v", err)
	}
	if ce.Record.Kind != classify.KindAgentMissing {
		t.Errorf("kind = %q, want AgentMissing", ce.Record.Kind)
	}
}

func TestAttemptBudgetExhausted(t *testing.T) {
	c := fastController()
	calls := 0

	err := c.Do(context.Background(), func(context.Context) error {
		calls++
		return &agent.ConnectError{Err: errors.New("still down")}
	})

	if calls != 3 {
		t.Errorf("calls = %d, want 3 (max attempts)", calls)
	}
	var ce *classify.ClassifiedError
	if !errors.As(err, &ce) {
		t.Fatalf("expected classified error, got %v", err)
	}
	if ce.Record.Kind != classify.KindAgentConnect {
		t.Errorf("kind = %q, want AgentConnect", ce.Record.Kind)
	}
}

func TestOnRetryObservesAttempts(t *testing.T) {
	c := fastController()
	var attempts []int

	_ = c.Do(context.Background(), func(context.Context) error {
		return &agent.ConnectError{Err: errors.New("down")}
	})

	c.OnRetry = func(attempt int, rec classify.Record, delay time.Duration) {
		attempts = append(attempts, attempt)
		if rec.Kind != classify.KindAgentConnect {
			t.Errorf("retry record kind = %q", rec.Kind)
		}
	}
	_ = c.Do(context.Background(), func(context.Context) error {
		return &agent.ConnectError{Err: errors.New("down")}
	})

	// Two retries follow the first failed attempt.
	if len(attempts) != 2 || attempts[0] != 1 || attempts[1] != 2 {
		t.Errorf("observed attempts = %v, want [1 2]", attempts)
	}
}

func TestBreakerOpenAbortsRetry(t *testing.T) {
	reg, err := breaker.NewRegistry(t.TempDir(), breaker.Settings{FailureThreshold: 1})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	b := reg.Get("agent.invoke")
	b.ReportFailure() // Opens at threshold 1.

	c := fastController()
	c.Breaker = b
	calls := 0

	doErr := c.Do(context.Background(), func(context.Context) error {
		calls++
		return nil
	})

	if calls != 0 {
		t.Errorf("operation ran %d times behind an open breaker", calls)
	}
	var ce *classify.ClassifiedError
	if !errors.As(doErr, &ce) || ce.Record.Kind != classify.KindBreakerOpen {
		t.Fatalf("expected BreakerOpen, got %v", doErr)
	}
}

func TestBreakerObservesOutcomes(t *testing.T) {
	reg, err := breaker.NewRegistry(t.TempDir(), breaker.Settings{FailureThreshold: 2})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	b := reg.Get("agent.invoke")

	c := fastController()
	c.MaxAttempts = 2
	c.Breaker = b

	_ = c.Do(context.Background(), func(context.Context) error {
		return &agent.ConnectError{Err: errors.New("down")}
	})

	// Two failed attempts at threshold 2: the breaker is now open.
	if got := b.State(); got != breaker.StateOpen {
		t.Errorf("breaker state = %q, want open", got)
	}
}

func TestContextCancelStopsRetry(t *testing.T) {
	c := fastController()
	c.BaseDelay = 50 * time.Millisecond
	c.MaxDelay = time.Second

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.Do(ctx, func(context.Context) error {
			calls++
			return &agent.ConnectError{Err: errors.New("down")}
		})
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected an error after cancel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Do() did not return after cancel")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestScheduleProgressions(t *testing.T) {
	base := 100 * time.Millisecond
	max := 10 * time.Second

	within := func(t *testing.T, got, want time.Duration) {
		t.Helper()
		lo := time.Duration(float64(want) * (1 - jitterFactor - 0.001))
		hi := time.Duration(float64(want) * (1 + jitterFactor + 0.001))
		if got < lo || got > hi {
			t.Errorf("delay = %v, want within ±20%% of %v", got, want)
		}
	}

	t.Run("linear", func(t *testing.T) {
		p := &linearBackOff{base: base, max: max}
		within(t, p.NextBackOff(), 100*time.Millisecond)
		within(t, p.NextBackOff(), 200*time.Millisecond)
		within(t, p.NextBackOff(), 300*time.Millisecond)
	})

	t.Run("fibonacci", func(t *testing.T) {
		p := &fibonacciBackOff{base: base, max: max}
		within(t, p.NextBackOff(), 100*time.Millisecond) // fib 1
		within(t, p.NextBackOff(), 100*time.Millisecond) // fib 1
		within(t, p.NextBackOff(), 200*time.Millisecond) // fib 2
		within(t, p.NextBackOff(), 300*time.Millisecond) // fib 3
		within(t, p.NextBackOff(), 500*time.Millisecond) // fib 5
	})

	t.Run("cap", func(t *testing.T) {
		p := &linearBackOff{base: time.Second, max: 2 * time.Second}
		p.NextBackOff()
		p.NextBackOff()
		got := p.NextBackOff() // 3s uncapped, capped to 2s
		if got > time.Duration(float64(2*time.Second)*(1+jitterFactor+0.001)) {
			t.Errorf("delay = %v exceeds the cap plus jitter", got)
		}
	})
}

func TestRateLimitOverridesSchedule(t *testing.T) {
	aware := &kindAwareBackOff{
		inner:          &linearBackOff{base: time.Millisecond, max: time.Second},
		rateLimitDelay: 42 * time.Second,
	}

	aware.lastRecord = classify.Record{Kind: classify.KindRateLimit}
	if got := aware.NextBackOff(); got != 42*time.Second {
		t.Errorf("rate-limited delay = %v, want fixed 42s", got)
	}

	aware.lastRecord = classify.Record{Kind: classify.KindAgentConnect}
	if got := aware.NextBackOff(); got >= 42*time.Second {
		t.Errorf("non-rate-limit delay = %v, want schedule value", got)
	}
}
