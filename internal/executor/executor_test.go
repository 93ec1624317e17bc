package executor

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/aristath/taskd/internal/agent"
	"github.com/aristath/taskd/internal/breaker"
	"github.com/aristath/taskd/internal/classify"
	"github.com/aristath/taskd/internal/events"
	"github.com/aristath/taskd/internal/retry"
	"github.com/aristath/taskd/internal/store"
	"github.com/aristath/taskd/internal/task"
)

// fakeInvoker scripts agent behavior per attempt.
type fakeInvoker struct {
	attempts int
	script   func(ctx context.Context, attempt int, req agent.Request, onMessage func(agent.Message)) (string, error)
}

func (f *fakeInvoker) Invoke(ctx context.Context, req agent.Request, onMessage func(agent.Message)) (string, error) {
	f.attempts++
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return f.script(ctx, f.attempts, req, onMessage)
}

type fixture struct {
	store    *store.Store
	breakers *breaker.Registry
	exec     *Executor
	invoker  *fakeInvoker
}

func newFixture(t *testing.T, script func(ctx context.Context, attempt int, req agent.Request, onMessage func(agent.Message)) (string, error)) *fixture {
	t.Helper()

	st, err := store.OpenMemory(context.Background(), t.TempDir())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	breakers, err := breaker.NewRegistry(t.TempDir(), breaker.Settings{FailureThreshold: 5})
	if err != nil {
		t.Fatalf("breakers: %v", err)
	}

	inv := &fakeInvoker{script: script}
	bus := events.NewBus()
	t.Cleanup(bus.Close)

	exec := New(st, inv, breakers, bus, zap.NewNop(), Options{
		AgentCommand:   "claude",
		RetryAttempts:  3,
		RetryBaseDelay: time.Millisecond,
		RetryMaxDelay:  5 * time.Millisecond,
		RetrySchedule:  retry.ScheduleExponential,
		TimeoutFor:     func(task.ModelTier) time.Duration { return 5 * time.Second },
	})

	return &fixture{store: st, breakers: breakers, exec: exec, invoker: inv}
}

func (f *fixture) createTask(t *testing.T) *task.Task {
	t.Helper()
	tk, err := f.store.CreateTask(context.Background(), store.CreateTaskInput{
		WorkingDir:      "/tmp/project",
		ExecutionPrompt: "write /tmp/hello.txt containing 'hi'",
		ModelTier:       task.TierBalanced,
	})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	return tk
}

func TestRunSuccess(t *testing.T) {
	f := newFixture(t, func(ctx context.Context, attempt int, req agent.Request, onMessage func(agent.Message)) (string, error) {
		onMessage(agent.ToolUse{Name: "Write", Input: []byte(`{"file_path":"/tmp/hello.txt"}`)})
		onMessage(agent.Final{Summary: "wrote the file"})
		return "wrote the file", nil
	})
	tk := f.createTask(t)

	outcome := f.exec.Run(context.Background(), tk.ID)
	if outcome != task.OutcomeCompleted {
		t.Fatalf("outcome = %q, want completed", outcome)
	}

	got, _ := f.store.GetTask(context.Background(), tk.ID)
	if got.Status != task.StatusCompleted {
		t.Errorf("status = %q, want completed", got.Status)
	}
	if got.FinalSummary != "wrote the file" {
		t.Errorf("final_summary = %q", got.FinalSummary)
	}
	if got.ErrorMessage != "" {
		t.Errorf("error_message should be empty, got %q", got.ErrorMessage)
	}
	if got.StartedAt == nil || got.EndedAt == nil {
		t.Error("started_at and ended_at must be set")
	}
	if !strings.Contains(got.LastAction, "tool Write: /tmp/hello.txt") {
		t.Errorf("last_action = %q", got.LastAction)
	}

	summary, err := os.ReadFile(got.SummaryLogPath)
	if err != nil {
		t.Fatalf("summary log: %v", err)
	}
	if !strings.Contains(string(summary), "tool Write: /tmp/hello.txt") {
		t.Errorf("summary log missing tool line:\n%s", summary)
	}
}

func TestRunPermanentFailure(t *testing.T) {
	f := newFixture(t, func(ctx context.Context, attempt int, req agent.Request, onMessage func(agent.Message)) (string, error) {
		return "", &agent.NotFoundError{Command: "claude"}
	})
	tk := f.createTask(t)

	outcome := f.exec.Run(context.Background(), tk.ID)
	if outcome != task.OutcomeFailed {
		t.Fatalf("outcome = %q, want failed", outcome)
	}
	if f.invoker.attempts != 1 {
		t.Errorf("attempts = %d, want 1 (no retry on permanent kind)", f.invoker.attempts)
	}

	got, _ := f.store.GetTask(context.Background(), tk.ID)
	if got.Status != task.StatusFailed {
		t.Errorf("status = %q, want failed", got.Status)
	}
	if !strings.HasPrefix(got.ErrorMessage, "[AgentMissing]") {
		t.Errorf("error_message = %q, want [AgentMissing] prefix", got.ErrorMessage)
	}
	if !strings.Contains(got.ErrorMessage, "| hint:") {
		t.Errorf("error_message missing recovery hint: %q", got.ErrorMessage)
	}
	if got.FinalSummary != "" {
		t.Errorf("final_summary must be empty on failure, got %q", got.FinalSummary)
	}
}

func TestRunTransientRecovery(t *testing.T) {
	f := newFixture(t, func(ctx context.Context, attempt int, req agent.Request, onMessage func(agent.Message)) (string, error) {
		if attempt == 1 {
			return "", &agent.ConnectError{Err: errors.New("broken pipe")}
		}
		onMessage(agent.Final{Summary: "second time lucky"})
		return "second time lucky", nil
	})
	tk := f.createTask(t)

	outcome := f.exec.Run(context.Background(), tk.ID)
	if outcome != task.OutcomeCompleted {
		t.Fatalf("outcome = %q, want completed", outcome)
	}
	if f.invoker.attempts != 2 {
		t.Errorf("attempts = %d, want 2", f.invoker.attempts)
	}

	got, _ := f.store.GetTask(context.Background(), tk.ID)
	detail, err := os.ReadFile(got.DetailedLogPath)
	if err != nil {
		t.Fatalf("detailed log: %v", err)
	}
	if n := strings.Count(string(detail), "[RETRY]"); n != 1 {
		t.Errorf("retry count in detailed log = %d, want 1", n)
	}
}

func TestRunCancellation(t *testing.T) {
	started := make(chan struct{})
	f := newFixture(t, func(ctx context.Context, attempt int, req agent.Request, onMessage func(agent.Message)) (string, error) {
		close(started)
		<-ctx.Done()
		return "", ctx.Err()
	})

	tk := f.createTask(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan task.Outcome, 1)
	go func() { done <- f.exec.Run(ctx, tk.ID) }()

	<-started
	cancel()

	var outcome task.Outcome
	select {
	case outcome = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if outcome != task.OutcomeCancelled {
		t.Fatalf("outcome = %q, want cancelled", outcome)
	}

	got, _ := f.store.GetTask(context.Background(), tk.ID)
	if got.Status != task.StatusCancelled {
		t.Errorf("status = %q, want cancelled", got.Status)
	}
	if got.EndedAt == nil {
		t.Error("cancelled task must carry ended_at")
	}
}

func TestRunTimeoutClassifiedAsInternalTimeout(t *testing.T) {
	f := newFixture(t, func(ctx context.Context, attempt int, req agent.Request, onMessage func(agent.Message)) (string, error) {
		time.Sleep(200 * time.Millisecond)
		return "", context.DeadlineExceeded
	})
	f.exec.opts.TimeoutFor = func(task.ModelTier) time.Duration { return 50 * time.Millisecond }
	tk := f.createTask(t)

	outcome := f.exec.Run(context.Background(), tk.ID)
	if outcome != task.OutcomeFailed {
		t.Fatalf("outcome = %q, want failed", outcome)
	}

	got, _ := f.store.GetTask(context.Background(), tk.ID)
	if !strings.HasPrefix(got.ErrorMessage, "["+string(classify.KindInternalTimeout)+"]") {
		t.Errorf("error_message = %q, want InternalTimeout kind", got.ErrorMessage)
	}
}

func TestRunBreakerOpenShortCircuits(t *testing.T) {
	f := newFixture(t, func(ctx context.Context, attempt int, req agent.Request, onMessage func(agent.Message)) (string, error) {
		return "", &agent.ConnectError{Err: errors.New("down")}
	})

	// Force the breaker open before the run.
	b := f.breakers.Get(BreakerKey)
	for i := 0; i < 5; i++ {
		b.ReportFailure()
	}

	tk := f.createTask(t)
	outcome := f.exec.Run(context.Background(), tk.ID)
	if outcome != task.OutcomeFailed {
		t.Fatalf("outcome = %q, want failed", outcome)
	}
	if f.invoker.attempts != 0 {
		t.Errorf("agent invoked %d times behind an open breaker", f.invoker.attempts)
	}

	got, _ := f.store.GetTask(context.Background(), tk.ID)
	if !strings.HasPrefix(got.ErrorMessage, "["+string(classify.KindBreakerOpen)+"]") {
		t.Errorf("error_message = %q, want BreakerOpen kind", got.ErrorMessage)
	}
}

func TestRunOnTerminalTaskIsNoOp(t *testing.T) {
	f := newFixture(t, func(ctx context.Context, attempt int, req agent.Request, onMessage func(agent.Message)) (string, error) {
		return "ok", nil
	})
	tk := f.createTask(t)
	if err := f.store.Finalize(context.Background(), tk.ID, task.StatusCancelled, "", ""); err != nil {
		t.Fatal(err)
	}

	outcome := f.exec.Run(context.Background(), tk.ID)
	if outcome != task.OutcomeCancelled {
		t.Fatalf("outcome = %q, want cancelled (existing terminal state)", outcome)
	}
	if f.invoker.attempts != 0 {
		t.Error("terminal task must not launch the agent")
	}
}
