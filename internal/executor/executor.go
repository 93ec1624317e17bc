// Package executor drives a single task end-to-end: it transitions the row
// to running, spawns the agent through the retry controller, streams
// messages into the log sink and the last_action cache, and finalizes the
// terminal state. Every exit path closes both logs.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/aristath/taskd/internal/agent"
	"github.com/aristath/taskd/internal/breaker"
	"github.com/aristath/taskd/internal/classify"
	"github.com/aristath/taskd/internal/events"
	"github.com/aristath/taskd/internal/logsink"
	"github.com/aristath/taskd/internal/retry"
	"github.com/aristath/taskd/internal/store"
	"github.com/aristath/taskd/internal/task"
)

// BreakerKey names the dependency all agent spawns are gated on.
const BreakerKey = "agent.invoke"

// Options configures task execution policy.
type Options struct {
	AgentCommand   string
	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	RetrySchedule  retry.Schedule
	TimeoutFor     func(tier task.ModelTier) time.Duration
}

// Executor runs tasks. It is shared across all in-flight tasks; per-task
// state lives on the stack of Run.
type Executor struct {
	store    *store.Store
	invoker  agent.Invoker
	breakers *breaker.Registry
	bus      *events.Bus
	log      *zap.Logger
	opts     Options
}

// New creates an executor.
func New(st *store.Store, inv agent.Invoker, breakers *breaker.Registry, bus *events.Bus, log *zap.Logger, opts Options) *Executor {
	return &Executor{store: st, invoker: inv, breakers: breakers, bus: bus, log: log, opts: opts}
}

// Run drives the task with the given id, whose row must be pending, to a
// terminal state. The returned outcome mirrors the final status. ctx
// cancellation is the cancel signal: the agent is terminated and the task
// finalizes cancelled.
func (e *Executor) Run(ctx context.Context, taskID int64) task.Outcome {
	t, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		e.log.Error("task lookup failed", zap.Int64("task_id", taskID), zap.Error(err))
		return task.OutcomeFailed
	}
	if t.Status.Terminal() {
		return task.OutcomeFor(t.Status)
	}

	pid := os.Getpid()
	if err := e.store.Transition(ctx, taskID, task.StatusPending, task.StatusRunning, &store.Patch{WorkerPID: &pid}); err != nil {
		// Raced with a cancel; report whatever the row says now.
		if cur, gerr := e.store.GetTask(ctx, taskID); gerr == nil && cur.Status.Terminal() {
			return task.OutcomeFor(cur.Status)
		}
		e.log.Error("dispatch transition failed", zap.Int64("task_id", taskID), zap.Error(err))
		return task.OutcomeFailed
	}

	timeout := e.opts.TimeoutFor(t.ModelTier)
	started := time.Now()

	sink, err := logsink.Open(t.SummaryLogPath, t.DetailedLogPath)
	if err != nil {
		// Unable to open the task's logs: the task cannot proceed.
		msg := fmt.Sprintf("[%s] cannot open task logs | hint: check %s", classify.KindAgentGeneric, t.SummaryLogPath)
		if ferr := e.store.Finalize(ctx, taskID, task.StatusFailed, "", msg); ferr != nil {
			e.log.Error("finalize after log-open failure", zap.Int64("task_id", taskID), zap.Error(ferr))
		}
		e.log.Error("task log open failed", zap.Int64("task_id", taskID), zap.Error(err))
		return task.OutcomeFailed
	}
	defer sink.Close()

	sink.Header(t.ID, t.WorkingDir, string(t.ModelTier), t.SystemPrompt, t.ExecutionPrompt, timeout)
	e.bus.Publish(events.TopicTask, events.TaskStartedEvent{ID: t.ID, Tier: t.ModelTier, Timestamp: started})

	taskCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	summary, runErr := e.invokeWithRetry(taskCtx, t, sink)

	switch {
	case runErr == nil:
		return e.finishCompleted(ctx, t, sink, summary, started)
	case errors.Is(runErr, context.Canceled) && ctx.Err() != nil:
		return e.finishCancelled(ctx, t, sink, started)
	default:
		return e.finishFailed(ctx, t, sink, runErr, started)
	}
}

// invokeWithRetry wraps the agent invocation in the retry controller.
func (e *Executor) invokeWithRetry(ctx context.Context, t *task.Task, sink *logsink.Sink) (string, error) {
	controller := &retry.Controller{
		MaxAttempts: e.opts.RetryAttempts,
		BaseDelay:   e.opts.RetryBaseDelay,
		MaxDelay:    e.opts.RetryMaxDelay,
		Schedule:    e.opts.RetrySchedule,
		Breaker:     e.breakers.Get(BreakerKey),
		OnRetry: func(attempt int, rec classify.Record, delay time.Duration) {
			line := sink.Summary(logsink.TagRetry,
				fmt.Sprintf("retry after attempt %d (%s), sleeping %s", attempt, rec.Kind, delay.Round(time.Millisecond)))
			sink.Detailf("[RETRY] attempt %d failed with %s: %s; next attempt in %s",
				attempt, rec.Kind, rec.Description, delay.Round(time.Millisecond))
			if err := e.store.AppendAction(ctx, t.ID, line); err != nil {
				e.log.Warn("last_action update failed", zap.Int64("task_id", t.ID), zap.Error(err))
			}
		},
	}

	req := agent.Request{
		WorkingDir:      t.WorkingDir,
		SystemPrompt:    t.SystemPrompt,
		ExecutionPrompt: t.ExecutionPrompt,
		ModelTier:       string(t.ModelTier),
	}

	var summary string
	err := controller.Do(ctx, func(attemptCtx context.Context) error {
		s, err := e.invoker.Invoke(attemptCtx, req, func(m agent.Message) {
			e.handleMessage(ctx, t, sink, m)
		})
		if err != nil {
			return err
		}
		summary = s
		return nil
	})
	return summary, err
}

// handleMessage streams one agent message into the logs and, for notable
// events, the last_action cache. Tool-level errors are observed data only.
func (e *Executor) handleMessage(ctx context.Context, t *task.Task, sink *logsink.Sink, m agent.Message) {
	sink.Detail(renderDetail(m))

	line, notable := agent.Summarize(m)
	if !notable {
		return
	}

	tag := logsink.TagTool
	switch m.(type) {
	case agent.AssistantText, agent.Final:
		tag = logsink.TagInfo
	case agent.ToolResult:
		tag = logsink.TagWarn
	}
	written := sink.Summary(tag, line)

	if err := e.store.AppendAction(ctx, t.ID, written); err != nil {
		e.log.Warn("last_action update failed", zap.Int64("task_id", t.ID), zap.Error(err))
	}
	e.bus.Publish(events.TopicTask, events.TaskActionEvent{ID: t.ID, Line: written, Timestamp: time.Now()})
}

// renderDetail serializes a message for the detailed log.
func renderDetail(m agent.Message) string {
	switch v := m.(type) {
	case agent.UserText:
		return "[user] " + v.Text
	case agent.AssistantText:
		return "[assistant] " + v.Text
	case agent.ToolUse:
		return fmt.Sprintf("[tool_use %s] %s", v.Name, string(v.Input))
	case agent.ToolResult:
		status := "ok"
		if v.IsError {
			status = "error"
		}
		return fmt.Sprintf("[tool_result %s] %s", status, v.Content)
	case agent.Final:
		return "[result] " + v.Summary
	default:
		b, _ := json.Marshal(v)
		return "[unknown] " + string(b)
	}
}

func (e *Executor) finishCompleted(ctx context.Context, t *task.Task, sink *logsink.Sink, summary string, started time.Time) task.Outcome {
	if summary == "" {
		summary = "task completed"
	}
	if err := e.store.Finalize(ctx, t.ID, task.StatusCompleted, summary, ""); err != nil {
		e.log.Error("finalize completed failed", zap.Int64("task_id", t.ID), zap.Error(err))
	}
	duration := time.Since(started)
	sink.Summary(logsink.TagDone, fmt.Sprintf("task %d completed in %s", t.ID, duration.Round(time.Second)))
	sink.Detailf("TASK COMPLETED in %s\nFinal summary: %s", duration.Round(time.Millisecond), summary)

	e.bus.Publish(events.TopicTask, events.TaskFinishedEvent{
		ID: t.ID, Status: task.StatusCompleted, Duration: duration, Timestamp: time.Now(),
	})
	return task.OutcomeCompleted
}

func (e *Executor) finishCancelled(ctx context.Context, t *task.Task, sink *logsink.Sink, started time.Time) task.Outcome {
	// The run context is gone; finalize with a fresh one.
	fctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := e.store.Finalize(fctx, t.ID, task.StatusCancelled, "", "cancelled by request"); err != nil {
		e.log.Error("finalize cancelled failed", zap.Int64("task_id", t.ID), zap.Error(err))
	}
	sink.Summary(logsink.TagCancel, fmt.Sprintf("task %d cancelled", t.ID))

	e.bus.Publish(events.TopicTask, events.TaskFinishedEvent{
		ID: t.ID, Status: task.StatusCancelled, Duration: time.Since(started), Timestamp: time.Now(),
	})
	return task.OutcomeCancelled
}

func (e *Executor) finishFailed(ctx context.Context, t *task.Task, sink *logsink.Sink, runErr error, started time.Time) task.Outcome {
	rec := classify.Classify(runErr)
	msg := classify.FormatMessage(rec)

	// Environmental probe and failure context go to the detailed log only;
	// they never influence the classification above.
	sink.Detailf("TASK FAILED: %s\nkind: %s (transient=%v)\nerror: %v", msg, rec.Kind, rec.Transient, runErr)
	var procErr *agent.ProcessError
	if errors.As(runErr, &procErr) && procErr.Stderr != "" {
		sink.Detailf("stderr tail:\n%s", procErr.Stderr)
	}
	sink.Detail(agent.Diagnose(e.opts.AgentCommand, t.WorkingDir).String())

	fctx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		fctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	if err := e.store.Finalize(fctx, t.ID, task.StatusFailed, "", msg); err != nil {
		e.log.Error("finalize failed failed", zap.Int64("task_id", t.ID), zap.Error(err))
	}
	sink.Summary(logsink.TagFail, fmt.Sprintf("task %d failed: %s", t.ID, msg))

	e.bus.Publish(events.TopicTask, events.TaskFinishedEvent{
		ID: t.ID, Status: task.StatusFailed, Kind: string(rec.Kind),
		Duration: time.Since(started), Timestamp: time.Now(),
	})
	return task.OutcomeFailed
}
