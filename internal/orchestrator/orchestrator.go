// Package orchestrator admits DAGs of tasks and coordinates their
// execution. Dependency gating is purely event-driven: each member owns a
// one-shot completion event fired exactly once with its outcome, and
// waiters block on those events — never on store polling.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/taskd/internal/events"
	"github.com/aristath/taskd/internal/store"
	"github.com/aristath/taskd/internal/task"
)

// Dispatcher hands a ready task to the scheduler for bounded execution and
// reports its terminal outcome.
type Dispatcher interface {
	Execute(ctx context.Context, taskID int64) task.Outcome
}

// completionEvent is a one-shot event carrying a task outcome.
type completionEvent struct {
	once    sync.Once
	ch      chan struct{}
	outcome task.Outcome
}

func newCompletionEvent() *completionEvent {
	return &completionEvent{ch: make(chan struct{})}
}

// fire signals the event. Only the first call takes effect.
func (e *completionEvent) fire(outcome task.Outcome) {
	e.once.Do(func() {
		e.outcome = outcome
		close(e.ch)
	})
}

// wait blocks until the event fires or ctx is done.
func (e *completionEvent) wait(ctx context.Context) (task.Outcome, error) {
	select {
	case <-e.ch:
		return e.outcome, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Runner executes one orchestration's members against the scheduler.
type Runner struct {
	store    *store.Store
	dispatch Dispatcher
	bus      *events.Bus
	log      *zap.Logger
}

// NewRunner creates an orchestration runner.
func NewRunner(st *store.Store, dispatch Dispatcher, bus *events.Bus, log *zap.Logger) *Runner {
	return &Runner{store: st, dispatch: dispatch, bus: bus, log: log}
}

// Run drives every member of the orchestration to a terminal state. All
// members start concurrently; those with dependencies block on their
// predecessors' completion events. Safe to call on a partially-finished
// orchestration after a restart: already-terminal members fire their
// events immediately.
func (r *Runner) Run(ctx context.Context, orchID int64) error {
	members, err := r.store.ListTasksByOrchestration(ctx, orchID)
	if err != nil {
		return fmt.Errorf("loading orchestration %d: %w", orchID, err)
	}
	if len(members) == 0 {
		return fmt.Errorf("orchestration %d has no members", orchID)
	}

	evs := make(map[string]*completionEvent, len(members))
	for _, m := range members {
		evs[m.Identifier] = newCompletionEvent()
	}

	if err := r.store.MarkOrchestrationRunning(ctx, orchID); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, m := range members {
		m := m
		g.Go(func() error {
			return r.runMember(gctx, m, evs)
		})
	}
	runErr := g.Wait()

	orch, recomputeErr := r.store.RecomputeOrchestration(ctx, orchID)
	if recomputeErr != nil {
		r.log.Warn("orchestration aggregate recompute failed",
			zap.Int64("orchestration_id", orchID), zap.Error(recomputeErr))
	} else if orch.Status.Terminal() {
		r.bus.Publish(events.TopicOrchestration, events.OrchestrationFinishedEvent{
			ID:        orchID,
			Status:    orch.Status,
			Completed: orch.Completed,
			Failed:    orch.Failed,
			Skipped:   orch.Skipped,
			Timestamp: time.Now(),
		})
	}

	return runErr
}

// runMember drives one member: wait for dependency events, propagate
// skips, apply the post-dependency delay, then dispatch.
func (r *Runner) runMember(ctx context.Context, m *task.Task, evs map[string]*completionEvent) error {
	ev := evs[m.Identifier]

	// Resume support: members already terminal just fire their outcome.
	if m.Status.Terminal() {
		ev.fire(task.OutcomeFor(m.Status))
		return nil
	}

	for _, dep := range m.DependsOn {
		depEv, ok := evs[dep]
		if !ok {
			// Admission guarantees membership; an unknown name here means
			// the stored graph was tampered with.
			r.failMember(ctx, m, ev, fmt.Sprintf("dependency %q is not a member of the orchestration", dep))
			return nil
		}
		outcome, err := depEv.wait(ctx)
		if err != nil {
			return err
		}
		if outcome != task.OutcomeCompleted {
			r.skipMember(ctx, m, ev, dep, outcome)
			return nil
		}
	}

	if m.WaitAfterDeps > 0 {
		timer := time.NewTimer(m.WaitAfterDeps)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	// Dependent members sit in waiting until their gate opens. A release
	// conflict means something else finalized the row (an explicit cancel);
	// its actual outcome still has to flow downstream.
	if m.Status == task.StatusWaiting {
		if err := r.store.Transition(ctx, m.ID, task.StatusWaiting, task.StatusPending, nil); err != nil {
			if cur, gerr := r.store.GetTask(ctx, m.ID); gerr == nil && cur.Status.Terminal() {
				ev.fire(task.OutcomeFor(cur.Status))
				r.recompute(ctx, m.OrchestrationID)
				return nil
			}
			r.log.Warn("waiting member could not be released",
				zap.Int64("task_id", m.ID), zap.Error(err))
			ev.fire(task.OutcomeFailed)
			return nil
		}
	}

	outcome := r.dispatch.Execute(ctx, m.ID)
	ev.fire(outcome)
	r.recompute(ctx, m.OrchestrationID)
	return nil
}

// skipMember transitions a member straight to skipped — no executor is
// launched — and cascades the skip down the DAG via its own event.
func (r *Runner) skipMember(ctx context.Context, m *task.Task, ev *completionEvent, dep string, outcome task.Outcome) {
	msg := fmt.Sprintf("skipped: dependency %q finished %s", dep, outcome)
	if err := r.store.Finalize(ctx, m.ID, task.StatusSkipped, "", msg); err != nil {
		r.log.Warn("skip finalize failed", zap.Int64("task_id", m.ID), zap.Error(err))
	}
	r.log.Info("task skipped",
		zap.Int64("task_id", m.ID),
		zap.String("identifier", m.Identifier),
		zap.String("dependency", dep),
		zap.String("dependency_outcome", string(outcome)))

	ev.fire(task.OutcomeSkipped)
	r.bus.Publish(events.TopicTask, events.TaskFinishedEvent{
		ID:        m.ID,
		Status:    task.StatusSkipped,
		Timestamp: time.Now(),
	})
	r.recompute(ctx, m.OrchestrationID)
}

// failMember finalizes a member as failed without dispatching it.
func (r *Runner) failMember(ctx context.Context, m *task.Task, ev *completionEvent, msg string) {
	if err := r.store.Finalize(ctx, m.ID, task.StatusFailed, "", msg); err != nil {
		r.log.Warn("member finalize failed", zap.Int64("task_id", m.ID), zap.Error(err))
	}
	ev.fire(task.OutcomeFailed)
	r.recompute(ctx, m.OrchestrationID)
}

// recompute refreshes the orchestration aggregate after a member-terminal
// event.
func (r *Runner) recompute(ctx context.Context, orchID int64) {
	if _, err := r.store.RecomputeOrchestration(ctx, orchID); err != nil {
		r.log.Warn("orchestration recompute failed", zap.Int64("orchestration_id", orchID), zap.Error(err))
	}
}
