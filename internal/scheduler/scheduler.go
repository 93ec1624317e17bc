// Package scheduler is the process-wide supervisor: it admits submissions,
// bounds the number of in-flight executors, re-queues work after a crash,
// and routes cancellation. Executors run in this process — the isolation
// that matters is between an executor and the agent subprocess it spawns.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/aristath/taskd/internal/events"
	"github.com/aristath/taskd/internal/executor"
	"github.com/aristath/taskd/internal/orchestrator"
	"github.com/aristath/taskd/internal/store"
	"github.com/aristath/taskd/internal/task"
)

// Scheduler supervises all in-flight executors.
type Scheduler struct {
	store  *store.Store
	exec   *executor.Executor
	bus    *events.Bus
	log    *zap.Logger
	runner *orchestrator.Runner
	sem    *semaphore.Weighted

	mu      sync.Mutex
	cancels map[int64]context.CancelFunc

	runCtx  context.Context
	stopRun context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a scheduler with the given concurrency bound.
func New(st *store.Store, exec *executor.Executor, bus *events.Bus, log *zap.Logger, concurrency int) *Scheduler {
	if concurrency <= 0 {
		concurrency = 4
	}
	s := &Scheduler{
		store:   st,
		exec:    exec,
		bus:     bus,
		log:     log,
		sem:     semaphore.NewWeighted(int64(concurrency)),
		cancels: make(map[int64]context.CancelFunc),
	}
	// Submissions before Start still get a usable background context.
	s.runCtx, s.stopRun = context.WithCancel(context.Background())
	s.runner = orchestrator.NewRunner(st, s, bus, log)
	return s
}

// Start binds the scheduler's background lifetime to ctx and re-queues
// work left over from a previous process.
func (s *Scheduler) Start(ctx context.Context) error {
	s.runCtx, s.stopRun = context.WithCancel(ctx)
	return s.recover(ctx)
}

// Drain stops admitting background work and waits for in-flight executors,
// up to the given grace period.
func (s *Scheduler) Drain(grace time.Duration) {
	if s.stopRun != nil {
		s.stopRun()
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		s.log.Warn("drain grace period elapsed with executors still running")
	}
}

// Submit admits a single task: the row exists when this returns, execution
// proceeds in the background.
func (s *Scheduler) Submit(ctx context.Context, in store.CreateTaskInput) (*task.Task, error) {
	t, err := s.store.CreateTask(ctx, in)
	if err != nil {
		return nil, err
	}
	s.launchTask(t.ID)
	return t, nil
}

// SubmitGroup admits an orchestration: the batch is validated and inserted
// atomically, then runs in the background.
func (s *Scheduler) SubmitGroup(ctx context.Context, specs []task.Spec) (*task.Orchestration, []*task.Task, error) {
	if _, err := orchestrator.ValidateSpecs(specs); err != nil {
		return nil, nil, err
	}
	orch, tasks, err := s.store.CreateOrchestration(ctx, specs)
	if err != nil {
		return nil, nil, err
	}
	s.launchOrchestration(orch.ID)
	return orch, tasks, nil
}

// Execute runs one ready task under the concurrency bound. It implements
// orchestrator.Dispatcher; direct submissions go through it too. The
// returned outcome mirrors the task's terminal status.
func (s *Scheduler) Execute(ctx context.Context, taskID int64) task.Outcome {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return s.outcomeNow(taskID)
	}
	defer s.sem.Release(1)

	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.registerCancel(taskID, cancel)
	defer s.unregisterCancel(taskID)

	return s.exec.Run(taskCtx, taskID)
}

// Cancel requests cancellation of a task. Idempotent: cancelling a
// terminal task is a no-op reporting the existing status.
func (s *Scheduler) Cancel(ctx context.Context, taskID int64) (task.Status, error) {
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return "", err
	}
	if t.Status.Terminal() {
		return t.Status, nil
	}

	// Running: signal the executor, which terminates the agent and
	// finalizes the row.
	if cancel := s.lookupCancel(taskID); cancel != nil {
		cancel()
		return task.StatusCancelled, nil
	}

	// Not yet dispatched: finalize directly.
	if err := s.store.Finalize(ctx, taskID, task.StatusCancelled, "", "cancelled by request"); err != nil {
		if errors.Is(err, store.ErrStateConflict) {
			// Raced with a dispatch or another cancel; report current state.
			if cur, gerr := s.store.GetTask(ctx, taskID); gerr == nil {
				return cur.Status, nil
			}
		}
		return "", err
	}
	s.bus.Publish(events.TopicTask, events.TaskFinishedEvent{
		ID: taskID, Status: task.StatusCancelled, Timestamp: time.Now(),
	})
	if t.OrchestrationID != 0 {
		if _, err := s.store.RecomputeOrchestration(ctx, t.OrchestrationID); err != nil {
			s.log.Warn("recompute after cancel failed", zap.Int64("orchestration_id", t.OrchestrationID), zap.Error(err))
		}
	}
	return task.StatusCancelled, nil
}

// CancelOrchestration cancels all non-terminal members, best-effort, then
// marks the orchestration cancelled.
func (s *Scheduler) CancelOrchestration(ctx context.Context, orchID int64) (*task.Orchestration, error) {
	members, err := s.store.ListTasksByOrchestration(ctx, orchID)
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, fmt.Errorf("orchestration %d: %w", orchID, store.ErrNotFound)
	}

	for _, m := range members {
		if m.Status.Terminal() {
			continue
		}
		if _, err := s.Cancel(ctx, m.ID); err != nil {
			s.log.Warn("member cancel failed", zap.Int64("task_id", m.ID), zap.Error(err))
		}
	}

	if err := s.store.CancelOrchestration(ctx, orchID); err != nil {
		return nil, err
	}
	return s.store.GetOrchestration(ctx, orchID)
}

// launchTask runs a direct submission in the background.
func (s *Scheduler) launchTask(taskID int64) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.Execute(s.runCtx, taskID)
	}()
}

// launchOrchestration runs an orchestration in the background.
func (s *Scheduler) launchOrchestration(orchID int64) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.runner.Run(s.runCtx, orchID); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Error("orchestration run failed", zap.Int64("orchestration_id", orchID), zap.Error(err))
		}
	}()
}

// outcomeNow reports a task's current outcome without executing it.
func (s *Scheduler) outcomeNow(taskID int64) task.Outcome {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if t, err := s.store.GetTask(ctx, taskID); err == nil && t.Status.Terminal() {
		return task.OutcomeFor(t.Status)
	}
	return task.OutcomeCancelled
}

func (s *Scheduler) registerCancel(taskID int64, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancels[taskID] = cancel
}

func (s *Scheduler) unregisterCancel(taskID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cancels, taskID)
}

func (s *Scheduler) lookupCancel(taskID int64) context.CancelFunc {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancels[taskID]
}
