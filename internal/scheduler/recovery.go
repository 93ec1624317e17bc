package scheduler

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/aristath/taskd/internal/logsink"
	"github.com/aristath/taskd/internal/task"
)

// recover re-queues rows a previous process left non-terminal. Rows found
// running get a recovery marker in their logs: the agent they were driving
// died with the old process.
func (s *Scheduler) recover(ctx context.Context) error {
	leftover, err := s.store.LoadPendingOnStartup(ctx)
	if err != nil {
		return fmt.Errorf("loading leftover tasks: %w", err)
	}

	requeued := 0
	for _, t := range leftover {
		if t.Status == task.StatusRunning {
			s.writeRecoveryMarker(t)
			if err := s.store.Transition(ctx, t.ID, task.StatusRunning, task.StatusPending, nil); err != nil {
				s.log.Warn("re-queue of running task failed", zap.Int64("task_id", t.ID), zap.Error(err))
				continue
			}
		}
		// Members are driven by their orchestration's runner, resumed
		// below; only standalone pending rows dispatch directly.
		if t.OrchestrationID == 0 && (t.Status == task.StatusRunning || t.Status == task.StatusPending) {
			s.launchTask(t.ID)
			requeued++
		}
	}

	orchs, err := s.store.ListNonTerminalOrchestrations(ctx)
	if err != nil {
		return fmt.Errorf("loading leftover orchestrations: %w", err)
	}
	for _, o := range orchs {
		s.launchOrchestration(o.ID)
	}

	if len(leftover) > 0 || len(orchs) > 0 {
		s.log.Info("startup recovery",
			zap.Int("tasks_requeued", requeued),
			zap.Int("tasks_examined", len(leftover)),
			zap.Int("orchestrations_resumed", len(orchs)))
	}
	return nil
}

// writeRecoveryMarker appends the crash-recovery note to both task logs.
func (s *Scheduler) writeRecoveryMarker(t *task.Task) {
	sink, err := logsink.Open(t.SummaryLogPath, t.DetailedLogPath)
	if err != nil {
		s.log.Warn("recovery marker skipped", zap.Int64("task_id", t.ID), zap.Error(err))
		return
	}
	defer sink.Close()
	sink.Summary(logsink.TagRecovery, fmt.Sprintf("task %d re-queued: previous process exited mid-run", t.ID))
	sink.Detail("[RECOVERY] previous process exited mid-run; task re-queued")
}
