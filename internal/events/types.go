package events

import (
	"time"

	"github.com/aristath/taskd/internal/task"
)

// Event is the base interface for all lifecycle events.
type Event interface {
	EventType() string
	TaskID() int64
}

// Topic constants
const (
	TopicTask          = "task"
	TopicOrchestration = "orchestration"
)

// Event type constants
const (
	EventTypeTaskStarted  = "task.started"
	EventTypeTaskAction   = "task.action"
	EventTypeTaskFinished = "task.finished"
	EventTypeOrchFinished = "orchestration.finished"
)

// TaskStartedEvent is published when an executor begins driving a task.
type TaskStartedEvent struct {
	ID        int64
	Tier      task.ModelTier
	Timestamp time.Time
}

func (e TaskStartedEvent) EventType() string { return EventTypeTaskStarted }
func (e TaskStartedEvent) TaskID() int64     { return e.ID }

// TaskActionEvent is published for each notable agent action.
type TaskActionEvent struct {
	ID        int64
	Line      string
	Timestamp time.Time
}

func (e TaskActionEvent) EventType() string { return EventTypeTaskAction }
func (e TaskActionEvent) TaskID() int64     { return e.ID }

// TaskFinishedEvent is published when a task reaches a terminal state.
type TaskFinishedEvent struct {
	ID        int64
	Status    task.Status
	Kind      string // Failure kind; empty unless Status is failed
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskFinishedEvent) EventType() string { return EventTypeTaskFinished }
func (e TaskFinishedEvent) TaskID() int64     { return e.ID }

// OrchestrationFinishedEvent is published when an orchestration aggregate
// reaches a terminal state.
type OrchestrationFinishedEvent struct {
	ID        int64
	Status    task.OrchestrationStatus
	Completed int
	Failed    int
	Skipped   int
	Timestamp time.Time
}

func (e OrchestrationFinishedEvent) EventType() string { return EventTypeOrchFinished }
func (e OrchestrationFinishedEvent) TaskID() int64     { return 0 }
