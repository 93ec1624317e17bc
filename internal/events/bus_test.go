package events

import (
	"testing"
	"time"

	"github.com/aristath/taskd/internal/task"
)

func TestPublishSubscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	taskCh := bus.Subscribe(TopicTask, 4)
	allCh := bus.SubscribeAll(4)

	bus.Publish(TopicTask, TaskStartedEvent{ID: 7, Tier: task.TierFast, Timestamp: time.Now()})
	bus.Publish(TopicOrchestration, OrchestrationFinishedEvent{ID: 1, Status: task.OrchCompleted})

	select {
	case ev := <-taskCh:
		if ev.TaskID() != 7 {
			t.Errorf("task id = %d, want 7", ev.TaskID())
		}
	default:
		t.Fatal("topic subscriber received nothing")
	}

	if got := len(allCh); got != 2 {
		t.Errorf("all-topic subscriber buffered %d events, want 2", got)
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch := bus.Subscribe(TopicTask, 1)
	bus.Publish(TopicTask, TaskActionEvent{ID: 1, Line: "a"})
	bus.Publish(TopicTask, TaskActionEvent{ID: 1, Line: "b"}) // Dropped, never blocks.

	if got := len(ch); got != 1 {
		t.Errorf("buffered = %d, want 1", got)
	}
}

func TestCloseIdempotent(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe(TopicTask, 1)

	bus.Close()
	bus.Close()

	if _, ok := <-ch; ok {
		t.Error("subscriber channel should be closed")
	}

	// Publishing after close is a no-op, not a panic.
	bus.Publish(TopicTask, TaskActionEvent{ID: 1})
}

func TestSubscribeAfterClose(t *testing.T) {
	bus := NewBus()
	bus.Close()

	ch := bus.Subscribe(TopicTask, 1)
	if _, ok := <-ch; ok {
		t.Error("subscription on a closed bus should return a closed channel")
	}
}
