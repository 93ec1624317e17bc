// Package metrics exposes Prometheus collectors for task outcomes, breaker
// state, and executor load, fed from the lifecycle event bus.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/aristath/taskd/internal/breaker"
	"github.com/aristath/taskd/internal/events"
)

var (
	TasksStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskd_tasks_started_total",
		Help: "Tasks dispatched to an executor.",
	})

	TasksFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskd_tasks_finished_total",
		Help: "Tasks reaching a terminal state, by status.",
	}, []string{"status"})

	TaskFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskd_task_failures_total",
		Help: "Failed tasks by classified kind.",
	}, []string{"kind"})

	TasksInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "taskd_tasks_in_flight",
		Help: "Executors currently driving a task.",
	})

	OrchestrationsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskd_orchestrations_finished_total",
		Help: "Orchestrations reaching a terminal state, by status.",
	}, []string{"status"})

	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "taskd_breaker_state",
		Help: "Circuit breaker state per key: 0 closed, 1 half-open, 2 open.",
	}, []string{"key"})

	TaskDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "taskd_task_duration_seconds",
		Help:    "Wall time of finished tasks.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})
)

// WatchBus consumes lifecycle events and keeps the collectors current.
// Run it once from the service entry point.
func WatchBus(ctx context.Context, bus *events.Bus) {
	ch := bus.SubscribeAll(512)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			observe(ev)
		}
	}
}

func observe(ev events.Event) {
	switch e := ev.(type) {
	case events.TaskStartedEvent:
		TasksStarted.Inc()
		TasksInFlight.Inc()
	case events.TaskFinishedEvent:
		TasksFinished.WithLabelValues(string(e.Status)).Inc()
		if e.Kind != "" {
			TaskFailures.WithLabelValues(e.Kind).Inc()
		}
		if e.Duration > 0 {
			TasksInFlight.Dec()
			TaskDuration.Observe(e.Duration.Seconds())
		}
	case events.OrchestrationFinishedEvent:
		OrchestrationsFinished.WithLabelValues(string(e.Status)).Inc()
	}
}

// ObserveBreakers snapshots breaker records into the state gauge.
func ObserveBreakers(reg *breaker.Registry) {
	for _, rec := range reg.Snapshot() {
		var v float64
		switch rec.State {
		case breaker.StateHalfOpen:
			v = 1
		case breaker.StateOpen:
			v = 2
		}
		BreakerState.WithLabelValues(rec.Key).Set(v)
	}
}
