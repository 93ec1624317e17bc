package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/aristath/taskd/internal/agent"
	"github.com/aristath/taskd/internal/breaker"
	"github.com/aristath/taskd/internal/config"
	"github.com/aristath/taskd/internal/events"
	"github.com/aristath/taskd/internal/executor"
	"github.com/aristath/taskd/internal/logging"
	"github.com/aristath/taskd/internal/metrics"
	"github.com/aristath/taskd/internal/monitor"
	"github.com/aristath/taskd/internal/retry"
	"github.com/aristath/taskd/internal/scheduler"
	"github.com/aristath/taskd/internal/server"
	"github.com/aristath/taskd/internal/store"
	"github.com/aristath/taskd/internal/task"
)

// maintenanceInterval paces the breaker sweep and ring trim. Both MUST run
// on a timer; skipping them leaks disk and memory over long uptimes.
const maintenanceInterval = time.Hour

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "taskd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadDefault()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	logger := logging.New(cfg.GlobalLogPath(), os.Getenv("TASKD_DEBUG") != "")
	defer logger.Sync()

	// A corrupt state file refuses to run; there is no safe degraded mode.
	st, err := store.Open(ctx, cfg.DatabasePath(), cfg.TaskLogDir())
	if err != nil {
		return fmt.Errorf("opening task store: %w", err)
	}
	defer st.Close()

	breakers, err := breaker.NewRegistry(cfg.BreakerDir(), breaker.Settings{
		FailureThreshold:  cfg.Breaker.FailureThreshold,
		Cooldown:          cfg.Breaker.Cooldown(),
		HalfOpenSuccesses: cfg.Breaker.HalfOpenSuccesses,
	})
	if err != nil {
		return fmt.Errorf("opening breaker registry: %w", err)
	}

	bus := events.NewBus()
	defer bus.Close()

	pm := agent.NewProcessManager()
	invoker := agent.NewCLIInvoker(cfg.AgentCommand, pm)

	exec := executor.New(st, invoker, breakers, bus, logger, executor.Options{
		AgentCommand:   cfg.AgentCommand,
		RetryAttempts:  cfg.Retry.MaxAttempts,
		RetryBaseDelay: cfg.Retry.BaseDelay(),
		RetryMaxDelay:  cfg.Retry.MaxDelay(),
		RetrySchedule:  retry.Schedule(cfg.Retry.Schedule),
		TimeoutFor:     func(tier task.ModelTier) time.Duration { return cfg.TimeoutFor(string(tier)) },
	})

	sched := scheduler.New(st, exec, bus, logger, cfg.Concurrency)
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("scheduler startup: %w", err)
	}

	mon := monitor.New(logger, cfg.DataDir, cfg.Monitor.RingSize)
	go mon.Run(ctx, cfg.Monitor.Interval())
	go metrics.WatchBus(ctx, bus)
	go logLifecycle(ctx, bus, logger)
	go maintenanceLoop(ctx, breakers, mon, cfg.Breaker.Retention(), logger)

	httpSrv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: server.Router(server.NewHandler(sched, st, logger)),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("taskd listening",
			zap.String("addr", cfg.ListenAddr),
			zap.String("data_dir", cfg.DataDir),
			zap.Int("concurrency", cfg.Concurrency))
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}

	// Shutdown: stop the API, drain executors, then reap any agents still
	// alive in their process groups.
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	sched.Drain(10 * time.Second)
	if err := pm.KillAll(); err != nil {
		logger.Warn("killing agent subprocesses", zap.Error(err))
	}
	logger.Info("shutdown complete")
	return nil
}

// logLifecycle mirrors task lifecycle events into the global log.
func logLifecycle(ctx context.Context, bus *events.Bus, logger *zap.Logger) {
	ch := bus.SubscribeAll(512)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			switch e := ev.(type) {
			case events.TaskStartedEvent:
				logger.Info("task started", zap.Int64("task_id", e.ID), zap.String("tier", string(e.Tier)))
			case events.TaskFinishedEvent:
				fields := []zap.Field{
					zap.Int64("task_id", e.ID),
					zap.String("status", string(e.Status)),
					zap.Duration("duration", e.Duration),
				}
				if e.Kind != "" {
					fields = append(fields, zap.String("kind", e.Kind))
				}
				logger.Info("task finished", fields...)
			case events.OrchestrationFinishedEvent:
				logger.Info("orchestration finished",
					zap.Int64("orchestration_id", e.ID),
					zap.String("status", string(e.Status)),
					zap.Int("completed", e.Completed),
					zap.Int("failed", e.Failed),
					zap.Int("skipped", e.Skipped))
			}
		}
	}
}

// maintenanceLoop runs the timed housekeeping: breaker record sweep, ring
// trim, and breaker gauge refresh.
func maintenanceLoop(ctx context.Context, breakers *breaker.Registry, mon *monitor.Monitor, retention time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed, err := breakers.Sweep(retention); err != nil {
				logger.Warn("breaker sweep failed", zap.Error(err))
			} else if removed > 0 {
				logger.Info("breaker records swept", zap.Int("removed", removed))
			}
			mon.Trim()
			metrics.ObserveBreakers(breakers)
		}
	}
}
