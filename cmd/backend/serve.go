package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/foxseedlab/meetscribe/internal/api"
	"github.com/foxseedlab/meetscribe/internal/calendar"
	"github.com/foxseedlab/meetscribe/internal/metrics"
	"github.com/foxseedlab/meetscribe/internal/queue"
	"github.com/foxseedlab/meetscribe/internal/repository"
	"github.com/foxseedlab/meetscribe/internal/scheduler"
	"github.com/foxseedlab/meetscribe/internal/session"
	"github.com/foxseedlab/meetscribe/internal/tasks"
	"github.com/samber/do/v2"
	"github.com/spf13/cobra"
)

const shutdownDrainTimeout = 20 * time.Second

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the calendar watcher, scheduler, sessions, task workers and admin HTTP",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	cfg, injector := bootstrap()
	defer injector.Shutdown()

	slog.Info("startup: resolving components")
	repo, err := do.Invoke[repository.Repository](injector)
	if err != nil {
		return fmt.Errorf("resolve store: %w", err)
	}
	q, err := do.Invoke[*queue.Queue](injector)
	if err != nil {
		return fmt.Errorf("resolve task queue: %w", err)
	}
	if _, err := do.Invoke[*tasks.Handlers](injector); err != nil {
		return fmt.Errorf("resolve task handlers: %w", err)
	}
	manager, err := do.Invoke[*session.Manager](injector)
	if err != nil {
		return fmt.Errorf("resolve session manager: %w", err)
	}
	sched, err := do.Invoke[*scheduler.Scheduler](injector)
	if err != nil {
		return fmt.Errorf("resolve scheduler: %w", err)
	}
	watcher, err := do.Invoke[*calendar.Watcher](injector)
	if err != nil {
		return fmt.Errorf("resolve calendar watcher: %w", err)
	}
	m := do.MustInvoke[*metrics.Metrics](injector)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Segments persisted by the previous run must land before sessions resume numbering.
	if n, err := q.ProcessOnce(ctx); err != nil {
		slog.Error("startup: failed to drain pending tasks", "error", err)
	} else if n > 0 {
		slog.Info("startup: drained pending tasks", "tasks", n)
	}
	resumed, err := manager.Recover(ctx, sched)
	if err != nil {
		return fmt.Errorf("recover sessions: %w", err)
	}
	primed, err := watcher.Prime(ctx)
	if err != nil {
		return fmt.Errorf("prime scheduler: %w", err)
	}
	slog.Info("startup: state recovered", "resumed_sessions", resumed, "scheduled_events", primed)

	server := api.NewServer(repo, q, m.Registry, cfg.HTTPAddr)

	var wg sync.WaitGroup
	run := func(name string, fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
			slog.Info("component stopped", "component", name)
		}()
	}
	run("scheduler", sched.Run)
	run("calendar watcher", watcher.Run)
	run("task queue", q.Run)
	run("admin http", func(ctx context.Context) {
		if err := server.Run(ctx); err != nil {
			slog.Error("admin HTTP failed", "error", err)
		}
	})

	<-ctx.Done()
	slog.Info("shutting down", "running_sessions", manager.Running())
	manager.Wait()
	wg.Wait()

	// Sessions enqueue their finalization on the way out; deliver what we can now.
	drainCtx, cancel := context.WithTimeout(context.Background(), shutdownDrainTimeout)
	defer cancel()
	if n, err := q.ProcessOnce(drainCtx); err != nil {
		slog.Warn("shutdown: task drain incomplete", "error", err)
	} else {
		slog.Info("shutdown: drained tasks", "tasks", n)
	}
	return nil
}
