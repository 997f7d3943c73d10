package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cronicorn/scheduler/internal/clock"
	"github.com/cronicorn/scheduler/internal/dispatch"
	"github.com/cronicorn/scheduler/internal/scheduler"
)

// newServeCmd creates the `schedulerd serve` command that runs the tick
// loop until a shutdown signal arrives, mirroring cmd/devclaw
// serve.go's signal-handling/graceful-shutdown idiom.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler daemon",
		Long: `Run the scheduler's claim/dispatch/reschedule loop until
interrupted (SIGINT/SIGTERM), then drain in-flight dispatches within the
configured graceful shutdown window.`,
		RunE: runServe,
	}
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cmd, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := b.close(); err != nil {
			logger.Error("close backend failed", "error", err)
		}
	}()

	n, err := b.runs.CleanupZombieRuns(ctx, cfg.Scheduler.ZombieThresholdMs, clock.Real{}.Now())
	if err != nil {
		return fmt.Errorf("cleanup zombie runs: %w", err)
	}
	if n > 0 {
		logger.Info("reconciled zombie runs on startup", "count", n)
	}

	sched := scheduler.New(b.jobs, b.runs, dispatch.New(), clock.Real{}, logger, scheduler.Config{
		MaxConcurrency: cfg.Scheduler.MaxConcurrency,
		BatchSize:      cfg.Scheduler.BatchSize,
		LeaseMs:        cfg.Scheduler.LeaseMs,
		Owner:          ownerName(),
	})

	stopCh := make(chan struct{})
	runDone := make(chan error, 1)
	go func() { runDone <- sched.RunUntil(ctx, stopCh) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("schedulerd running", "backend", cfg.Backend, "batch_size", cfg.Scheduler.BatchSize, "max_concurrency", cfg.Scheduler.MaxConcurrency)

	select {
	case <-sigCh:
		logger.Info("shutdown signal received, draining in-flight dispatches")
	case err := <-runDone:
		return err
	}

	close(stopCh)
	cancel()

	select {
	case <-runDone:
		logger.Info("shutdown complete")
	case <-time.After(time.Duration(cfg.Scheduler.GracefulTimeoutSecs) * time.Second):
		logger.Warn("graceful shutdown timed out, forcing exit")
	}
	return nil
}

// ownerName identifies this process in the lease_owner column, so a
// zombie sweep or operator can tell which replica holds a stuck lease.
func ownerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "schedulerd"
	}
	return fmt.Sprintf("schedulerd@%s-%d", host, os.Getpid())
}
