// Package scheduler implements the control loop that drives endpoint
// dispatch: tick, runUntil, and shutdown (spec.md §4.7), grounded on
// scheduler.Scheduler.executeJob's panic recovery and stagger delay,
// generalized from a single fire-and-forget goroutine per cron tick into
// a bounded worker pool via golang.org/x/sync/errgroup (spec.md §5).
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cronicorn/scheduler/internal/clock"
	"github.com/cronicorn/scheduler/internal/dispatch"
	"github.com/cronicorn/scheduler/internal/govern"
	"github.com/cronicorn/scheduler/internal/model"
	"github.com/cronicorn/scheduler/internal/repo"
)

const (
	defaultMaxConcurrency = 32
	defaultBatchSize      = 64
	minSleep              = 100 * time.Millisecond
	maxSleep              = 5 * time.Second
)

// Config tunes one Scheduler instance.
type Config struct {
	MaxConcurrency int
	BatchSize      int
	LeaseMs        int64
	Owner          string
}

func (c *Config) setDefaults() {
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = defaultMaxConcurrency
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.LeaseMs <= 0 {
		c.LeaseMs = 40_000
	}
	if c.Owner == "" {
		c.Owner = "scheduler"
	}
}

// Scheduler owns the claim->dispatch->finalize loop over one JobsRepo.
type Scheduler struct {
	jobs   repo.JobsRepo
	runs   repo.RunsRepo
	dsp    *dispatch.Dispatcher
	clock  clock.Clock
	logger *slog.Logger
	cfg    Config
}

// New builds a Scheduler. Pass a clock.Fake in tests to control tick
// timing deterministically.
func New(jobs repo.JobsRepo, runs repo.RunsRepo, dsp *dispatch.Dispatcher, c clock.Clock, logger *slog.Logger, cfg Config) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if c == nil {
		c = clock.Real{}
	}
	cfg.setDefaults()
	return &Scheduler{jobs: jobs, runs: runs, dsp: dsp, clock: c, logger: logger, cfg: cfg}
}

// Tick runs one claim/dispatch/finalize cycle and reports how many
// endpoints it claimed, so runUntil can decide how long to sleep next.
func (s *Scheduler) Tick(ctx context.Context) (claimed int, err error) {
	ids, err := s.jobs.ClaimDueEndpoints(ctx, s.cfg.BatchSize, s.cfg.LeaseMs, s.cfg.Owner)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(s.cfg.MaxConcurrency)

	for _, id := range ids {
		id := id
		group.Go(func() error {
			s.runEndpoint(groupCtx, id)
			return nil
		})
	}
	_ = group.Wait()

	return len(ids), nil
}

// runEndpoint executes the per-endpoint sequence of spec.md §4.7, steps
// 2-8. A panic inside dispatch or repo calls is recovered so one bad
// endpoint can never take down the worker pool, mirroring
// executeJob's panic guard; the endpoint's lease is cleared in the
// recovery path so it remains claimable on the next tick.
func (s *Scheduler) runEndpoint(ctx context.Context, id string) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("endpoint dispatch panicked", "endpoint_id", id, "panic", r)
			if err := s.jobs.ClearLock(ctx, id); err != nil {
				s.logger.Error("clear lock after panic failed", "endpoint_id", id, "error", err)
			}
		}
	}()

	ep, err := s.jobs.GetEndpoint(ctx, id)
	if err != nil {
		s.logger.Error("load claimed endpoint failed", "endpoint_id", id, "error", err)
		return
	}

	now := s.clock.Now()
	runID, err := s.runs.Create(ctx, id, now, model.SourcePending, 1)
	if err != nil {
		s.logger.Error("create run failed", "endpoint_id", id, "error", err)
		return
	}

	outcome := s.dsp.Dispatch(ctx, ep)

	govOutcome := govern.Outcome{Success: outcome.Kind == dispatch.Success}
	decision := govern.Decide(ep, govOutcome, s.clock.Now())

	if err := s.runs.Finish(ctx, runID, outcome, decision.Source); err != nil {
		s.logger.Error("finish run failed", "run_id", runID, "endpoint_id", id, "error", err)
	}

	upd := repo.AfterRunUpdate{
		LastRunAt:          now,
		FailureCount:       decision.FailureCount,
		NextRunAt:          decision.NextRunAt,
		PausedUntil:        decision.PausedUntil,
		Source:             decision.Source,
		ClearHintNextRunAt: decision.ClearHint.NextRunAt,
		ClearHintExpired:   decision.ClearHint.Expired,
	}
	if err := s.jobs.UpdateAfterRun(ctx, id, upd); err != nil {
		s.logger.Error("update after run failed", "endpoint_id", id, "error", err)
	}

	s.logger.Info("endpoint dispatched",
		"endpoint_id", id, "outcome", outcomeLabel(outcome.Kind), "next_run_at", decision.NextRunAt, "source", decision.Source)
}

func outcomeLabel(k dispatch.OutcomeKind) string {
	switch k {
	case dispatch.Success:
		return "success"
	case dispatch.HTTPFailure:
		return "http-failure"
	case dispatch.Timeout:
		return "timeout"
	default:
		return "network-failure"
	}
}

// RunUntil ticks continuously until stopCh is closed, sleeping between
// ticks per spec.md §4.7's adaptive policy: an immediate retick when the
// last tick claimed a full batch (more work likely queued), otherwise a
// bounded sleep.
func (s *Scheduler) RunUntil(ctx context.Context, stopCh <-chan struct{}) error {
	for {
		select {
		case <-stopCh:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		claimed, err := s.Tick(ctx)
		if err != nil {
			s.logger.Error("tick failed", "error", err)
			s.sleepBounded(ctx, stopCh, maxSleep)
			continue
		}

		if claimed >= s.cfg.BatchSize {
			continue
		}
		s.sleepBounded(ctx, stopCh, s.nextSleep(claimed))
	}
}

func (s *Scheduler) nextSleep(claimed int) time.Duration {
	if claimed == 0 {
		return maxSleep
	}
	return minSleep
}

func (s *Scheduler) sleepBounded(ctx context.Context, stopCh <-chan struct{}, d time.Duration) {
	if d < minSleep {
		d = minSleep
	}
	if d > maxSleep {
		d = maxSleep
	}
	select {
	case <-time.After(d):
	case <-stopCh:
	case <-ctx.Done():
	}
}

// Shutdown runs drain under a context that expires after gracefulTimeout,
// bounding the wait for in-flight runs to finalize (spec.md §5). It does
// not stop claims itself: callers signal RunUntil's stopCh first.
func Shutdown(ctx context.Context, gracefulTimeout time.Duration, drain func(context.Context) error) error {
	drainCtx, cancel := context.WithTimeout(ctx, gracefulTimeout)
	defer cancel()
	return drain(drainCtx)
}
