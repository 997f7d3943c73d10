// Package govern implements the Governor: the pure function that computes
// an endpoint's next fire time from its baseline, AI hints, clamps, pause
// state, and failure backoff (spec.md §4.6). It never touches storage or
// the clock directly — callers inject "now" and the endpoint snapshot.
package govern

import (
	"time"

	"github.com/cronicorn/scheduler/internal/cronx"
	"github.com/cronicorn/scheduler/internal/model"
)

// Outcome is the minimal shape the Governor needs from a dispatch result:
// whether it succeeded. Failure reasons (timeout vs network vs http) don't
// change the governor's decision (spec.md §4.6 rule 2).
type Outcome struct {
	Success bool
}

// HintClear records which AI hint fields the caller should clear after
// this decision — either because a one-shot hint was consumed, or because
// a stale hint was lazily discarded.
type HintClear struct {
	NextRunAt bool
	Expired   bool
}

// Decision is the Governor's output: the new endpoint state plus the
// source label to attach to the run just finalized.
type Decision struct {
	NextRunAt    time.Time
	FailureCount int
	PausedUntil  *time.Time
	Source       model.Source
	ClearHint    HintClear
	// ScheduleErr is set when a cron baseline is invalid or exceeds the
	// horizon; when non-nil the endpoint should be pinned to a far-future
	// pausedUntil rather than deactivated (spec.md §4.6, §7).
	ScheduleErr error
}

// oneSecond is the minimum forward nudge applied when a candidate would
// otherwise land at or before "now" (spec.md §4.6 tie-break).
const oneSecond = time.Second

// oneHour is the floor used when computing the failure-backoff cap.
const oneHour = time.Hour

// Decide runs the ordered rule chain of spec.md §4.6 and returns the
// resulting Decision. endpoint is read-only; callers persist the result.
func Decide(endpoint *model.JobEndpoint, outcome Outcome, now time.Time) Decision {
	// 1. Pause takeover.
	if endpoint.IsPaused(now) {
		next := *endpoint.PausedUntil
		if next.Before(now.Add(oneSecond)) {
			next = now.Add(oneSecond)
		}
		return Decision{
			NextRunAt:    next,
			FailureCount: endpoint.FailureCount,
			PausedUntil:  endpoint.PausedUntil,
			Source:       model.SourceBaselineInterval,
		}
	}

	// 2. Failure backoff.
	if !outcome.Success {
		failureCount := endpoint.FailureCount + 1
		if failureCount > model.MaxFailureCount {
			failureCount = model.MaxFailureCount
		}
		backoff := baseIntervalMs(endpoint) * pow2(min(failureCount, 10))
		backoffCap := oneHour
		if endpoint.MaxIntervalMs != nil {
			if m := time.Duration(*endpoint.MaxIntervalMs) * time.Millisecond; m > backoffCap {
				backoffCap = m
			}
		}
		d := time.Duration(backoff) * time.Millisecond
		if d > backoffCap {
			d = backoffCap
		}
		return Decision{
			NextRunAt:    now.Add(d),
			FailureCount: failureCount,
			Source:       model.SourceBaselineInterval,
		}
	}

	var (
		candidate time.Time
		source    model.Source
		clear     HintClear
	)

	switch {
	// 3. Fresh AI one-shot.
	case endpoint.HintFresh(now) && endpoint.AIHintNextRunAt != nil && endpoint.AIHintNextRunAt.After(now):
		candidate = *endpoint.AIHintNextRunAt
		source = model.SourceAIOneShot
		clear.NextRunAt = true

	// 4. Fresh AI interval.
	case endpoint.HintFresh(now) && endpoint.AIHintIntervalMs != nil:
		candidate = now.Add(time.Duration(*endpoint.AIHintIntervalMs) * time.Millisecond)
		source = model.SourceAIInterval

	// 5. Baseline.
	default:
		if endpoint.AIHintExpiresAt != nil && !endpoint.HintFresh(now) {
			clear.Expired = true
		}
		if endpoint.HasBaselineCron() {
			next, err := cronx.Next(endpoint.BaselineCron, now)
			if err != nil {
				farFuture := model.FarFuture
				return Decision{
					NextRunAt:    farFuture,
					FailureCount: 0,
					PausedUntil:  &farFuture,
					Source:       model.SourceBaselineCron,
					ScheduleErr:  err,
				}
			}
			candidate = next
			source = model.SourceBaselineCron
		} else {
			candidate = now.Add(time.Duration(endpoint.BaselineIntervalMs) * time.Millisecond)
			source = model.SourceBaselineInterval
		}
	}

	// AI hint yielded something at-or-before now: treat as immediate, not past.
	if (source == model.SourceAIOneShot || source == model.SourceAIInterval) && !candidate.After(now) {
		candidate = now.Add(oneSecond)
	}

	// 6. Clamp.
	delta := candidate.Sub(now)
	isAI := source == model.SourceAIOneShot || source == model.SourceAIInterval
	if endpoint.MinIntervalMs != nil {
		min := time.Duration(*endpoint.MinIntervalMs) * time.Millisecond
		if delta < min {
			candidate = now.Add(min)
			if isAI {
				source = model.SourceClampedMin
				isAI = false
			}
		}
	}
	if endpoint.MaxIntervalMs != nil {
		max := time.Duration(*endpoint.MaxIntervalMs) * time.Millisecond
		delta = candidate.Sub(now)
		if delta > max {
			candidate = now.Add(max)
			if isAI {
				source = model.SourceClampedMax
			}
		}
	}

	return Decision{
		NextRunAt:    candidate,
		FailureCount: 0,
		Source:       source,
		ClearHint:    clear,
	}
}

func baseIntervalMs(e *model.JobEndpoint) int64 {
	if e.HasBaselineCron() {
		// A cron baseline has no fixed interval; fall back to one minute
		// as the doubling base so backoff still grows geometrically.
		return 60_000
	}
	return e.BaselineIntervalMs
}

func pow2(n int) int64 {
	r := int64(1)
	for i := 0; i < n; i++ {
		r *= 2
	}
	return r
}
