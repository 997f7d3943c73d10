// Package cronx wraps robfig/cron/v3's parser to the 5-field, UTC-only,
// no-seconds dialect required by spec.md §4.2 and §6 — the same parser
// configuration scheduler.Start uses
// (cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow), minus the
// cron.Descriptor bit: JobEndpoint.baselineCron must be a literal 5-field
// expression, not an "@hourly"-style shorthand.
package cronx

import (
	"time"

	"github.com/robfig/cron/v3"

	"github.com/cronicorn/scheduler/internal/apperr"
)

var parser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// maxHorizon bounds how far out a single Next() call may land before the
// expression is rejected as effectively unschedulable (spec.md §4.6).
const maxHorizon = 366 * 24 * time.Hour

// Validate parses expr without computing an occurrence, returning
// apperr.ErrInvalidSchedule wrapped with the parser's message on failure.
func Validate(expr string) error {
	if _, err := parser.Parse(expr); err != nil {
		return apperr.InvalidSchedule(err.Error())
	}
	return nil
}

// Next computes the next occurrence of expr strictly after "after", in
// UTC. If expr lands exactly on "after" it advances to the subsequent
// occurrence (the tie-break required by spec.md §4.2). An occurrence more
// than 366 days out is rejected as apperr.ErrInvalidSchedule.
func Next(expr string, after time.Time) (time.Time, error) {
	sched, err := parser.Parse(expr)
	if err != nil {
		return time.Time{}, apperr.InvalidSchedule(err.Error())
	}

	after = after.UTC()
	next := sched.Next(after)
	if next.Equal(after) {
		next = sched.Next(next)
	}
	if next.IsZero() {
		return time.Time{}, apperr.InvalidSchedule("expression has no future occurrence")
	}
	if next.Sub(after) > maxHorizon {
		return time.Time{}, apperr.InvalidSchedule("next occurrence exceeds 366-day safety horizon")
	}
	return next.UTC(), nil
}
