// Package clock provides the monotonic time source every scheduling
// decision in this module flows through, so tests can drive time
// deterministically instead of racing the wall clock.
package clock

import "time"

// Clock is a monotonically non-decreasing source of "now" with
// millisecond resolution, plus a blocking sleep.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

// Real is the production Clock backed by time.Now/time.Sleep.
type Real struct{}

func (Real) Now() time.Time        { return time.Now().UTC().Truncate(time.Millisecond) }
func (Real) Sleep(d time.Duration) { time.Sleep(d) }
