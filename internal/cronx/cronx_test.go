package cronx

import (
	"errors"
	"testing"
	"time"

	"github.com/cronicorn/scheduler/internal/apperr"
)

func TestValidateAcceptsFiveFieldExpr(t *testing.T) {
	if err := Validate("0 * * * *"); err != nil {
		t.Errorf("Validate(\"0 * * * *\") = %v, want nil", err)
	}
}

func TestValidateRejectsDescriptorShorthand(t *testing.T) {
	err := Validate("@hourly")
	if err == nil {
		t.Fatal("Validate(\"@hourly\") = nil, want error")
	}
	if !errors.Is(err, apperr.ErrInvalidSchedule) {
		t.Errorf("error is not ErrInvalidSchedule: %v", err)
	}
}

func TestValidateRejectsGarbage(t *testing.T) {
	if err := Validate("not a cron expr"); err == nil {
		t.Error("Validate on garbage expression should fail")
	}
}

func TestNextAdvancesPastExactMatch(t *testing.T) {
	// "0 * * * *" fires on the hour; after exactly on the hour, Next must
	// advance to the following hour rather than returning "after" itself.
	after := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	next, err := Next("0 * * * *", after)
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	want := time.Date(2026, 1, 1, 13, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("Next = %v, want %v", next, want)
	}
}

func TestNextFromNonBoundaryTime(t *testing.T) {
	after := time.Date(2026, 1, 1, 12, 30, 0, 0, time.UTC)
	next, err := Next("0 * * * *", after)
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	want := time.Date(2026, 1, 1, 13, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("Next = %v, want %v", next, want)
	}
}

func TestNextRejectsBeyondHorizon(t *testing.T) {
	// Feb 29 only recurs every 4 years; from a non-leap year the next
	// occurrence is comfortably beyond the 366-day horizon.
	after := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	_, err := Next("0 0 29 2 *", after)
	if err == nil {
		t.Fatal("expected a horizon error, got nil")
	}
	if !errors.Is(err, apperr.ErrInvalidSchedule) {
		t.Errorf("error is not ErrInvalidSchedule: %v", err)
	}
}

func TestNextRejectsInvalidExpr(t *testing.T) {
	_, err := Next("bogus", time.Now())
	if !errors.Is(err, apperr.ErrInvalidSchedule) {
		t.Errorf("error is not ErrInvalidSchedule: %v", err)
	}
}
