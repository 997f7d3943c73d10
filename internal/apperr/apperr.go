// Package apperr defines the small, stable error taxonomy the scheduler
// surfaces to callers (spec.md §7): validation, quota, authorization
// (modeled as not-found to avoid leaking existence), and schedule errors.
// Internal errors are wrapped with %w and never escalated past this set.
package apperr

import (
	"errors"
	"fmt"
)

// Sentinel kinds. Callers compare with errors.Is; internal causes are
// wrapped underneath via fmt.Errorf("...: %w", ...).
var (
	ErrNotFound        = errors.New("not found")
	ErrValidation      = errors.New("validation failed")
	ErrEndpointLimit   = errors.New("endpoint limit reached")
	ErrInvalidSchedule = errors.New("invalid schedule")
)

// Validation wraps a field-level validation failure.
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// EndpointLimitReached reports the tier limit in the user-visible message,
// per spec.md §7 ("a stable message including the tier limit").
func EndpointLimitReached(limit int) error {
	return fmt.Errorf("%w: tier limit is %d endpoints", ErrEndpointLimit, limit)
}

// NotFound wraps a missing-or-unauthorized resource. Cross-user access and
// genuine absence are indistinguishable on purpose (§3, §7).
func NotFound(resource, id string) error {
	return fmt.Errorf("%w: %s %q", ErrNotFound, resource, id)
}

// InvalidSchedule wraps a cron expression the governor/cron parser rejected.
func InvalidSchedule(reason string) error {
	return fmt.Errorf("%w: %s", ErrInvalidSchedule, reason)
}
