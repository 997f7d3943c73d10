// Package jobsmgr implements JobsManager: the user-facing CRUD and
// adaptive-hint surface over JobsRepo (spec.md §4.9), grounded on
// Scheduler.Add's input-validation-before-committing-to-storage shape
// and generalized with tier-quota enforcement.
package jobsmgr

import (
	"context"
	"fmt"
	"time"

	"github.com/cronicorn/scheduler/internal/apperr"
	"github.com/cronicorn/scheduler/internal/clock"
	"github.com/cronicorn/scheduler/internal/cronx"
	"github.com/cronicorn/scheduler/internal/govern"
	"github.com/cronicorn/scheduler/internal/jsonval"
	"github.com/cronicorn/scheduler/internal/model"
	"github.com/cronicorn/scheduler/internal/repo"
	"github.com/google/uuid"
)

// defaultTierLimit bounds live endpoints per user absent an explicit
// TierLimiter (spec.md §4.9 "reject with EndpointLimitReached if count
// >= tier limit").
const defaultTierLimit = 100

// TierLimiter resolves a user's live-endpoint quota; callers wire this to
// their billing/tier system (out of scope per spec.md §1).
type TierLimiter interface {
	LimitFor(ctx context.Context, userID string) (int, error)
}

// FixedTierLimiter is a TierLimiter with one limit for every user, useful
// for single-tier deployments and tests.
type FixedTierLimiter int

func (f FixedTierLimiter) LimitFor(context.Context, string) (int, error) {
	return int(f), nil
}

// AddEndpointInput is the user-supplied shape for JobsManager.AddEndpoint.
type AddEndpointInput struct {
	Name               string
	Description        string
	BaselineCron       string
	BaselineIntervalMs int64
	MinIntervalMs      *int64
	MaxIntervalMs      *int64
	URL                string
	Method             model.HTTPMethod
	HeadersJson        jsonval.Value
	BodyJson           jsonval.Value
	TimeoutMs          int64
	MaxExecutionTimeMs *int64
	MaxResponseSizeKb  *int64
	Labels             []string
}

// Manager is the user-facing surface over JobsRepo (spec.md §4.9).
type Manager struct {
	jobs  repo.JobsRepo
	tiers TierLimiter
	clock clock.Clock
}

// New builds a Manager. tiers may be nil, in which case every user is
// bound by defaultTierLimit.
func New(jobs repo.JobsRepo, tiers TierLimiter, c clock.Clock) *Manager {
	if tiers == nil {
		tiers = FixedTierLimiter(defaultTierLimit)
	}
	if c == nil {
		c = clock.Real{}
	}
	return &Manager{jobs: jobs, tiers: tiers, clock: c}
}

// CreateJob creates a new Job for userID.
func (m *Manager) CreateJob(ctx context.Context, userID, name, description string) (*model.Job, error) {
	if name == "" {
		return nil, apperr.Validation("name is required")
	}
	now := m.clock.Now()
	job := &model.Job{
		ID:          uuid.NewString(),
		UserID:      userID,
		Name:        name,
		Description: description,
		Status:      model.JobActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := m.jobs.AddJob(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// UpdateJob renames/redescribes a job.
func (m *Manager) UpdateJob(ctx context.Context, id, userID string, name, description *string) error {
	return m.jobs.UpdateJob(ctx, id, userID, name, description)
}

// ArchiveJob soft-deletes a job and cascades the archival to every live
// endpoint underneath it, so none of them remain claimable (spec.md §3:
// "endpoints become ineligible for claiming but historical runs remain
// queryable").
func (m *Manager) ArchiveJob(ctx context.Context, id, userID string) error {
	now := m.clock.Now()
	if err := m.jobs.ArchiveJob(ctx, id, userID, now); err != nil {
		return err
	}
	endpoints, err := m.jobs.ListEndpointsByJob(ctx, id, repo.ListOptions{})
	if err != nil {
		return fmt.Errorf("list endpoints to cascade archive: %w", err)
	}
	for _, ep := range endpoints {
		if err := m.jobs.ArchiveEndpoint(ctx, ep.ID, now); err != nil {
			return fmt.Errorf("archive endpoint %q: %w", ep.ID, err)
		}
	}
	return nil
}

// PauseJob pauses every live endpoint under a job until the given time.
// A nil until clears the pause on each endpoint instead, which is how
// ResumeJob is implemented.
func (m *Manager) PauseJob(ctx context.Context, jobID, userID string, until *time.Time) error {
	if _, err := m.jobs.GetJob(ctx, jobID, userID); err != nil {
		return err
	}
	endpoints, err := m.jobs.ListEndpointsByJob(ctx, jobID, repo.ListOptions{})
	if err != nil {
		return err
	}
	for _, ep := range endpoints {
		if err := m.jobs.SetPausedUntil(ctx, ep.ID, until); err != nil {
			return fmt.Errorf("pause endpoint %q: %w", ep.ID, err)
		}
	}
	return nil
}

// ResumeJob resumes every endpoint under a job.
func (m *Manager) ResumeJob(ctx context.Context, jobID, userID string) error {
	return m.PauseJob(ctx, jobID, userID, nil)
}

// validateBaseline enforces spec.md §3's "exactly one baseline kind" and
// "min <= max" invariants, and that the cron expression actually parses.
func validateBaseline(in AddEndpointInput) error {
	hasCron := in.BaselineCron != ""
	hasInterval := in.BaselineIntervalMs > 0
	if hasCron == hasInterval {
		return apperr.Validation("exactly one of baselineCron or baselineIntervalMs is required")
	}
	if hasCron {
		if err := cronx.Validate(in.BaselineCron); err != nil {
			return err
		}
	}
	if in.MinIntervalMs != nil && in.MaxIntervalMs != nil && *in.MinIntervalMs > *in.MaxIntervalMs {
		return apperr.Validation("minIntervalMs must be <= maxIntervalMs")
	}
	if in.URL == "" {
		return apperr.Validation("url is required")
	}
	if in.TimeoutMs <= 0 {
		return apperr.Validation("timeoutMs must be positive")
	}
	switch in.Method {
	case model.MethodGET, model.MethodPOST, model.MethodPUT, model.MethodPATCH, model.MethodDELETE:
	default:
		return apperr.Validation("method must be one of GET, POST, PUT, PATCH, DELETE")
	}
	return nil
}

// AddEndpoint validates and inserts a new JobEndpoint under jobID,
// enforcing the user's tier quota first (spec.md §4.9).
func (m *Manager) AddEndpoint(ctx context.Context, userID, jobID string, in AddEndpointInput) (*model.JobEndpoint, error) {
	if _, err := m.jobs.GetJob(ctx, jobID, userID); err != nil {
		return nil, err
	}
	if err := validateBaseline(in); err != nil {
		return nil, err
	}

	limit, err := m.tiers.LimitFor(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("resolve tier limit: %w", err)
	}
	counts, err := m.jobs.GetEndpointCounts(ctx, userID, m.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("get endpoint counts: %w", err)
	}
	if counts.Total >= limit {
		return nil, apperr.EndpointLimitReached(limit)
	}

	now := m.clock.Now()
	ep := &model.JobEndpoint{
		ID:                 uuid.NewString(),
		JobID:              jobID,
		TenantID:           userID,
		Name:               in.Name,
		Description:        in.Description,
		BaselineCron:       in.BaselineCron,
		BaselineIntervalMs: in.BaselineIntervalMs,
		MinIntervalMs:      in.MinIntervalMs,
		MaxIntervalMs:      in.MaxIntervalMs,
		URL:                in.URL,
		Method:             in.Method,
		HeadersJson:        in.HeadersJson,
		BodyJson:           in.BodyJson,
		TimeoutMs:          in.TimeoutMs,
		MaxExecutionTimeMs: in.MaxExecutionTimeMs,
		MaxResponseSizeKb:  in.MaxResponseSizeKb,
		Labels:             in.Labels,
		StaggerMs:          staggerFor(in),
	}

	// Initial nextRunAt comes from the governor's baseline rule only
	// (step 5) — no AI hints exist yet for a brand-new endpoint, so a
	// synthetic successful outcome just selects the baseline candidate.
	decision := govern.Decide(ep, govern.Outcome{Success: true}, now)
	if decision.ScheduleErr != nil {
		return nil, decision.ScheduleErr
	}
	ep.NextRunAt = decision.NextRunAt

	if err := m.jobs.AddEndpoint(ctx, ep); err != nil {
		return nil, err
	}
	return ep, nil
}

// staggerFor derives a deterministic startup jitter from the endpoint's
// intended baseline, grounded on resolveStableCronOffset:
// only top-of-hour cron baselines get staggered, to avoid a thundering
// herd when many endpoints share "0 * * * *". The value is stored in
// StaggerMs; govern.Decide does not add it to nextRunAt.
func staggerFor(in AddEndpointInput) int {
	if in.BaselineCron == "0 * * * *" {
		h := uint32(2166136261)
		for _, c := range in.Name + in.URL {
			h = (h ^ uint32(c)) * 16777619
		}
		return int(h % 30_000)
	}
	return 0
}

// UpdateEndpoint applies a partial update, re-validating baseline/clamp
// invariants whenever the patch touches them.
func (m *Manager) UpdateEndpoint(ctx context.Context, id string, patch repo.EndpointPatch) error {
	ep, err := m.jobs.GetEndpoint(ctx, id)
	if err != nil {
		return err
	}
	if patch.BaselineCron != nil && *patch.BaselineCron != "" {
		if err := cronx.Validate(*patch.BaselineCron); err != nil {
			return err
		}
	}
	minMs, maxMs := ep.MinIntervalMs, ep.MaxIntervalMs
	if patch.MinIntervalMs != nil {
		minMs = patch.MinIntervalMs
	}
	if patch.ClearMinInterval {
		minMs = nil
	}
	if patch.MaxIntervalMs != nil {
		maxMs = patch.MaxIntervalMs
	}
	if patch.ClearMaxInterval {
		maxMs = nil
	}
	if minMs != nil && maxMs != nil && *minMs > *maxMs {
		return apperr.Validation("minIntervalMs must be <= maxIntervalMs")
	}
	return m.jobs.UpdateEndpoint(ctx, id, patch)
}

// DeleteEndpoint rejects deletion while runs reference the endpoint
// (spec.md §3); archival is the supported removal path for endpoints
// with history.
func (m *Manager) DeleteEndpoint(ctx context.Context, id string, hasRuns func(context.Context, string) (bool, error)) error {
	if hasRuns != nil {
		has, err := hasRuns(ctx, id)
		if err != nil {
			return err
		}
		if has {
			return apperr.Validation("cannot delete an endpoint with existing runs; archive it instead")
		}
	}
	return m.jobs.DeleteEndpoint(ctx, id)
}

// ApplyIntervalHint writes a fresh AI interval hint and makes it visible
// to the scheduler immediately (spec.md §4.9).
func (m *Manager) ApplyIntervalHint(ctx context.Context, endpointID string, intervalMs int64, ttl time.Duration, reason string) error {
	if intervalMs <= 0 {
		return apperr.Validation("intervalMs must be positive")
	}
	now := m.clock.Now()
	expiresAt := now.Add(ttl)
	if err := m.jobs.WriteAIHint(ctx, endpointID, repo.AIHintWrite{
		IntervalMs: &intervalMs,
		ExpiresAt:  expiresAt,
		Reason:     reason,
	}); err != nil {
		return err
	}
	return m.jobs.SetNextRunAtIfEarlier(ctx, endpointID, now.Add(time.Duration(intervalMs)*time.Millisecond))
}

// ApplyOneShotHint schedules exactly one future run at runAt and makes
// it visible to the scheduler immediately.
func (m *Manager) ApplyOneShotHint(ctx context.Context, endpointID string, runAt time.Time, ttl time.Duration, reason string) error {
	now := m.clock.Now()
	if !runAt.After(now) {
		return apperr.Validation("runAt must be in the future")
	}
	expiresAt := now.Add(ttl)
	if err := m.jobs.WriteAIHint(ctx, endpointID, repo.AIHintWrite{
		NextRunAt: &runAt,
		ExpiresAt: expiresAt,
		Reason:    reason,
	}); err != nil {
		return err
	}
	return m.jobs.SetNextRunAtIfEarlier(ctx, endpointID, runAt)
}

// PauseEndpoint pauses (until != nil) or immediately resumes (until ==
// nil) one endpoint.
func (m *Manager) PauseEndpoint(ctx context.Context, endpointID string, until *time.Time) error {
	return m.jobs.SetPausedUntil(ctx, endpointID, until)
}

// ClearHints removes any AI hint on an endpoint.
func (m *Manager) ClearHints(ctx context.Context, endpointID string) error {
	return m.jobs.ClearAIHints(ctx, endpointID)
}

// ResetFailures zeroes an endpoint's failure streak.
func (m *Manager) ResetFailures(ctx context.Context, endpointID string) error {
	return m.jobs.ResetFailureCount(ctx, endpointID)
}
