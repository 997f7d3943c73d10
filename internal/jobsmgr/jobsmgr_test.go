package jobsmgr

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cronicorn/scheduler/internal/apperr"
	"github.com/cronicorn/scheduler/internal/clock"
	"github.com/cronicorn/scheduler/internal/model"
	"github.com/cronicorn/scheduler/internal/repo"
)

// fakeRepo is an in-memory JobsRepo covering exactly the methods Manager
// calls; anything else panics since these tests never reach it.
type fakeRepo struct {
	jobs      map[string]*model.Job
	endpoints map[string]*model.JobEndpoint
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		jobs:      map[string]*model.Job{},
		endpoints: map[string]*model.JobEndpoint{},
	}
}

func (f *fakeRepo) AddJob(_ context.Context, job *model.Job) error {
	f.jobs[job.ID] = job
	return nil
}

func (f *fakeRepo) GetJob(_ context.Context, id, userID string) (*model.Job, error) {
	job, ok := f.jobs[id]
	if !ok || job.UserID != userID {
		return nil, apperr.NotFound("job", id)
	}
	return job, nil
}

func (f *fakeRepo) ListJobs(context.Context, string) ([]*model.Job, error) { panic("unused") }

func (f *fakeRepo) UpdateJob(_ context.Context, id, userID string, name, description *string) error {
	job, err := f.GetJob(context.Background(), id, userID)
	if err != nil {
		return err
	}
	if name != nil {
		job.Name = *name
	}
	if description != nil {
		job.Description = *description
	}
	return nil
}

func (f *fakeRepo) ArchiveJob(_ context.Context, id, userID string, now time.Time) error {
	job, err := f.GetJob(context.Background(), id, userID)
	if err != nil {
		return err
	}
	job.Status = model.JobArchived
	job.ArchivedAt = &now
	return nil
}

func (f *fakeRepo) AddEndpoint(_ context.Context, ep *model.JobEndpoint) error {
	f.endpoints[ep.ID] = ep
	return nil
}

func (f *fakeRepo) GetEndpoint(_ context.Context, id string) (*model.JobEndpoint, error) {
	ep, ok := f.endpoints[id]
	if !ok {
		return nil, apperr.NotFound("endpoint", id)
	}
	return ep, nil
}

func (f *fakeRepo) UpdateEndpoint(_ context.Context, id string, patch repo.EndpointPatch) error {
	_, ok := f.endpoints[id]
	if !ok {
		return apperr.NotFound("endpoint", id)
	}
	return nil
}

func (f *fakeRepo) DeleteEndpoint(_ context.Context, id string) error {
	delete(f.endpoints, id)
	return nil
}

func (f *fakeRepo) ArchiveEndpoint(_ context.Context, id string, now time.Time) error {
	ep, ok := f.endpoints[id]
	if !ok {
		return apperr.NotFound("endpoint", id)
	}
	ep.ArchivedAt = &now
	return nil
}

func (f *fakeRepo) ListEndpointsByJob(_ context.Context, jobID string, opts repo.ListOptions) ([]*model.JobEndpoint, error) {
	var out []*model.JobEndpoint
	for _, ep := range f.endpoints {
		if ep.JobID != jobID {
			continue
		}
		if ep.ArchivedAt != nil && !opts.IncludeArchived {
			continue
		}
		out = append(out, ep)
	}
	return out, nil
}

func (f *fakeRepo) GetEndpointCounts(_ context.Context, userID string, _ time.Time) (repo.EndpointCounts, error) {
	var c repo.EndpointCounts
	for _, ep := range f.endpoints {
		if ep.TenantID == userID {
			c.Total++
		}
	}
	return c, nil
}

func (f *fakeRepo) ClaimDueEndpoints(context.Context, int, int64, string) ([]string, error) {
	panic("unused")
}
func (f *fakeRepo) SetLock(context.Context, string, int64, string) error { panic("unused") }
func (f *fakeRepo) ClearLock(context.Context, string) error             { panic("unused") }

func (f *fakeRepo) SetNextRunAtIfEarlier(_ context.Context, id string, t time.Time) error {
	ep, ok := f.endpoints[id]
	if !ok {
		return apperr.NotFound("endpoint", id)
	}
	if t.Before(ep.NextRunAt) {
		ep.NextRunAt = t
	}
	return nil
}

func (f *fakeRepo) WriteAIHint(_ context.Context, id string, hint repo.AIHintWrite) error {
	ep, ok := f.endpoints[id]
	if !ok {
		return apperr.NotFound("endpoint", id)
	}
	ep.AIHintIntervalMs = hint.IntervalMs
	ep.AIHintNextRunAt = hint.NextRunAt
	ep.AIHintExpiresAt = &hint.ExpiresAt
	ep.AIHintReason = hint.Reason
	return nil
}

func (f *fakeRepo) ClearAIHints(_ context.Context, id string) error {
	ep, ok := f.endpoints[id]
	if !ok {
		return apperr.NotFound("endpoint", id)
	}
	ep.AIHintIntervalMs, ep.AIHintNextRunAt, ep.AIHintExpiresAt, ep.AIHintReason = nil, nil, nil, ""
	return nil
}

func (f *fakeRepo) SetPausedUntil(_ context.Context, id string, until *time.Time) error {
	ep, ok := f.endpoints[id]
	if !ok {
		return apperr.NotFound("endpoint", id)
	}
	ep.PausedUntil = until
	return nil
}

func (f *fakeRepo) ResetFailureCount(_ context.Context, id string) error {
	ep, ok := f.endpoints[id]
	if !ok {
		return apperr.NotFound("endpoint", id)
	}
	ep.FailureCount = 0
	return nil
}

func (f *fakeRepo) UpdateAfterRun(context.Context, string, repo.AfterRunUpdate) error {
	panic("unused")
}

func baseInput() AddEndpointInput {
	return AddEndpointInput{
		Name:               "check status",
		BaselineIntervalMs: 60_000,
		URL:                "https://example.com/health",
		Method:             model.MethodGET,
		TimeoutMs:          5000,
	}
}

func TestCreateJobRejectsEmptyName(t *testing.T) {
	mgr := New(newFakeRepo(), nil, clock.Real{})
	if _, err := mgr.CreateJob(context.Background(), "user-1", "", ""); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("CreateJob with empty name: got %v, want ErrValidation", err)
	}
}

func TestAddEndpointRejectsBothBaselineKinds(t *testing.T) {
	r := newFakeRepo()
	mgr := New(r, nil, clock.Real{})
	ctx := context.Background()
	job, err := mgr.CreateJob(ctx, "user-1", "job-1", "")
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	in := baseInput()
	in.BaselineCron = "0 * * * *"
	if _, err := mgr.AddEndpoint(ctx, "user-1", job.ID, in); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("AddEndpoint with both baseline kinds: got %v, want ErrValidation", err)
	}
}

func TestAddEndpointRejectsNeitherBaselineKind(t *testing.T) {
	r := newFakeRepo()
	mgr := New(r, nil, clock.Real{})
	ctx := context.Background()
	job, err := mgr.CreateJob(ctx, "user-1", "job-1", "")
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	in := baseInput()
	in.BaselineIntervalMs = 0
	if _, err := mgr.AddEndpoint(ctx, "user-1", job.ID, in); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("AddEndpoint with neither baseline kind: got %v, want ErrValidation", err)
	}
}

func TestAddEndpointRejectsMinGreaterThanMax(t *testing.T) {
	r := newFakeRepo()
	mgr := New(r, nil, clock.Real{})
	ctx := context.Background()
	job, err := mgr.CreateJob(ctx, "user-1", "job-1", "")
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	min, max := int64(10_000), int64(5_000)
	in := baseInput()
	in.MinIntervalMs, in.MaxIntervalMs = &min, &max
	if _, err := mgr.AddEndpoint(ctx, "user-1", job.ID, in); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("AddEndpoint with min > max: got %v, want ErrValidation", err)
	}
}

func TestAddEndpointEnforcesTierQuota(t *testing.T) {
	r := newFakeRepo()
	mgr := New(r, FixedTierLimiter(1), clock.Real{})
	ctx := context.Background()
	job, err := mgr.CreateJob(ctx, "user-1", "job-1", "")
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	if _, err := mgr.AddEndpoint(ctx, "user-1", job.ID, baseInput()); err != nil {
		t.Fatalf("first AddEndpoint should succeed under the quota: %v", err)
	}
	if _, err := mgr.AddEndpoint(ctx, "user-1", job.ID, baseInput()); !errors.Is(err, apperr.ErrEndpointLimit) {
		t.Errorf("second AddEndpoint should hit the quota: got %v, want ErrEndpointLimit", err)
	}
}

func TestAddEndpointRejectsCrossUserJob(t *testing.T) {
	r := newFakeRepo()
	mgr := New(r, nil, clock.Real{})
	ctx := context.Background()
	job, err := mgr.CreateJob(ctx, "user-1", "job-1", "")
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	if _, err := mgr.AddEndpoint(ctx, "user-2", job.ID, baseInput()); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("AddEndpoint under a different user's job: got %v, want ErrNotFound", err)
	}
}

func TestArchiveJobCascadesToLiveEndpoints(t *testing.T) {
	r := newFakeRepo()
	mgr := New(r, nil, clock.Real{})
	ctx := context.Background()
	job, err := mgr.CreateJob(ctx, "user-1", "job-1", "")
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	epA, err := mgr.AddEndpoint(ctx, "user-1", job.ID, baseInput())
	if err != nil {
		t.Fatalf("AddEndpoint: %v", err)
	}
	epB, err := mgr.AddEndpoint(ctx, "user-1", job.ID, baseInput())
	if err != nil {
		t.Fatalf("AddEndpoint: %v", err)
	}

	if err := mgr.ArchiveJob(ctx, job.ID, "user-1"); err != nil {
		t.Fatalf("ArchiveJob: %v", err)
	}

	for _, id := range []string{epA.ID, epB.ID} {
		got, err := r.GetEndpoint(ctx, id)
		if err != nil {
			t.Fatalf("GetEndpoint(%q): %v", id, err)
		}
		if got.ArchivedAt == nil {
			t.Errorf("endpoint %q was not archived when its job was archived", id)
		}
	}
}

func TestAddEndpointSetsInitialNextRunAtFromBaseline(t *testing.T) {
	r := newFakeRepo()
	mgr := New(r, nil, clock.Real{})
	ctx := context.Background()
	job, err := mgr.CreateJob(ctx, "user-1", "job-1", "")
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	before := time.Now()
	ep, err := mgr.AddEndpoint(ctx, "user-1", job.ID, baseInput())
	if err != nil {
		t.Fatalf("AddEndpoint: %v", err)
	}
	want := before.Add(60 * time.Second)
	if ep.NextRunAt.Before(want.Add(-time.Second)) || ep.NextRunAt.After(want.Add(time.Second)) {
		t.Errorf("NextRunAt = %v, want roughly %v", ep.NextRunAt, want)
	}
}

func TestApplyIntervalHintRejectsNonPositive(t *testing.T) {
	r := newFakeRepo()
	mgr := New(r, nil, clock.Real{})
	if err := mgr.ApplyIntervalHint(context.Background(), "ep-1", 0, time.Minute, "why"); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("ApplyIntervalHint with intervalMs=0: got %v, want ErrValidation", err)
	}
}

func TestApplyOneShotHintRejectsPastRunAt(t *testing.T) {
	r := newFakeRepo()
	mgr := New(r, nil, clock.Real{})
	past := time.Now().Add(-time.Hour)
	if err := mgr.ApplyOneShotHint(context.Background(), "ep-1", past, time.Minute, "why"); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("ApplyOneShotHint with a past runAt: got %v, want ErrValidation", err)
	}
}

func TestApplyIntervalHintAdvancesNextRunAtIfEarlier(t *testing.T) {
	r := newFakeRepo()
	mgr := New(r, nil, clock.Real{})
	ctx := context.Background()
	job, err := mgr.CreateJob(ctx, "user-1", "job-1", "")
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	ep, err := mgr.AddEndpoint(ctx, "user-1", job.ID, baseInput())
	if err != nil {
		t.Fatalf("AddEndpoint: %v", err)
	}

	was := ep.NextRunAt
	if err := mgr.ApplyIntervalHint(ctx, ep.ID, 5_000, time.Hour, "ai says so"); err != nil {
		t.Fatalf("ApplyIntervalHint: %v", err)
	}
	got, err := r.GetEndpoint(ctx, ep.ID)
	if err != nil {
		t.Fatalf("GetEndpoint: %v", err)
	}
	if got.AIHintIntervalMs == nil || *got.AIHintIntervalMs != 5_000 {
		t.Errorf("AIHintIntervalMs = %v, want 5000", got.AIHintIntervalMs)
	}
	if !got.NextRunAt.Before(was) {
		t.Errorf("NextRunAt did not advance: %v, was %v", got.NextRunAt, was)
	}
}
