package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/cronicorn/scheduler/internal/apperr"
	"github.com/cronicorn/scheduler/internal/jsonval"
	"github.com/cronicorn/scheduler/internal/model"
	"github.com/cronicorn/scheduler/internal/repo"
)

func openTestBackend(t *testing.T) *Backend {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scheduler.db")
	b, err := Open(Config{Path: path})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func seedJob(t *testing.T, b *Backend, userID, id string) *model.Job {
	t.Helper()
	now := time.Now().UTC()
	job := &model.Job{ID: id, UserID: userID, Name: "job", Status: model.JobActive, CreatedAt: now, UpdatedAt: now}
	if err := b.AddJob(context.Background(), job); err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	return job
}

func seedEndpoint(t *testing.T, b *Backend, jobID, id string, nextRunAt time.Time) *model.JobEndpoint {
	t.Helper()
	ep := &model.JobEndpoint{
		ID:                 id,
		JobID:              jobID,
		TenantID:           "user-1",
		Name:               "ep",
		BaselineIntervalMs: 60_000,
		URL:                "https://example.com",
		Method:             model.MethodGET,
		TimeoutMs:          5000,
		NextRunAt:          nextRunAt,
	}
	if err := b.AddEndpoint(context.Background(), ep); err != nil {
		t.Fatalf("AddEndpoint: %v", err)
	}
	return ep
}

func TestJobRoundTrip(t *testing.T) {
	b := openTestBackend(t)
	ctx := context.Background()
	seedJob(t, b, "user-1", "job-1")

	got, err := b.GetJob(ctx, "job-1", "user-1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Name != "job" || got.Status != model.JobActive {
		t.Errorf("GetJob returned %+v", got)
	}
}

func TestGetJobCrossUserReturnsNotFound(t *testing.T) {
	b := openTestBackend(t)
	ctx := context.Background()
	seedJob(t, b, "user-1", "job-1")

	if _, err := b.GetJob(ctx, "job-1", "user-2"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("GetJob under the wrong user: got %v, want ErrNotFound", err)
	}
}

func TestEndpointRoundTripPreservesHeadersAndLabels(t *testing.T) {
	b := openTestBackend(t)
	ctx := context.Background()
	seedJob(t, b, "user-1", "job-1")

	now := time.Now().UTC().Truncate(time.Second)
	ep := &model.JobEndpoint{
		ID:                 "ep-1",
		JobID:              "job-1",
		TenantID:           "user-1",
		Name:               "check",
		BaselineIntervalMs: 30_000,
		URL:                "https://example.com/health",
		Method:             model.MethodPOST,
		HeadersJson:        jsonval.StringMap(map[string]string{"X-Key": "abc"}),
		TimeoutMs:          3000,
		NextRunAt:          now.Add(time.Minute),
		Labels:             []string{"prod", "critical"},
	}
	if err := b.AddEndpoint(ctx, ep); err != nil {
		t.Fatalf("AddEndpoint: %v", err)
	}

	got, err := b.GetEndpoint(ctx, "ep-1")
	if err != nil {
		t.Fatalf("GetEndpoint: %v", err)
	}
	if got.HeadersJson.ToStringMap()["X-Key"] != "abc" {
		t.Errorf("headers not preserved: %+v", got.HeadersJson.ToStringMap())
	}
	if len(got.Labels) != 2 || got.Labels[0] != "prod" || got.Labels[1] != "critical" {
		t.Errorf("labels not preserved: %+v", got.Labels)
	}
	if !got.NextRunAt.Equal(ep.NextRunAt) {
		t.Errorf("NextRunAt = %v, want %v", got.NextRunAt, ep.NextRunAt)
	}
}

func TestGetEndpointMissingReturnsNotFound(t *testing.T) {
	b := openTestBackend(t)
	if _, err := b.GetEndpoint(context.Background(), "missing"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("GetEndpoint on a missing id: got %v, want ErrNotFound", err)
	}
}

func TestClaimDueEndpointsOnlyClaimsDueUnleasedEndpoints(t *testing.T) {
	b := openTestBackend(t)
	ctx := context.Background()
	seedJob(t, b, "user-1", "job-1")

	now := time.Now().UTC()
	due := seedEndpoint(t, b, "job-1", "ep-due", now.Add(-time.Minute))
	seedEndpoint(t, b, "job-1", "ep-future", now.Add(time.Hour))

	leased := seedEndpoint(t, b, "job-1", "ep-leased", now.Add(-time.Minute))
	if err := b.SetLock(ctx, leased.ID, 60_000, "other-owner"); err != nil {
		t.Fatalf("SetLock: %v", err)
	}

	ids, err := b.ClaimDueEndpoints(ctx, 10, 30_000, "owner-1")
	if err != nil {
		t.Fatalf("ClaimDueEndpoints: %v", err)
	}
	if len(ids) != 1 || ids[0] != due.ID {
		t.Errorf("ClaimDueEndpoints = %v, want [%s]", ids, due.ID)
	}

	// A second claim immediately after must not re-claim the same endpoint
	// since its lease is now held.
	ids2, err := b.ClaimDueEndpoints(ctx, 10, 30_000, "owner-2")
	if err != nil {
		t.Fatalf("second ClaimDueEndpoints: %v", err)
	}
	if len(ids2) != 0 {
		t.Errorf("second claim should be empty while the lease holds, got %v", ids2)
	}
}

func TestClaimDueEndpointsExcludesArchivedAndPaused(t *testing.T) {
	b := openTestBackend(t)
	ctx := context.Background()
	seedJob(t, b, "user-1", "job-1")

	now := time.Now().UTC()
	archived := seedEndpoint(t, b, "job-1", "ep-archived", now.Add(-time.Minute))
	if err := b.ArchiveEndpoint(ctx, archived.ID, now); err != nil {
		t.Fatalf("ArchiveEndpoint: %v", err)
	}

	paused := seedEndpoint(t, b, "job-1", "ep-paused", now.Add(-time.Minute))
	until := now.Add(time.Hour)
	if err := b.SetPausedUntil(ctx, paused.ID, &until); err != nil {
		t.Fatalf("SetPausedUntil: %v", err)
	}

	ids, err := b.ClaimDueEndpoints(ctx, 10, 30_000, "owner-1")
	if err != nil {
		t.Fatalf("ClaimDueEndpoints: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("ClaimDueEndpoints claimed archived/paused endpoints: %v", ids)
	}
}

func TestClaimDueEndpointsOrdersByNextRunAtThenID(t *testing.T) {
	b := openTestBackend(t)
	ctx := context.Background()
	seedJob(t, b, "user-1", "job-1")

	now := time.Now().UTC()
	seedEndpoint(t, b, "job-1", "ep-b", now.Add(-time.Minute))
	seedEndpoint(t, b, "job-1", "ep-a", now.Add(-time.Minute))
	seedEndpoint(t, b, "job-1", "ep-c", now.Add(-2*time.Minute))

	ids, err := b.ClaimDueEndpoints(ctx, 10, 30_000, "owner-1")
	if err != nil {
		t.Fatalf("ClaimDueEndpoints: %v", err)
	}
	want := []string{"ep-c", "ep-a", "ep-b"}
	if len(ids) != len(want) {
		t.Fatalf("ClaimDueEndpoints = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("ClaimDueEndpoints[%d] = %q, want %q", i, ids[i], want[i])
		}
	}
}

func TestClaimDueEndpointsRespectsBatchSize(t *testing.T) {
	b := openTestBackend(t)
	ctx := context.Background()
	seedJob(t, b, "user-1", "job-1")

	now := time.Now().UTC()
	ids := []string{"ep-1", "ep-2", "ep-3"}
	for _, id := range ids {
		seedEndpoint(t, b, "job-1", id, now.Add(-time.Minute))
	}

	claimed, err := b.ClaimDueEndpoints(ctx, 2, 30_000, "owner-1")
	if err != nil {
		t.Fatalf("ClaimDueEndpoints: %v", err)
	}
	if len(claimed) != 2 {
		t.Errorf("claimed = %d, want 2", len(claimed))
	}
}

func TestUpdateAfterRunClearsLeaseAndAdvancesSchedule(t *testing.T) {
	b := openTestBackend(t)
	ctx := context.Background()
	seedJob(t, b, "user-1", "job-1")

	now := time.Now().UTC()
	ep := seedEndpoint(t, b, "job-1", "ep-1", now.Add(-time.Minute))
	if _, err := b.ClaimDueEndpoints(ctx, 10, 30_000, "owner-1"); err != nil {
		t.Fatalf("ClaimDueEndpoints: %v", err)
	}

	nextRunAt := now.Add(time.Hour)
	if err := b.UpdateAfterRun(ctx, ep.ID, repo.AfterRunUpdate{
		LastRunAt:    now,
		FailureCount: 0,
		NextRunAt:    nextRunAt,
		Source:       model.SourceBaselineInterval,
	}); err != nil {
		t.Fatalf("UpdateAfterRun: %v", err)
	}

	got, err := b.GetEndpoint(ctx, ep.ID)
	if err != nil {
		t.Fatalf("GetEndpoint: %v", err)
	}
	if got.LeasedUntil != nil {
		t.Error("lease should be cleared after UpdateAfterRun")
	}
	if !got.NextRunAt.Equal(nextRunAt) {
		t.Errorf("NextRunAt = %v, want %v", got.NextRunAt, nextRunAt)
	}

	// With the lease cleared, only the advanced nextRunAt keeps the
	// endpoint from being claimed again.
	reclaimed, err := b.ClaimDueEndpoints(ctx, 10, 30_000, "owner-2")
	if err != nil {
		t.Fatalf("ClaimDueEndpoints after UpdateAfterRun: %v", err)
	}
	for _, id := range reclaimed {
		if id == ep.ID {
			t.Fatal("endpoint scheduled an hour out should not be immediately claimable")
		}
	}
}

func TestWriteAIHintThenClearAIHintsRoundTrips(t *testing.T) {
	b := openTestBackend(t)
	ctx := context.Background()
	seedJob(t, b, "user-1", "job-1")
	ep := seedEndpoint(t, b, "job-1", "ep-1", time.Now().UTC().Add(time.Hour))

	interval := int64(15_000)
	expires := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
	if err := b.WriteAIHint(ctx, ep.ID, repo.AIHintWrite{
		IntervalMs: &interval,
		ExpiresAt:  expires,
		Reason:     "load spike",
	}); err != nil {
		t.Fatalf("WriteAIHint: %v", err)
	}

	got, err := b.GetEndpoint(ctx, ep.ID)
	if err != nil {
		t.Fatalf("GetEndpoint: %v", err)
	}
	if got.AIHintIntervalMs == nil || *got.AIHintIntervalMs != interval {
		t.Errorf("AIHintIntervalMs = %v, want %d", got.AIHintIntervalMs, interval)
	}
	if got.AIHintReason != "load spike" {
		t.Errorf("AIHintReason = %q, want %q", got.AIHintReason, "load spike")
	}

	if err := b.ClearAIHints(ctx, ep.ID); err != nil {
		t.Fatalf("ClearAIHints: %v", err)
	}
	got, err = b.GetEndpoint(ctx, ep.ID)
	if err != nil {
		t.Fatalf("GetEndpoint after clear: %v", err)
	}
	if got.AIHintIntervalMs != nil || got.AIHintReason != "" {
		t.Errorf("hint not cleared: %+v", got)
	}
}

func TestListEndpointsByJobExcludesArchivedByDefault(t *testing.T) {
	b := openTestBackend(t)
	ctx := context.Background()
	seedJob(t, b, "user-1", "job-1")

	now := time.Now().UTC()
	live := seedEndpoint(t, b, "job-1", "ep-live", now)
	archived := seedEndpoint(t, b, "job-1", "ep-archived", now)
	if err := b.ArchiveEndpoint(ctx, archived.ID, now); err != nil {
		t.Fatalf("ArchiveEndpoint: %v", err)
	}

	visible, err := b.ListEndpointsByJob(ctx, "job-1", repo.ListOptions{})
	if err != nil {
		t.Fatalf("ListEndpointsByJob: %v", err)
	}
	var ids []string
	for _, ep := range visible {
		ids = append(ids, ep.ID)
	}
	sort.Strings(ids)
	if len(ids) != 1 || ids[0] != live.ID {
		t.Errorf("ListEndpointsByJob = %v, want only [%s]", ids, live.ID)
	}

	all, err := b.ListEndpointsByJob(ctx, "job-1", repo.ListOptions{IncludeArchived: true})
	if err != nil {
		t.Fatalf("ListEndpointsByJob with archived: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("ListEndpointsByJob with IncludeArchived = %d results, want 2", len(all))
	}
}
