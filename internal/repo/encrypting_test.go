package repo

import (
	"context"
	"crypto/rand"
	"strings"
	"testing"
	"time"

	"github.com/cronicorn/scheduler/internal/cryptutil"
	"github.com/cronicorn/scheduler/internal/jsonval"
	"github.com/cronicorn/scheduler/internal/model"
)

// fakeJobsRepo is a minimal in-memory JobsRepo exercising only the methods
// EncryptingJobsRepo overrides; every other method is unused by these
// tests and left unimplemented on purpose.
type fakeJobsRepo struct {
	endpoints map[string]*model.JobEndpoint
}

func newFakeJobsRepo() *fakeJobsRepo {
	return &fakeJobsRepo{endpoints: map[string]*model.JobEndpoint{}}
}

func (f *fakeJobsRepo) AddEndpoint(_ context.Context, ep *model.JobEndpoint) error {
	clone := *ep
	f.endpoints[ep.ID] = &clone
	return nil
}

func (f *fakeJobsRepo) GetEndpoint(_ context.Context, id string) (*model.JobEndpoint, error) {
	ep, ok := f.endpoints[id]
	if !ok {
		return nil, ErrNotFoundForTest
	}
	clone := *ep
	return &clone, nil
}

func (f *fakeJobsRepo) UpdateEndpoint(_ context.Context, id string, patch EndpointPatch) error {
	ep, ok := f.endpoints[id]
	if !ok {
		return ErrNotFoundForTest
	}
	if patch.HeadersJson != nil {
		ep.HeadersJson = *patch.HeadersJson
	}
	return nil
}

func (f *fakeJobsRepo) DeleteEndpoint(context.Context, string) error            { panic("unused") }
func (f *fakeJobsRepo) ArchiveEndpoint(context.Context, string, time.Time) error { panic("unused") }
func (f *fakeJobsRepo) ListEndpointsByJob(context.Context, string, ListOptions) ([]*model.JobEndpoint, error) {
	panic("unused")
}
func (f *fakeJobsRepo) GetEndpointCounts(context.Context, string, time.Time) (EndpointCounts, error) {
	panic("unused")
}
func (f *fakeJobsRepo) ClaimDueEndpoints(context.Context, int, int64, string) ([]string, error) {
	panic("unused")
}
func (f *fakeJobsRepo) SetLock(context.Context, string, int64, string) error { panic("unused") }
func (f *fakeJobsRepo) ClearLock(context.Context, string) error             { panic("unused") }
func (f *fakeJobsRepo) SetNextRunAtIfEarlier(context.Context, string, time.Time) error {
	panic("unused")
}
func (f *fakeJobsRepo) WriteAIHint(context.Context, string, AIHintWrite) error { panic("unused") }
func (f *fakeJobsRepo) ClearAIHints(context.Context, string) error             { panic("unused") }
func (f *fakeJobsRepo) SetPausedUntil(context.Context, string, *time.Time) error {
	panic("unused")
}
func (f *fakeJobsRepo) ResetFailureCount(context.Context, string) error { panic("unused") }
func (f *fakeJobsRepo) UpdateAfterRun(context.Context, string, AfterRunUpdate) error {
	panic("unused")
}
func (f *fakeJobsRepo) AddJob(context.Context, *model.Job) error { panic("unused") }
func (f *fakeJobsRepo) GetJob(context.Context, string, string) (*model.Job, error) {
	panic("unused")
}
func (f *fakeJobsRepo) ListJobs(context.Context, string) ([]*model.Job, error) { panic("unused") }
func (f *fakeJobsRepo) UpdateJob(context.Context, string, string, *string, *string) error {
	panic("unused")
}
func (f *fakeJobsRepo) ArchiveJob(context.Context, string, string, time.Time) error {
	panic("unused")
}

var ErrNotFoundForTest = &testError{"not found"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }

func newTestBox(t *testing.T) *cryptutil.Box {
	t.Helper()
	key := make([]byte, cryptutil.KeySize)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("generate key: %v", err)
	}
	box, err := cryptutil.NewBox(key)
	if err != nil {
		t.Fatalf("NewBox: %v", err)
	}
	return box
}

func TestEncryptingJobsRepoSealsSensitiveHeadersAtRest(t *testing.T) {
	inner := newFakeJobsRepo()
	box := newTestBox(t)
	enc := NewEncryptingJobsRepo(inner, box)
	ctx := context.Background()

	ep := &model.JobEndpoint{
		ID: "ep-1",
		HeadersJson: jsonval.StringMap(map[string]string{
			"Authorization": "Bearer secret-token",
			"Content-Type":  "application/json",
		}),
	}
	if err := enc.AddEndpoint(ctx, ep); err != nil {
		t.Fatalf("AddEndpoint: %v", err)
	}

	// The underlying store must never see the plaintext sensitive value.
	stored, err := inner.GetEndpoint(ctx, "ep-1")
	if err != nil {
		t.Fatalf("GetEndpoint on inner: %v", err)
	}
	storedAuth := stored.HeadersJson.ToStringMap()["Authorization"]
	if storedAuth == "Bearer secret-token" {
		t.Fatal("sensitive header stored in plaintext")
	}
	if !strings.HasPrefix(storedAuth, cryptutil.SealedPrefix) {
		t.Errorf("stored value missing sealed prefix: %q", storedAuth)
	}
	if stored.HeadersJson.ToStringMap()["Content-Type"] != "application/json" {
		t.Error("non-sensitive header was altered")
	}

	// Reading back through the decorator must return the original plaintext.
	got, err := enc.GetEndpoint(ctx, "ep-1")
	if err != nil {
		t.Fatalf("GetEndpoint: %v", err)
	}
	headers := got.HeadersJson.ToStringMap()
	if headers["Authorization"] != "Bearer secret-token" {
		t.Errorf("Authorization = %q, want original plaintext", headers["Authorization"])
	}
	if headers["Content-Type"] != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", headers["Content-Type"])
	}
}

func TestEncryptingJobsRepoUpdateEndpointSealsPatch(t *testing.T) {
	inner := newFakeJobsRepo()
	box := newTestBox(t)
	enc := NewEncryptingJobsRepo(inner, box)
	ctx := context.Background()

	if err := enc.AddEndpoint(ctx, &model.JobEndpoint{ID: "ep-1"}); err != nil {
		t.Fatalf("AddEndpoint: %v", err)
	}

	newHeaders := jsonval.StringMap(map[string]string{"Cookie": "session=abc"})
	if err := enc.UpdateEndpoint(ctx, "ep-1", EndpointPatch{HeadersJson: &newHeaders}); err != nil {
		t.Fatalf("UpdateEndpoint: %v", err)
	}

	stored, err := inner.GetEndpoint(ctx, "ep-1")
	if err != nil {
		t.Fatalf("GetEndpoint on inner: %v", err)
	}
	if stored.HeadersJson.ToStringMap()["Cookie"] == "session=abc" {
		t.Fatal("Cookie header stored in plaintext after UpdateEndpoint")
	}
}

func TestEncryptingJobsRepoOpensFallsBackOnDecryptFailure(t *testing.T) {
	inner := newFakeJobsRepo()
	box := newTestBox(t)
	enc := NewEncryptingJobsRepo(inner, box)
	ctx := context.Background()

	// A value that merely looks sealed but isn't valid ciphertext should
	// be returned as-is rather than causing GetEndpoint to fail.
	if err := inner.AddEndpoint(ctx, &model.JobEndpoint{
		ID: "ep-1",
		HeadersJson: jsonval.StringMap(map[string]string{
			"Authorization": cryptutil.SealedPrefix + "not-valid-base64!!",
		}),
	}); err != nil {
		t.Fatalf("AddEndpoint: %v", err)
	}

	got, err := enc.GetEndpoint(ctx, "ep-1")
	if err != nil {
		t.Fatalf("GetEndpoint: %v", err)
	}
	if got.HeadersJson.ToStringMap()["Authorization"] != cryptutil.SealedPrefix+"not-valid-base64!!" {
		t.Error("expected raw fallback value on decrypt failure")
	}
}
