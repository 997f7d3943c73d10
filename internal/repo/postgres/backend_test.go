//go:build integration

package postgres

import (
	"context"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/cronicorn/scheduler/internal/model"
	"github.com/cronicorn/scheduler/internal/repo"
	"github.com/google/uuid"
)

// These tests require a real PostgreSQL instance. To run them:
//
//	docker run -d --name scheduler-test-pg -e POSTGRES_USER=test \
//	  -e POSTGRES_PASSWORD=test -e POSTGRES_DB=scheduler_test -p 5432:5432 postgres:16
//	go test -tags=integration ./internal/repo/postgres/...
//
// Environment variables:
//
//	PGHOST, PGPORT, PGUSER, PGPASSWORD, PGDATABASE

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func testConfig() Config {
	return Config{
		Host:     getEnv("PGHOST", "localhost"),
		Port:     getEnvInt("PGPORT", 5432),
		User:     getEnv("PGUSER", "test"),
		Password: getEnv("PGPASSWORD", "test"),
		Database: getEnv("PGDATABASE", "scheduler_test"),
		SSLMode:  "disable",
	}
}

func openTestBackend(t *testing.T) *Backend {
	t.Helper()
	ctx := context.Background()
	b, err := Open(ctx, testConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func TestBackendOpenPings(t *testing.T) {
	b := openTestBackend(t)
	if err := b.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestJobRoundTrip(t *testing.T) {
	b := openTestBackend(t)
	ctx := context.Background()
	now := time.Now().UTC()
	userID := uuid.NewString()
	job := &model.Job{ID: uuid.NewString(), UserID: userID, Name: "job", Status: model.JobActive, CreatedAt: now, UpdatedAt: now}
	if err := b.AddJob(ctx, job); err != nil {
		t.Fatalf("AddJob: %v", err)
	}

	got, err := b.GetJob(ctx, job.ID, userID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Name != "job" {
		t.Errorf("Name = %q, want job", got.Name)
	}
}

func TestClaimDueEndpointsSkipsLockedRows(t *testing.T) {
	b := openTestBackend(t)
	ctx := context.Background()
	userID := uuid.NewString()
	job := &model.Job{ID: uuid.NewString(), UserID: userID, Name: "job", Status: model.JobActive, CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC()}
	if err := b.AddJob(ctx, job); err != nil {
		t.Fatalf("AddJob: %v", err)
	}

	now := time.Now().UTC()
	ep := &model.JobEndpoint{
		ID: uuid.NewString(), JobID: job.ID, TenantID: userID, Name: "ep",
		BaselineIntervalMs: 60_000, URL: "https://example.com", Method: model.MethodGET,
		TimeoutMs: 5000, NextRunAt: now.Add(-time.Minute),
	}
	if err := b.AddEndpoint(ctx, ep); err != nil {
		t.Fatalf("AddEndpoint: %v", err)
	}

	// Open a second logical connection via a concurrent transaction that
	// holds the row lock, simulating a second scheduler replica claiming
	// concurrently: FOR UPDATE SKIP LOCKED must make the first claim win
	// and the second see nothing.
	tx, err := b.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("BeginTx: %v", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, "SELECT id FROM job_endpoints WHERE id = $1 FOR UPDATE", ep.ID); err != nil {
		t.Fatalf("lock row: %v", err)
	}

	ids, err := b.ClaimDueEndpoints(ctx, 10, 30_000, "owner-1")
	if err != nil {
		t.Fatalf("ClaimDueEndpoints: %v", err)
	}
	for _, id := range ids {
		if id == ep.ID {
			t.Error("ClaimDueEndpoints claimed a row locked by another transaction")
		}
	}
}

func TestWriteAIHintRoundTrip(t *testing.T) {
	b := openTestBackend(t)
	ctx := context.Background()
	userID := uuid.NewString()
	job := &model.Job{ID: uuid.NewString(), UserID: userID, Name: "job", Status: model.JobActive, CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC()}
	if err := b.AddJob(ctx, job); err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	ep := &model.JobEndpoint{
		ID: uuid.NewString(), JobID: job.ID, TenantID: userID, Name: "ep",
		BaselineIntervalMs: 60_000, URL: "https://example.com", Method: model.MethodGET,
		TimeoutMs: 5000, NextRunAt: time.Now().UTC().Add(time.Hour),
	}
	if err := b.AddEndpoint(ctx, ep); err != nil {
		t.Fatalf("AddEndpoint: %v", err)
	}

	interval := int64(10_000)
	if err := b.WriteAIHint(ctx, ep.ID, repo.AIHintWrite{
		IntervalMs: &interval,
		ExpiresAt:  time.Now().UTC().Add(time.Hour),
		Reason:     "burst traffic",
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
}
