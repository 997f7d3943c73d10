// Package model holds the scheduler's core data model: Job, JobEndpoint,
// Run, and AIAnalysisSession, per spec.md §3.
package model

import (
	"time"

	"github.com/cronicorn/scheduler/internal/jsonval"
)

// FarFuture is the sentinel nextRunAt for archived or paused-forever
// endpoints — never NULL, but effectively "will not fire".
var FarFuture = time.Date(2999, 1, 1, 0, 0, 0, 0, time.UTC)

// JobStatus is the lifecycle state of a Job.
type JobStatus string

const (
	JobActive   JobStatus = "active"
	JobPaused   JobStatus = "paused"
	JobArchived JobStatus = "archived"
)

// HTTPMethod enumerates the methods a JobEndpoint may dispatch with.
type HTTPMethod string

const (
	MethodGET    HTTPMethod = "GET"
	MethodPOST   HTTPMethod = "POST"
	MethodPUT    HTTPMethod = "PUT"
	MethodPATCH  HTTPMethod = "PATCH"
	MethodDELETE HTTPMethod = "DELETE"
)

// RunStatus is the terminal (or provisional) state of a Run.
type RunStatus string

const (
	RunSuccess RunStatus = "success"
	RunFailed  RunStatus = "failed"
	RunTimeout RunStatus = "timeout"
)

// Source labels which rule produced a run's nextRunAt decision.
type Source string

const (
	SourceBaselineInterval Source = "baseline-interval"
	SourceBaselineCron     Source = "baseline-cron"
	SourceAIInterval       Source = "ai-interval"
	SourceAIOneShot        Source = "ai-oneshot"
	SourceClampedMin       Source = "clamped-min"
	SourceClampedMax       Source = "clamped-max"
	SourceManual           Source = "manual"
	SourcePending          Source = "pending"
)

// Job groups one or more endpoints under a single tenant/user.
type Job struct {
	ID          string
	UserID      string
	Name        string
	Description string
	Status      JobStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ArchivedAt  *time.Time
}

// JobEndpoint is the unit the scheduler acts on: one URL with one schedule.
type JobEndpoint struct {
	ID          string
	JobID       string
	TenantID    string
	Name        string
	Description string

	// Baseline cadence: exactly one of these is set.
	BaselineCron       string
	BaselineIntervalMs int64

	// Guardrails.
	MinIntervalMs *int64
	MaxIntervalMs *int64

	// HTTP config.
	URL                string
	Method             HTTPMethod
	HeadersJson        jsonval.Value
	BodyJson           jsonval.Value
	TimeoutMs          int64
	MaxExecutionTimeMs *int64
	MaxResponseSizeKb  *int64

	// Runtime state.
	NextRunAt     time.Time
	LastRunAt     *time.Time
	FailureCount  int

	// Lease.
	LeasedUntil *time.Time
	LeaseOwner  string

	// AI hints.
	AIHintIntervalMs *int64
	AIHintNextRunAt  *time.Time
	AIHintExpiresAt  *time.Time
	AIHintReason     string

	// Pause.
	PausedUntil *time.Time

	// Lifecycle.
	ArchivedAt *time.Time

	// Supplemental (§3 expansion): free-form tags and deterministic
	// startup jitter, grounded on scheduler.Job.Labels / StaggerMs
	// fields.
	Labels    []string
	StaggerMs int
}

// MaxFailureCount bounds the backoff-driving failure streak (spec.md §3).
const MaxFailureCount = 64

// HasBaselineCron reports whether this endpoint's baseline is a cron
// expression rather than a fixed interval.
func (e *JobEndpoint) HasBaselineCron() bool {
	return e.BaselineCron != ""
}

// IsLeased reports whether the endpoint is currently exclusively owned.
func (e *JobEndpoint) IsLeased(now time.Time) bool {
	return e.LeasedUntil != nil && e.LeasedUntil.After(now)
}

// IsPaused reports whether the endpoint is currently paused from dispatch.
func (e *JobEndpoint) IsPaused(now time.Time) bool {
	return e.PausedUntil != nil && e.PausedUntil.After(now)
}

// HintFresh reports whether the AI hint is still within its TTL.
func (e *JobEndpoint) HintFresh(now time.Time) bool {
	return e.AIHintExpiresAt != nil && e.AIHintExpiresAt.After(now)
}

// Run is one dispatch attempt.
type Run struct {
	ID            string
	EndpointID    string
	Status        RunStatus
	Attempt       int
	Source        Source
	StartedAt     time.Time
	FinishedAt    *time.Time
	DurationMs    *int64
	StatusCode    *int
	ErrorMessage  string
	ResponseBody  jsonval.Value
	Truncated     bool
}

// AIAnalysisSession records one call into the external AI planner.
type AIAnalysisSession struct {
	ID             string
	EndpointID     string
	AnalyzedAt     time.Time
	Reasoning      string
	ToolCalls      []ToolCall
	TokenUsage     int64
	DurationMs     int64
	NextAnalysisAt *time.Time
}

// ToolCall is one entry in an AIAnalysisSession's ordered tool-call trace.
type ToolCall struct {
	Tool   string
	Args   jsonval.Value
	Result jsonval.Value
}
