// Package repo declares the storage-facing contracts the scheduling core
// consumes: JobsRepo, RunsRepo, and SessionsRepo (spec.md §4.4–§4.6 and
// §1's "the core sees a JobsRepo, RunsRepo, SessionsRepo abstraction").
// Concrete implementations live in repo/sqlite and repo/postgres.
package repo

import (
	"context"
	"time"

	"github.com/cronicorn/scheduler/internal/dispatch"
	"github.com/cronicorn/scheduler/internal/jsonval"
	"github.com/cronicorn/scheduler/internal/model"
)

// EndpointPatch carries the subset of JobEndpoint fields a caller wants to
// change; nil pointers mean "leave unchanged". The ClearX flags are needed
// for fields whose zero value (nil) is itself meaningful, so "unchanged"
// and "explicitly cleared" stay distinguishable.
type EndpointPatch struct {
	Name               *string
	Description        *string
	BaselineCron       *string
	BaselineIntervalMs *int64
	MinIntervalMs      *int64
	ClearMinInterval   bool
	MaxIntervalMs      *int64
	ClearMaxInterval   bool
	URL                *string
	Method             *model.HTTPMethod
	HeadersJson        *jsonval.Value
	BodyJson           *jsonval.Value
	TimeoutMs          *int64
	MaxExecutionTimeMs *int64
	ClearMaxExecutionTime bool
	MaxResponseSizeKb  *int64
	ClearMaxResponseSize  bool
	Labels             *[]string
}

// EndpointCounts summarizes an account's live endpoints for dashboards
// and tier-quota checks.
type EndpointCounts struct {
	Total  int
	Active int
	Paused int
}

// ListOptions controls listEndpointsByJob's archived-endpoint visibility.
type ListOptions struct {
	IncludeArchived bool
}

// AIHintWrite is the payload for JobsRepo.writeAIHint.
type AIHintWrite struct {
	IntervalMs *int64
	NextRunAt  *time.Time
	ExpiresAt  time.Time
	Reason     string
}

// AfterRunUpdate is the atomic post-run write JobsRepo.updateAfterRun applies.
type AfterRunUpdate struct {
	LastRunAt    time.Time
	FailureCount int
	NextRunAt    time.Time
	PausedUntil  *time.Time
	Source       model.Source
	ClearHintNextRunAt bool
	ClearHintExpired   bool
}

// JobsRepo persists Jobs and JobEndpoints, including the claim-lease
// protocol of spec.md §4.4.1.
type JobsRepo interface {
	AddEndpoint(ctx context.Context, ep *model.JobEndpoint) error
	UpdateEndpoint(ctx context.Context, id string, patch EndpointPatch) error
	DeleteEndpoint(ctx context.Context, id string) error
	ArchiveEndpoint(ctx context.Context, id string, now time.Time) error

	GetEndpoint(ctx context.Context, id string) (*model.JobEndpoint, error)
	ListEndpointsByJob(ctx context.Context, jobID string, opts ListOptions) ([]*model.JobEndpoint, error)
	GetEndpointCounts(ctx context.Context, userID string, now time.Time) (EndpointCounts, error)

	// ClaimDueEndpoints atomically claims up to batchSize endpoints whose
	// nextRunAt <= now and that are unleased, setting leasedUntil =
	// now+leaseMs on each (spec.md §4.4.1). Returns claimed ids ordered
	// by ascending nextRunAt, tie-break ascending id.
	ClaimDueEndpoints(ctx context.Context, batchSize int, leaseMs int64, owner string) ([]string, error)
	SetLock(ctx context.Context, id string, leaseMs int64, owner string) error
	ClearLock(ctx context.Context, id string) error

	SetNextRunAtIfEarlier(ctx context.Context, id string, t time.Time) error
	WriteAIHint(ctx context.Context, id string, hint AIHintWrite) error
	ClearAIHints(ctx context.Context, id string) error
	SetPausedUntil(ctx context.Context, id string, until *time.Time) error
	ResetFailureCount(ctx context.Context, id string) error
	UpdateAfterRun(ctx context.Context, id string, upd AfterRunUpdate) error

	AddJob(ctx context.Context, job *model.Job) error
	GetJob(ctx context.Context, id, userID string) (*model.Job, error)
	ListJobs(ctx context.Context, userID string) ([]*model.Job, error)
	UpdateJob(ctx context.Context, id, userID string, name, description *string) error
	ArchiveJob(ctx context.Context, id, userID string, now time.Time) error
}

// RunFilter narrows listRuns/getFilteredMetrics/time-series queries.
type RunFilter struct {
	UserID     string
	EndpointID *string
	JobID      *string
	Status     *model.RunStatus
	Since      *time.Time
	Until      *time.Time
	Source     *model.Source
	Limit      int
	Offset     int
}

// RunPage is one page of listRuns results, with the total matching the
// filter (not just the page), per spec.md §4.5.
type RunPage struct {
	Runs  []*model.Run
	Total int
}

// HealthSummary is getHealthSummary's output.
type HealthSummary struct {
	SuccessCount    int
	FailureCount    int
	AvgDurationMs   float64
	LastRun         *model.Run
	FailureStreak   int
}

// Granularity controls getRunTimeSeries/getEndpointTimeSeries bucketing.
type Granularity string

const (
	GranularityHour Granularity = "hour"
	GranularityDay  Granularity = "day"
)

// TimeSeriesPoint is one bucket of getRunTimeSeries.
type TimeSeriesPoint struct {
	Date    time.Time
	Success int
	Failure int
}

// EndpointTimeSeriesPoint is one bucket of getEndpointTimeSeries.
type EndpointTimeSeriesPoint struct {
	Date           time.Time
	EndpointID     string
	EndpointName   string
	Success        int
	Failure        int
	TotalDurationMs int64
}

// RunsRepo persists Run attempts and exposes the planner-facing read
// surface plus dashboard aggregations (spec.md §4.5).
type RunsRepo interface {
	Create(ctx context.Context, endpointID string, startedAt time.Time, source model.Source, attempt int) (string, error)
	Finish(ctx context.Context, runID string, outcome dispatch.Outcome, source model.Source) error

	ListRuns(ctx context.Context, f RunFilter) (RunPage, error)
	GetRunDetails(ctx context.Context, runID, userID string) (*model.Run, error)
	GetHealthSummary(ctx context.Context, endpointID string, windowMs int64) (HealthSummary, error)

	GetLatestResponse(ctx context.Context, endpointID string) (*model.Run, error)
	GetResponseHistory(ctx context.Context, endpointID string, limit int) ([]*model.Run, error)
	GetSiblingLatestResponses(ctx context.Context, endpointID string) ([]*model.Run, error)

	GetFilteredMetrics(ctx context.Context, f RunFilter) (HealthSummary, error)
	GetRunTimeSeries(ctx context.Context, f RunFilter, granularity Granularity) ([]TimeSeriesPoint, error)
	GetEndpointTimeSeries(ctx context.Context, f RunFilter, granularity Granularity) ([]EndpointTimeSeriesPoint, error)

	// CleanupZombieRuns finalizes any failed-provisional run whose
	// startedAt predates now-thresholdMs as a timeout (spec.md §4.5, §7).
	CleanupZombieRuns(ctx context.Context, thresholdMs int64, now time.Time) (int, error)
}

// SessionsRepo persists AIAnalysisSessions (append-only, spec.md §3/§4.5).
type SessionsRepo interface {
	CreateSession(ctx context.Context, s *model.AIAnalysisSession) error
	ListSessions(ctx context.Context, endpointID string, limit int) ([]*model.AIAnalysisSession, error)
}
