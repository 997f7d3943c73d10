package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cronicorn/scheduler/internal/apperr"
	"github.com/cronicorn/scheduler/internal/dispatch"
	"github.com/cronicorn/scheduler/internal/model"
	"github.com/cronicorn/scheduler/internal/repo"
	"github.com/google/uuid"
)

// Create inserts a provisional run row.
func (b *Backend) Create(ctx context.Context, endpointID string, startedAt time.Time, source model.Source, attempt int) (string, error) {
	id := uuid.NewString()
	_, err := b.DB.ExecContext(ctx, `
		INSERT INTO runs (id, endpoint_id, status, attempt, source, started_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		id, endpointID, string(model.RunFailed), attempt, string(source), startedAt.UTC(),
	)
	if err != nil {
		return "", fmt.Errorf("create run for endpoint %q: %w", endpointID, err)
	}
	return id, nil
}

// Finish records a run's terminal outcome.
func (b *Backend) Finish(ctx context.Context, runID string, outcome dispatch.Outcome, source model.Source) error {
	status := model.RunSuccess
	switch outcome.Kind {
	case dispatch.Timeout:
		status = model.RunTimeout
	case dispatch.HTTPFailure, dispatch.NetworkFailure:
		status = model.RunFailed
	}

	res, err := b.DB.ExecContext(ctx, `
		UPDATE runs SET
			status = $1, finished_at = $2, duration_ms = $3, status_code = $4,
			error_message = $5, response_body = $6, truncated = $7, source = $8
		WHERE id = $9`,
		string(status), time.Now().UTC(), outcome.DurationMs, nullIntPtr(outcome.StatusCode),
		outcome.ErrorMessage, jsonValueToBytes(outcome.Body), outcome.Truncated, string(source),
		runID,
	)
	if err != nil {
		return fmt.Errorf("finish run %q: %w", runID, err)
	}
	return requireRowsAffected(res, "run", runID)
}

func nullIntPtr(v int) sql.NullInt64 {
	if v == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(v), Valid: true}
}

func scanRun(row interface{ Scan(...any) error }) (*model.Run, error) {
	var (
		r                             model.Run
		status, source, errorMessage string
		durationMs, statusCode       sql.NullInt64
		responseBody                 []byte
		finishedAt                   sql.NullTime
		truncated                    bool
	)
	if err := row.Scan(
		&r.ID, &r.EndpointID, &status, &r.Attempt, &source,
		&r.StartedAt, &finishedAt, &durationMs, &statusCode,
		&errorMessage, &responseBody, &truncated,
	); err != nil {
		return nil, err
	}

	r.Status = model.RunStatus(status)
	r.Source = model.Source(source)
	r.ErrorMessage = errorMessage
	r.Truncated = truncated
	r.DurationMs = fromNullInt64(durationMs)
	r.StatusCode = fromNullInt(statusCode)
	r.FinishedAt = fromNullTime(finishedAt)
	if responseBody != nil {
		r.ResponseBody = bytesToJSONValue(responseBody)
	}
	return &r, nil
}

const runColumns = `
	id, endpoint_id, status, attempt, source,
	started_at, finished_at, duration_ms, status_code,
	error_message, response_body, truncated`

// buildRunFilter renders a RunFilter into a WHERE clause joined against
// job_endpoints/jobs for user scoping, plus its bound args, starting
// placeholder numbering at $1.
func buildRunFilter(f repo.RunFilter) (string, []any, int) {
	where := "JOIN job_endpoints e ON e.id = r.endpoint_id JOIN jobs j ON j.id = e.job_id WHERE j.user_id = $1"
	args := []any{f.UserID}
	n := 1
	next := func() int { n++; return n }

	if f.EndpointID != nil {
		where += fmt.Sprintf(" AND r.endpoint_id = $%d", next())
		args = append(args, *f.EndpointID)
	}
	if f.JobID != nil {
		where += fmt.Sprintf(" AND e.job_id = $%d", next())
		args = append(args, *f.JobID)
	}
	if f.Status != nil {
		where += fmt.Sprintf(" AND r.status = $%d", next())
		args = append(args, string(*f.Status))
	}
	if f.Source != nil {
		where += fmt.Sprintf(" AND r.source = $%d", next())
		args = append(args, string(*f.Source))
	}
	if f.Since != nil {
		where += fmt.Sprintf(" AND r.started_at >= $%d", next())
		args = append(args, f.Since.UTC())
	}
	if f.Until != nil {
		where += fmt.Sprintf(" AND r.started_at <= $%d", next())
		args = append(args, f.Until.UTC())
	}
	return where, args, n
}

// ListRuns returns a filtered, paginated, user-scoped run history.
func (b *Backend) ListRuns(ctx context.Context, f repo.RunFilter) (repo.RunPage, error) {
	where, args, n := buildRunFilter(f)

	var total int
	countQuery := "SELECT COUNT(*) FROM runs r " + where
	if err := b.DB.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return repo.RunPage{}, fmt.Errorf("count runs: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query := "SELECT r.id, r.endpoint_id, r.status, r.attempt, r.source, r.started_at, r.finished_at, r.duration_ms, r.status_code, r.error_message, r.response_body, r.truncated FROM runs r " + where +
		fmt.Sprintf(" ORDER BY r.started_at DESC LIMIT $%d OFFSET $%d", n+1, n+2)
	args = append(args, limit, f.Offset)

	rows, err := b.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return repo.RunPage{}, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []*model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return repo.RunPage{}, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return repo.RunPage{}, err
	}
	return repo.RunPage{Runs: out, Total: total}, nil
}

// GetRunDetails fetches one run scoped by the requesting user.
func (b *Backend) GetRunDetails(ctx context.Context, runID, userID string) (*model.Run, error) {
	row := b.DB.QueryRowContext(ctx, `
		SELECT r.id, r.endpoint_id, r.status, r.attempt, r.source, r.started_at, r.finished_at, r.duration_ms, r.status_code, r.error_message, r.response_body, r.truncated
		FROM runs r
		JOIN job_endpoints e ON e.id = r.endpoint_id
		JOIN jobs j ON j.id = e.job_id
		WHERE r.id = $1 AND j.user_id = $2`, runID, userID)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("run", runID)
	}
	if err != nil {
		return nil, fmt.Errorf("get run %q: %w", runID, err)
	}
	return run, nil
}

// GetHealthSummary aggregates an endpoint's runs within the trailing
// windowMs.
func (b *Backend) GetHealthSummary(ctx context.Context, endpointID string, windowMs int64) (repo.HealthSummary, error) {
	since := time.Now().UTC().Add(-time.Duration(windowMs) * time.Millisecond)

	row := b.DB.QueryRowContext(ctx, `
		SELECT
			SUM(CASE WHEN status = 'success' THEN 1 ELSE 0 END),
			SUM(CASE WHEN status != 'success' THEN 1 ELSE 0 END),
			AVG(duration_ms)
		FROM runs WHERE endpoint_id = $1 AND started_at >= $2`,
		endpointID, since,
	)
	var success, failure sql.NullInt64
	var avgDuration sql.NullFloat64
	if err := row.Scan(&success, &failure, &avgDuration); err != nil {
		return repo.HealthSummary{}, fmt.Errorf("get health summary for endpoint %q: %w", endpointID, err)
	}

	lastRunRow := b.DB.QueryRowContext(ctx, "SELECT "+runColumns+" FROM runs WHERE endpoint_id = $1 ORDER BY started_at DESC LIMIT 1", endpointID)
	lastRun, err := scanRun(lastRunRow)
	if err != nil && err != sql.ErrNoRows {
		return repo.HealthSummary{}, fmt.Errorf("get last run for endpoint %q: %w", endpointID, err)
	}
	if err == sql.ErrNoRows {
		lastRun = nil
	}

	streak, err := b.failureStreak(ctx, endpointID)
	if err != nil {
		return repo.HealthSummary{}, err
	}

	return repo.HealthSummary{
		SuccessCount:  int(success.Int64),
		FailureCount:  int(failure.Int64),
		AvgDurationMs: avgDuration.Float64,
		LastRun:       lastRun,
		FailureStreak: streak,
	}, nil
}

func (b *Backend) failureStreak(ctx context.Context, endpointID string) (int, error) {
	rows, err := b.DB.QueryContext(ctx,
		"SELECT status FROM runs WHERE endpoint_id = $1 ORDER BY started_at DESC LIMIT $2",
		endpointID, model.MaxFailureCount+1)
	if err != nil {
		return 0, fmt.Errorf("failure streak for endpoint %q: %w", endpointID, err)
	}
	defer rows.Close()

	streak := 0
	for rows.Next() {
		var status string
		if err := rows.Scan(&status); err != nil {
			return 0, err
		}
		if status == string(model.RunSuccess) {
			break
		}
		streak++
	}
	return streak, rows.Err()
}

// GetLatestResponse returns the most recent run for an endpoint.
func (b *Backend) GetLatestResponse(ctx context.Context, endpointID string) (*model.Run, error) {
	row := b.DB.QueryRowContext(ctx, "SELECT "+runColumns+" FROM runs WHERE endpoint_id = $1 ORDER BY started_at DESC LIMIT 1", endpointID)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("run", endpointID)
	}
	if err != nil {
		return nil, fmt.Errorf("get latest response for endpoint %q: %w", endpointID, err)
	}
	return run, nil
}

// GetResponseHistory returns up to limit most-recent runs for an endpoint.
func (b *Backend) GetResponseHistory(ctx context.Context, endpointID string, limit int) ([]*model.Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := b.DB.QueryContext(ctx, "SELECT "+runColumns+" FROM runs WHERE endpoint_id = $1 ORDER BY started_at DESC LIMIT $2", endpointID, limit)
	if err != nil {
		return nil, fmt.Errorf("get response history for endpoint %q: %w", endpointID, err)
	}
	defer rows.Close()

	var out []*model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetSiblingLatestResponses returns the latest run of every other endpoint
// under the same job.
func (b *Backend) GetSiblingLatestResponses(ctx context.Context, endpointID string) ([]*model.Run, error) {
	rows, err := b.DB.QueryContext(ctx, `
		SELECT r.id, r.endpoint_id, r.status, r.attempt, r.source, r.started_at, r.finished_at, r.duration_ms, r.status_code, r.error_message, r.response_body, r.truncated
		FROM runs r
		WHERE r.endpoint_id IN (
			SELECT e2.id FROM job_endpoints e2
			WHERE e2.job_id = (SELECT job_id FROM job_endpoints WHERE id = $1) AND e2.id != $1
		)
		AND r.started_at = (
			SELECT MAX(r2.started_at) FROM runs r2 WHERE r2.endpoint_id = r.endpoint_id
		)`, endpointID)
	if err != nil {
		return nil, fmt.Errorf("get sibling latest responses for endpoint %q: %w", endpointID, err)
	}
	defer rows.Close()

	var out []*model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetFilteredMetrics is GetHealthSummary's filter-driven sibling for
// cross-endpoint dashboard queries.
func (b *Backend) GetFilteredMetrics(ctx context.Context, f repo.RunFilter) (repo.HealthSummary, error) {
	where, args, _ := buildRunFilter(f)
	row := b.DB.QueryRowContext(ctx, `
		SELECT
			SUM(CASE WHEN r.status = 'success' THEN 1 ELSE 0 END),
			SUM(CASE WHEN r.status != 'success' THEN 1 ELSE 0 END),
			AVG(r.duration_ms)
		FROM runs r `+where, args...)

	var success, failure sql.NullInt64
	var avgDuration sql.NullFloat64
	if err := row.Scan(&success, &failure, &avgDuration); err != nil {
		return repo.HealthSummary{}, fmt.Errorf("get filtered metrics: %w", err)
	}
	return repo.HealthSummary{
		SuccessCount:  int(success.Int64),
		FailureCount:  int(failure.Int64),
		AvgDurationMs: avgDuration.Float64,
	}, nil
}

func bucketExpr(granularity repo.Granularity) string {
	if granularity == repo.GranularityHour {
		return "date_trunc('hour', r.started_at)"
	}
	return "date_trunc('day', r.started_at)"
}

// GetRunTimeSeries buckets a user's run history into success/failure
// counts. Empty buckets are not zero-filled here; DashboardManager does
// that against wall-clock bounds.
func (b *Backend) GetRunTimeSeries(ctx context.Context, f repo.RunFilter, granularity repo.Granularity) ([]repo.TimeSeriesPoint, error) {
	where, args, _ := buildRunFilter(f)
	bucket := bucketExpr(granularity)
	query := fmt.Sprintf(`
		SELECT %s AS bucket,
			SUM(CASE WHEN r.status = 'success' THEN 1 ELSE 0 END),
			SUM(CASE WHEN r.status != 'success' THEN 1 ELSE 0 END)
		FROM runs r %s
		GROUP BY bucket ORDER BY bucket ASC`, bucket, where)

	rows, err := b.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get run time series: %w", err)
	}
	defer rows.Close()

	var out []repo.TimeSeriesPoint
	for rows.Next() {
		var t time.Time
		var success, failure int
		if err := rows.Scan(&t, &success, &failure); err != nil {
			return nil, fmt.Errorf("scan time series point: %w", err)
		}
		out = append(out, repo.TimeSeriesPoint{Date: t, Success: success, Failure: failure})
	}
	return out, rows.Err()
}

// GetEndpointTimeSeries is GetRunTimeSeries's per-endpoint breakdown.
func (b *Backend) GetEndpointTimeSeries(ctx context.Context, f repo.RunFilter, granularity repo.Granularity) ([]repo.EndpointTimeSeriesPoint, error) {
	where, args, _ := buildRunFilter(f)
	bucket := bucketExpr(granularity)
	query := fmt.Sprintf(`
		SELECT %s AS bucket, r.endpoint_id, e.name,
			SUM(CASE WHEN r.status = 'success' THEN 1 ELSE 0 END),
			SUM(CASE WHEN r.status != 'success' THEN 1 ELSE 0 END),
			SUM(COALESCE(r.duration_ms, 0))
		FROM runs r %s
		GROUP BY bucket, r.endpoint_id, e.name ORDER BY bucket ASC`, bucket, where)

	rows, err := b.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get endpoint time series: %w", err)
	}
	defer rows.Close()

	var out []repo.EndpointTimeSeriesPoint
	for rows.Next() {
		var t time.Time
		var endpointID, endpointName string
		var success, failure int
		var totalDuration int64
		if err := rows.Scan(&t, &endpointID, &endpointName, &success, &failure, &totalDuration); err != nil {
			return nil, fmt.Errorf("scan endpoint time series point: %w", err)
		}
		out = append(out, repo.EndpointTimeSeriesPoint{
			Date: t, EndpointID: endpointID, EndpointName: endpointName,
			Success: success, Failure: failure, TotalDurationMs: totalDuration,
		})
	}
	return out, rows.Err()
}

// CleanupZombieRuns finalizes provisional runs abandoned by a crashed
// worker: any run still "failed"+unfinished whose startedAt predates
// now-thresholdMs is marked a timeout.
func (b *Backend) CleanupZombieRuns(ctx context.Context, thresholdMs int64, now time.Time) (int, error) {
	cutoff := now.Add(-time.Duration(thresholdMs) * time.Millisecond)
	res, err := b.DB.ExecContext(ctx, `
		UPDATE runs SET
			status = $1, finished_at = $2, error_message = 'abandoned: worker did not report a result'
		WHERE finished_at IS NULL AND status = $3 AND started_at < $4`,
		string(model.RunTimeout), now.UTC(), string(model.RunFailed), cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("cleanup zombie runs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("zombie cleanup rows affected: %w", err)
	}
	return int(n), nil
}
