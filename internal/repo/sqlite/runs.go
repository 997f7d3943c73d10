package sqlite

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

// Create inserts a provisional run row (spec.md §4.5 "a run exists before
// its outcome is known, so a crash mid-dispatch is still observable").
func (b *Backend) Create(ctx context.Context, endpointID string, startedAt time.Time, source model.Source, attempt int) (string, error) {
	id := uuid.NewString()
	_, err := b.DB.ExecContext(ctx, `
		INSERT INTO runs (id, endpoint_id, status, attempt, source, started_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		id, endpointID, string(model.RunFailed), attempt, string(source), timeToStr(startedAt),
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

	finishedAt := time.Now().UTC()
	res, err := b.DB.ExecContext(ctx, `
		UPDATE runs SET
			status = ?, finished_at = ?, duration_ms = ?, status_code = ?,
			error_message = ?, response_body = ?, truncated = ?, source = ?
		WHERE id = ?`,
		string(status), timeToStr(finishedAt), outcome.DurationMs, nullIntPtr(outcome.StatusCode),
		outcome.ErrorMessage, jsonValueToStr(outcome.Body), boolToInt(outcome.Truncated), string(source),
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

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func scanRun(row interface{ Scan(...any) error }) (*model.Run, error) {
	var (
		r                                        model.Run
		status, source, errorMessage             string
		startedAtStr                              string
		finishedAtStr                             sql.NullString
		durationMs, statusCode                    sql.NullInt64
		responseBodyStr                           sql.NullString
		truncated                                 int
	)
	if err := row.Scan(
		&r.ID, &r.EndpointID, &status, &r.Attempt, &source,
		&startedAtStr, &finishedAtStr, &durationMs, &statusCode,
		&errorMessage, &responseBodyStr, &truncated,
	); err != nil {
		return nil, err
	}

	r.Status = model.RunStatus(status)
	r.Source = model.Source(source)
	r.ErrorMessage = errorMessage
	r.Truncated = truncated != 0
	r.DurationMs = fromNullInt64(durationMs)
	r.StatusCode = fromNullInt(statusCode)
	if responseBodyStr.Valid {
		r.ResponseBody = strToJSONValue(responseBodyStr.String)
	}

	var err error
	if r.StartedAt, err = strToTime(startedAtStr); err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	if r.FinishedAt, err = nullStrToTime(finishedAtStr); err != nil {
		return nil, fmt.Errorf("parse finished_at: %w", err)
	}
	return &r, nil
}

const runColumns = `
	id, endpoint_id, status, attempt, source,
	started_at, finished_at, duration_ms, status_code,
	error_message, response_body, truncated`

// buildRunFilter renders a RunFilter into a WHERE clause joined against
// job_endpoints/jobs for user scoping, plus its bound args.
func buildRunFilter(f repo.RunFilter) (string, []any) {
	where := "JOIN job_endpoints e ON e.id = r.endpoint_id JOIN jobs j ON j.id = e.job_id WHERE j.user_id = ?"
	args := []any{f.UserID}

	if f.EndpointID != nil {
		where += " AND r.endpoint_id = ?"
		args = append(args, *f.EndpointID)
	}
	if f.JobID != nil {
		where += " AND e.job_id = ?"
		args = append(args, *f.JobID)
	}
	if f.Status != nil {
		where += " AND r.status = ?"
		args = append(args, string(*f.Status))
	}
	if f.Source != nil {
		where += " AND r.source = ?"
		args = append(args, string(*f.Source))
	}
	if f.Since != nil {
		where += " AND r.started_at >= ?"
		args = append(args, timeToStr(*f.Since))
	}
	if f.Until != nil {
		where += " AND r.started_at <= ?"
		args = append(args, timeToStr(*f.Until))
	}
	return where, args
}

// ListRuns returns a filtered, paginated, user-scoped run history.
func (b *Backend) ListRuns(ctx context.Context, f repo.RunFilter) (repo.RunPage, error) {
	where, args := buildRunFilter(f)

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
		" ORDER BY r.started_at DESC LIMIT ? OFFSET ?"
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

// GetRunDetails fetches one run scoped by the requesting user, matching
// spec.md §7's cross-user-isolation requirement.
func (b *Backend) GetRunDetails(ctx context.Context, runID, userID string) (*model.Run, error) {
	row := b.DB.QueryRowContext(ctx, `
		SELECT r.id, r.endpoint_id, r.status, r.attempt, r.source, r.started_at, r.finished_at, r.duration_ms, r.status_code, r.error_message, r.response_body, r.truncated
		FROM runs r
		JOIN job_endpoints e ON e.id = r.endpoint_id
		JOIN jobs j ON j.id = e.job_id
		WHERE r.id = ? AND j.user_id = ?`, runID, userID)
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
// windowMs (success/failure counts, average duration) and adds the
// latest run and the current failure streak (spec.md §4.5, §4.8).
func (b *Backend) GetHealthSummary(ctx context.Context, endpointID string, windowMs int64) (repo.HealthSummary, error) {
	since := time.Now().UTC().Add(-time.Duration(windowMs) * time.Millisecond)

	row := b.DB.QueryRowContext(ctx, `
		SELECT
			SUM(CASE WHEN status = 'success' THEN 1 ELSE 0 END),
			SUM(CASE WHEN status != 'success' THEN 1 ELSE 0 END),
			AVG(duration_ms)
		FROM runs WHERE endpoint_id = ? AND started_at >= ?`,
		endpointID, timeToStr(since),
	)
	var success, failure sql.NullInt64
	var avgDuration sql.NullFloat64
	if err := row.Scan(&success, &failure, &avgDuration); err != nil {
		return repo.HealthSummary{}, fmt.Errorf("get health summary for endpoint %q: %w", endpointID, err)
	}

	lastRunRow := b.DB.QueryRowContext(ctx, "SELECT "+runColumns+" FROM runs WHERE endpoint_id = ? ORDER BY started_at DESC LIMIT 1", endpointID)
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

// failureStreak counts consecutive non-success runs from the most recent
// backward, stopping at the first success (mirrors the endpoint's
// failureCount, recomputed from history for diagnostics/recovery).
func (b *Backend) failureStreak(ctx context.Context, endpointID string) (int, error) {
	rows, err := b.DB.QueryContext(ctx,
		"SELECT status FROM runs WHERE endpoint_id = ? ORDER BY started_at DESC LIMIT ?",
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
	row := b.DB.QueryRowContext(ctx, "SELECT "+runColumns+" FROM runs WHERE endpoint_id = ? ORDER BY started_at DESC LIMIT 1", endpointID)
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
	rows, err := b.DB.QueryContext(ctx, "SELECT "+runColumns+" FROM runs WHERE endpoint_id = ? ORDER BY started_at DESC LIMIT ?", endpointID, limit)
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
// under the same job, used by cross-endpoint AI planning context.
func (b *Backend) GetSiblingLatestResponses(ctx context.Context, endpointID string) ([]*model.Run, error) {
	rows, err := b.DB.QueryContext(ctx, `
		SELECT r.id, r.endpoint_id, r.status, r.attempt, r.source, r.started_at, r.finished_at, r.duration_ms, r.status_code, r.error_message, r.response_body, r.truncated
		FROM runs r
		WHERE r.endpoint_id IN (
			SELECT e2.id FROM job_endpoints e2
			WHERE e2.job_id = (SELECT job_id FROM job_endpoints WHERE id = ?) AND e2.id != ?
		)
		AND r.started_at = (
			SELECT MAX(r2.started_at) FROM runs r2 WHERE r2.endpoint_id = r.endpoint_id
		)`, endpointID, endpointID)
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
	where, args := buildRunFilter(f)
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
		return "strftime('%Y-%m-%dT%H:00:00Z', r.started_at)"
	}
	return "strftime('%Y-%m-%dT00:00:00Z', r.started_at)"
}

// GetRunTimeSeries buckets a user's run history into success/failure
// counts per spec.md §4.8's dashboard trend view. Empty buckets are not
// zero-filled here; DashboardManager does that against wall-clock bounds.
func (b *Backend) GetRunTimeSeries(ctx context.Context, f repo.RunFilter, granularity repo.Granularity) ([]repo.TimeSeriesPoint, error) {
	where, args := buildRunFilter(f)
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
		var bucketStr string
		var success, failure int
		if err := rows.Scan(&bucketStr, &success, &failure); err != nil {
			return nil, fmt.Errorf("scan time series point: %w", err)
		}
		t, err := strToTime(bucketStr)
		if err != nil {
			return nil, fmt.Errorf("parse time series bucket: %w", err)
		}
		out = append(out, repo.TimeSeriesPoint{Date: t, Success: success, Failure: failure})
	}
	return out, rows.Err()
}

// GetEndpointTimeSeries is GetRunTimeSeries's per-endpoint breakdown for
// the dashboard's top-K endpoint view.
func (b *Backend) GetEndpointTimeSeries(ctx context.Context, f repo.RunFilter, granularity repo.Granularity) ([]repo.EndpointTimeSeriesPoint, error) {
	where, args := buildRunFilter(f)
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
		var bucketStr, endpointID, endpointName string
		var success, failure int
		var totalDuration int64
		if err := rows.Scan(&bucketStr, &endpointID, &endpointName, &success, &failure, &totalDuration); err != nil {
			return nil, fmt.Errorf("scan endpoint time series point: %w", err)
		}
		t, err := strToTime(bucketStr)
		if err != nil {
			return nil, fmt.Errorf("parse endpoint time series bucket: %w", err)
		}
		out = append(out, repo.EndpointTimeSeriesPoint{
			Date: t, EndpointID: endpointID, EndpointName: endpointName,
			Success: success, Failure: failure, TotalDurationMs: totalDuration,
		})
	}
	return out, rows.Err()
}

// CleanupZombieRuns finalizes provisional runs abandoned by a crashed
// worker (spec.md §4.5, §7): any run still "failed"+unfinished whose
// startedAt predates now-thresholdMs is marked a timeout.
func (b *Backend) CleanupZombieRuns(ctx context.Context, thresholdMs int64, now time.Time) (int, error) {
	cutoff := now.Add(-time.Duration(thresholdMs) * time.Millisecond)
	res, err := b.DB.ExecContext(ctx, `
		UPDATE runs SET
			status = ?, finished_at = ?, error_message = 'abandoned: worker did not report a result'
		WHERE finished_at IS NULL AND status = ? AND started_at < ?`,
		string(model.RunTimeout), timeToStr(now), string(model.RunFailed), timeToStr(cutoff),
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
