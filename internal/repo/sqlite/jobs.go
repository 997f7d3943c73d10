package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cronicorn/scheduler/internal/apperr"
	"github.com/cronicorn/scheduler/internal/model"
	"github.com/cronicorn/scheduler/internal/repo"
)

// AddEndpoint inserts a new JobEndpoint row.
func (b *Backend) AddEndpoint(ctx context.Context, ep *model.JobEndpoint) error {
	_, err := b.DB.ExecContext(ctx, `
		INSERT INTO job_endpoints (
			id, job_id, tenant_id, name, description,
			baseline_cron, baseline_interval_ms, min_interval_ms, max_interval_ms,
			url, method, headers_json, body_json, timeout_ms,
			max_execution_time_ms, max_response_size_kb,
			next_run_at, last_run_at, failure_count,
			leased_until, lease_owner,
			ai_hint_interval_ms, ai_hint_next_run_at, ai_hint_expires_at, ai_hint_reason,
			paused_until, archived_at, labels_json, stagger_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ep.ID, ep.JobID, ep.TenantID, ep.Name, ep.Description,
		nullStr(ep.BaselineCron), nullIfZero(ep.BaselineIntervalMs), nullInt64(ep.MinIntervalMs), nullInt64(ep.MaxIntervalMs),
		ep.URL, string(ep.Method), jsonValueToStr(ep.HeadersJson), jsonValueToStr(ep.BodyJson), ep.TimeoutMs,
		nullInt64(ep.MaxExecutionTimeMs), nullInt64(ep.MaxResponseSizeKb),
		timeToStr(ep.NextRunAt), nullTimeToStr(ep.LastRunAt), ep.FailureCount,
		nullTimeToStr(ep.LeasedUntil), nullStr(ep.LeaseOwner),
		nullInt64(ep.AIHintIntervalMs), nullTimeToStr(ep.AIHintNextRunAt), nullTimeToStr(ep.AIHintExpiresAt), ep.AIHintReason,
		nullTimeToStr(ep.PausedUntil), nullTimeToStr(ep.ArchivedAt), labelsToStr(ep.Labels), ep.StaggerMs,
	)
	if err != nil {
		return fmt.Errorf("add endpoint %q: %w", ep.ID, err)
	}
	return nil
}

func nullIfZero(v int64) sql.NullInt64 {
	if v == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: v, Valid: true}
}

const endpointColumns = `
	id, job_id, tenant_id, name, description,
	baseline_cron, baseline_interval_ms, min_interval_ms, max_interval_ms,
	url, method, headers_json, body_json, timeout_ms,
	max_execution_time_ms, max_response_size_kb,
	next_run_at, last_run_at, failure_count,
	leased_until, lease_owner,
	ai_hint_interval_ms, ai_hint_next_run_at, ai_hint_expires_at, ai_hint_reason,
	paused_until, archived_at, labels_json, stagger_ms`

func scanEndpoint(row interface{ Scan(...any) error }) (*model.JobEndpoint, error) {
	var (
		ep                                                      model.JobEndpoint
		method, headersJSON, bodyJSON, labelsJSON, nextRunAtStr string
		baselineCron, leaseOwner, aiHintReason                  sql.NullString
		baselineIntervalMs, minIntervalMs, maxIntervalMs        sql.NullInt64
		maxExecutionTimeMs, maxResponseSizeKb, aiHintIntervalMs sql.NullInt64
		lastRunAtStr, leasedUntilStr                            sql.NullString
		aiHintNextRunAtStr, aiHintExpiresAtStr, pausedUntilStr  sql.NullString
		archivedAtStr                                           sql.NullString
	)
	if err := row.Scan(
		&ep.ID, &ep.JobID, &ep.TenantID, &ep.Name, &ep.Description,
		&baselineCron, &baselineIntervalMs, &minIntervalMs, &maxIntervalMs,
		&ep.URL, &method, &headersJSON, &bodyJSON, &ep.TimeoutMs,
		&maxExecutionTimeMs, &maxResponseSizeKb,
		&nextRunAtStr, &lastRunAtStr, &ep.FailureCount,
		&leasedUntilStr, &leaseOwner,
		&aiHintIntervalMs, &aiHintNextRunAtStr, &aiHintExpiresAtStr, &aiHintReason,
		&pausedUntilStr, &archivedAtStr, &labelsJSON, &ep.StaggerMs,
	); err != nil {
		return nil, err
	}

	ep.Method = model.HTTPMethod(method)
	ep.HeadersJson = strToJSONValue(headersJSON)
	ep.BodyJson = strToJSONValue(bodyJSON)
	ep.Labels = strToLabels(labelsJSON)
	ep.BaselineCron = baselineCron.String
	ep.LeaseOwner = leaseOwner.String
	ep.AIHintReason = aiHintReason.String
	ep.BaselineIntervalMs = baselineIntervalMs.Int64
	ep.MinIntervalMs = fromNullInt64(minIntervalMs)
	ep.MaxIntervalMs = fromNullInt64(maxIntervalMs)
	ep.MaxExecutionTimeMs = fromNullInt64(maxExecutionTimeMs)
	ep.MaxResponseSizeKb = fromNullInt64(maxResponseSizeKb)
	ep.AIHintIntervalMs = fromNullInt64(aiHintIntervalMs)

	nextRunAt, err := strToTime(nextRunAtStr)
	if err != nil {
		return nil, fmt.Errorf("parse next_run_at: %w", err)
	}
	ep.NextRunAt = nextRunAt

	if ep.LastRunAt, err = nullStrToTime(lastRunAtStr); err != nil {
		return nil, err
	}
	if ep.LeasedUntil, err = nullStrToTime(leasedUntilStr); err != nil {
		return nil, err
	}
	if ep.AIHintNextRunAt, err = nullStrToTime(aiHintNextRunAtStr); err != nil {
		return nil, err
	}
	if ep.AIHintExpiresAt, err = nullStrToTime(aiHintExpiresAtStr); err != nil {
		return nil, err
	}
	if ep.PausedUntil, err = nullStrToTime(pausedUntilStr); err != nil {
		return nil, err
	}
	if ep.ArchivedAt, err = nullStrToTime(archivedAtStr); err != nil {
		return nil, err
	}

	return &ep, nil
}

// GetEndpoint returns one JobEndpoint by id, or apperr.ErrNotFound.
func (b *Backend) GetEndpoint(ctx context.Context, id string) (*model.JobEndpoint, error) {
	row := b.DB.QueryRowContext(ctx, "SELECT "+endpointColumns+" FROM job_endpoints WHERE id = ?", id)
	ep, err := scanEndpoint(row)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("endpoint", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get endpoint %q: %w", id, err)
	}
	return ep, nil
}

// ListEndpointsByJob lists all endpoints belonging to jobID.
func (b *Backend) ListEndpointsByJob(ctx context.Context, jobID string, opts repo.ListOptions) ([]*model.JobEndpoint, error) {
	query := "SELECT " + endpointColumns + " FROM job_endpoints WHERE job_id = ?"
	if !opts.IncludeArchived {
		query += " AND archived_at IS NULL"
	}
	query += " ORDER BY name"

	rows, err := b.DB.QueryContext(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("list endpoints for job %q: %w", jobID, err)
	}
	defer rows.Close()

	var out []*model.JobEndpoint
	for rows.Next() {
		ep, err := scanEndpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("scan endpoint: %w", err)
		}
		out = append(out, ep)
	}
	return out, rows.Err()
}

// GetEndpointCounts tallies total/active/paused live endpoints for a user.
func (b *Backend) GetEndpointCounts(ctx context.Context, userID string, now time.Time) (repo.EndpointCounts, error) {
	row := b.DB.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			SUM(CASE WHEN (e.paused_until IS NULL OR e.paused_until <= ?) THEN 1 ELSE 0 END),
			SUM(CASE WHEN (e.paused_until IS NOT NULL AND e.paused_until > ?) THEN 1 ELSE 0 END)
		FROM job_endpoints e
		JOIN jobs j ON j.id = e.job_id
		WHERE j.user_id = ? AND e.archived_at IS NULL`,
		timeToStr(now), timeToStr(now), userID,
	)
	var counts repo.EndpointCounts
	var active, paused sql.NullInt64
	if err := row.Scan(&counts.Total, &active, &paused); err != nil {
		return repo.EndpointCounts{}, fmt.Errorf("get endpoint counts for user %q: %w", userID, err)
	}
	counts.Active = int(active.Int64)
	counts.Paused = int(paused.Int64)
	return counts, nil
}

// UpdateEndpoint applies a partial update to an endpoint's configuration.
func (b *Backend) UpdateEndpoint(ctx context.Context, id string, patch repo.EndpointPatch) error {
	sets := []string{}
	args := []any{}

	add := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}

	if patch.Name != nil {
		add("name", *patch.Name)
	}
	if patch.Description != nil {
		add("description", *patch.Description)
	}
	if patch.BaselineCron != nil {
		add("baseline_cron", nullStr(*patch.BaselineCron))
		add("baseline_interval_ms", sql.NullInt64{})
	}
	if patch.BaselineIntervalMs != nil {
		add("baseline_interval_ms", *patch.BaselineIntervalMs)
		add("baseline_cron", sql.NullString{})
	}
	if patch.ClearMinInterval {
		add("min_interval_ms", sql.NullInt64{})
	} else if patch.MinIntervalMs != nil {
		add("min_interval_ms", *patch.MinIntervalMs)
	}
	if patch.ClearMaxInterval {
		add("max_interval_ms", sql.NullInt64{})
	} else if patch.MaxIntervalMs != nil {
		add("max_interval_ms", *patch.MaxIntervalMs)
	}
	if patch.URL != nil {
		add("url", *patch.URL)
	}
	if patch.Method != nil {
		add("method", string(*patch.Method))
	}
	if patch.HeadersJson != nil {
		add("headers_json", jsonValueToStr(*patch.HeadersJson))
	}
	if patch.BodyJson != nil {
		add("body_json", jsonValueToStr(*patch.BodyJson))
	}
	if patch.TimeoutMs != nil {
		add("timeout_ms", *patch.TimeoutMs)
	}
	if patch.ClearMaxExecutionTime {
		add("max_execution_time_ms", sql.NullInt64{})
	} else if patch.MaxExecutionTimeMs != nil {
		add("max_execution_time_ms", *patch.MaxExecutionTimeMs)
	}
	if patch.ClearMaxResponseSize {
		add("max_response_size_kb", sql.NullInt64{})
	} else if patch.MaxResponseSizeKb != nil {
		add("max_response_size_kb", *patch.MaxResponseSizeKb)
	}
	if patch.Labels != nil {
		add("labels_json", labelsToStr(*patch.Labels))
	}

	if len(sets) == 0 {
		return nil
	}

	query := "UPDATE job_endpoints SET "
	for i, s := range sets {
		if i > 0 {
			query += ", "
		}
		query += s
	}
	query += " WHERE id = ?"
	args = append(args, id)

	res, err := b.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update endpoint %q: %w", id, err)
	}
	return requireRowsAffected(res, "endpoint", id)
}

func requireRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return apperr.NotFound(resource, id)
	}
	return nil
}

// DeleteEndpoint removes an endpoint. Spec.md forbids deletion while
// referenced by runs; the caller (JobsManager) is responsible for that
// check, matching SQLiteJobStorage's direct-delete style.
func (b *Backend) DeleteEndpoint(ctx context.Context, id string) error {
	res, err := b.DB.ExecContext(ctx, "DELETE FROM job_endpoints WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete endpoint %q: %w", id, err)
	}
	return requireRowsAffected(res, "endpoint", id)
}

// ArchiveEndpoint soft-deletes an endpoint: it becomes ineligible for
// claiming but its runs remain queryable (spec.md §3).
func (b *Backend) ArchiveEndpoint(ctx context.Context, id string, now time.Time) error {
	res, err := b.DB.ExecContext(ctx,
		"UPDATE job_endpoints SET archived_at = ?, next_run_at = ? WHERE id = ?",
		timeToStr(now), timeToStr(model.FarFuture), id)
	if err != nil {
		return fmt.Errorf("archive endpoint %q: %w", id, err)
	}
	return requireRowsAffected(res, "endpoint", id)
}

// ClaimDueEndpoints is the claim-lease protocol of spec.md §4.4.1. SQLite
// has no SKIP LOCKED; instead the whole select+update runs inside a single
// transaction, and Backend.Open pins the pool to one connection
// so no other goroutine's statement can interleave. A claim that can't
// proceed within 500ms (SQLITE_BUSY against an external writer, e.g. a
// backup) returns an empty batch rather than blocking the scheduler loop.
func (b *Backend) ClaimDueEndpoints(ctx context.Context, batchSize int, leaseMs int64, owner string) ([]string, error) {
	claimCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()

	tx, err := b.DB.BeginTx(claimCtx, nil)
	if err != nil {
		if claimCtx.Err() != nil {
			return nil, nil
		}
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	rows, err := tx.QueryContext(claimCtx, `
		SELECT id FROM job_endpoints
		WHERE archived_at IS NULL
		  AND (paused_until IS NULL OR paused_until <= ?)
		  AND next_run_at <= ?
		  AND (leased_until IS NULL OR leased_until <= ?)
		ORDER BY next_run_at ASC, id ASC
		LIMIT ?`,
		timeToStr(now), timeToStr(now), timeToStr(now), batchSize,
	)
	if err != nil {
		if claimCtx.Err() != nil {
			return nil, nil
		}
		return nil, fmt.Errorf("select claimable endpoints: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan claimable id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate claimable ids: %w", err)
	}

	if len(ids) == 0 {
		return nil, tx.Commit()
	}

	leasedUntil := timeToStr(now.Add(time.Duration(leaseMs) * time.Millisecond))
	for _, id := range ids {
		if _, err := tx.ExecContext(claimCtx,
			"UPDATE job_endpoints SET leased_until = ?, lease_owner = ? WHERE id = ?",
			leasedUntil, owner, id,
		); err != nil {
			if claimCtx.Err() != nil {
				return nil, nil
			}
			return nil, fmt.Errorf("lease endpoint %q: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		if claimCtx.Err() != nil {
			return nil, nil
		}
		return nil, fmt.Errorf("commit claim tx: %w", err)
	}

	return ids, nil
}

// SetLock extends an endpoint's lease, used when a dispatch runs longer
// than the initial claim lease (spec.md §4.4.1).
func (b *Backend) SetLock(ctx context.Context, id string, leaseMs int64, owner string) error {
	leasedUntil := timeToStr(time.Now().UTC().Add(time.Duration(leaseMs) * time.Millisecond))
	res, err := b.DB.ExecContext(ctx, "UPDATE job_endpoints SET leased_until = ?, lease_owner = ? WHERE id = ?", leasedUntil, owner, id)
	if err != nil {
		return fmt.Errorf("set lock on endpoint %q: %w", id, err)
	}
	return requireRowsAffected(res, "endpoint", id)
}

// ClearLock releases an endpoint's lease.
func (b *Backend) ClearLock(ctx context.Context, id string) error {
	_, err := b.DB.ExecContext(ctx, "UPDATE job_endpoints SET leased_until = NULL, lease_owner = NULL WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("clear lock on endpoint %q: %w", id, err)
	}
	return nil
}

// SetNextRunAtIfEarlier advances nextRunAt only if t is earlier than the
// current value — used by AI hints/one-shots so a fresh hint is visible
// to the scheduler without waiting out the current schedule.
func (b *Backend) SetNextRunAtIfEarlier(ctx context.Context, id string, t time.Time) error {
	_, err := b.DB.ExecContext(ctx,
		"UPDATE job_endpoints SET next_run_at = ? WHERE id = ? AND next_run_at > ?",
		timeToStr(t), id, timeToStr(t))
	if err != nil {
		return fmt.Errorf("set next_run_at if earlier on endpoint %q: %w", id, err)
	}
	return nil
}

// WriteAIHint overwrites the prior hint on an endpoint.
func (b *Backend) WriteAIHint(ctx context.Context, id string, hint repo.AIHintWrite) error {
	res, err := b.DB.ExecContext(ctx, `
		UPDATE job_endpoints SET
			ai_hint_interval_ms = ?, ai_hint_next_run_at = ?, ai_hint_expires_at = ?, ai_hint_reason = ?
		WHERE id = ?`,
		nullInt64(hint.IntervalMs), nullTimeToStr(hint.NextRunAt), timeToStr(hint.ExpiresAt), hint.Reason, id,
	)
	if err != nil {
		return fmt.Errorf("write ai hint for endpoint %q: %w", id, err)
	}
	return requireRowsAffected(res, "endpoint", id)
}

// ClearAIHints nulls all four hint fields.
func (b *Backend) ClearAIHints(ctx context.Context, id string) error {
	res, err := b.DB.ExecContext(ctx, `
		UPDATE job_endpoints SET
			ai_hint_interval_ms = NULL, ai_hint_next_run_at = NULL,
			ai_hint_expires_at = NULL, ai_hint_reason = ''
		WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("clear ai hints for endpoint %q: %w", id, err)
	}
	return requireRowsAffected(res, "endpoint", id)
}

// SetPausedUntil sets or clears the pause. Clearing (until=nil) schedules
// a near-term run per spec.md §4.4's "null resumes immediately".
func (b *Backend) SetPausedUntil(ctx context.Context, id string, until *time.Time) error {
	if until == nil {
		res, err := b.DB.ExecContext(ctx,
			"UPDATE job_endpoints SET paused_until = NULL, next_run_at = ? WHERE id = ?",
			timeToStr(time.Now().UTC().Add(time.Second)), id)
		if err != nil {
			return fmt.Errorf("resume endpoint %q: %w", id, err)
		}
		return requireRowsAffected(res, "endpoint", id)
	}
	res, err := b.DB.ExecContext(ctx, "UPDATE job_endpoints SET paused_until = ? WHERE id = ?", timeToStr(*until), id)
	if err != nil {
		return fmt.Errorf("pause endpoint %q: %w", id, err)
	}
	return requireRowsAffected(res, "endpoint", id)
}

// ResetFailureCount zeroes an endpoint's failure streak.
func (b *Backend) ResetFailureCount(ctx context.Context, id string) error {
	res, err := b.DB.ExecContext(ctx, "UPDATE job_endpoints SET failure_count = 0 WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("reset failure count for endpoint %q: %w", id, err)
	}
	return requireRowsAffected(res, "endpoint", id)
}

// UpdateAfterRun is the atomic post-run write applying the Governor's
// decision and clearing the claim lease.
func (b *Backend) UpdateAfterRun(ctx context.Context, id string, upd repo.AfterRunUpdate) error {
	query := `
		UPDATE job_endpoints SET
			last_run_at = ?, failure_count = ?, next_run_at = ?,
			leased_until = NULL, lease_owner = NULL`
	args := []any{timeToStr(upd.LastRunAt), upd.FailureCount, timeToStr(upd.NextRunAt)}

	if upd.PausedUntil != nil {
		query += ", paused_until = ?"
		args = append(args, timeToStr(*upd.PausedUntil))
	}
	if upd.ClearHintNextRunAt {
		query += ", ai_hint_next_run_at = NULL"
	}
	if upd.ClearHintExpired {
		query += ", ai_hint_interval_ms = NULL, ai_hint_next_run_at = NULL, ai_hint_expires_at = NULL, ai_hint_reason = ''"
	}
	query += " WHERE id = ?"
	args = append(args, id)

	res, err := b.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update endpoint %q after run: %w", id, err)
	}
	return requireRowsAffected(res, "endpoint", id)
}

// --- Jobs ---

// AddJob inserts a new Job row.
func (b *Backend) AddJob(ctx context.Context, job *model.Job) error {
	_, err := b.DB.ExecContext(ctx, `
		INSERT INTO jobs (id, user_id, name, description, status, created_at, updated_at, archived_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.UserID, job.Name, job.Description, string(job.Status),
		timeToStr(job.CreatedAt), timeToStr(job.UpdatedAt), nullTimeToStr(job.ArchivedAt),
	)
	if err != nil {
		return fmt.Errorf("add job %q: %w", job.ID, err)
	}
	return nil
}

func scanJob(row interface{ Scan(...any) error }) (*model.Job, error) {
	var (
		j                             model.Job
		status                        string
		createdAtStr, updatedAtStr    string
		archivedAtStr                 sql.NullString
	)
	if err := row.Scan(&j.ID, &j.UserID, &j.Name, &j.Description, &status, &createdAtStr, &updatedAtStr, &archivedAtStr); err != nil {
		return nil, err
	}
	j.Status = model.JobStatus(status)
	var err error
	if j.CreatedAt, err = strToTime(createdAtStr); err != nil {
		return nil, err
	}
	if j.UpdatedAt, err = strToTime(updatedAtStr); err != nil {
		return nil, err
	}
	if j.ArchivedAt, err = nullStrToTime(archivedAtStr); err != nil {
		return nil, err
	}
	return &j, nil
}

const jobColumns = "id, user_id, name, description, status, created_at, updated_at, archived_at"

// GetJob returns a Job scoped by userID; cross-user access returns
// apperr.ErrNotFound (spec.md §3/§7).
func (b *Backend) GetJob(ctx context.Context, id, userID string) (*model.Job, error) {
	row := b.DB.QueryRowContext(ctx, "SELECT "+jobColumns+" FROM jobs WHERE id = ? AND user_id = ?", id, userID)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("job", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get job %q: %w", id, err)
	}
	return job, nil
}

// ListJobs lists all jobs owned by userID.
func (b *Backend) ListJobs(ctx context.Context, userID string) ([]*model.Job, error) {
	rows, err := b.DB.QueryContext(ctx, "SELECT "+jobColumns+" FROM jobs WHERE user_id = ? ORDER BY created_at DESC", userID)
	if err != nil {
		return nil, fmt.Errorf("list jobs for user %q: %w", userID, err)
	}
	defer rows.Close()

	var out []*model.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// UpdateJob renames/redescribes a job, scoped by userID.
func (b *Backend) UpdateJob(ctx context.Context, id, userID string, name, description *string) error {
	sets := []string{"updated_at = ?"}
	args := []any{timeToStr(time.Now().UTC())}
	if name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *name)
	}
	if description != nil {
		sets = append(sets, "description = ?")
		args = append(args, *description)
	}
	query := "UPDATE jobs SET "
	for i, s := range sets {
		if i > 0 {
			query += ", "
		}
		query += s
	}
	query += " WHERE id = ? AND user_id = ?"
	args = append(args, id, userID)

	res, err := b.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update job %q: %w", id, err)
	}
	return requireRowsAffected(res, "job", id)
}

// ArchiveJob soft-deletes a job. Per spec.md §3, endpoints become
// ineligible for claiming; the caller is responsible for archiving them.
func (b *Backend) ArchiveJob(ctx context.Context, id, userID string, now time.Time) error {
	res, err := b.DB.ExecContext(ctx,
		"UPDATE jobs SET status = ?, archived_at = ?, updated_at = ? WHERE id = ? AND user_id = ?",
		string(model.JobArchived), timeToStr(now), timeToStr(now), id, userID,
	)
	if err != nil {
		return fmt.Errorf("archive job %q: %w", id, err)
	}
	return requireRowsAffected(res, "job", id)
}
