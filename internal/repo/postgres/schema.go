package postgres

// schema is the PostgreSQL DDL for the scheduler. Columns mirror the
// sqlite package's shape; types use native TIMESTAMPTZ/JSONB/BOOLEAN
// instead of sqlite's TEXT- and INTEGER-encoded equivalents (spec.md §6).
const schema = `
CREATE TABLE IF NOT EXISTS schema_version (
	version    INTEGER PRIMARY KEY,
	applied_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS jobs (
	id          TEXT PRIMARY KEY,
	user_id     TEXT NOT NULL,
	name        TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL DEFAULT 'active',
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL,
	archived_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_jobs_user ON jobs(user_id);

CREATE TABLE IF NOT EXISTS job_endpoints (
	id                      TEXT PRIMARY KEY,
	job_id                  TEXT NOT NULL REFERENCES jobs(id),
	tenant_id               TEXT NOT NULL,
	name                    TEXT NOT NULL,
	description             TEXT NOT NULL DEFAULT '',
	baseline_cron           TEXT,
	baseline_interval_ms    BIGINT,
	min_interval_ms         BIGINT,
	max_interval_ms         BIGINT,
	url                     TEXT NOT NULL,
	method                  TEXT NOT NULL,
	headers_json            JSONB NOT NULL DEFAULT 'null',
	body_json               JSONB NOT NULL DEFAULT 'null',
	timeout_ms              BIGINT NOT NULL,
	max_execution_time_ms   BIGINT,
	max_response_size_kb    BIGINT,
	next_run_at             TIMESTAMPTZ NOT NULL,
	last_run_at             TIMESTAMPTZ,
	failure_count           INTEGER NOT NULL DEFAULT 0,
	leased_until            TIMESTAMPTZ,
	lease_owner             TEXT,
	ai_hint_interval_ms     BIGINT,
	ai_hint_next_run_at     TIMESTAMPTZ,
	ai_hint_expires_at      TIMESTAMPTZ,
	ai_hint_reason          TEXT NOT NULL DEFAULT '',
	paused_until            TIMESTAMPTZ,
	archived_at             TIMESTAMPTZ,
	labels_json             JSONB NOT NULL DEFAULT '[]',
	stagger_ms              INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_endpoints_claimable
	ON job_endpoints(next_run_at)
	WHERE archived_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_endpoints_job ON job_endpoints(job_id);

CREATE TABLE IF NOT EXISTS runs (
	id             TEXT PRIMARY KEY,
	endpoint_id    TEXT NOT NULL REFERENCES job_endpoints(id),
	status         TEXT NOT NULL,
	attempt        INTEGER NOT NULL DEFAULT 1,
	source         TEXT NOT NULL,
	started_at     TIMESTAMPTZ NOT NULL,
	finished_at    TIMESTAMPTZ,
	duration_ms    BIGINT,
	status_code    INTEGER,
	error_message  TEXT NOT NULL DEFAULT '',
	response_body  JSONB,
	truncated      BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS idx_runs_endpoint_started ON runs(endpoint_id, started_at DESC);

CREATE TABLE IF NOT EXISTS ai_analysis_sessions (
	id               TEXT PRIMARY KEY,
	endpoint_id      TEXT NOT NULL REFERENCES job_endpoints(id),
	analyzed_at      TIMESTAMPTZ NOT NULL,
	reasoning        TEXT NOT NULL DEFAULT '',
	tool_calls_json  JSONB NOT NULL DEFAULT '[]',
	token_usage      BIGINT NOT NULL DEFAULT 0,
	duration_ms      BIGINT NOT NULL DEFAULT 0,
	next_analysis_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_sessions_endpoint ON ai_analysis_sessions(endpoint_id, analyzed_at DESC);
`
