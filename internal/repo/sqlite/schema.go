package sqlite

// schema is the SQLite DDL for the scheduler, mirroring the storage shape
// of spec.md §6 and the GetSQLiteSchema idiom (idempotent
// CREATE TABLE IF NOT EXISTS blocks plus a schema_version tracking table).
const schema = `
CREATE TABLE IF NOT EXISTS schema_version (
	version    INTEGER PRIMARY KEY,
	applied_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS jobs (
	id          TEXT PRIMARY KEY,
	user_id     TEXT NOT NULL,
	name        TEXT NOT NULL,
	description TEXT DEFAULT '',
	status      TEXT NOT NULL DEFAULT 'active',
	created_at  TEXT NOT NULL,
	updated_at  TEXT NOT NULL,
	archived_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_jobs_user ON jobs(user_id);

CREATE TABLE IF NOT EXISTS job_endpoints (
	id                      TEXT PRIMARY KEY,
	job_id                  TEXT NOT NULL,
	tenant_id               TEXT NOT NULL,
	name                    TEXT NOT NULL,
	description             TEXT DEFAULT '',
	baseline_cron           TEXT,
	baseline_interval_ms    INTEGER,
	min_interval_ms         INTEGER,
	max_interval_ms         INTEGER,
	url                     TEXT NOT NULL,
	method                  TEXT NOT NULL,
	headers_json            TEXT DEFAULT 'null',
	body_json               TEXT DEFAULT 'null',
	timeout_ms              INTEGER NOT NULL,
	max_execution_time_ms   INTEGER,
	max_response_size_kb    INTEGER,
	next_run_at             TEXT NOT NULL,
	last_run_at             TEXT,
	failure_count           INTEGER NOT NULL DEFAULT 0,
	leased_until            TEXT,
	lease_owner             TEXT,
	ai_hint_interval_ms     INTEGER,
	ai_hint_next_run_at     TEXT,
	ai_hint_expires_at      TEXT,
	ai_hint_reason          TEXT DEFAULT '',
	paused_until            TEXT,
	archived_at             TEXT,
	labels_json             TEXT DEFAULT '[]',
	stagger_ms              INTEGER NOT NULL DEFAULT 0,
	FOREIGN KEY (job_id) REFERENCES jobs(id)
);
CREATE INDEX IF NOT EXISTS idx_endpoints_claimable
	ON job_endpoints(next_run_at)
	WHERE archived_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_endpoints_job ON job_endpoints(job_id);

CREATE TABLE IF NOT EXISTS runs (
	id             TEXT PRIMARY KEY,
	endpoint_id    TEXT NOT NULL,
	status         TEXT NOT NULL,
	attempt        INTEGER NOT NULL DEFAULT 1,
	source         TEXT NOT NULL,
	started_at     TEXT NOT NULL,
	finished_at    TEXT,
	duration_ms    INTEGER,
	status_code    INTEGER,
	error_message  TEXT DEFAULT '',
	response_body  TEXT,
	truncated      INTEGER NOT NULL DEFAULT 0,
	FOREIGN KEY (endpoint_id) REFERENCES job_endpoints(id)
);
CREATE INDEX IF NOT EXISTS idx_runs_endpoint_started ON runs(endpoint_id, started_at DESC);

CREATE TABLE IF NOT EXISTS ai_analysis_sessions (
	id               TEXT PRIMARY KEY,
	endpoint_id      TEXT NOT NULL,
	analyzed_at      TEXT NOT NULL,
	reasoning        TEXT DEFAULT '',
	tool_calls_json  TEXT DEFAULT '[]',
	token_usage      INTEGER DEFAULT 0,
	duration_ms      INTEGER DEFAULT 0,
	next_analysis_at TEXT,
	FOREIGN KEY (endpoint_id) REFERENCES job_endpoints(id)
);
CREATE INDEX IF NOT EXISTS idx_sessions_endpoint ON ai_analysis_sessions(endpoint_id, analyzed_at DESC);
`
