// Package sqlite implements repo.JobsRepo, repo.RunsRepo, and
// repo.SessionsRepo on top of database/sql + mattn/go-sqlite3, grounded on
// database/backends.OpenSQLite (WAL journal mode, busy
// timeout, migrator/health-checker pair).
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Config mirrors backends.SQLiteConfig's shape.
type Config struct {
	Path        string
	JournalMode string
	BusyTimeout int
}

// Backend wraps the SQLite connection and implements the three repo
// interfaces via the methods in jobs.go, runs.go, and sessions.go.
type Backend struct {
	DB *sql.DB
}

// Open creates or opens a SQLite database at config.Path and applies the
// scheduler schema.
func Open(config Config) (*Backend, error) {
	if config.Path == "" {
		config.Path = "./data/scheduler.db"
	}
	if config.JournalMode == "" {
		config.JournalMode = "WAL"
	}
	if config.BusyTimeout == 0 {
		config.BusyTimeout = 5000
	}

	if config.Path != ":memory:" {
		dir := filepath.Dir(config.Path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory %q: %w", dir, err)
		}
	}

	dsn := fmt.Sprintf("%s?_journal_mode=%s&_busy_timeout=%d&_foreign_keys=ON",
		config.Path, config.JournalMode, config.BusyTimeout)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %q: %w", config.Path, err)
	}
	// SQLite allows only one writer; serialize through a single connection
	// so the claim transaction in jobs.go never races itself.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	if _, err := db.Exec("INSERT OR IGNORE INTO schema_version (version, applied_at) VALUES (1, ?)",
		time.Now().UTC().Format(time.RFC3339)); err != nil {
		db.Close()
		return nil, fmt.Errorf("record schema version: %w", err)
	}

	return &Backend{DB: db}, nil
}

// Close closes the underlying connection.
func (b *Backend) Close() error {
	return b.DB.Close()
}

// Ping checks database connectivity.
func (b *Backend) Ping(ctx context.Context) error {
	return b.DB.PingContext(ctx)
}
