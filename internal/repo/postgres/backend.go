// Package postgres implements repo.JobsRepo, repo.RunsRepo, and
// repo.SessionsRepo on top of database/sql + jackc/pgx/v5's stdlib
// driver, grounded on database/backends.OpenPostgreSQL
// (connection-pool tuning, migrator/health-checker pair). Unlike the
// sqlite backend, claiming uses native SELECT ... FOR UPDATE SKIP LOCKED
// so multiple scheduler replicas can claim concurrently against one
// database (spec.md §4.4.1, §5).
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Config mirrors backends.PostgreSQLConfig's shape.
type Config struct {
	Host            string
	Port            int
	Database        string
	User            string
	Password        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Backend wraps the PostgreSQL connection and implements the three repo
// interfaces via the methods in jobs.go, runs.go, and sessions.go.
type Backend struct {
	DB *sql.DB
}

// Open connects to PostgreSQL and applies the scheduler schema.
func Open(ctx context.Context, config Config) (*Backend, error) {
	if config.Host == "" {
		config.Host = "localhost"
	}
	if config.Port == 0 {
		config.Port = 5432
	}
	if config.SSLMode == "" {
		config.SSLMode = "disable"
	}
	if config.MaxOpenConns == 0 {
		config.MaxOpenConns = 25
	}
	if config.MaxIdleConns == 0 {
		config.MaxIdleConns = 10
	}
	if config.ConnMaxLifetime == 0 {
		config.ConnMaxLifetime = 30 * time.Minute
	}

	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.User, config.Password, config.Database, config.SSLMode)

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	if _, err := db.ExecContext(ctx,
		"INSERT INTO schema_version (version, applied_at) VALUES (1, $1) ON CONFLICT (version) DO NOTHING",
		time.Now().UTC()); err != nil {
		db.Close()
		return nil, fmt.Errorf("record schema version: %w", err)
	}

	return &Backend{DB: db}, nil
}

// Close closes the underlying connection pool.
func (b *Backend) Close() error {
	return b.DB.Close()
}

// Ping checks database connectivity.
func (b *Backend) Ping(ctx context.Context) error {
	return b.DB.PingContext(ctx)
}
