package commands

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/cronicorn/scheduler/internal/config"
	"github.com/cronicorn/scheduler/internal/cryptutil"
	"github.com/cronicorn/scheduler/internal/repo"
	"github.com/cronicorn/scheduler/internal/repo/postgres"
	"github.com/cronicorn/scheduler/internal/repo/sqlite"
)

// backend bundles the three repo interfaces plus a Close, satisfied by
// either internal/repo/sqlite.Backend or internal/repo/postgres.Backend.
type backend struct {
	jobs  repo.JobsRepo
	runs  repo.RunsRepo
	sess  repo.SessionsRepo
	close func() error
}

// loadConfig resolves the --config flag and parses the YAML file.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Root().PersistentFlags().GetString("config")
	if err != nil {
		return nil, err
	}
	return config.Load(path)
}

// newLogger builds a slog.Logger per cfg.Log, following cmd/devclaw
// serve.go's handler-selection switch (text vs JSON, verbose flag
// forces debug level).
func newLogger(cmd *cobra.Command, cfg *config.Config) *slog.Logger {
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	level := slog.LevelInfo
	if verbose || cfg.Log.Level == "debug" {
		level = slog.LevelDebug
	}

	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}

// openBackend opens the configured storage backend (applying its schema)
// and wraps JobsRepo with header encryption when an encryption key is
// present in the environment, mirroring database.Hub's
// backend-selection-by-config-field pattern.
func openBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*backend, error) {
	var b *backend
	switch cfg.Backend {
	case config.BackendPostgres:
		be, err := postgres.Open(ctx, postgres.Config{
			Host:            cfg.Postgres.Host,
			Port:            cfg.Postgres.Port,
			Database:        cfg.Postgres.Database,
			User:            cfg.Postgres.User,
			Password:        cfg.Postgres.Password,
			SSLMode:         cfg.Postgres.SSLMode,
			MaxOpenConns:    cfg.Postgres.MaxOpenConns,
			MaxIdleConns:    cfg.Postgres.MaxIdleConns,
			ConnMaxLifetime: cfg.Postgres.ConnMaxLifetime,
		})
		if err != nil {
			return nil, fmt.Errorf("open postgres backend: %w", err)
		}
		b = &backend{jobs: be, runs: be, sess: be, close: be.Close}
	case config.BackendSQLite, "":
		be, err := sqlite.Open(sqlite.Config{
			Path:        cfg.SQLite.Path,
			JournalMode: cfg.SQLite.JournalMode,
			BusyTimeout: cfg.SQLite.BusyTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("open sqlite backend: %w", err)
		}
		b = &backend{jobs: be, runs: be, sess: be, close: be.Close}
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}

	box, err := loadEncryptionBox(cfg)
	if err != nil {
		return nil, err
	}
	if box != nil {
		b.jobs = repo.NewEncryptingJobsRepo(b.jobs, box)
		logger.Info("header encryption enabled", "key_env", cfg.EncryptionKeyEnv)
	} else {
		logger.Warn("header encryption disabled: key env var unset", "key_env", cfg.EncryptionKeyEnv)
	}
	return b, nil
}

// loadEncryptionBox reads a base64-encoded 32-byte key from
// cfg.EncryptionKeyEnv. It returns a nil box (not an error) when the
// variable is unset, so deployments without sensitive headers can skip
// key provisioning entirely.
func loadEncryptionBox(cfg *config.Config) (*cryptutil.Box, error) {
	raw := os.Getenv(cfg.EncryptionKeyEnv)
	if raw == "" {
		return nil, nil
	}
	key, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", cfg.EncryptionKeyEnv, err)
	}
	if len(key) != cryptutil.KeySize {
		return nil, fmt.Errorf("%s must decode to %d bytes, got %d", cfg.EncryptionKeyEnv, cryptutil.KeySize, len(key))
	}
	box, err := cryptutil.NewBox(key)
	if err != nil {
		return nil, fmt.Errorf("init encryption box: %w", err)
	}
	return box, nil
}
