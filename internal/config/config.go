// Package config loads the scheduler daemon's YAML configuration plus
// .env overlays, grounded on database.HubConfig's shape (gopkg.in/yaml.v3
// struct tags) and the env-file loading idiom in
// pkg/devclaw/copilot/loader.go (github.com/joho/godotenv, load-only,
// never overwriting already-set environment variables).
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// BackendKind selects which repo.JobsRepo/RunsRepo/SessionsRepo
// implementation the daemon wires up.
type BackendKind string

const (
	BackendSQLite   BackendKind = "sqlite"
	BackendPostgres BackendKind = "postgres"
)

// SQLiteConfig mirrors repo/sqlite.Config's shape for YAML binding.
type SQLiteConfig struct {
	Path        string `yaml:"path"`
	JournalMode string `yaml:"journal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// PostgresConfig mirrors repo/postgres.Config's shape for YAML binding.
type PostgresConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"ssl_mode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// SchedulerConfig tunes the tick loop (spec.md §4.7, §5).
type SchedulerConfig struct {
	MaxConcurrency      int   `yaml:"max_concurrency"`
	BatchSize           int   `yaml:"batch_size"`
	LeaseMs             int64 `yaml:"lease_ms"`
	GracefulTimeoutSecs int   `yaml:"graceful_timeout_secs"`
	ZombieThresholdMs   int64 `yaml:"zombie_threshold_ms"`
}

// LogConfig selects slog's handler and level, following cmd/devclaw
// serve.go's handler-selection switch.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json"
}

// Config is the full daemon configuration, loaded from YAML with
// ${ENV_VAR}-less plain values (env overlays are applied via .env files
// loaded into os.Environ before YAML parsing, matching
// cmd/devclaw serve.go's config-loading order).
type Config struct {
	Backend   BackendKind     `yaml:"backend"`
	SQLite    SQLiteConfig    `yaml:"sqlite"`
	Postgres  PostgresConfig  `yaml:"postgresql"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Log       LogConfig       `yaml:"log"`
	// EncryptionKeyEnv names the environment variable holding the
	// 32-byte key used for header-encryption-at-rest (spec.md §5).
	EncryptionKeyEnv string `yaml:"encryption_key_env"`
}

func (c *Config) setDefaults() {
	if c.Backend == "" {
		c.Backend = BackendSQLite
	}
	if c.SQLite.Path == "" {
		c.SQLite.Path = "./data/scheduler.db"
	}
	if c.SQLite.JournalMode == "" {
		c.SQLite.JournalMode = "WAL"
	}
	if c.SQLite.BusyTimeout == 0 {
		c.SQLite.BusyTimeout = 5000
	}
	if c.Scheduler.MaxConcurrency == 0 {
		c.Scheduler.MaxConcurrency = 32
	}
	if c.Scheduler.BatchSize == 0 {
		c.Scheduler.BatchSize = 64
	}
	if c.Scheduler.LeaseMs == 0 {
		c.Scheduler.LeaseMs = 40_000
	}
	if c.Scheduler.GracefulTimeoutSecs == 0 {
		c.Scheduler.GracefulTimeoutSecs = 30
	}
	if c.Scheduler.ZombieThresholdMs == 0 {
		c.Scheduler.ZombieThresholdMs = 5 * 60_000
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.EncryptionKeyEnv == "" {
		c.EncryptionKeyEnv = "SCHEDULER_HEADER_KEY"
	}
}

// loadEnvFiles loads local .env overlays without overwriting variables
// already present in the process environment, mirroring
// pkg/devclaw/copilot/loader.go's loadEnvFiles: .env first, then
// .env.local as a higher-precedence local-only overlay.
func loadEnvFiles() {
	for _, f := range []string{".env", ".env.local"} {
		_ = godotenv.Load(f)
	}
}

// Load reads path (YAML) after loading the .env overlays into the
// environment. YAML values are taken literally (no ${VAR} expansion);
// an empty postgres password is filled from SCHEDULER_POSTGRES_PASSWORD.
func Load(path string) (*Config, error) {
	loadEnvFiles()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %q: %w", path, err)
	}
	cfg.setDefaults()

	if cfg.Postgres.Password == "" {
		cfg.Postgres.Password = os.Getenv("SCHEDULER_POSTGRES_PASSWORD")
	}

	return &cfg, nil
}
