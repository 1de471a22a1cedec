package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/3leaps/jobtally/pkg/jobstore"
)

// Config is the resolved jobtally configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Store     StoreConfig     `mapstructure:"store"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
	Health    HealthConfig    `mapstructure:"health"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig selects the log level and encoder. When File is set, logs
// are also written there as JSON and rotated by size.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Profile    string `mapstructure:"profile"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// StoreConfig selects the job database. URL wins over Path when both are set.
type StoreConfig struct {
	Path        string        `mapstructure:"path"`
	URL         string        `mapstructure:"url"`
	AuthToken   string        `mapstructure:"auth_token"`
	BusyTimeout time.Duration `mapstructure:"busy_timeout"`
}

// SchedulerConfig controls the periodic sweep and verification flush.
type SchedulerConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// QueueConfig controls the verification write queue. A flush is triggered
// as soon as MaxBatch outcomes are buffered; zero disables the size trigger.
type QueueConfig struct {
	MaxBatch int `mapstructure:"max_batch"`
}

// IngestConfig throttles message replay. A RatePerSecond of zero means
// unlimited. Strict checks replayed lines against the envelope schema.
// AckWait is how long an HTTP submission of a buffered verification outcome
// waits for its flush before the server flushes on its own.
type IngestConfig struct {
	RatePerSecond float64       `mapstructure:"rate_per_second"`
	Burst         int           `mapstructure:"burst"`
	MaxLineBytes  int           `mapstructure:"max_line_bytes"`
	Strict        bool          `mapstructure:"strict"`
	AckWait       time.Duration `mapstructure:"ack_wait"`
}

type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// StoreOptions converts the store section into job store options.
func (c *Config) StoreOptions() jobstore.Config {
	return jobstore.Config{
		Path:        c.Store.Path,
		URL:         c.Store.URL,
		AuthToken:   c.Store.AuthToken,
		BusyTimeout: c.Store.BusyTimeout,
	}
}

// Validate checks values that defaults cannot repair.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	switch strings.ToLower(c.Logging.Profile) {
	case "structured", "console":
	default:
		return fmt.Errorf("logging.profile must be structured or console, got %q", c.Logging.Profile)
	}
	if err := c.StoreOptions().Validate(); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	if c.Scheduler.SweepInterval <= 0 {
		return fmt.Errorf("scheduler.sweep_interval must be > 0")
	}
	if c.Scheduler.FlushInterval <= 0 {
		return fmt.Errorf("scheduler.flush_interval must be > 0")
	}
	if c.Queue.MaxBatch < 0 {
		return fmt.Errorf("queue.max_batch must be >= 0")
	}
	if c.Ingest.RatePerSecond < 0 {
		return fmt.Errorf("ingest.rate_per_second must be >= 0")
	}
	if c.Ingest.AckWait <= 0 {
		return fmt.Errorf("ingest.ack_wait must be > 0")
	}
	return nil
}

// DefaultStorePath is where the job database lives when nothing else is
// configured: $XDG_DATA_HOME/jobtally/jobtally.db, falling back to
// ~/.local/share.
func DefaultStorePath() string {
	base := strings.TrimSpace(os.Getenv("XDG_DATA_HOME"))
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil || home == "" {
			return filepath.Join(".", "jobtally.db")
		}
		base = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(base, "jobtally", "jobtally.db")
}
