// Package config loads rewind configuration.
//
// Values are layered: Default, then the YAML file, then REWIND_*
// environment variables.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/roach88/rewind/internal/fault"
	"github.com/roach88/rewind/internal/sandbox"
	"github.com/roach88/rewind/internal/store"
)

// EnvPrefix prefixes every environment variable.
const EnvPrefix = "REWIND_"

// Config is the rewind configuration.
type Config struct {
	Database string `yaml:"database" env:"DB"`
	// Projections is a projections file (see LoadProjections). Without
	// one no folds are registered.
	Projections string         `yaml:"projections" env:"PROJECTIONS"`
	Snapshot    SnapshotConfig `yaml:"snapshot" envPrefix:"SNAPSHOT_"`
	Replay      ReplayConfig   `yaml:"replay" envPrefix:"REPLAY_"`
	Sandbox     SandboxConfig  `yaml:"sandbox" envPrefix:"SANDBOX_"`
	Logging     LoggingConfig  `yaml:"logging" envPrefix:"LOG_"`
	Tracing     TracingConfig  `yaml:"tracing" envPrefix:"TRACING_"`
}

// SnapshotConfig configures the snapshot manager.
type SnapshotConfig struct {
	// Threshold is the number of events between snapshots; <= 0 disables
	// snapshotting.
	Threshold int64 `yaml:"threshold" env:"THRESHOLD"`
	// Keep is how many snapshots per aggregate prune leaves.
	Keep int `yaml:"keep" env:"KEEP"`
}

// ReplayConfig configures the replay engine.
type ReplayConfig struct {
	BatchSize   int  `yaml:"batch_size" env:"BATCH_SIZE"`
	Workers     int  `yaml:"workers" env:"WORKERS"`
	SkipUnknown bool `yaml:"skip_unknown" env:"SKIP_UNKNOWN"`
}

// SandboxConfig configures sandboxed replays.
type SandboxConfig struct {
	Limits sandbox.Limits `yaml:"limits"`
	Policy sandbox.Policy `yaml:"policy"`
}

// LoggingConfig configures logging behavior.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"` // json, text
}

// TracingConfig configures span export.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled" env:"ENABLED"`
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Database: "rewind.db",
		Snapshot: SnapshotConfig{
			Threshold: 100,
			Keep:      3,
		},
		Replay: ReplayConfig{
			BatchSize: 500,
		},
		Sandbox: SandboxConfig{
			Limits: sandbox.DefaultLimits(),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Tracing: TracingConfig{
			ServiceName: "rewind",
		},
	}
}

// Load reads the YAML file at path over the defaults and applies
// environment overrides. An empty path skips the file; a named file must
// exist. A relative projections path in the file is resolved against the
// file's directory.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
		if cfg.Projections != "" && !filepath.IsAbs(cfg.Projections) {
			cfg.Projections = filepath.Join(filepath.Dir(path), cfg.Projections)
		}
	}
	if err := ParseEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseEnv overrides target's fields from REWIND_* environment variables.
func ParseEnv(target any) error {
	if err := env.ParseWithOptions(target, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.Database == "" {
		return fault.Invalidf("config: database path is empty")
	}
	if c.Replay.BatchSize <= 0 || c.Replay.BatchSize > store.MaxPageSize {
		return fault.Invalidf("config: replay.batch_size must be in 1..%d", store.MaxPageSize)
	}
	if c.Replay.Workers < 0 {
		return fault.Invalidf("config: replay.workers must be >= 0")
	}
	if c.Snapshot.Keep < 0 {
		return fault.Invalidf("config: snapshot.keep must be >= 0")
	}
	if _, err := parseLevel(c.Logging.Level); err != nil {
		return err
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fault.Invalidf("config: unknown logging format %q", c.Logging.Format)
	}
	return nil
}

// NewLogger returns a logger writing to w as configured.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.Logging.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Logging.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, fault.Invalidf("config: unknown logging level %q", s)
	}
	return level, nil
}
