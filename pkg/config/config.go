// Package config loads projectiond process configuration from the environment.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Prefix is prepended to every variable name.
const Prefix = "PROJECTIOND_"

// Projection store backends.
const (
	StoreSQLite = "sqlite"
	StoreBlob   = "blob"
	StoreBadger = "badger"
	StoreMemory = "memory"
)

// Config is the daemon configuration.
type Config struct {
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`

	// SQLiteDSN locates the event, document and status tables.
	SQLiteDSN string `env:"SQLITE_DSN" envDefault:"projections.db"`

	// ProjectionStore selects where serialized projections live.
	ProjectionStore string `env:"PROJECTION_STORE" envDefault:"sqlite"`
	BlobURL         string `env:"BLOB_URL" envDefault:"mem://"`
	BadgerPath      string `env:"BADGER_PATH" envDefault:"projections.badger"`

	NATSURL      string `env:"NATS_URL"`
	NATSStream   string `env:"NATS_STREAM" envDefault:"PROJECTION_TOKENS"`
	NATSEmbedded bool   `env:"NATS_EMBEDDED"`
	NATSStoreDir string `env:"NATS_STORE_DIR"`

	SweepInterval   time.Duration `env:"SWEEP_INTERVAL" envDefault:"1m"`
	LeaseTimeout    time.Duration `env:"LEASE_TIMEOUT" envDefault:"30m"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`

	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9090"`

	// ObjectTypes lists the object names discovery and the token consumers cover.
	ObjectTypes []string `env:"OBJECT_TYPES" envSeparator:","`
	PageSize    int      `env:"PAGE_SIZE" envDefault:"100"`
}

// Load reads the configuration from the process environment.
func Load() (*Config, error) {
	return parse(env.Options{Prefix: Prefix})
}

// LoadFrom reads the configuration from vars, keyed by full variable name.
func LoadFrom(vars map[string]string) (*Config, error) {
	return parse(env.Options{Prefix: Prefix, Environment: vars})
}

func parse(opts env.Options) (*Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values the environment parser cannot.
func (c *Config) Validate() error {
	switch c.ProjectionStore {
	case StoreSQLite, StoreBlob, StoreBadger, StoreMemory:
	default:
		return fmt.Errorf("unknown projection store %q", c.ProjectionStore)
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	if c.PageSize <= 0 {
		return fmt.Errorf("page size must be positive, got %d", c.PageSize)
	}
	if c.LeaseTimeout <= 0 {
		return fmt.Errorf("lease timeout must be positive, got %s", c.LeaseTimeout)
	}
	return nil
}

// NATSEnabled reports whether the token consumers should run.
func (c *Config) NATSEnabled() bool {
	return c.NATSEmbedded || c.NATSURL != ""
}

// Logger builds the process logger writing to w.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	level, _ := parseLevel(c.LogLevel)
	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, fmt.Errorf("unknown log level %q", s)
	}
	return level, nil
}
