// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Store         StoreConfig         `yaml:"store"`
	Lock          LockConfig          `yaml:"lock"`
	Cache         CacheConfig         `yaml:"cache"`
	Definitions   DefinitionsConfig   `yaml:"definitions"`
	Runs          RunsConfig          `yaml:"runs"`
	RunStats      RunStatsConfig      `yaml:"runstats"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
}

// StoreConfig describes flow and run persistence.
type StoreConfig struct {
	Driver     string `yaml:"driver"` // memory, postgres or sqlite
	DSNEnv     string `yaml:"dsn_env"`
	MinConns   int32  `yaml:"min_conns"`
	MaxConns   int32  `yaml:"max_conns"`
	SQLitePath string `yaml:"sqlite_path"`
}

// DSN returns the Postgres connection string read from DSNEnv.
func (s StoreConfig) DSN() string {
	if s.DSNEnv == "" {
		return ""
	}
	return os.Getenv(s.DSNEnv)
}

// LockConfig describes the per-run writer lock.
type LockConfig struct {
	Driver  string        `yaml:"driver"` // memory or redis
	AddrEnv string        `yaml:"addr_env"`
	DB      int           `yaml:"db"`
	TTL     time.Duration `yaml:"ttl"`
	Wait    time.Duration `yaml:"wait"`
	Stripes int           `yaml:"stripes"`
}

// Addr returns the Redis address read from AddrEnv.
func (l LockConfig) Addr() string {
	if l.AddrEnv == "" {
		return ""
	}
	return os.Getenv(l.AddrEnv)
}

// CacheConfig describes the compiled flow graph cache.
type CacheConfig struct {
	GraphTTL time.Duration `yaml:"graph_ttl"`
}

// DefinitionsConfig describes where to find flow definition YAML files.
type DefinitionsConfig struct {
	Directories    []string `yaml:"directories"`
	Seed           bool     `yaml:"seed"`
	ValidateOnLoad bool     `yaml:"validate_on_load"`
}

// RunsConfig describes run engine behaviour.
type RunsConfig struct {
	RequireActiveFlow bool `yaml:"require_active_flow"`
}

// RunStatsConfig describes the periodic run statistics job.
type RunStatsConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Schedule     string        `yaml:"schedule"`
	AbandonAfter time.Duration `yaml:"abandon_after"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel        string        `yaml:"log_level"`
	TraceConditions bool          `yaml:"trace_conditions"`
	Tracing         TracingConfig `yaml:"tracing"`
	Metrics         MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxBodyBytes:    1 << 20,
		},
		Store: StoreConfig{
			Driver:     "memory",
			DSNEnv:     "TRIAGE_DATABASE_URL",
			MinConns:   2,
			MaxConns:   10,
			SQLitePath: "data/triage.db",
		},
		Lock: LockConfig{
			Driver:  "memory",
			AddrEnv: "TRIAGE_REDIS_ADDR",
			TTL:     10 * time.Second,
			Wait:    5 * time.Second,
			Stripes: 64,
		},
		Cache: CacheConfig{
			GraphTTL: 5 * time.Minute,
		},
		Definitions: DefinitionsConfig{
			Directories:    []string{"/definitions"},
			Seed:           true,
			ValidateOnLoad: true,
		},
		RunStats: RunStatsConfig{
			Enabled:      true,
			Schedule:     "*/5 * * * *",
			AbandonAfter: 72 * time.Hour,
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates the result. An empty path uses the defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// LoadDotEnv loads KEY=VALUE pairs from the given files (".env" when none
// are given) into the process environment. Missing files are ignored and
// variables already set are not overwritten.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("config: loading %s: %w", f, err)
		}
	}
	return nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Store.DSN() == "" {
			errs = append(errs, fmt.Sprintf("store.dsn_env: environment variable %q is empty", c.Store.DSNEnv))
		}
		if c.Store.MaxConns < c.Store.MinConns {
			errs = append(errs, "store.max_conns must be >= store.min_conns")
		}
	case "sqlite":
		if c.Store.SQLitePath == "" {
			errs = append(errs, "store.sqlite_path is required for the sqlite driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not one of memory, postgres, sqlite", c.Store.Driver))
	}

	switch c.Lock.Driver {
	case "memory":
	case "redis":
		if c.Lock.Addr() == "" {
			errs = append(errs, fmt.Sprintf("lock.addr_env: environment variable %q is empty", c.Lock.AddrEnv))
		}
		if c.Lock.TTL <= 0 {
			errs = append(errs, "lock.ttl must be positive")
		}
	default:
		errs = append(errs, fmt.Sprintf("lock.driver %q is not one of memory, redis", c.Lock.Driver))
	}

	if len(c.Definitions.Directories) == 0 {
		errs = append(errs, "definitions.directories must name at least one directory")
	}

	if c.RunStats.Enabled {
		if c.RunStats.Schedule == "" {
			errs = append(errs, "runstats.schedule is required when runstats is enabled")
		}
		if c.RunStats.AbandonAfter <= 0 {
			errs = append(errs, "runstats.abandon_after must be positive")
		}
	}

	if r := c.Observability.Tracing.SamplingRate; r < 0 || r > 1 {
		errs = append(errs, "observability.tracing.sampling_rate must be between 0 and 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads TRIAGE_* environment variables and overrides config
// values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TRIAGE_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("TRIAGE_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("TRIAGE_STORE_SQLITE_PATH"); v != "" {
		cfg.Store.SQLitePath = v
	}
	if v := os.Getenv("TRIAGE_LOCK_DRIVER"); v != "" {
		cfg.Lock.Driver = v
	}
	if v := os.Getenv("TRIAGE_DEFINITIONS_DIRECTORIES"); v != "" {
		cfg.Definitions.Directories = strings.Split(v, ",")
	}
	if v := os.Getenv("TRIAGE_RUNS_REQUIRE_ACTIVE_FLOW"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Runs.RequireActiveFlow = b
		}
	}
	if v := os.Getenv("TRIAGE_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
}
