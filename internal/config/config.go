// Package config loads the dbheal YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/danielpatrickdp/dbheal/internal/env"
	"github.com/danielpatrickdp/dbheal/internal/eval"
	"github.com/danielpatrickdp/dbheal/internal/stream"
)

// Config holds the full dbheal configuration.
type Config struct {
	DBPath   string       `yaml:"db_path"`
	LogLevel string       `yaml:"log_level"`
	Env      env.Config   `yaml:"env"`
	Driver   DriverConfig `yaml:"driver"`
	Eval     EvalConfig   `yaml:"eval"`
	Stream   StreamConfig `yaml:"stream"`
	Serve    ServeConfig  `yaml:"serve"`
	Policy   PolicyConfig `yaml:"policy"`
	Output   OutputConfig `yaml:"output"`
}

// DriverConfig configures batch episode runs.
type DriverConfig struct {
	Episodes int   `yaml:"episodes"`
	Workers  int   `yaml:"workers"`
	Seed     int64 `yaml:"seed"`
}

// EvalConfig configures metric computation.
type EvalConfig struct {
	Granularity string `yaml:"granularity"` // step | episode
}

// StreamConfig configures the stream simulation.
type StreamConfig struct {
	Limit int           `yaml:"limit"`
	Pace  time.Duration `yaml:"pace"`
	Rules stream.Rules  `yaml:"rules"`
}

// ServeConfig configures the gRPC environment service and the HTTP API.
type ServeConfig struct {
	GRPCAddr    string `yaml:"grpc_addr"`
	HTTPAddr    string `yaml:"http_addr"`
	MaxSessions int    `yaml:"max_sessions"`
}

// PolicyConfig points at a remote policy service. An empty Addr means a
// local policy is used.
type PolicyConfig struct {
	Addr    string        `yaml:"addr"`
	Timeout time.Duration `yaml:"timeout"`
}

// OutputConfig names the CSV files written next to the database.
type OutputConfig struct {
	AgentLogCSV string `yaml:"agent_log_csv"`
	MetricsCSV  string `yaml:"metrics_csv"`
}

// DefaultConfig returns sane defaults.
func DefaultConfig() *Config {
	return &Config{
		DBPath:   "data/dbheal.db",
		LogLevel: "info",
		Env:      env.DefaultConfig(),
		Driver: DriverConfig{
			Episodes: 10,
			Workers:  4,
			Seed:     42,
		},
		Eval: EvalConfig{Granularity: string(eval.PerStep)},
		Stream: StreamConfig{
			Limit: stream.DefaultLimit,
			Pace:  stream.DefaultPace,
			Rules: stream.DefaultRules(),
		},
		Serve: ServeConfig{
			GRPCAddr:    ":50061",
			HTTPAddr:    ":8090",
			MaxSessions: 1024,
		},
		Policy: PolicyConfig{Timeout: 2 * time.Second},
		Output: OutputConfig{
			AgentLogCSV: "agent_log.csv",
			MetricsCSV:  "evaluation_metrics_log.csv",
		},
	}
}

// LoadConfig reads a YAML config file merged over DefaultConfig, applies
// environment overrides, and validates. An empty path skips the file.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.ApplyEnv()
	return cfg, cfg.Validate()
}

// ApplyEnv overrides fields from DBHEAL_DB, DBHEAL_POLICY_ADDR, and
// DBHEAL_LOG_LEVEL when they are set.
func (c *Config) ApplyEnv() {
	c.DBPath = envOr("DBHEAL_DB", c.DBPath)
	c.Policy.Addr = envOr("DBHEAL_POLICY_ADDR", c.Policy.Addr)
	c.LogLevel = envOr("DBHEAL_LOG_LEVEL", c.LogLevel)
}

// Validate checks that required fields are present and values are sane.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unsupported log_level %q (use debug, info, warn or error)", c.LogLevel)
	}
	if err := c.Env.Validate(); err != nil {
		return fmt.Errorf("env: %w", err)
	}
	if c.Driver.Episodes <= 0 {
		return fmt.Errorf("driver.episodes must be > 0")
	}
	if c.Driver.Workers <= 0 {
		return fmt.Errorf("driver.workers must be > 0")
	}
	if _, err := eval.ParseGranularity(c.Eval.Granularity); err != nil {
		return fmt.Errorf("eval: %w", err)
	}
	if c.Stream.Limit <= 0 {
		return fmt.Errorf("stream.limit must be > 0")
	}
	if c.Stream.Pace < 0 {
		return fmt.Errorf("stream.pace must be >= 0")
	}
	if c.Policy.Timeout <= 0 {
		return fmt.Errorf("policy.timeout must be > 0")
	}
	return nil
}

// EvalGranularity returns the parsed granularity. Call after Validate.
func (c *Config) EvalGranularity() eval.Granularity {
	g, _ := eval.ParseGranularity(c.Eval.Granularity)
	return g
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
