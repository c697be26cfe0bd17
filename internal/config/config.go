// Package config loads runtime configuration from defaults, an optional YAML
// file, and the environment, in that order of precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// envPrefix namespaces the process environment keys, e.g.
// TESTSMITH_SERVER_ADDR maps to server.addr.
const envPrefix = "TESTSMITH_"

// Config is the full runtime configuration tree.
type Config struct {
	Server    Server    `koanf:"server"`
	MCP       MCP       `koanf:"mcp"`
	AI        AI        `koanf:"ai"`
	Pipeline  Pipeline  `koanf:"pipeline"`
	Store     Store     `koanf:"store"`
	Retention Retention `koanf:"retention"`
	Logging   Logging   `koanf:"logging"`
}

// Server configures the REST listener.
type Server struct {
	Addr string `koanf:"addr"`
}

// MCP configures the optional MCP listener.
type MCP struct {
	Enabled bool   `koanf:"enabled"`
	Addr    string `koanf:"addr"`
}

// AI configures the test generation model.
type AI struct {
	Model   string `koanf:"model"`
	BaseURL string `koanf:"base_url"`
	APIKey  string `koanf:"api_key"`
}

// Pipeline configures analysis execution.
type Pipeline struct {
	WorkDir          string        `koanf:"work_dir"`
	MaxConcurrent    int64         `koanf:"max_concurrent"`
	StageTimeout     time.Duration `koanf:"stage_timeout"`
	AnalysisTimeout  time.Duration `koanf:"analysis_timeout"`
	EstimatedSeconds int           `koanf:"estimated_seconds"`
}

// Store configures task record persistence.
type Store struct {
	// Driver is "memory" or "sqlite".
	Driver string `koanf:"driver"`

	// Path is the database file, sqlite only.
	Path string `koanf:"path"`
}

// Retention configures terminal-task cleanup.
type Retention struct {
	TTL           time.Duration `koanf:"ttl"`
	SweepInterval time.Duration `koanf:"sweep_interval"`
	LostAfter     time.Duration `koanf:"lost_after"`
}

// Logging configures the process logger.
type Logging struct {
	// Level is a zap level name: debug, info, warn, error.
	Level string `koanf:"level"`

	// Development switches to the human-oriented console encoder.
	Development bool `koanf:"development"`
}

// applyDefaults fills in every field the file and environment left unset.
func applyDefaults(c *Config) {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.MCP.Addr == "" {
		c.MCP.Addr = ":8081"
	}
	if c.AI.Model == "" {
		c.AI.Model = "gpt-4o-mini"
	}
	if c.Pipeline.WorkDir == "" {
		c.Pipeline.WorkDir = filepath.Join(os.TempDir(), "testsmith")
	}
	if c.Pipeline.MaxConcurrent == 0 {
		c.Pipeline.MaxConcurrent = 4
	}
	if c.Pipeline.StageTimeout == 0 {
		c.Pipeline.StageTimeout = 10 * time.Minute
	}
	if c.Pipeline.AnalysisTimeout == 0 {
		c.Pipeline.AnalysisTimeout = 30 * time.Minute
	}
	if c.Pipeline.EstimatedSeconds == 0 {
		c.Pipeline.EstimatedSeconds = 120
	}
	if c.Store.Driver == "" {
		c.Store.Driver = "memory"
	}
	if c.Store.Path == "" {
		c.Store.Path = "testsmith.db"
	}
	if c.Retention.TTL == 0 {
		c.Retention.TTL = 24 * time.Hour
	}
	if c.Retention.SweepInterval == 0 {
		c.Retention.SweepInterval = time.Minute
	}
	// A live executor may legitimately go a full analysis without a store
	// write, so the lost deadline must outlast the whole-task budget.
	if c.Retention.LostAfter == 0 {
		c.Retention.LostAfter = c.Pipeline.AnalysisTimeout + c.Retention.SweepInterval
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Load builds the configuration from the YAML file at path if path is
// non-empty, then TESTSMITH_* environment variables, then built-in defaults
// for whatever remains unset.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := k.Load(rawbytes.Provider(raw), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	// The tree is exactly two levels deep, so only the first underscore
	// separates section from key: TESTSMITH_AI_BASE_URL -> ai.base_url.
	err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		key := strings.ToLower(strings.TrimPrefix(s, envPrefix))
		return strings.Replace(key, "_", ".", 1)
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("config: server.addr must not be empty")
	}
	if c.Pipeline.MaxConcurrent <= 0 {
		return fmt.Errorf("config: pipeline.max_concurrent must be positive, got %d", c.Pipeline.MaxConcurrent)
	}
	if c.Pipeline.StageTimeout <= 0 {
		return fmt.Errorf("config: pipeline.stage_timeout must be positive")
	}
	if c.Pipeline.AnalysisTimeout <= 0 {
		return fmt.Errorf("config: pipeline.analysis_timeout must be positive")
	}
	switch c.Store.Driver {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("config: store.driver must be memory or sqlite, got %q", c.Store.Driver)
	}
	if c.Store.Driver == "sqlite" && c.Store.Path == "" {
		return fmt.Errorf("config: store.path must be set for the sqlite driver")
	}
	if c.Retention.TTL <= 0 || c.Retention.SweepInterval <= 0 || c.Retention.LostAfter <= 0 {
		return fmt.Errorf("config: retention durations must be positive")
	}
	if c.Retention.LostAfter < c.Pipeline.AnalysisTimeout {
		return fmt.Errorf("config: retention.lost_after (%s) must be at least pipeline.analysis_timeout (%s), or running tasks get failed while their executor is still working",
			c.Retention.LostAfter, c.Pipeline.AnalysisTimeout)
	}
	return nil
}
