// Package config handles application configuration
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lvonguyen/intelforge/internal/api/gateway"
	"github.com/lvonguyen/intelforge/internal/graph"
	"github.com/lvonguyen/intelforge/internal/merge"
	"github.com/lvonguyen/intelforge/internal/observability"
	"github.com/lvonguyen/intelforge/internal/scoring"
)

// ErrInvalidConfig is returned when a configuration value is out of range.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds the complete application configuration
type Config struct {
	Server      ServerConfig            `yaml:"server"`
	Redis       RedisConfig             `yaml:"redis"`
	RateLimit   gateway.RateLimitConfig `yaml:"rate_limit"`
	Telemetry   observability.Config    `yaml:"telemetry"`
	Pipeline    PipelineConfig          `yaml:"pipeline"`
	MergePolicy merge.Policy            `yaml:"merge_policy"`
	Correlation graph.Config            `yaml:"correlation"`
	Scoring     scoring.Config          `yaml:"scoring"`
}

// ServerConfig for HTTP server
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// RedisConfig for the rate limiter backend
type RedisConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Addr        string `yaml:"addr"`
	PasswordEnv string `yaml:"password_env"`
	DB          int    `yaml:"db"`
	PoolSize    int    `yaml:"pool_size"`
}

// Password resolves the Redis password from the configured environment variable.
func (r RedisConfig) Password() string {
	if r.PasswordEnv == "" {
		return ""
	}
	return os.Getenv(r.PasswordEnv)
}

// PipelineConfig locates the enriched inputs.
type PipelineConfig struct {
	EnrichedDir string `yaml:"enriched_dir"`
	Workers     int    `yaml:"workers"`
}

// Load reads configuration from file over the defaults
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Redis: RedisConfig{
			Enabled:     false,
			Addr:        "localhost:6379",
			PasswordEnv: "REDIS_PASSWORD",
			DB:          0,
			PoolSize:    10,
		},
		RateLimit: gateway.DefaultRateLimitConfig(),
		Telemetry: observability.DefaultConfig(),
		Pipeline: PipelineConfig{
			EnrichedDir: "data/enriched",
			Workers:     4,
		},
		MergePolicy: merge.DefaultPolicy(),
		Correlation: graph.DefaultConfig(),
		Scoring:     scoring.DefaultConfig(),
	}
}

// Validate rejects values no stage can run with.
func (c *Config) Validate() error {
	var errs []error
	invalid := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...)))
	}

	if t := c.MergePolicy.Fuzzy.TokenRatioThreshold; t < 0 || t > 100 {
		invalid("merge_policy.fuzzy.token_ratio_threshold %v outside 0..100", t)
	}
	if c.Correlation.Scoring.HalfLifeDays < 0 {
		invalid("correlation.scoring.half_life_days %v is negative", c.Correlation.Scoring.HalfLifeDays)
	}
	if c.Correlation.Scoring.MinWeight > c.Correlation.Scoring.MaxWeight {
		invalid("correlation.scoring.min_weight %v above max_weight %v",
			c.Correlation.Scoring.MinWeight, c.Correlation.Scoring.MaxWeight)
	}
	if c.Scoring.Recency.HalfLifeDays < 0 {
		invalid("scoring.recency.half_life_days %v is negative", c.Scoring.Recency.HalfLifeDays)
	}
	if c.Scoring.Recency.Floor < 0 || c.Scoring.Recency.Floor > 1 {
		invalid("scoring.recency.floor %v outside 0..1", c.Scoring.Recency.Floor)
	}
	b := c.Scoring.Bands
	if !(b.Critical >= b.High && b.High >= b.Medium) {
		invalid("scoring.bands must satisfy critical >= high >= medium")
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		invalid("server.port %d out of range", c.Server.Port)
	}

	return errors.Join(errs...)
}

// ApplyWorkers propagates pipeline.workers to stages that left theirs unset.
func (c *Config) ApplyWorkers() {
	if c.Pipeline.Workers <= 0 {
		return
	}
	if c.MergePolicy.Workers <= 0 {
		c.MergePolicy.Workers = c.Pipeline.Workers
	}
	if c.Scoring.Workers <= 0 {
		c.Scoring.Workers = c.Pipeline.Workers
	}
}
