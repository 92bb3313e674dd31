// Package config handles loading and validating goenact configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Runtime backends.
const (
	BackendVenv   = "venv"
	BackendDocker = "docker"
)

// Config is the root configuration.
type Config struct {
	Cache    CacheConfig    `yaml:"cache"`
	Runtime  RuntimeConfig  `yaml:"runtime"`
	Pip      PipConfig      `yaml:"pip"`
	Docker   DockerConfig   `yaml:"docker"`
	Redis    RedisConfig    `yaml:"redis"`
	Server   ServerConfig   `yaml:"server"`
	Worker   WorkerConfig   `yaml:"worker"`
	Registry RegistryConfig `yaml:"registry"`
	History  HistoryConfig  `yaml:"history"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

// CacheConfig configures the environment cache.
type CacheConfig struct {
	Root          string         `yaml:"root"`           // Default: $XDG_CACHE_HOME/goenact/envs. Override: GOENACT_CACHE_ROOT.
	RepairCorrupt *bool          `yaml:"repair_corrupt"` // Default: true.
	Eviction      EvictionConfig `yaml:"eviction"`
}

// ShouldRepair reports whether incomplete environments are rebuilt.
func (c CacheConfig) ShouldRepair() bool {
	return c.RepairCorrupt == nil || *c.RepairCorrupt
}

// EvictionConfig configures environment eviction. Environments are kept
// forever unless both a schedule and a TTL are set.
type EvictionConfig struct {
	Schedule string        `yaml:"schedule"` // Cron spec, e.g. "@every 1h". Empty = disabled.
	TTL      time.Duration `yaml:"ttl"`      // Evict environments unused for longer than this.
}

// Enabled reports whether the sweeper should run.
func (e EvictionConfig) Enabled() bool {
	return e.Schedule != "" && e.TTL > 0
}

// RuntimeConfig configures provisioning and execution.
type RuntimeConfig struct {
	Backend          string            `yaml:"backend"`           // "venv" (default) or "docker". Override: GOENACT_BACKEND.
	Python           string            `yaml:"python"`            // Base interpreter for venv creation. Default: python3.
	Timeout          time.Duration     `yaml:"timeout"`           // Default per-run timeout. Default: 60s.
	ProvisionTimeout time.Duration     `yaml:"provision_timeout"` // Default: 10m.
	MaxOutputBytes   int               `yaml:"max_output_bytes"`  // Per stream. Default: 1 MiB.
	Env              map[string]string `yaml:"env"`               // Extra variables for every run.
}

// PipConfig configures package installation.
type PipConfig struct {
	IndexURL  string   `yaml:"index_url"`
	ExtraArgs []string `yaml:"extra_args"`
}

// DockerConfig configures the docker backend.
type DockerConfig struct {
	BaseImage       string `yaml:"base_image"` // Default: python:3.12-slim.
	MemoryMB        int64  `yaml:"memory_mb"`  // Default: 512.
	NetworkDisabled bool   `yaml:"network_disabled"`
}

// RedisConfig configures the job queue.
type RedisConfig struct {
	Addr           string `yaml:"addr"` // Default: localhost:6379. Override: REDIS_ADDR.
	Stream         string `yaml:"stream"`
	Group          string `yaml:"group"`
	ResultsChannel string `yaml:"results_channel"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr       string  `yaml:"addr"`        // Default: :8080.
	Rate       float64 `yaml:"rate"`        // Tokens per second per client. Default: 0.5.
	Burst      float64 `yaml:"burst"`       // Default: 5.
	TrustProxy bool    `yaml:"trust_proxy"` // Key rate limits on X-Forwarded-For. Enable only behind a proxy.
}

// WorkerConfig configures job workers.
type WorkerConfig struct {
	Concurrency      int           `yaml:"concurrency"`       // Default: 4.
	StaleAfter       time.Duration `yaml:"stale_after"`       // Pending jobs idle longer than this are abandoned. Default: 5m.
	RecoveryInterval time.Duration `yaml:"recovery_interval"` // Default: 1m.
	MetricsAddr      string        `yaml:"metrics_addr"`      // Serves /metrics. Default: :9090. "-" disables it.
}

// RegistryConfig configures the task registry client.
type RegistryConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"` // Default: 30s.
}

// HistoryConfig configures the execution history database.
type HistoryConfig struct {
	Path string `yaml:"path"` // SQLite file. Empty disables history.
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"` // OTLP/HTTP endpoint, e.g. "localhost:4318".
	Insecure    bool    `yaml:"insecure"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// Load reads the YAML file at path (or $GOENACT_CONFIG when path is empty),
// applies environment overrides and defaults, and validates the result.
// With no file at all, defaults and environment overrides are used.
func Load(path string) (*Config, error) {
	return LoadWithEnv(path, os.Getenv)
}

// LoadWithEnv is Load with an explicit environment lookup.
func LoadWithEnv(path string, getenv func(string) string) (*Config, error) {
	if path == "" {
		path = getenv("GOENACT_CONFIG")
	}

	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(getenv); err != nil {
		return nil, err
	}
	cfg.applyDefaults(getenv)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	setString := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v := getenv(k); v != "" {
				*dst = v
				return
			}
		}
	}

	setString(&c.Cache.Root, "GOENACT_CACHE_ROOT")
	setString(&c.Runtime.Backend, "GOENACT_BACKEND")
	setString(&c.Runtime.Python, "GOENACT_PYTHON")
	setString(&c.Pip.IndexURL, "GOENACT_PIP_INDEX_URL")
	setString(&c.Docker.BaseImage, "GOENACT_DOCKER_IMAGE")
	setString(&c.Redis.Addr, "GOENACT_REDIS_ADDR", "REDIS_ADDR")
	setString(&c.Server.Addr, "GOENACT_SERVER_ADDR")
	setString(&c.Registry.BaseURL, "GOENACT_REGISTRY_URL")
	setString(&c.History.Path, "GOENACT_HISTORY_PATH")
	setString(&c.Tracing.Endpoint, "GOENACT_OTLP_ENDPOINT")

	if v := getenv("GOENACT_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("GOENACT_TIMEOUT: %w", err)
		}
		c.Runtime.Timeout = d
	}
	if v := getenv("GOENACT_WORKER_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("GOENACT_WORKER_CONCURRENCY: %w", err)
		}
		c.Worker.Concurrency = n
	}
	if c.Tracing.Endpoint != "" && getenv("GOENACT_OTLP_ENDPOINT") != "" {
		c.Tracing.Enabled = true
	}
	return nil
}

func (c *Config) applyDefaults(getenv func(string) string) {
	if c.Cache.Root == "" {
		c.Cache.Root = filepath.Join(cacheHome(getenv), "goenact", "envs")
	}
	if c.Runtime.Backend == "" {
		c.Runtime.Backend = BackendVenv
	}
	if c.Runtime.Python == "" {
		c.Runtime.Python = "python3"
	}
	if c.Runtime.Timeout == 0 {
		c.Runtime.Timeout = 60 * time.Second
	}
	if c.Runtime.ProvisionTimeout == 0 {
		c.Runtime.ProvisionTimeout = 10 * time.Minute
	}
	if c.Runtime.MaxOutputBytes == 0 {
		c.Runtime.MaxOutputBytes = 1 << 20
	}
	if c.Docker.BaseImage == "" {
		c.Docker.BaseImage = "python:3.12-slim"
	}
	if c.Docker.MemoryMB == 0 {
		c.Docker.MemoryMB = 512
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Redis.Stream == "" {
		c.Redis.Stream = "goenact:jobs"
	}
	if c.Redis.Group == "" {
		c.Redis.Group = "goenact:workers"
	}
	if c.Redis.ResultsChannel == "" {
		c.Redis.ResultsChannel = "goenact:results"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	// 1 request every 2s, burst of 5.
	if c.Server.Rate == 0 {
		c.Server.Rate = 0.5
	}
	if c.Server.Burst == 0 {
		c.Server.Burst = 5
	}
	if c.Worker.Concurrency == 0 {
		c.Worker.Concurrency = 4
	}
	if c.Worker.StaleAfter == 0 {
		c.Worker.StaleAfter = 5 * time.Minute
	}
	if c.Worker.RecoveryInterval == 0 {
		c.Worker.RecoveryInterval = time.Minute
	}
	if c.Worker.MetricsAddr == "" {
		c.Worker.MetricsAddr = ":9090"
	}
	if c.Registry.Timeout == 0 {
		c.Registry.Timeout = 30 * time.Second
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "goenact"
	}
}

// Validate rejects configurations the binaries cannot run with.
func (c *Config) Validate() error {
	switch c.Runtime.Backend {
	case BackendVenv, BackendDocker:
	default:
		return fmt.Errorf("runtime.backend must be %q or %q, got %q", BackendVenv, BackendDocker, c.Runtime.Backend)
	}
	if c.Runtime.Timeout < 0 || c.Runtime.ProvisionTimeout < 0 {
		return fmt.Errorf("runtime timeouts must not be negative")
	}
	if c.Runtime.MaxOutputBytes < 0 {
		return fmt.Errorf("runtime.max_output_bytes must not be negative")
	}
	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("worker.concurrency must be at least 1, got %d", c.Worker.Concurrency)
	}
	if c.Server.Rate < 0 || c.Server.Burst < 0 {
		return fmt.Errorf("server rate limits must not be negative")
	}
	if (c.Cache.Eviction.Schedule == "") != (c.Cache.Eviction.TTL == 0) {
		return fmt.Errorf("cache.eviction needs both schedule and ttl")
	}
	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing.endpoint is required when tracing is enabled")
	}
	for k := range c.Runtime.Env {
		if k == "" || strings.ContainsAny(k, "=\x00") {
			return fmt.Errorf("runtime.env has invalid variable name %q", k)
		}
	}
	return nil
}

func cacheHome(getenv func(string) string) string {
	if dir := getenv("XDG_CACHE_HOME"); dir != "" {
		return dir
	}
	if home := getenv("HOME"); home != "" {
		return filepath.Join(home, ".cache")
	}
	return os.TempDir()
}
