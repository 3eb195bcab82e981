// Package config handles YAML configuration for warden.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Storage backends
const (
	BackendBolt     = "bolt"
	BackendPostgres = "postgres"
)

// Lease backends
const (
	LeaseLocal = "local"
	LeaseRedis = "redis"
)

// Config is the root configuration structure.
type Config struct {
	Storage   StorageConfig   `yaml:"storage"`
	Policy    PolicyConfig    `yaml:"policy"`
	Playbooks PlaybooksConfig `yaml:"playbooks"`
	Execution ExecutionConfig `yaml:"execution"`
	Lease     LeaseConfig     `yaml:"lease"`
	API       APIConfig       `yaml:"api"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	OTEL      OTELConfig      `yaml:"otel"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Journal   JournalConfig   `yaml:"journal"`
	Log       LogConfig       `yaml:"log"`
}

// StorageConfig selects the store.
type StorageConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
	DSN     string `yaml:"dsn"`
}

// PolicyConfig names the lawbook the engine evaluates.
type PolicyConfig struct {
	ID string `yaml:"id"`
}

// PlaybooksConfig points at the playbook catalog.
type PlaybooksConfig struct {
	Dir string `yaml:"dir"`
}

// ExecutionConfig sizes step execution and the worker pool.
type ExecutionConfig struct {
	StepTimeout    time.Duration `yaml:"step_timeout"`
	MaxStepTimeout time.Duration `yaml:"max_step_timeout"`
	LeaseTTL       time.Duration `yaml:"lease_ttl"`
	Workers        int           `yaml:"workers"`
	QueueSize      int           `yaml:"queue_size"`
	RetryInterval  time.Duration `yaml:"retry_interval"`
}

// LeaseConfig selects how run leases are held.
type LeaseConfig struct {
	Backend       string `yaml:"backend"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	Prefix        string `yaml:"prefix"`
}

// APIConfig holds the HTTP listener.
type APIConfig struct {
	Addr string `yaml:"addr"`
}

// MetricsConfig holds the Prometheus listener.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// OTELConfig holds OpenTelemetry settings.
type OTELConfig struct {
	Endpoint    string `yaml:"endpoint"`
	Insecure    bool   `yaml:"insecure"`
	ServiceName string `yaml:"service_name"`
}

// DispatchConfig selects the action executor.
type DispatchConfig struct {
	SQS SQSConfig `yaml:"sqs"`
}

// SQSConfig enables the SQS dispatcher when QueueURL is set.
type SQSConfig struct {
	QueueURL string `yaml:"queue_url"`
	Region   string `yaml:"region"`
}

// JournalConfig enables the audit journal mirror when Dir is set.
type JournalConfig struct {
	Dir string `yaml:"dir"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads and parses a strict YAML config file, then applies defaults,
// WARDEN_* environment overrides and validation.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path is intentional user input
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data, os.LookupEnv)
}

// Parse decodes data. lookup resolves environment overrides; nil skips them.
func Parse(data []byte, lookup func(string) (string, bool)) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(cfg)
	if lookup != nil {
		if err := applyEnv(cfg, lookup); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = BackendBolt
	}
	if cfg.Storage.Backend == BackendBolt && cfg.Storage.Path == "" {
		cfg.Storage.Path = "./data"
	}
	if cfg.Policy.ID == "" {
		cfg.Policy.ID = "default"
	}
	if cfg.Playbooks.Dir == "" {
		cfg.Playbooks.Dir = "./playbooks"
	}
	if cfg.Execution.StepTimeout == 0 {
		cfg.Execution.StepTimeout = 60 * time.Second
	}
	if cfg.Execution.LeaseTTL == 0 {
		cfg.Execution.LeaseTTL = 2 * time.Minute
	}
	if cfg.Execution.Workers == 0 {
		cfg.Execution.Workers = 4
	}
	if cfg.Execution.QueueSize == 0 {
		cfg.Execution.QueueSize = 256
	}
	if cfg.Execution.RetryInterval == 0 {
		cfg.Execution.RetryInterval = 30 * time.Second
	}
	if cfg.Lease.Backend == "" {
		cfg.Lease.Backend = LeaseLocal
	}
	if cfg.API.Addr == "" {
		cfg.API.Addr = ":8080"
	}
	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = ":9090"
	}
	if cfg.OTEL.ServiceName == "" {
		cfg.OTEL.ServiceName = "warden"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

// applyEnv lets secrets and deploy-specific addresses stay out of the file
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"WARDEN_STORAGE_BACKEND": &cfg.Storage.Backend,
		"WARDEN_STORAGE_PATH":    &cfg.Storage.Path,
		"WARDEN_STORAGE_DSN":     &cfg.Storage.DSN,
		"WARDEN_POLICY_ID":       &cfg.Policy.ID,
		"WARDEN_PLAYBOOKS_DIR":   &cfg.Playbooks.Dir,
		"WARDEN_LEASE_BACKEND":   &cfg.Lease.Backend,
		"WARDEN_REDIS_ADDR":      &cfg.Lease.RedisAddr,
		"WARDEN_REDIS_PASSWORD":  &cfg.Lease.RedisPassword,
		"WARDEN_API_ADDR":        &cfg.API.Addr,
		"WARDEN_METRICS_ADDR":    &cfg.Metrics.Addr,
		"WARDEN_OTEL_ENDPOINT":   &cfg.OTEL.Endpoint,
		"WARDEN_SQS_QUEUE_URL":   &cfg.Dispatch.SQS.QueueURL,
		"WARDEN_SQS_REGION":      &cfg.Dispatch.SQS.Region,
		"WARDEN_JOURNAL_DIR":     &cfg.Journal.Dir,
		"WARDEN_LOG_LEVEL":       &cfg.Log.Level,
	}
	for name, dst := range strs {
		if v, ok := lookup(name); ok && v != "" {
			*dst = v
		}
	}

	if v, ok := lookup("WARDEN_WORKERS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse WARDEN_WORKERS %q: %w", v, err)
		}
		cfg.Execution.Workers = n
	}
	if v, ok := lookup("WARDEN_STEP_TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse WARDEN_STEP_TIMEOUT %q: %w", v, err)
		}
		cfg.Execution.StepTimeout = d
	}
	return nil
}

// Validate checks the configuration is valid.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendBolt:
		if c.Storage.Path == "" {
			return fmt.Errorf("storage: path required for bolt")
		}
	case BackendPostgres:
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage: dsn required for postgres (or set WARDEN_STORAGE_DSN)")
		}
	default:
		return fmt.Errorf("storage: unknown backend %q", c.Storage.Backend)
	}

	switch c.Lease.Backend {
	case LeaseLocal:
	case LeaseRedis:
		if c.Lease.RedisAddr == "" {
			return fmt.Errorf("lease: redis_addr required for redis")
		}
	default:
		return fmt.Errorf("lease: unknown backend %q", c.Lease.Backend)
	}

	if c.Execution.StepTimeout < 0 || c.Execution.LeaseTTL <= 0 || c.Execution.RetryInterval <= 0 {
		return fmt.Errorf("execution: durations must be positive")
	}
	if c.Execution.MaxStepTimeout < 0 {
		return fmt.Errorf("execution: max_step_timeout must not be negative")
	}
	if c.Execution.Workers < 1 {
		return fmt.Errorf("execution: workers must be at least 1 (got %d)", c.Execution.Workers)
	}
	if c.Execution.QueueSize < 1 {
		return fmt.Errorf("execution: queue_size must be at least 1 (got %d)", c.Execution.QueueSize)
	}

	if c.Dispatch.SQS.QueueURL != "" && c.Dispatch.SQS.Region == "" {
		return fmt.Errorf("dispatch: sqs.region required with sqs.queue_url")
	}

	switch strings.ToLower(c.Log.Level) {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log: unknown level %q", c.Log.Level)
	}
	return nil
}
