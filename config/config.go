// Package config provides configuration loading and management for
// taskforge: defaults layered with user and project YAML files, merged
// with dario.cat/mergo, and validated before the coordinator boots.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete taskforge configuration, one option group per
// §6.4 subsystem.
type Config struct {
	NATS      NATSConfig      `yaml:"nats"`
	Executor  ExecutorConfig  `yaml:"executor"`
	Queue     QueueConfig     `yaml:"queue"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Registry  RegistryConfig  `yaml:"registry"`
	Delivery  DeliveryConfig  `yaml:"delivery"`
}

// NATSConfig configures the JetStream connection backing every durable
// subsystem (queue, execution store, registry cache, delivery state).
type NATSConfig struct {
	// URL is the NATS server URL (empty = use embedded server).
	URL string `yaml:"url"`
	// Embedded indicates whether to start an in-process NATS server.
	Embedded bool `yaml:"embedded"`
}

// ExecutorConfig configures the worker pool (spec.md §6.4 executor.*).
type ExecutorConfig struct {
	WorkerBinary        string        `yaml:"worker_binary"`
	MinWorkers          int           `yaml:"min_workers"`
	MaxWorkers          int           `yaml:"max_workers"`
	MaxRequests         int           `yaml:"max_requests"`
	MaxAge              time.Duration `yaml:"max_age"`
	WallTimeout         time.Duration `yaml:"wall_timeout"`
	MemoryLimitBytes    int64         `yaml:"memory_limit_bytes"`
	OutputLimitBytes    int64         `yaml:"output_limit_bytes"`
	HandshakeTimeout    time.Duration `yaml:"handshake_timeout"`
	HeartbeatInterval   time.Duration `yaml:"heartbeat_interval"`
	CancelGrace         time.Duration `yaml:"cancel_grace"`
}

// QueueConfig configures the job queue (spec.md §6.4 queue.*).
type QueueConfig struct {
	BackpressureHighWatermark int           `yaml:"enqueue_backpressure_high_watermark"`
	BackoffBase               time.Duration `yaml:"backoff_base"`
	BackoffMax                time.Duration `yaml:"backoff_max"`
	DefaultMaxAttempts        int           `yaml:"default_max_attempts"`
	DefaultClaimLease         time.Duration `yaml:"default_claim_lease"`
}

// SchedulerConfig configures cron materialization (spec.md §6.4 scheduler.*).
type SchedulerConfig struct {
	Tick            time.Duration `yaml:"tick"`
	CatchUpWindow   time.Duration `yaml:"catch_up_window"`
}

// RegistrySourceConfig describes one configured task source.
type RegistrySourceConfig struct {
	Kind          string `yaml:"kind"` // local | vcs | http
	ID            string `yaml:"id"`
	Path          string `yaml:"path"`            // local: bundle root; vcs: checkout dir
	URL           string `yaml:"url"`             // vcs: repo url; http: index url
	Ref           string `yaml:"ref"`             // vcs: branch/tag/commit
	Subdir        string `yaml:"subdir"`          // vcs: bundle root within checkout
	BlobURLTmpl   string `yaml:"blob_url_template"` // http: per-entry blob url, one "%s" for the entry path
	Priority      int    `yaml:"priority"`
}

// RegistryConfig configures the task registry (spec.md §6.4 registry.*).
type RegistryConfig struct {
	PollInterval time.Duration          `yaml:"poll_interval"`
	Sources      []RegistrySourceConfig `yaml:"source"`
}

// DeliveryConfig configures sink dispatch (spec.md §6.4 delivery.*).
type DeliveryConfig struct {
	WorkerCount             int `yaml:"worker_count"`
	DefaultRetryMaxAttempts int `yaml:"default_retry_max_attempts"`
}

// DefaultConfig returns a Config with sensible defaults matching the §6.4
// table's documented behavior.
func DefaultConfig() *Config {
	return &Config{
		NATS: NATSConfig{
			Embedded: true,
		},
		Executor: ExecutorConfig{
			WorkerBinary:      "taskforge-worker",
			MinWorkers:        1,
			MaxWorkers:        8,
			MaxRequests:       1000,
			MaxAge:            30 * time.Minute,
			WallTimeout:       30 * time.Second,
			MemoryLimitBytes:  256 << 20,
			OutputLimitBytes:  10 << 20,
			HandshakeTimeout:  5 * time.Second,
			HeartbeatInterval: 5 * time.Second,
			CancelGrace:       2 * time.Second,
		},
		Queue: QueueConfig{
			BackpressureHighWatermark: 10000,
			BackoffBase:               30 * time.Second,
			BackoffMax:                time.Hour,
			DefaultMaxAttempts:        5,
			DefaultClaimLease:         30 * time.Second,
		},
		Scheduler: SchedulerConfig{
			Tick:          time.Second,
			CatchUpWindow: time.Hour,
		},
		Registry: RegistryConfig{
			PollInterval: 10 * time.Second,
		},
		Delivery: DeliveryConfig{
			WorkerCount:             4,
			DefaultRetryMaxAttempts: 5,
		},
	}
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.Executor.MinWorkers < 0 {
		return fmt.Errorf("executor.min_workers must be >= 0")
	}
	if c.Executor.MaxWorkers < 1 {
		return fmt.Errorf("executor.max_workers must be >= 1")
	}
	if c.Executor.MinWorkers > c.Executor.MaxWorkers {
		return fmt.Errorf("executor.min_workers (%d) must be <= max_workers (%d)", c.Executor.MinWorkers, c.Executor.MaxWorkers)
	}
	if c.Executor.WorkerBinary == "" {
		return fmt.Errorf("executor.worker_binary is required")
	}
	if c.Executor.WallTimeout <= 0 {
		return fmt.Errorf("executor.wall_timeout must be > 0")
	}
	if c.Queue.BackoffBase <= 0 || c.Queue.BackoffMax <= 0 {
		return fmt.Errorf("queue.backoff_base and backoff_max must be > 0")
	}
	if c.Queue.BackoffBase > c.Queue.BackoffMax {
		return fmt.Errorf("queue.backoff_base must be <= backoff_max")
	}
	if c.Queue.DefaultMaxAttempts < 1 {
		return fmt.Errorf("queue.default_max_attempts must be >= 1")
	}
	if c.Scheduler.Tick <= 0 {
		return fmt.Errorf("scheduler.tick must be > 0")
	}
	if c.Scheduler.CatchUpWindow < 0 {
		return fmt.Errorf("scheduler.catch_up_window must be >= 0")
	}
	if c.Delivery.WorkerCount < 1 {
		return fmt.Errorf("delivery.worker_count must be >= 1")
	}
	for i, src := range c.Registry.Sources {
		switch src.Kind {
		case "local":
			if src.Path == "" {
				return fmt.Errorf("registry.source[%d]: local source requires path", i)
			}
		case "vcs":
			if src.URL == "" {
				return fmt.Errorf("registry.source[%d]: vcs source requires url", i)
			}
		case "http":
			if src.URL == "" {
				return fmt.Errorf("registry.source[%d]: http source requires url", i)
			}
			if src.BlobURLTmpl == "" {
				return fmt.Errorf("registry.source[%d]: http source requires blob_url_template", i)
			}
		default:
			return fmt.Errorf("registry.source[%d]: unknown kind %q", i, src.Kind)
		}
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file, starting from
// DefaultConfig so unset fields retain sensible values.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

// SaveToFile writes cfg to path as YAML, creating parent directories as
// needed.
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}
