package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	require.True(t, cfg.NATS.Embedded)
	require.Equal(t, 1, cfg.Executor.MinWorkers)
	require.Equal(t, 8, cfg.Executor.MaxWorkers)
	require.Equal(t, 30*time.Second, cfg.Executor.WallTimeout)
	require.Equal(t, 30*time.Second, cfg.Queue.BackoffBase)
	require.Equal(t, time.Hour, cfg.Queue.BackoffMax)
	require.Equal(t, time.Second, cfg.Scheduler.Tick)
	require.NoError(t, cfg.Validate())
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{name: "valid default config", modify: func(c *Config) {}, wantErr: false},
		{name: "max workers below min", modify: func(c *Config) { c.Executor.MaxWorkers = 0 }, wantErr: true},
		{name: "min exceeds max", modify: func(c *Config) { c.Executor.MinWorkers = 9 }, wantErr: true},
		{name: "missing worker binary", modify: func(c *Config) { c.Executor.WorkerBinary = "" }, wantErr: true},
		{name: "zero wall timeout", modify: func(c *Config) { c.Executor.WallTimeout = 0 }, wantErr: true},
		{name: "backoff base exceeds max", modify: func(c *Config) { c.Queue.BackoffBase = time.Hour; c.Queue.BackoffMax = time.Minute }, wantErr: true},
		{name: "zero max attempts", modify: func(c *Config) { c.Queue.DefaultMaxAttempts = 0 }, wantErr: true},
		{name: "zero scheduler tick", modify: func(c *Config) { c.Scheduler.Tick = 0 }, wantErr: true},
		{name: "zero delivery workers", modify: func(c *Config) { c.Delivery.WorkerCount = 0 }, wantErr: true},
		{
			name: "local source missing path",
			modify: func(c *Config) {
				c.Registry.Sources = []RegistrySourceConfig{{Kind: "local"}}
			},
			wantErr: true,
		},
		{
			name: "unknown source kind",
			modify: func(c *Config) {
				c.Registry.Sources = []RegistrySourceConfig{{Kind: "ftp", Path: "x"}}
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	content := `
nats:
  url: "nats://test:4222"
executor:
  max_workers: 16
  wall_timeout: 10s
registry:
  source:
    - kind: local
      id: bundled
      path: /tasks
      priority: 1
`
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0o644))

	cfg, err := LoadFromFile(configPath)
	require.NoError(t, err)

	require.Equal(t, "nats://test:4222", cfg.NATS.URL)
	require.Equal(t, 16, cfg.Executor.MaxWorkers)
	require.Equal(t, 10*time.Second, cfg.Executor.WallTimeout)
	require.Equal(t, 1, cfg.Executor.MinWorkers, "unset fields keep their default")
	require.Len(t, cfg.Registry.Sources, 1)
	require.Equal(t, "local", cfg.Registry.Sources[0].Kind)
}

func TestConfigSaveToFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "subdir", "config.yaml")

	cfg := DefaultConfig()
	cfg.Executor.MaxWorkers = 42

	require.NoError(t, cfg.SaveToFile(configPath))

	loaded, err := LoadFromFile(configPath)
	require.NoError(t, err)
	require.Equal(t, 42, loaded.Executor.MaxWorkers)
}
