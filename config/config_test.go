package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "memory", cfg.Queue.Backend)
	assert.False(t, cfg.Auth.Enabled)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.False(t, cfg.Telemetry.Enabled)
	assert.Empty(t, cfg.Models)
}

func TestLoad_FromFile(t *testing.T) {
	path := writeConfigFile(t, `
server:
  addr: ":9090"
  write_timeout: 1m
queue:
  backend: redis
redis:
  addr: "redis:6379"
  db: 3
models:
  - name: resnet
    device: "0"
    min_workers: 2
    batch_size: 8
    max_batch_delay: 50ms
    queue_capacity: 500
    rate_limit: 100
    rate_burst: 10
log:
  level: debug
  format: console
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, time.Minute, cfg.Server.WriteTimeout)
	assert.Equal(t, "redis", cfg.Queue.Backend)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, 3, cfg.Redis.DB)
	assert.Equal(t, "debug", cfg.Log.Level)

	require.Len(t, cfg.Models, 1)
	m := cfg.Models[0]
	assert.Equal(t, "resnet", m.Name)
	assert.Equal(t, 2, m.MinWorkers)

	qcfg := m.QueueSettings()
	assert.Equal(t, 500, qcfg.Capacity)
	assert.Equal(t, 8, qcfg.MaxBatchSize)
	assert.Equal(t, 50*time.Millisecond, qcfg.MaxBatchDelay)

	// File settings do not clobber untouched defaults.
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("SERVEFLOW_SERVER_ADDR", ":7070")
	t.Setenv("SERVEFLOW_AUTH_SECRET", "s3cret")
	t.Setenv("SERVEFLOW_QUEUE_BACKEND", "redis")
	t.Setenv("SERVEFLOW_REDIS_DB", "5")
	t.Setenv("SERVEFLOW_LOG_LEVEL", "warn")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":7070", cfg.Server.Addr)
	assert.True(t, cfg.Auth.Enabled)
	assert.Equal(t, "s3cret", cfg.Auth.Secret)
	assert.Equal(t, "redis", cfg.Queue.Backend)
	assert.Equal(t, 5, cfg.Redis.DB)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfigFile(t, "server:\n  addr: \":9090\"\n")
	t.Setenv("SERVEFLOW_SERVER_ADDR", ":7070")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Server.Addr)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults valid",
			mutate: func(c *Config) {},
		},
		{
			name:    "unknown backend",
			mutate:  func(c *Config) { c.Queue.Backend = "kafka" },
			wantErr: "unknown queue backend",
		},
		{
			name:    "auth without secret",
			mutate:  func(c *Config) { c.Auth.Enabled = true },
			wantErr: "auth enabled without a secret",
		},
		{
			name:    "empty model name",
			mutate:  func(c *Config) { c.Models = []ModelConfig{{}} },
			wantErr: "model with empty name",
		},
		{
			name: "duplicate model",
			mutate: func(c *Config) {
				c.Models = []ModelConfig{{Name: "m"}, {Name: "m"}}
			},
			wantErr: "duplicate model",
		},
		{
			name: "negative min workers",
			mutate: func(c *Config) {
				c.Models = []ModelConfig{{Name: "m", MinWorkers: -1}}
			},
			wantErr: "negative min_workers",
		},
		{
			name:    "unknown log level",
			mutate:  func(c *Config) { c.Log.Level = "verbose" },
			wantErr: "unknown log level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}
