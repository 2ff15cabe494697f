package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func envMap(m map[string]string) lookupFunc {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 24*time.Hour, cfg.Store.Retention)
	assert.Equal(t, "memory", cfg.Store.Driver)
}

func TestLoad_ValidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ttq.yaml")
	content := `
log:
  level: debug
  format: json
worker:
  count: 8
  task_timeout: 5s
broker:
  capacity: 16
  lease_timeout: 2s
snapshot:
  path: "./test_snapshot.json"
  interval: 15s
grpc:
  enabled: false
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8, cfg.Worker.Count)
	assert.Equal(t, 5*time.Second, cfg.Worker.TaskTimeout)
	assert.Equal(t, 16, cfg.Broker.Capacity)
	assert.Equal(t, 2*time.Second, cfg.Broker.LeaseTimeout)
	assert.Equal(t, "./test_snapshot.json", cfg.Snapshot.Path)
	assert.Equal(t, 15*time.Second, cfg.Snapshot.Interval)
	assert.False(t, cfg.GRPC.Enabled)

	// Unset sections keep their defaults.
	assert.Equal(t, ":8000", cfg.HTTP.Addr)
	assert.Equal(t, time.Second, cfg.Broker.ReapInterval)
}

func TestLoad_Errors(t *testing.T) {
	dir := t.TempDir()

	t.Run("missing explicit file", func(t *testing.T) {
		_, err := Load(filepath.Join(dir, "absent.yaml"))
		assert.ErrorContains(t, err, "failed to read config file")
	})

	t.Run("invalid yaml", func(t *testing.T) {
		path := filepath.Join(dir, "bad.yaml")
		require.NoError(t, os.WriteFile(path, []byte("worker: [unclosed"), 0o644))
		_, err := Load(path)
		assert.ErrorContains(t, err, "failed to parse config YAML")
	})

	t.Run("validation", func(t *testing.T) {
		path := filepath.Join(dir, "invalid.yaml")
		require.NoError(t, os.WriteFile(path, []byte("worker:\n  count: 0\nlog:\n  level: loud\n"), 0o644))
		_, err := Load(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "Config.Worker.Count")
		assert.Contains(t, err.Error(), "Config.Log.Level")
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"postgres needs url", func(c *Config) { c.Store.Driver = "postgres" }, "DatabaseURL"},
		{"postgres with url", func(c *Config) { c.Store.Driver, c.Store.DatabaseURL = "postgres", "postgres://x" }, ""},
		{"unknown driver", func(c *Config) { c.Store.Driver = "redis" }, "Driver"},
		{"enabled http needs addr", func(c *Config) { c.HTTP.Addr = "" }, "HTTP.Addr"},
		{"disabled http without addr", func(c *Config) { c.HTTP.Enabled, c.HTTP.Addr = false, "" }, ""},
		{"zero retention", func(c *Config) { c.Store.Retention = 0 }, "Retention"},
		{"zero capacity", func(c *Config) { c.Broker.Capacity = 0 }, "Capacity"},
		{"snapshot needs path", func(c *Config) { c.Snapshot.Path = "" }, "Snapshot.Path"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	err := applyEnv(&cfg, envMap(map[string]string{
		"TTQ_LOG_LEVEL":          "warn",
		"TTQ_WORKER_COUNT":       "12",
		"TTQ_HTTP_ENABLED":       "false",
		"TTQ_STORE_RETENTION":    "1h",
		"DATABASE_URL":           "postgres://alias",
		"TTQ_STORE_DATABASE_URL": "postgres://explicit",
	}))
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, 12, cfg.Worker.Count)
	assert.False(t, cfg.HTTP.Enabled)
	assert.Equal(t, time.Hour, cfg.Store.Retention)
	assert.Equal(t, "postgres://explicit", cfg.Store.DatabaseURL)
}

func TestApplyEnvRejectsMalformedValues(t *testing.T) {
	cfg := Default()
	err := applyEnv(&cfg, envMap(map[string]string{
		"TTQ_WORKER_COUNT":      "many",
		"TTQ_SNAPSHOT_INTERVAL": "soon",
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TTQ_WORKER_COUNT")
	assert.Contains(t, err.Error(), "TTQ_SNAPSHOT_INTERVAL")
	assert.Equal(t, 4, cfg.Worker.Count, "malformed values leave the field untouched")
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ttq.yaml")
	require.NoError(t, os.WriteFile(path, []byte("worker:\n  count: 2\n"), 0o644))
	t.Setenv("TTQ_WORKER_COUNT", "6")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 6, cfg.Worker.Count)
}

func TestShippedDefaultFileMatchesDefault(t *testing.T) {
	data, err := os.ReadFile(filepath.Join("..", "..", DefaultPath))
	require.NoError(t, err)

	cfg := Default()
	require.NoError(t, yaml.Unmarshal(data, &cfg))
	assert.Equal(t, Default(), cfg)
}
