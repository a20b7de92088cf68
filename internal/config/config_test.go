package config

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	// Test server defaults
	assert.Equal(t, 8082, cfg.Server.Port)
	assert.NotEmpty(t, cfg.Server.AllowedOrigins)

	// Test engine defaults
	assert.Equal(t, 3, cfg.Engine.TopK)
	assert.Equal(t, 1024, cfg.Engine.CacheCapacity)
	assert.Equal(t, 1.0, cfg.Engine.DefaultWeight)
	assert.NotNil(t, cfg.Engine.Weights)

	// Test context defaults
	assert.Equal(t, 2000, cfg.Context.FetchTimeoutMs)
	assert.Equal(t, 2*time.Second, cfg.FetchTimeout())

	// Test database defaults
	assert.Equal(t, "sqlite", cfg.Database.Type)
	assert.NotEmpty(t, cfg.Database.SQLitePath)

	// Test logging defaults
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)

	assert.Empty(t, cfg.Validate())
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name      string
		modifyFn  func(*Config)
		wantError bool
		errorMsg  string
	}{
		{
			name:      "valid default config",
			modifyFn:  func(cfg *Config) {},
			wantError: false,
		},
		{
			name: "invalid port - too low",
			modifyFn: func(cfg *Config) {
				cfg.Server.Port = 0
			},
			wantError: true,
			errorMsg:  "port must be between 1 and 65535",
		},
		{
			name: "grpc port collides with server port",
			modifyFn: func(cfg *Config) {
				cfg.GRPC.Port = cfg.Server.Port
			},
			wantError: true,
			errorMsg:  "grpc port must differ",
		},
		{
			name: "top_k below one",
			modifyFn: func(cfg *Config) {
				cfg.Engine.TopK = 0
			},
			wantError: true,
			errorMsg:  "top_k must be at least 1",
		},
		{
			name: "cache capacity below one",
			modifyFn: func(cfg *Config) {
				cfg.Engine.CacheCapacity = 0
			},
			wantError: true,
			errorMsg:  "cache_capacity must be at least 1",
		},
		{
			name: "non-finite weight",
			modifyFn: func(cfg *Config) {
				cfg.Engine.Weights["latency"] = math.Inf(1)
			},
			wantError: true,
			errorMsg:  "weight must be a finite number",
		},
		{
			name: "zero fetch timeout",
			modifyFn: func(cfg *Config) {
				cfg.Context.FetchTimeoutMs = 0
			},
			wantError: true,
			errorMsg:  "fetch_timeout_ms must be at least 1",
		},
		{
			name: "unknown route source",
			modifyFn: func(cfg *Config) {
				cfg.Context.Routes["net_"] = "carrier-pigeon"
			},
			wantError: true,
			errorMsg:  "unknown source",
		},
		{
			name: "invalid prometheus url",
			modifyFn: func(cfg *Config) {
				cfg.Context.Prometheus.URL = "not a url"
			},
			wantError: true,
			errorMsg:  "invalid URL",
		},
		{
			name: "invalid database type",
			modifyFn: func(cfg *Config) {
				cfg.Database.Type = "mongodb"
			},
			wantError: true,
			errorMsg:  "invalid database type",
		},
		{
			name: "invalid log level",
			modifyFn: func(cfg *Config) {
				cfg.Logging.Level = "trace"
			},
			wantError: true,
			errorMsg:  "invalid log level",
		},
		{
			name: "sampling rate out of range",
			modifyFn: func(cfg *Config) {
				cfg.Tracing.SamplingRate = 1.5
			},
			wantError: true,
			errorMsg:  "sampling_rate must be between 0 and 1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modifyFn(cfg)

			errs := cfg.Validate()
			if !tt.wantError {
				assert.Empty(t, errs)
				return
			}
			require.NotEmpty(t, errs)
			found := false
			for _, err := range errs {
				if strings.Contains(err.Error(), tt.errorMsg) {
					found = true
				}
			}
			assert.True(t, found, "expected an error containing %q, got %v", tt.errorMsg, errs)
		})
	}
}

func TestConfigManagerLoad(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "explain.yaml")

	configContent := `
server:
  port: 9090

engine:
  top_k: 5
  cache_capacity: 64
  weights:
    latency: 0.7
    cost: 0.3

context:
  fetch_timeout_ms: 500
  static:
    latency: 12.5
  prometheus:
    url: "http://prometheus:9090"
    queries:
      latency: "avg(rate(http_request_duration_seconds_sum[5m]))"
  routes:
    net_: prometheus

logging:
  level: "debug"
  format: "text"

narrative:
  use_case_context: "Edge video analytics pipeline"
`
	require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0644))

	mgr, err := NewConfigManager(configPath)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, mgr.Load(ctx))

	cfg := mgr.Get(ctx)
	require.NotNil(t, cfg)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 5, cfg.Engine.TopK)
	assert.Equal(t, 64, cfg.Engine.CacheCapacity)
	assert.InDelta(t, 0.7, cfg.Engine.Weights["latency"], 1e-12)
	assert.InDelta(t, 0.3, cfg.Engine.Weights["cost"], 1e-12)
	assert.Equal(t, 500*time.Millisecond, cfg.FetchTimeout())
	assert.InDelta(t, 12.5, cfg.Context.Static["latency"], 1e-12)
	assert.Equal(t, "http://prometheus:9090", cfg.Context.Prometheus.URL)
	assert.Contains(t, cfg.Context.Prometheus.Queries, "latency")
	assert.Equal(t, "prometheus", cfg.Context.Routes["net_"])
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, "Edge video analytics pipeline", cfg.Narrative.UseCaseContext)

	// Unset sections keep their defaults
	assert.Equal(t, 50052, cfg.GRPC.Port)
	assert.Equal(t, "sqlite", cfg.Database.Type)

	require.NoError(t, mgr.Validate(ctx))
}

func TestConfigManagerEnvironmentOverrides(t *testing.T) {
	t.Setenv("KUBILITICS_PORT", "7070")
	t.Setenv("PROMETHEUS_URL", "http://env-prometheus:9090")
	t.Setenv("REDIS_ADDRESS", "env-redis:6379")

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "explain.yaml")

	configContent := `
server:
  port: 8082

context:
  prometheus:
    url: "http://prometheus:9090"
`
	require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0644))

	mgr, err := NewConfigManager(configPath)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, mgr.Load(ctx))

	cfg := mgr.Get(ctx)

	assert.Equal(t, 7070, cfg.Server.Port, "PORT should be overridden by environment variable")
	assert.Equal(t, "http://env-prometheus:9090", cfg.Context.Prometheus.URL)
	assert.Equal(t, "env-redis:6379", cfg.Context.Redis.Address)
}

func TestConfigManagerMissingFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "nonexistent-config.yaml")

	mgr, err := NewConfigManager(configPath)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, mgr.Load(ctx))

	cfg := mgr.Get(ctx)
	assert.NotNil(t, cfg)
	assert.Equal(t, 8082, cfg.Server.Port)
	assert.Equal(t, 3, cfg.Engine.TopK)
}

func TestConfigManagerValidation(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "explain.yaml")

	configContent := `
server:
  port: 99999

engine:
  top_k: 0
`
	require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0644))

	mgr, err := NewConfigManager(configPath)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, mgr.Load(ctx))

	err = mgr.Validate(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "configuration validation failed")
	assert.Contains(t, err.Error(), "top_k")
}
