package config

import (
	"context"
	"time"
)

// Package config provides configuration management for kubilitics-explain.
//
// Responsibilities:
//   - Load configuration from YAML files, environment variables, and CLI flags
//   - Validate configuration on startup
//   - Provide runtime access to all configuration
//   - Support configuration reloading (logging level only)
//   - Establish reasonable defaults
//
// Configuration Sources (priority order, high to low):
//   1. CLI flags (highest priority)
//   2. Environment variables (KUBILITICS_* prefix)
//   3. YAML config files (default: /etc/kubilitics/explain.yaml)
//   4. Built-in defaults (lowest priority)
//
// Main Configuration Sections:
//
//   1. Server
//      - port: REST listen port (default 8082)
//      - allowed_origins: WebSocket origins
//      - rate_limit_per_min: per-client request budget (0 disables)
//
//   2. GRPC
//      - enabled, port (default 50052)
//
//   3. Engine
//      - top_k: factors described in the narrative (default 3)
//      - cache_capacity: completed explanations kept in memory (default 1024)
//      - workers: concurrent pipeline workers (default 8)
//      - queue_size: pending events accepted by the pool
//      - default_weight: sensitivity for factors missing from the weight table
//      - weights: factor -> sensitivity coefficient (loaded once at startup)
//
//   4. Context
//      - fetch_timeout_ms: per-factor fetch timeout (default 2000)
//      - max_concurrent_fetches: fetches in flight per event
//      - rate_limit_per_sec: global fetch rate (0 disables)
//      - static: fixed factor values
//      - prometheus.url / prometheus.queries: PromQL per factor
//      - http.base_url: telemetry endpoint
//      - redis.address / redis.key: constraint hash
//      - sqlite_enabled: read constraint values from the engine database
//      - routes: factor prefix -> source name
//
//   5. Database
//      - type: "sqlite"
//      - sqlite_path: Path to SQLite file
//
//   6. Logging
//      - level: "debug" | "info" | "warn" | "error"
//      - format: "json" | "text"
//      - file: optional rotated log file
//
//   7. Audit
//      - enabled, log_path, rotation settings
//
//   8. Tracing
//      - endpoint: OTLP endpoint (empty disables), sampling_rate, service_name
//
//   9. Ingest
//      - log_path: JSON-lines adaptation log to tail
//      - follow: keep tailing after reaching end of file
//
//  10. Narrative
//      - use_case_context: header printed above rendered explanations
//
// The attribution tie-break (lexically smallest candidate id) is fixed and
// intentionally not configurable.

// Config struct contains all configuration fields
type Config struct {
	// Server configuration
	Server struct {
		Port int
		Host string
		// AllowedOrigins is a list of origins permitted to open WebSocket connections.
		// Use ["*"] to allow any origin (development only).
		AllowedOrigins  []string
		RateLimitPerMin int
	}

	// gRPC API configuration
	GRPC struct {
		Enabled bool
		Port    int
	}

	// Explanation engine configuration
	Engine struct {
		TopK          int
		CacheCapacity int
		Workers       int
		QueueSize     int
		DefaultWeight float64
		Weights       map[string]float64
	}

	// Context resolution configuration
	Context struct {
		FetchTimeoutMs       int
		MaxConcurrentFetches int
		RateLimitPerSec      float64
		Static               map[string]float64
		Prometheus           struct {
			URL     string
			Queries map[string]string
		}
		HTTP struct {
			BaseURL string
		}
		Redis struct {
			Address string
			Key     string
		}
		SQLiteEnabled bool
		Routes        map[string]string
	}

	// Database configuration
	Database struct {
		Type       string
		SQLitePath string
	}

	// Logging configuration
	Logging struct {
		Level  string
		Format string
		File   string
	}

	// Audit configuration
	Audit struct {
		Enabled    bool
		LogPath    string
		MaxSizeMB  int
		MaxBackups int
		MaxAgeDays int
		Compress   bool
	}

	// Tracing configuration
	Tracing struct {
		Endpoint     string
		SamplingRate float64
		ServiceName  string
	}

	// Adaptation log ingestion
	Ingest struct {
		LogPath string
		Follow  bool
	}

	// Narrative configuration
	Narrative struct {
		UseCaseContext string
	}
}

// FetchTimeout returns the per-factor context fetch timeout.
func (c *Config) FetchTimeout() time.Duration {
	return time.Duration(c.Context.FetchTimeoutMs) * time.Millisecond
}

// ConfigManager defines the interface for configuration access.
type ConfigManager interface {
	// Load loads configuration from all sources.
	Load(ctx context.Context) error

	// Get returns the current configuration.
	Get(ctx context.Context) *Config

	// Validate validates configuration is correct and complete.
	Validate(ctx context.Context) error

	// Watch watches for configuration changes and reloads (if supported).
	Watch(ctx context.Context) <-chan Config

	// Reload reloads configuration from sources (selective settings).
	Reload(ctx context.Context) error
}

// NewConfigManager creates a new configuration manager.
func NewConfigManager(configPath string) (ConfigManager, error) {
	mgr := &viperConfigManager{
		configPath: configPath,
		config:     DefaultConfig(),
		watchChan:  make(chan Config, 1),
	}
	return mgr, nil
}

// NewConfigManagerWithDefaults creates a config manager with default config path.
func NewConfigManagerWithDefaults() (ConfigManager, error) {
	return NewConfigManager("/etc/kubilitics/explain.yaml")
}
