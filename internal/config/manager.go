package config

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// viperConfigManager implements ConfigManager using Viper.
type viperConfigManager struct {
	configPath string
	config     *Config
	viper      *viper.Viper
	watchChan  chan Config
}

// Load loads configuration from all sources.
func (m *viperConfigManager) Load(ctx context.Context) error {
	m.viper = viper.New()

	m.viper.SetConfigFile(m.configPath)
	m.viper.SetConfigType("yaml")

	m.viper.SetEnvPrefix("KUBILITICS")
	m.viper.AutomaticEnv()
	m.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	m.setDefaults()

	// The config file is optional; defaults and env vars are enough to run.
	if err := m.viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// use defaults
		} else if os.IsNotExist(err) {
			// use defaults
		} else {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	if err := m.unmarshalConfig(); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}

	m.applyEnvOverrides()

	return nil
}

// Get returns the current configuration.
func (m *viperConfigManager) Get(ctx context.Context) *Config {
	return m.config
}

// Validate validates configuration is correct and complete.
func (m *viperConfigManager) Validate(ctx context.Context) error {
	errs := m.config.Validate()
	if len(errs) > 0 {
		var errMsgs []string
		for _, err := range errs {
			errMsgs = append(errMsgs, err.Error())
		}
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errMsgs, "\n  - "))
	}
	return nil
}

// Watch watches for configuration changes and reloads.
func (m *viperConfigManager) Watch(ctx context.Context) <-chan Config {
	m.viper.WatchConfig()
	m.viper.OnConfigChange(func(e fsnotify.Event) {
		if err := m.unmarshalConfig(); err != nil {
			return
		}
		m.applyEnvOverrides()
		select {
		case m.watchChan <- *m.config:
		default:
			// Channel full, skip this update
		}
	})

	return m.watchChan
}

// Reload reloads configuration from sources.
func (m *viperConfigManager) Reload(ctx context.Context) error {
	if err := m.viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	if err := m.unmarshalConfig(); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}

	m.applyEnvOverrides()

	return nil
}

// setDefaults sets default values in viper.
func (m *viperConfigManager) setDefaults() {
	defaults := DefaultConfig()

	// Server defaults
	m.viper.SetDefault("server.port", defaults.Server.Port)
	m.viper.SetDefault("server.host", defaults.Server.Host)
	m.viper.SetDefault("server.allowed_origins", defaults.Server.AllowedOrigins)
	m.viper.SetDefault("server.rate_limit_per_min", defaults.Server.RateLimitPerMin)

	// gRPC defaults
	m.viper.SetDefault("grpc.enabled", defaults.GRPC.Enabled)
	m.viper.SetDefault("grpc.port", defaults.GRPC.Port)

	// Engine defaults
	m.viper.SetDefault("engine.top_k", defaults.Engine.TopK)
	m.viper.SetDefault("engine.cache_capacity", defaults.Engine.CacheCapacity)
	m.viper.SetDefault("engine.workers", defaults.Engine.Workers)
	m.viper.SetDefault("engine.queue_size", defaults.Engine.QueueSize)
	m.viper.SetDefault("engine.default_weight", defaults.Engine.DefaultWeight)

	// Context defaults
	m.viper.SetDefault("context.fetch_timeout_ms", defaults.Context.FetchTimeoutMs)
	m.viper.SetDefault("context.max_concurrent_fetches", defaults.Context.MaxConcurrentFetches)
	m.viper.SetDefault("context.rate_limit_per_sec", defaults.Context.RateLimitPerSec)
	m.viper.SetDefault("context.redis.key", defaults.Context.Redis.Key)
	m.viper.SetDefault("context.sqlite_enabled", defaults.Context.SQLiteEnabled)

	// Database defaults
	m.viper.SetDefault("database.type", defaults.Database.Type)
	m.viper.SetDefault("database.sqlite_path", defaults.Database.SQLitePath)

	// Logging defaults
	m.viper.SetDefault("logging.level", defaults.Logging.Level)
	m.viper.SetDefault("logging.format", defaults.Logging.Format)
	m.viper.SetDefault("logging.file", defaults.Logging.File)

	// Audit defaults
	m.viper.SetDefault("audit.enabled", defaults.Audit.Enabled)
	m.viper.SetDefault("audit.log_path", defaults.Audit.LogPath)
	m.viper.SetDefault("audit.max_size_mb", defaults.Audit.MaxSizeMB)
	m.viper.SetDefault("audit.max_backups", defaults.Audit.MaxBackups)
	m.viper.SetDefault("audit.max_age_days", defaults.Audit.MaxAgeDays)
	m.viper.SetDefault("audit.compress", defaults.Audit.Compress)

	// Tracing defaults
	m.viper.SetDefault("tracing.endpoint", defaults.Tracing.Endpoint)
	m.viper.SetDefault("tracing.sampling_rate", defaults.Tracing.SamplingRate)
	m.viper.SetDefault("tracing.service_name", defaults.Tracing.ServiceName)

	// Ingest defaults
	m.viper.SetDefault("ingest.log_path", defaults.Ingest.LogPath)
	m.viper.SetDefault("ingest.follow", defaults.Ingest.Follow)

	// Narrative defaults
	m.viper.SetDefault("narrative.use_case_context", defaults.Narrative.UseCaseContext)
}

// unmarshalConfig unmarshals viper config into Config struct.
func (m *viperConfigManager) unmarshalConfig() error {
	cfg := DefaultConfig()

	// Server
	cfg.Server.Port = m.viper.GetInt("server.port")
	cfg.Server.Host = m.viper.GetString("server.host")
	cfg.Server.AllowedOrigins = m.viper.GetStringSlice("server.allowed_origins")
	cfg.Server.RateLimitPerMin = m.viper.GetInt("server.rate_limit_per_min")

	// gRPC
	cfg.GRPC.Enabled = m.viper.GetBool("grpc.enabled")
	cfg.GRPC.Port = m.viper.GetInt("grpc.port")

	// Engine
	cfg.Engine.TopK = m.viper.GetInt("engine.top_k")
	cfg.Engine.CacheCapacity = m.viper.GetInt("engine.cache_capacity")
	cfg.Engine.Workers = m.viper.GetInt("engine.workers")
	cfg.Engine.QueueSize = m.viper.GetInt("engine.queue_size")
	cfg.Engine.DefaultWeight = m.viper.GetFloat64("engine.default_weight")
	if m.viper.IsSet("engine.weights") {
		if err := m.viper.UnmarshalKey("engine.weights", &cfg.Engine.Weights); err != nil {
			return fmt.Errorf("engine.weights: %w", err)
		}
	}

	// Context
	cfg.Context.FetchTimeoutMs = m.viper.GetInt("context.fetch_timeout_ms")
	cfg.Context.MaxConcurrentFetches = m.viper.GetInt("context.max_concurrent_fetches")
	cfg.Context.RateLimitPerSec = m.viper.GetFloat64("context.rate_limit_per_sec")
	if m.viper.IsSet("context.static") {
		if err := m.viper.UnmarshalKey("context.static", &cfg.Context.Static); err != nil {
			return fmt.Errorf("context.static: %w", err)
		}
	}
	cfg.Context.Prometheus.URL = m.viper.GetString("context.prometheus.url")
	if m.viper.IsSet("context.prometheus.queries") {
		cfg.Context.Prometheus.Queries = m.viper.GetStringMapString("context.prometheus.queries")
	}
	cfg.Context.HTTP.BaseURL = m.viper.GetString("context.http.base_url")
	cfg.Context.Redis.Address = m.viper.GetString("context.redis.address")
	cfg.Context.Redis.Key = m.viper.GetString("context.redis.key")
	cfg.Context.SQLiteEnabled = m.viper.GetBool("context.sqlite_enabled")
	if m.viper.IsSet("context.routes") {
		cfg.Context.Routes = m.viper.GetStringMapString("context.routes")
	}

	// Database
	cfg.Database.Type = m.viper.GetString("database.type")
	cfg.Database.SQLitePath = m.viper.GetString("database.sqlite_path")

	// Logging
	cfg.Logging.Level = m.viper.GetString("logging.level")
	cfg.Logging.Format = m.viper.GetString("logging.format")
	cfg.Logging.File = m.viper.GetString("logging.file")

	// Audit
	cfg.Audit.Enabled = m.viper.GetBool("audit.enabled")
	cfg.Audit.LogPath = m.viper.GetString("audit.log_path")
	cfg.Audit.MaxSizeMB = m.viper.GetInt("audit.max_size_mb")
	cfg.Audit.MaxBackups = m.viper.GetInt("audit.max_backups")
	cfg.Audit.MaxAgeDays = m.viper.GetInt("audit.max_age_days")
	cfg.Audit.Compress = m.viper.GetBool("audit.compress")

	// Tracing
	cfg.Tracing.Endpoint = m.viper.GetString("tracing.endpoint")
	cfg.Tracing.SamplingRate = m.viper.GetFloat64("tracing.sampling_rate")
	cfg.Tracing.ServiceName = m.viper.GetString("tracing.service_name")

	// Ingest
	cfg.Ingest.LogPath = m.viper.GetString("ingest.log_path")
	cfg.Ingest.Follow = m.viper.GetBool("ingest.follow")

	// Narrative
	cfg.Narrative.UseCaseContext = m.viper.GetString("narrative.use_case_context")

	m.config = cfg
	return nil
}

// applyEnvOverrides applies environment variable overrides for deployment-specific endpoints.
func (m *viperConfigManager) applyEnvOverrides() {
	// Port from environment - only override if explicitly set
	if portEnv := os.Getenv("KUBILITICS_PORT"); portEnv != "" {
		m.config.Server.Port = m.viper.GetInt("port")
	}

	if url := os.Getenv("PROMETHEUS_URL"); url != "" {
		m.config.Context.Prometheus.URL = url
	}

	if addr := os.Getenv("REDIS_ADDRESS"); addr != "" {
		m.config.Context.Redis.Address = addr
	}

	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		m.config.Tracing.Endpoint = endpoint
	}
}
