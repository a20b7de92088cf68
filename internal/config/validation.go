package config

import (
	"fmt"
	"math"
	"net/url"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed for %s: %s", e.Field, e.Message)
}

// validSources are the context source names accepted in context.routes.
var validSources = map[string]bool{
	"static":     true,
	"prometheus": true,
	"http":       true,
	"redis":      true,
	"sqlite":     true,
}

// Validate validates the configuration and returns validation errors.
func (c *Config) Validate() []error {
	var errs []error

	// Validate server configuration
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, &ValidationError{
			Field:   "server.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", c.Server.Port),
		})
	}

	if c.Server.RateLimitPerMin < 0 {
		errs = append(errs, &ValidationError{
			Field:   "server.rate_limit_per_min",
			Message: fmt.Sprintf("rate_limit_per_min cannot be negative, got %d", c.Server.RateLimitPerMin),
		})
	}

	if c.GRPC.Enabled {
		if c.GRPC.Port < 1 || c.GRPC.Port > 65535 {
			errs = append(errs, &ValidationError{
				Field:   "grpc.port",
				Message: fmt.Sprintf("port must be between 1 and 65535, got %d", c.GRPC.Port),
			})
		} else if c.GRPC.Port == c.Server.Port {
			errs = append(errs, &ValidationError{
				Field:   "grpc.port",
				Message: "grpc port must differ from server port",
			})
		}
	}

	// Validate engine configuration
	if c.Engine.TopK < 1 {
		errs = append(errs, &ValidationError{
			Field:   "engine.top_k",
			Message: fmt.Sprintf("top_k must be at least 1, got %d", c.Engine.TopK),
		})
	}

	if c.Engine.CacheCapacity < 1 {
		errs = append(errs, &ValidationError{
			Field:   "engine.cache_capacity",
			Message: fmt.Sprintf("cache_capacity must be at least 1, got %d", c.Engine.CacheCapacity),
		})
	}

	if c.Engine.Workers < 1 {
		errs = append(errs, &ValidationError{
			Field:   "engine.workers",
			Message: fmt.Sprintf("workers must be at least 1, got %d", c.Engine.Workers),
		})
	}

	if c.Engine.QueueSize < 0 {
		errs = append(errs, &ValidationError{
			Field:   "engine.queue_size",
			Message: fmt.Sprintf("queue_size cannot be negative, got %d", c.Engine.QueueSize),
		})
	}

	if !isFinite(c.Engine.DefaultWeight) {
		errs = append(errs, &ValidationError{
			Field:   "engine.default_weight",
			Message: "default_weight must be a finite number",
		})
	}

	for factor, w := range c.Engine.Weights {
		if !isFinite(w) {
			errs = append(errs, &ValidationError{
				Field:   "engine.weights." + factor,
				Message: "weight must be a finite number",
			})
		}
	}

	// Validate context configuration
	if c.Context.FetchTimeoutMs < 1 {
		errs = append(errs, &ValidationError{
			Field:   "context.fetch_timeout_ms",
			Message: fmt.Sprintf("fetch_timeout_ms must be at least 1, got %d", c.Context.FetchTimeoutMs),
		})
	}

	if c.Context.MaxConcurrentFetches < 1 {
		errs = append(errs, &ValidationError{
			Field:   "context.max_concurrent_fetches",
			Message: fmt.Sprintf("max_concurrent_fetches must be at least 1, got %d", c.Context.MaxConcurrentFetches),
		})
	}

	if c.Context.RateLimitPerSec < 0 {
		errs = append(errs, &ValidationError{
			Field:   "context.rate_limit_per_sec",
			Message: fmt.Sprintf("rate_limit_per_sec cannot be negative, got %.2f", c.Context.RateLimitPerSec),
		})
	}

	if c.Context.Prometheus.URL != "" {
		if _, err := url.ParseRequestURI(c.Context.Prometheus.URL); err != nil {
			errs = append(errs, &ValidationError{
				Field:   "context.prometheus.url",
				Message: fmt.Sprintf("invalid URL: %v", err),
			})
		}
	}

	if c.Context.HTTP.BaseURL != "" {
		if _, err := url.ParseRequestURI(c.Context.HTTP.BaseURL); err != nil {
			errs = append(errs, &ValidationError{
				Field:   "context.http.base_url",
				Message: fmt.Sprintf("invalid URL: %v", err),
			})
		}
	}

	for prefix, source := range c.Context.Routes {
		if !validSources[source] {
			errs = append(errs, &ValidationError{
				Field:   "context.routes." + prefix,
				Message: fmt.Sprintf("unknown source '%s', must be one of: static, prometheus, http, redis, sqlite", source),
			})
		}
	}

	// Validate database configuration
	if c.Database.Type != "sqlite" {
		errs = append(errs, &ValidationError{
			Field:   "database.type",
			Message: fmt.Sprintf("invalid database type '%s', must be: sqlite", c.Database.Type),
		})
	} else if c.Database.SQLitePath == "" {
		errs = append(errs, &ValidationError{
			Field:   "database.sqlite_path",
			Message: "sqlite_path is required when database type is sqlite",
		})
	}

	// Validate logging configuration
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, &ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level '%s', must be one of: debug, info, warn, error", c.Logging.Level),
		})
	}

	validLogFormats := map[string]bool{
		"json": true,
		"text": true,
	}
	if !validLogFormats[strings.ToLower(c.Logging.Format)] {
		errs = append(errs, &ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format '%s', must be one of: json, text", c.Logging.Format),
		})
	}

	// Validate audit configuration
	if c.Audit.Enabled && c.Audit.LogPath == "" {
		errs = append(errs, &ValidationError{
			Field:   "audit.log_path",
			Message: "log_path is required when audit is enabled",
		})
	}

	// Validate tracing configuration
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		errs = append(errs, &ValidationError{
			Field:   "tracing.sampling_rate",
			Message: fmt.Sprintf("sampling_rate must be between 0 and 1, got %.2f", c.Tracing.SamplingRate),
		})
	}

	return errs
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
