package config

// DefaultConfig returns a configuration with all default values.
func DefaultConfig() *Config {
	cfg := &Config{}

	// Server defaults
	cfg.Server.Port = 8082
	cfg.Server.Host = ""
	cfg.Server.AllowedOrigins = []string{"http://localhost:3000", "http://localhost:5173"}
	cfg.Server.RateLimitPerMin = 600

	// gRPC defaults
	cfg.GRPC.Enabled = true
	cfg.GRPC.Port = 50052

	// Engine defaults
	cfg.Engine.TopK = 3
	cfg.Engine.CacheCapacity = 1024
	cfg.Engine.Workers = 8
	cfg.Engine.QueueSize = 256
	cfg.Engine.DefaultWeight = 1.0
	cfg.Engine.Weights = map[string]float64{}

	// Context defaults
	cfg.Context.FetchTimeoutMs = 2000
	cfg.Context.MaxConcurrentFetches = 16
	cfg.Context.RateLimitPerSec = 0 // 0 means no limit
	cfg.Context.Static = map[string]float64{}
	cfg.Context.Prometheus.Queries = map[string]string{}
	cfg.Context.Redis.Key = "kubilitics:constraints"
	cfg.Context.SQLiteEnabled = true
	cfg.Context.Routes = map[string]string{}

	// Database defaults
	cfg.Database.Type = "sqlite"
	cfg.Database.SQLitePath = "/var/lib/kubilitics/kubilitics-explain.db"

	// Logging defaults
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"
	cfg.Logging.File = ""

	// Audit defaults
	cfg.Audit.Enabled = true
	cfg.Audit.LogPath = "logs/explain-audit.log"
	cfg.Audit.MaxSizeMB = 100
	cfg.Audit.MaxBackups = 10
	cfg.Audit.MaxAgeDays = 30
	cfg.Audit.Compress = true

	// Tracing defaults
	cfg.Tracing.Endpoint = ""
	cfg.Tracing.SamplingRate = 1.0
	cfg.Tracing.ServiceName = "kubilitics-explain"

	// Ingest defaults
	cfg.Ingest.LogPath = ""
	cfg.Ingest.Follow = true

	return cfg
}
