package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Explanation engine metrics for production monitoring
var (
	// Explanation metrics
	ExplanationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_explain_explanations_total",
			Help: "Total number of explanation requests by outcome",
		},
		[]string{"status"}, // success, malformed, context_error, attribution_error, cancelled, internal
	)

	ExplanationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kubilitics_explain_explanation_duration_seconds",
			Help:    "End-to-end explanation duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
		},
		[]string{"source"},
	)

	ExplanationConfidence = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kubilitics_explain_confidence",
			Help:    "Confidence of produced explanations",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		},
	)

	AttributionResidual = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kubilitics_explain_attribution_residual",
			Help:    "Absolute difference between score margin and un-normalized attribution sum",
			Buckets: prometheus.ExponentialBuckets(1e-9, 10, 10),
		},
	)

	// Cache metrics
	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kubilitics_explain_cache_hits_total",
			Help: "Explanations served from cache",
		},
	)

	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kubilitics_explain_cache_misses_total",
			Help: "Explanations computed because no cached entry existed",
		},
	)

	CacheEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_explain_cache_evictions_total",
			Help: "Cache evictions by reason",
		},
		[]string{"reason"}, // capacity, manual
	)

	CacheInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kubilitics_explain_cache_inflight",
			Help: "Explanations currently being computed",
		},
	)

	CacheWaitDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kubilitics_explain_cache_wait_seconds",
			Help:    "Time callers spent waiting on an in-flight computation",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
	)

	// Context resolution metrics
	ContextFetchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_explain_context_fetch_total",
			Help: "Context factor fetches by source and status",
		},
		[]string{"source", "status"}, // status: ok, timeout, not_found, unreachable, error
	)

	ContextFetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kubilitics_explain_context_fetch_duration_seconds",
			Help:    "Context factor fetch duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		},
		[]string{"source"},
	)

	// Pool metrics
	PoolQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kubilitics_explain_pool_queue_depth",
			Help: "Events waiting for a pipeline worker",
		},
	)

	// Ingestion metrics
	IngestedEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_explain_ingested_events_total",
			Help: "Adaptation log records read by outcome",
		},
		[]string{"status"}, // accepted, rejected
	)

	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_explain_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kubilitics_explain_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	WebSocketClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kubilitics_explain_websocket_clients",
			Help: "Connected explanation stream clients",
		},
	)

	// Health metrics
	HealthStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kubilitics_explain_health_status",
			Help: "Health status of components (1=healthy, 0=unhealthy)",
		},
		[]string{"component"},
	)
)

// StatusFor maps an error kind string to the explanations_total status label.
func StatusFor(kind string) string {
	switch kind {
	case "":
		return "success"
	case "MalformedEventError":
		return "malformed"
	case "ContextResolutionError":
		return "context_error"
	case "AttributionError":
		return "attribution_error"
	case "Cancelled":
		return "cancelled"
	case "NotFound":
		return "not_found"
	default:
		return "internal"
	}
}
