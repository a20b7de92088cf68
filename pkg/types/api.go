package types

// Package types defines public API types shared between kubilitics-explain
// and its consumers (REST clients, explainctl, dashboards).
//
// These types define the REST API contracts.

// Request types

// ExplainRequest asks for an explanation of an adaptation event payload.
// Event holds the raw decision record in the adaptation-log schema.
type ExplainRequest struct {
	Event  map[string]interface{} `json:"event"`
	Format string                 `json:"format,omitempty"` // "json", "text", "markdown"
}

// Response types

// ExplanationRecord is the structured rendering of an explanation.
type ExplanationRecord struct {
	Fingerprint    string             `json:"fingerprint"`
	EventID        string             `json:"event_id"`
	Intent         string             `json:"intent,omitempty"`
	UseCaseContext string             `json:"use_case_context,omitempty"`
	ChosenOptionID string             `json:"chosen_option_id"`
	RunnerUpID     string             `json:"runner_up_id,omitempty"`
	Margin         float64            `json:"margin"`
	Confidence     float64            `json:"confidence"`
	Uncontested    bool               `json:"uncontested"`
	Narrative      string             `json:"narrative"`
	Sentences      []SentenceRecord   `json:"sentences"`
	Evidence       []EvidenceRecord   `json:"evidence"`
	GeneratedAt    string             `json:"generated_at"` // RFC3339
}

// SentenceRecord is one narrative sentence and the evidence ids it cites.
type SentenceRecord struct {
	Text      string   `json:"text"`
	Citations []string `json:"citations"`
}

// EvidenceRecord is one attribution entry or context field.
type EvidenceRecord struct {
	ID           string  `json:"id"`
	Kind         string  `json:"kind"` // "attribution", "context"
	Factor       string  `json:"factor"`
	Contribution float64 `json:"contribution,omitempty"`
	Share        float64 `json:"share,omitempty"`
	Bucket       string  `json:"bucket,omitempty"`    // "dominant", "moderate", "minor"
	Direction    string  `json:"direction,omitempty"` // "chosen", "runner_up", "neutral"
	ContextValue float64 `json:"context_value,omitempty"`
	Resolved     bool    `json:"resolved"`
	Source       string  `json:"source,omitempty"`
}

// EventSummary describes a recorded adaptation event.
type EventSummary struct {
	ID             string `json:"id"`
	Intent         string `json:"intent,omitempty"`
	ChosenOptionID string `json:"chosen_option_id"`
	Options        int    `json:"options"`
	Source         string `json:"source,omitempty"`
	Timestamp      string `json:"timestamp"` // RFC3339
}

// CacheStatsResponse contains explanation cache counters.
type CacheStatsResponse struct {
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
	InFlight  int    `json:"in_flight"`
	Size      int    `json:"size"`
	Capacity  int    `json:"capacity"`
}

// EvictResponse confirms a cache eviction.
type EvictResponse struct {
	Fingerprint string `json:"fingerprint"`
	Evicted     bool   `json:"evicted"`
}

// HealthResponse reports component health.
type HealthResponse struct {
	Status     string            `json:"status"` // "ok", "degraded"
	Components map[string]string `json:"components,omitempty"`
}

// ErrorResponse standard error response. Code is the stable error kind
// (MalformedEventError, ContextResolutionError, AttributionError, ...).
type ErrorResponse struct {
	Code      string      `json:"code"`
	Message   string      `json:"message"`
	EventID   string      `json:"event_id,omitempty"`
	Retryable bool        `json:"retryable,omitempty"`
	Details   interface{} `json:"details,omitempty"`
}

// ListResponse generic paginated list response.
type ListResponse struct {
	Items      []interface{} `json:"items"`
	Total      int           `json:"total"`
	Page       int           `json:"page"`
	PageSize   int           `json:"page_size"`
	TotalPages int           `json:"total_pages"`
}
