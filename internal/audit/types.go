package audit

import "time"

// EventType represents the type of audit event
type EventType string

const (
	// Explanation events
	EventExplanationRequested EventType = "explanation.requested"
	EventExplanationCompleted EventType = "explanation.completed"
	EventExplanationFailed    EventType = "explanation.failed"
	EventExplanationEvicted   EventType = "explanation.evicted"

	// Configuration events
	EventConfigLoaded  EventType = "config.loaded"
	EventConfigChanged EventType = "config.changed"

	// System events
	EventServerStarted  EventType = "system.server_started"
	EventServerShutdown EventType = "system.server_shutdown"
)

// Result represents the outcome of an audited action
type Result string

const (
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
	ResultPending Result = "pending"
)

// Event represents a single audit event
type Event struct {
	// Core fields
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id"`
	EventType     EventType `json:"event_type"`
	Result        Result    `json:"result"`

	// Decision being explained
	AdaptationEventID string `json:"adaptation_event_id,omitempty"`
	Fingerprint       string `json:"fingerprint,omitempty"`
	Source            string `json:"source,omitempty"`

	// Outcome details
	Description string                 `json:"description,omitempty"`
	Confidence  *float64               `json:"confidence,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`

	// Error information
	Error     string `json:"error,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`

	// Duration tracking
	DurationMs int64 `json:"duration_ms,omitempty"`
}

// NewEvent creates a new audit event with default values
func NewEvent(eventType EventType) *Event {
	return &Event{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Result:    ResultPending,
		Metadata:  make(map[string]interface{}),
	}
}

// WithCorrelationID sets the correlation ID for event tracking
func (e *Event) WithCorrelationID(id string) *Event {
	e.CorrelationID = id
	return e
}

// WithAdaptationEvent sets the id of the decision being explained
func (e *Event) WithAdaptationEvent(id string) *Event {
	e.AdaptationEventID = id
	return e
}

// WithFingerprint sets the explanation fingerprint
func (e *Event) WithFingerprint(fp string) *Event {
	e.Fingerprint = fp
	return e
}

// WithSource sets the transport the request arrived on
func (e *Event) WithSource(source string) *Event {
	e.Source = source
	return e
}

// WithDescription sets a human-readable description
func (e *Event) WithDescription(desc string) *Event {
	e.Description = desc
	return e
}

// WithResult sets the result of the event
func (e *Event) WithResult(result Result) *Event {
	e.Result = result
	return e
}

// WithConfidence records the confidence of a produced explanation
func (e *Event) WithConfidence(c float64) *Event {
	e.Confidence = &c
	return e
}

// WithError sets error information
func (e *Event) WithError(err error, kind string) *Event {
	if err != nil {
		e.Error = err.Error()
		e.ErrorKind = kind
		e.Result = ResultFailure
	}
	return e
}

// WithDuration sets the duration in milliseconds
func (e *Event) WithDuration(duration time.Duration) *Event {
	e.DurationMs = duration.Milliseconds()
	return e
}

// WithMetadata adds metadata to the event
func (e *Event) WithMetadata(key string, value interface{}) *Event {
	e.Metadata[key] = value
	return e
}
