package db

import (
	"context"
	"time"

	"github.com/kubilitics/kubilitics-explain/internal/models"
)

// Store is the main persistence interface for the explanation engine.
type Store interface {
	EventStore
	ExplanationStore
	FactorValueStore

	// Close releases database resources.
	Close() error

	// Ping verifies the connection is alive.
	Ping(ctx context.Context) error
}

// ─── Event store ──────────────────────────────────────────────────────────────

// EventFilter narrows ListEvents.
type EventFilter struct {
	Intent string
	Since  time.Time
	Limit  int
	Offset int
}

// EventStore persists normalized adaptation events so explanations can be
// requested by event id after ingestion.
type EventStore interface {
	// SaveEvent creates or replaces an event.
	SaveEvent(ctx context.Context, ev *models.AdaptationEvent) error

	// GetEvent retrieves an event by ID. Returns models.ErrNotFound when
	// the event was never recorded.
	GetEvent(ctx context.Context, id string) (*models.AdaptationEvent, error)

	// ListEvents returns events, newest first.
	ListEvents(ctx context.Context, filter EventFilter) ([]*models.AdaptationEvent, error)

	// CountEvents returns the number of events matching filter, ignoring
	// Limit and Offset.
	CountEvents(ctx context.Context, filter EventFilter) (int, error)
}

// ─── Explanation store ────────────────────────────────────────────────────────

// ExplanationStore keeps a history of produced explanations. The in-memory
// cache stays authoritative for serving; this is the durable record.
type ExplanationStore interface {
	// SaveExplanation writes an explanation keyed by fingerprint. Saving the
	// same fingerprint twice keeps the first record.
	SaveExplanation(ctx context.Context, exp *models.Explanation) error

	// GetExplanation retrieves an explanation by fingerprint.
	GetExplanation(ctx context.Context, fingerprint string) (*models.Explanation, error)

	// ListExplanationsForEvent returns explanations for an event, newest first.
	ListExplanationsForEvent(ctx context.Context, eventID string) ([]*models.Explanation, error)

	// DeleteExplanation removes an explanation record.
	DeleteExplanation(ctx context.Context, fingerprint string) error
}

// ─── Factor value store ───────────────────────────────────────────────────────

// FactorValueRecord is a persisted constraint value.
type FactorValueRecord struct {
	Factor    string    `json:"factor"`
	Value     float64   `json:"value"`
	Source    string    `json:"source"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FactorValueStore is the constraint store read by the SQLite context source.
type FactorValueStore interface {
	// SetFactorValue creates or updates a constraint value.
	SetFactorValue(ctx context.Context, rec *FactorValueRecord) error

	// GetFactorValue returns the current value of factor, or
	// models.ErrNotFound.
	GetFactorValue(ctx context.Context, factor string) (float64, error)

	// ListFactorValues returns every constraint value ordered by factor.
	ListFactorValues(ctx context.Context) ([]*FactorValueRecord, error)

	// DeleteFactorValue removes a constraint value.
	DeleteFactorValue(ctx context.Context, factor string) error
}
