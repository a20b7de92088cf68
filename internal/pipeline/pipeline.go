package pipeline

import (
	"context"

	"github.com/kubilitics/kubilitics-explain/internal/cache"
	"github.com/kubilitics/kubilitics-explain/internal/models"
)

// Package pipeline runs adaptation events through the explanation engine.
//
// Flow for one event:
//   1. Normalize the raw record (Explain only)
//   2. Record the event in the store, if one is configured
//   3. Resolve the decision context
//   4. Fingerprint (event id, resolved context, chosen option)
//   5. Cache lookup; on a miss, attribute and synthesize exactly once per
//      fingerprint
//   6. Persist the explanation history and notify listeners
//
// Cancellation is checked before and after context resolution and again
// before attribution. A cancelled request never leaves a cache slot held.
//
// Errors keep their type from the stage that produced them:
//   - *models.MalformedEventError from normalization
//   - *models.ContextResolutionError from resolution (retryable)
//   - *models.AttributionError from attribution
//   - context errors on cancellation
//
// One event's failure never touches other fingerprints.
//
// Pool runs events on a fixed number of workers, each handling one event
// end to end. Jobs carry their own context and deliver their result on a
// per-job channel.

// Listener receives every newly computed explanation. Cache hits are not
// delivered again.
type Listener func(exp *models.Explanation)

// Explainer defines the interface of the explanation pipeline.
type Explainer interface {
	// Explain normalizes a raw adaptation record and explains it. source
	// names the transport the record arrived on (rest, grpc, log, cli).
	Explain(ctx context.Context, raw map[string]interface{}, source string) (*models.Explanation, error)

	// ExplainEvent explains an already normalized event.
	ExplainEvent(ctx context.Context, ev *models.AdaptationEvent) (*models.Explanation, error)

	// ExplainByID explains a previously recorded event. Returns an error
	// wrapping models.ErrNotFound for unknown events.
	ExplainByID(ctx context.Context, eventID string) (*models.Explanation, error)

	// Evict removes a cached explanation. Returns models.ErrInFlight while
	// it is still being computed.
	Evict(ctx context.Context, fingerprint string) error

	// CacheStats returns the cache counters.
	CacheStats() cache.Stats

	// Subscribe registers a listener for new explanations.
	Subscribe(l Listener)
}
