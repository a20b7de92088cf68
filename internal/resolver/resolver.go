package resolver

import (
	"context"
	"errors"

	"github.com/kubilitics/kubilitics-explain/internal/models"
)

// Package resolver provides the Context Resolver.
//
// Responsibilities:
//   - Collect every distinct factor referenced by an event's candidate options
//   - Resolve each factor concurrently through a FactorSource
//   - Apply a per-fetch timeout and an optional global fetch rate
//   - Record failed fetches as unresolved instead of aborting
//   - Surface ContextResolutionError only on total failure
//
// Failure policy:
//   - Timeout, unknown factor or unreachable source: the factor is recorded
//     with Resolved=false and the pipeline continues with degraded confidence
//   - No source configured, every pingable source failing its ping, or every
//     factor failing with ErrSourceUnreachable: ContextResolutionError
//   - Caller cancellation: outstanding fetches settle, then the context error
//     is returned
//
// Sources:
//   - StaticSource: fixed values (tests, CLI fixtures)
//   - PrometheusSource: PromQL per factor against the metrics store
//   - HTTPSource: JSON telemetry endpoint
//   - SQLiteSource: constraint values in the engine database
//   - RedisSource: constraint hash
//   - CompositeSource: prefix routing with a fallback chain
//
// The resulting DecisionContext holds exactly one entry per requested factor.

// ErrFactorNotFound means the source does not know the factor.
var ErrFactorNotFound = errors.New("factor not found")

// ErrSourceUnreachable means the source could not be contacted.
var ErrSourceUnreachable = errors.New("context source unreachable")

// FactorSource resolves one factor to a value.
type FactorSource interface {
	// Name identifies the source in provenance and metrics.
	Name() string

	// Resolve returns the current value of factor.
	Resolve(ctx context.Context, factor string) (float64, error)
}

// Pinger is implemented by sources that can report reachability up front.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ProvenanceSource is implemented by sources that delegate to other sources
// and can report which one answered.
type ProvenanceSource interface {
	ResolveWithSource(ctx context.Context, factor string) (float64, string, error)
}

// Resolver builds the DecisionContext for an event.
type Resolver interface {
	// Resolve resolves every factor referenced by ev.
	Resolve(ctx context.Context, ev *models.AdaptationEvent) (*models.DecisionContext, error)
}
