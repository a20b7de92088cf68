package cache

import (
	"context"

	"github.com/kubilitics/kubilitics-explain/internal/models"
)

// Package cache provides the Explanation Cache.
//
// Responsibilities:
//   - Serve completed explanations by decision fingerprint
//   - Guarantee at most one computation per fingerprint at a time
//   - Bound memory with least-recently-used eviction
//   - Report hit/miss/eviction/in-flight counts
//
// Concurrency:
//   - Each in-flight fingerprint owns a wait handle in a per-key map; there
//     is no global computation lock, so unrelated fingerprints never
//     serialize behind each other
//   - Concurrent callers for an in-flight fingerprint block on its handle
//     and receive the same result
//   - The handle is released exactly once, whether the computation
//     succeeds, fails or panics
//   - Failures are not cached; if the computing caller was cancelled, live
//     waiters retry and one of them computes
//   - Waiters honour their own context and stop waiting when it ends
//
// Eviction:
//   - Completed entries live in a capacity-bounded LRU
//   - In-flight fingerprints are not in the LRU; evicting one returns
//     models.ErrInFlight until its computation completes
//   - Evicting an unknown fingerprint returns models.ErrNotFound
//
// Cached explanations are shared and must not be mutated by callers.

// ComputeFunc produces the explanation for a fingerprint on a cache miss.
type ComputeFunc func(ctx context.Context) (*models.Explanation, error)

// Stats is a point-in-time view of cache counters.
type Stats struct {
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
	InFlight  int    `json:"in_flight"`
	Size      int    `json:"size"`
	Capacity  int    `json:"capacity"`
}

// Cache defines the interface for the explanation cache.
type Cache interface {
	// GetOrCompute returns the cached explanation for fingerprint, or runs
	// compute exactly once across concurrent callers and caches a success.
	// shared reports that the result was not computed by this call.
	GetOrCompute(ctx context.Context, fingerprint string, compute ComputeFunc) (exp *models.Explanation, shared bool, err error)

	// Get returns a completed explanation without computing.
	Get(fingerprint string) (*models.Explanation, bool)

	// Evict removes a completed explanation.
	Evict(fingerprint string) error

	// Stats returns the current counters.
	Stats() Stats
}
