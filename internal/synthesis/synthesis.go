package synthesis

import (
	"context"

	"github.com/kubilitics/kubilitics-explain/internal/models"
)

// Package synthesis turns an attribution into an operator-facing explanation.
//
// Responsibilities:
//   - Describe the top-K factors by absolute contribution, with direction
//     and magnitude bucket
//   - Summarize the factors beyond K in one sentence
//   - Compute the confidence of the explanation from context resolution
//   - Attach evidence references to every sentence and check that each one
//     resolves before the explanation is returned
//
// Share and buckets:
//   share(f) = |contribution(f)| / |margin|
//   share ≥ 0.50 → dominant, ≥ 0.15 → moderate, otherwise minor.
//   With a zero margin every nonzero contribution is dominant.
//   The summary of factors beyond K reports their part of Σ|contribution|.
//   A factor whose context value is unresolved gets no bucket; the narrative
//   calls its magnitude unverified.
//
// Confidence:
//   1 − Σ|c| over unresolved factors / Σ|c| over all factors, clamped to
//   [0,1]. Uncontested decisions and decisions whose contributions are all
//   zero have confidence 1.
//
// Synthesis is deterministic: the same event, context and attribution
// always produce the same sentences, evidence and confidence. Only
// GeneratedAt comes from the clock.

// Synthesizer defines the interface for explanation synthesis.
type Synthesizer interface {
	// Synthesize builds the explanation for ev. fingerprint is stored on the
	// result unchanged.
	Synthesize(ctx context.Context, fingerprint string, ev *models.AdaptationEvent, dc *models.DecisionContext, res *models.AttributionResult) (*models.Explanation, error)
}
