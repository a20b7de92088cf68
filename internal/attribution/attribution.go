package attribution

import (
	"context"

	"github.com/kubilitics/kubilitics-explain/internal/models"
)

// Package attribution provides the Attribution Engine.
//
// For an adaptation event the engine contrasts the chosen option with its
// runner-up (highest-scoring competitor, ties broken by the lexically
// smallest id) and splits the score margin across the factors that appear in
// either option:
//
//	contribution(f) = weight(f) × (value_chosen(f) − value_runnerup(f))
//
// A factor missing from one option counts as 0 for that option. Weights come
// from a ScoringModel: LinearModel uses a fixed weight table loaded at
// startup, FuncModel estimates local sensitivities of an arbitrary score
// function by central finite differences.
//
// Normalization:
//  1. Entries are sorted by descending |contribution|, ties by factor name
//  2. The residue margin − Σ contributions is added to the last entry in sort
//     order and the entries are re-sorted (stable)
//
// Weights are never rescaled. When the model does not reproduce the margin
// the whole residue lands on the smallest entry and ModelResidual records it.
//
// The result always satisfies Σ contributions = margin within tolerance.
// A negative margin means the chosen option did not score highest; it is
// reported as *models.AttributionError and never corrected. An event with a
// single candidate yields an uncontested result with no entries.

// ScoringModel supplies per-factor sensitivity coefficients.
type ScoringModel interface {
	// Method names the attribution method recorded on results.
	Method() string

	// Weights returns a weight for every factor in factors, evaluated for
	// the pair (chosen, runnerUp).
	Weights(chosen, runnerUp models.CandidateOption, factors []string) (map[string]float64, error)
}

// Attributor computes the attribution of an event's score margin.
type Attributor interface {
	// Attribute explains the margin between the chosen option and its runner-up.
	Attribute(ctx context.Context, ev *models.AdaptationEvent, dc *models.DecisionContext) (*models.AttributionResult, error)
}
