package attribution

import (
	"fmt"
	"math"
	"strings"

	"github.com/kubilitics/kubilitics-explain/internal/models"
)

// LinearModel assumes the orchestration score is a weighted sum of factor
// values. The table is copied on construction and never mutated.
type LinearModel struct {
	weights       map[string]float64
	defaultWeight float64
}

// NewLinearModel creates a linear model. Factors missing from weights use
// defaultWeight.
func NewLinearModel(weights map[string]float64, defaultWeight float64) *LinearModel {
	w := make(map[string]float64, len(weights))
	for k, v := range weights {
		w[k] = v
	}
	return &LinearModel{weights: w, defaultWeight: defaultWeight}
}

// Method implements ScoringModel.
func (m *LinearModel) Method() string { return models.MethodLinear }

// Weight returns the coefficient for factor. Config keys are lowercased by
// the loader, so a lowercase match is accepted.
func (m *LinearModel) Weight(factor string) float64 {
	if w, ok := m.weights[factor]; ok {
		return w
	}
	if w, ok := m.weights[strings.ToLower(factor)]; ok {
		return w
	}
	return m.defaultWeight
}

// Weights implements ScoringModel.
func (m *LinearModel) Weights(_, _ models.CandidateOption, factors []string) (map[string]float64, error) {
	out := make(map[string]float64, len(factors))
	for _, f := range factors {
		out[f] = m.Weight(f)
	}
	return out, nil
}

// ScoreFunc scores a factor vector. Factors absent from the map are 0.
type ScoreFunc func(factors map[string]float64) float64

// FuncModel wraps a possibly non-linear score function. Weights are central
// finite-difference partial derivatives at the midpoint of the two options'
// value vectors.
type FuncModel struct {
	score ScoreFunc
}

// NewFuncModel creates a finite-difference model around score. Configuration
// only builds LinearModel; callers embedding the engine pass a FuncModel to
// NewEngine themselves.
func NewFuncModel(score ScoreFunc) *FuncModel {
	return &FuncModel{score: score}
}

// Method implements ScoringModel.
func (m *FuncModel) Method() string { return models.MethodFiniteDifference }

// Weights implements ScoringModel.
func (m *FuncModel) Weights(chosen, runnerUp models.CandidateOption, factors []string) (map[string]float64, error) {
	mid := make(map[string]float64, len(factors))
	for _, f := range factors {
		mid[f] = (chosen.Factors[f] + runnerUp.Factors[f]) / 2
	}

	out := make(map[string]float64, len(factors))
	probe := make(map[string]float64, len(mid))
	for _, f := range factors {
		for k, v := range mid {
			probe[k] = v
		}
		h := 1e-4 * math.Max(1, math.Abs(mid[f]))

		probe[f] = mid[f] + h
		up := m.score(probe)
		probe[f] = mid[f] - h
		down := m.score(probe)

		w := (up - down) / (2 * h)
		if math.IsNaN(w) || math.IsInf(w, 0) {
			return nil, fmt.Errorf("score function is not differentiable in %s", f)
		}
		out[f] = w
	}
	return out, nil
}
