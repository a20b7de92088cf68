package attribution

import (
	"context"
	"fmt"
	"math"
	"sort"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-explain/internal/metrics"
	"github.com/kubilitics/kubilitics-explain/internal/models"
)

// Engine is the default Attributor.
type Engine struct {
	model  ScoringModel
	logger *zap.Logger
}

// NewEngine creates an engine over model. A nil model means a linear model
// with unit weights.
func NewEngine(model ScoringModel, logger *zap.Logger) *Engine {
	if model == nil {
		model = NewLinearModel(nil, 1.0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{model: model, logger: logger}
}

// Attribute implements Attributor. dc does not change the attribution;
// unresolved context only lowers the confidence of the explanation.
func (e *Engine) Attribute(ctx context.Context, ev *models.AdaptationEvent, _ *models.DecisionContext) (*models.AttributionResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	chosen, ok := ev.Option(ev.ChosenOptionID)
	if !ok {
		return nil, &models.AttributionError{EventID: ev.ID, ChosenID: ev.ChosenOptionID, Reason: "chosen option not among candidates"}
	}

	res := &models.AttributionResult{
		EventID:     ev.ID,
		ChosenID:    chosen.ID,
		ChosenScore: chosen.Score,
		Entries:     []models.AttributionEntry{},
	}

	runnerUp, ok := RunnerUp(ev)
	if !ok {
		res.Uncontested = true
		res.Method = models.MethodNone
		return res, nil
	}

	res.RunnerUpID = runnerUp.ID
	res.RunnerUpScore = runnerUp.Score
	res.Margin = chosen.Score - runnerUp.Score
	res.Method = e.model.Method()

	if res.Margin < 0 {
		return nil, &models.AttributionError{
			EventID:    ev.ID,
			ChosenID:   chosen.ID,
			RunnerUpID: runnerUp.ID,
			Margin:     res.Margin,
			Reason:     "chosen option scored below its runner-up",
		}
	}

	factors := unionFactors(chosen, runnerUp)
	if len(factors) == 0 && res.Margin != 0 {
		return nil, &models.AttributionError{
			EventID:    ev.ID,
			ChosenID:   chosen.ID,
			RunnerUpID: runnerUp.ID,
			Margin:     res.Margin,
			Reason:     "no factors to attribute the margin to",
		}
	}
	weights, err := e.model.Weights(chosen, runnerUp, factors)
	if err != nil {
		return nil, &models.AttributionError{
			EventID:    ev.ID,
			ChosenID:   chosen.ID,
			RunnerUpID: runnerUp.ID,
			Margin:     res.Margin,
			Reason:     err.Error(),
		}
	}

	entries := make([]models.AttributionEntry, 0, len(factors))
	var rawSum float64
	for _, f := range factors {
		vc, vr := chosen.Factors[f], runnerUp.Factors[f]
		c := weights[f] * (vc - vr)
		rawSum += c
		entries = append(entries, models.AttributionEntry{
			Factor:        f,
			Contribution:  c,
			Weight:        weights[f],
			ChosenValue:   vc,
			RunnerUpValue: vr,
		})
	}
	res.ModelResidual = res.Margin - rawSum
	metrics.AttributionResidual.Observe(math.Abs(res.ModelResidual))

	normalize(entries, res.Margin)
	res.Entries = entries

	if math.Abs(res.ModelResidual) > Tolerance(res.Margin) {
		e.logger.Debug("scoring model does not reproduce the margin",
			zap.String("event_id", ev.ID),
			zap.Float64("margin", res.Margin),
			zap.Float64("raw_sum", rawSum),
		)
	}

	return res, nil
}

// RunnerUp returns the highest-scoring option other than the chosen one,
// ties broken by the lexically smallest id.
func RunnerUp(ev *models.AdaptationEvent) (models.CandidateOption, bool) {
	var best models.CandidateOption
	found := false
	for _, opt := range ev.Options {
		if opt.ID == ev.ChosenOptionID {
			continue
		}
		if !found || opt.Score > best.Score || (opt.Score == best.Score && opt.ID < best.ID) {
			best = opt
			found = true
		}
	}
	return best, found
}

// Tolerance is the allowed |Σ contributions − margin|.
func Tolerance(margin float64) float64 {
	if math.Abs(margin) < 1e-9 {
		return 1e-9
	}
	return 1e-6 * math.Abs(margin)
}

// Verify checks the sum and ordering invariants of a result.
func Verify(res *models.AttributionResult) error {
	if res.Uncontested {
		if len(res.Entries) != 0 {
			return fmt.Errorf("uncontested result has %d entries", len(res.Entries))
		}
		return nil
	}
	if diff := math.Abs(res.Sum() - res.Margin); diff > Tolerance(res.Margin) {
		return fmt.Errorf("contributions sum to %g, margin is %g", res.Sum(), res.Margin)
	}
	if !sort.SliceIsSorted(res.Entries, func(i, j int) bool { return less(res.Entries[i], res.Entries[j]) }) {
		return fmt.Errorf("entries are not in descending |contribution| order")
	}
	return nil
}

// normalize sorts the entries and folds margin − Σ contributions into the
// last entry in sort order. Every other contribution stays weight × diff.
func normalize(entries []models.AttributionEntry, margin float64) {
	if len(entries) == 0 {
		return
	}

	sortEntries(entries)

	// Re-sorting can change the summation order, so the residue is
	// recomputed until it vanishes or the order settles.
	for pass := 0; pass < 3; pass++ {
		var sum float64
		for _, en := range entries {
			sum += en.Contribution
		}
		residue := margin - sum
		if residue == 0 {
			break
		}
		entries[len(entries)-1].Contribution += residue
		sortEntries(entries)
	}
	for i := range entries {
		entries[i].Sign = models.SignOf(entries[i].Contribution)
	}
}

func sortEntries(entries []models.AttributionEntry) {
	sort.SliceStable(entries, func(i, j int) bool { return less(entries[i], entries[j]) })
}

func less(a, b models.AttributionEntry) bool {
	aa, ab := math.Abs(a.Contribution), math.Abs(b.Contribution)
	if aa != ab {
		return aa > ab
	}
	return a.Factor < b.Factor
}

func unionFactors(a, b models.CandidateOption) []string {
	seen := make(map[string]struct{}, len(a.Factors)+len(b.Factors))
	for f := range a.Factors {
		seen[f] = struct{}{}
	}
	for f := range b.Factors {
		seen[f] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for f := range seen {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}
