package attribution

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/kubilitics-explain/internal/models"
)

func eventE1() *models.AdaptationEvent {
	return &models.AdaptationEvent{
		ID:             "E1",
		ChosenOptionID: "A",
		Options: []models.CandidateOption{
			{ID: "A", Score: 0.8, Factors: map[string]float64{"latency": 0.9, "cost": 0.5}},
			{ID: "B", Score: 0.6, Factors: map[string]float64{"latency": 0.5, "cost": 0.7}},
		},
	}
}

func TestAttributeScenarioE1(t *testing.T) {
	res, err := NewEngine(nil, nil).Attribute(context.Background(), eventE1(), nil)
	require.NoError(t, err)

	assert.Equal(t, "B", res.RunnerUpID)
	assert.InDelta(t, 0.2, res.Margin, 1e-12)
	assert.Equal(t, models.MethodLinear, res.Method)
	require.Len(t, res.Entries, 2)

	assert.Equal(t, "latency", res.Entries[0].Factor)
	assert.Equal(t, models.SignPositive, res.Entries[0].Sign)
	assert.InDelta(t, 0.4, res.Entries[0].Contribution, 1e-9)

	assert.Equal(t, "cost", res.Entries[1].Factor)
	assert.Equal(t, models.SignNegative, res.Entries[1].Sign)
	assert.InDelta(t, -0.2, res.Entries[1].Contribution, 1e-9)

	assert.InDelta(t, res.Margin, res.Sum(), Tolerance(res.Margin))
	assert.NoError(t, Verify(res))
}

func TestAttributeRunnerUpTieBreak(t *testing.T) {
	ev := &models.AdaptationEvent{
		ID:             "tie",
		ChosenOptionID: "A",
		Options: []models.CandidateOption{
			{ID: "A", Score: 0.9, Factors: map[string]float64{"x": 3}},
			{ID: "C", Score: 0.5, Factors: map[string]float64{"x": 1}},
			{ID: "B", Score: 0.5, Factors: map[string]float64{"x": 2}},
		},
	}

	res, err := NewEngine(nil, nil).Attribute(context.Background(), ev, nil)
	require.NoError(t, err)
	assert.Equal(t, "B", res.RunnerUpID)
	assert.InDelta(t, 0.4, res.Margin, 1e-12)
}

func TestAttributeUncontested(t *testing.T) {
	ev := &models.AdaptationEvent{
		ID:             "solo",
		ChosenOptionID: "A",
		Options:        []models.CandidateOption{{ID: "A", Score: 0.4, Factors: map[string]float64{"x": 1}}},
	}

	res, err := NewEngine(nil, nil).Attribute(context.Background(), ev, nil)
	require.NoError(t, err)
	assert.True(t, res.Uncontested)
	assert.Empty(t, res.Entries)
	assert.NotNil(t, res.Entries)
	assert.Empty(t, res.RunnerUpID)
	assert.Equal(t, models.MethodNone, res.Method)
	assert.NoError(t, Verify(res))
}

func TestAttributeNegativeMargin(t *testing.T) {
	ev := eventE1()
	ev.ChosenOptionID = "B"

	_, err := NewEngine(nil, nil).Attribute(context.Background(), ev, nil)
	require.Error(t, err)

	var ae *models.AttributionError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, "E1", ae.EventID)
	assert.Equal(t, "A", ae.RunnerUpID)
	assert.InDelta(t, -0.2, ae.Margin, 1e-12)
	assert.Equal(t, models.KindAttribution, models.KindOf(err))
}

func TestAttributeKeepsConfiguredWeights(t *testing.T) {
	model := NewLinearModel(map[string]float64{"latency": 0.5, "cost": 0.5}, 1)

	res, err := NewEngine(model, nil).Attribute(context.Background(), eventE1(), nil)
	require.NoError(t, err)
	assert.InDelta(t, 0.1, res.ModelResidual, 1e-9)
	require.Len(t, res.Entries, 2)
	assert.Equal(t, "latency", res.Entries[0].Factor)
	assert.InDelta(t, 0.2, res.Entries[0].Contribution, 1e-9)
	assert.Equal(t, "cost", res.Entries[1].Factor)
	assert.InDelta(t, 0.0, res.Entries[1].Contribution, 1e-9)
	assert.NoError(t, Verify(res))
}

func TestAttributeResidueOnlyTouchesLastEntry(t *testing.T) {
	ev := &models.AdaptationEvent{
		ID:             "wide-margin",
		ChosenOptionID: "A",
		Options: []models.CandidateOption{
			{ID: "A", Score: 0.8, Factors: map[string]float64{"latency": 0.9, "cost": 0.5}},
			{ID: "B", Score: 0.4, Factors: map[string]float64{"latency": 0.5, "cost": 0.7}},
		},
	}

	res, err := NewEngine(nil, nil).Attribute(context.Background(), ev, nil)
	require.NoError(t, err)
	require.Len(t, res.Entries, 2)

	latency, ok := res.Entry("latency")
	require.True(t, ok)
	assert.InDelta(t, 0.4, latency.Contribution, 1e-9)
	assert.Equal(t, models.SignPositive, latency.Sign)

	cost, ok := res.Entry("cost")
	require.True(t, ok)
	assert.InDelta(t, 0.0, cost.Contribution, 1e-9)

	assert.InDelta(t, 0.2, res.ModelResidual, 1e-9)
	assert.NoError(t, Verify(res))
}

func TestAttributeOppositeSignAbsorbsResidue(t *testing.T) {
	ev := &models.AdaptationEvent{
		ID:             "odd",
		ChosenOptionID: "A",
		Options: []models.CandidateOption{
			{ID: "A", Score: 1.0, Factors: map[string]float64{"x": 1, "y": 5}},
			{ID: "B", Score: 0.5, Factors: map[string]float64{"x": 2, "y": 5.1}},
		},
	}

	res, err := NewEngine(nil, nil).Attribute(context.Background(), ev, nil)
	require.NoError(t, err)
	assert.NoError(t, Verify(res))
	assert.InDelta(t, 0.5, res.Sum(), 1e-9)
}

func TestAttributeZeroMargin(t *testing.T) {
	ev := &models.AdaptationEvent{
		ID:             "even",
		ChosenOptionID: "A",
		Options: []models.CandidateOption{
			{ID: "A", Score: 0.5, Factors: map[string]float64{"x": 1, "y": 0}},
			{ID: "B", Score: 0.5, Factors: map[string]float64{"x": 0, "y": 1}},
		},
	}

	res, err := NewEngine(nil, nil).Attribute(context.Background(), ev, nil)
	require.NoError(t, err)
	assert.Equal(t, 0.0, res.Margin)
	assert.NoError(t, Verify(res))
}

func TestAttributeMissingFactorCountsAsZero(t *testing.T) {
	ev := &models.AdaptationEvent{
		ID:             "gpu",
		ChosenOptionID: "A",
		Options: []models.CandidateOption{
			{ID: "A", Score: 3, Factors: map[string]float64{"gpu": 2, "cpu": 1}},
			{ID: "B", Score: 1, Factors: map[string]float64{"cpu": 1}},
		},
	}

	res, err := NewEngine(nil, nil).Attribute(context.Background(), ev, nil)
	require.NoError(t, err)
	gpu, ok := res.Entry("gpu")
	require.True(t, ok)
	assert.Equal(t, 0.0, gpu.RunnerUpValue)
	assert.InDelta(t, 2.0, gpu.Contribution, 1e-9)

	cpu, ok := res.Entry("cpu")
	require.True(t, ok)
	assert.Equal(t, models.SignNeutral, cpu.Sign)
}

func TestFuncModelFiniteDifference(t *testing.T) {
	model := NewFuncModel(func(f map[string]float64) float64 { return f["a"] * f["b"] })
	ev := &models.AdaptationEvent{
		ID:             "nonlinear",
		ChosenOptionID: "A",
		Options: []models.CandidateOption{
			{ID: "A", Score: 6, Factors: map[string]float64{"a": 2, "b": 3}},
			{ID: "B", Score: 2, Factors: map[string]float64{"a": 1, "b": 2}},
		},
	}

	res, err := NewEngine(model, nil).Attribute(context.Background(), ev, nil)
	require.NoError(t, err)
	assert.Equal(t, models.MethodFiniteDifference, res.Method)
	require.Len(t, res.Entries, 2)
	assert.Equal(t, "a", res.Entries[0].Factor)
	assert.InDelta(t, 2.5, res.Entries[0].Weight, 1e-6)
	assert.InDelta(t, 1.5, res.Entries[1].Weight, 1e-6)
	assert.InDelta(t, 0.0, res.ModelResidual, 1e-6)
	assert.NoError(t, Verify(res))
}

func TestFuncModelRejectsNaN(t *testing.T) {
	model := NewFuncModel(func(f map[string]float64) float64 { return math.Sqrt(-1 - f["a"]*f["a"]) })
	_, err := NewEngine(model, nil).Attribute(context.Background(), eventWith("a"), nil)
	assert.Equal(t, models.KindAttribution, models.KindOf(err))
}

func eventWith(factor string) *models.AdaptationEvent {
	return &models.AdaptationEvent{
		ID:             "single-factor",
		ChosenOptionID: "A",
		Options: []models.CandidateOption{
			{ID: "A", Score: 2, Factors: map[string]float64{factor: 2}},
			{ID: "B", Score: 1, Factors: map[string]float64{factor: 1}},
		},
	}
}

func TestLinearModelLowercaseFallback(t *testing.T) {
	model := NewLinearModel(map[string]float64{"latency": 2}, 0.5)
	assert.Equal(t, 2.0, model.Weight("latency"))
	assert.Equal(t, 2.0, model.Weight("Latency"))
	assert.Equal(t, 0.5, model.Weight("cost"))
}

func TestLinearModelIsImmutable(t *testing.T) {
	weights := map[string]float64{"latency": 2}
	model := NewLinearModel(weights, 1)
	weights["latency"] = 100
	assert.Equal(t, 2.0, model.Weight("latency"))
}

func TestAttributeCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewEngine(nil, nil).Attribute(ctx, eventE1(), nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAttributeSumInvariantRandomized(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	engine := NewEngine(NewLinearModel(map[string]float64{"f0": 0.3, "f1": -1.2, "f2": 4}, 0.7), nil)

	for i := 0; i < 500; i++ {
		nOpts := 2 + rng.Intn(4)
		nFactors := 1 + rng.Intn(6)
		ev := &models.AdaptationEvent{ID: fmt.Sprintf("rand-%d", i)}
		best := -math.MaxFloat64
		for o := 0; o < nOpts; o++ {
			opt := models.CandidateOption{
				ID:      fmt.Sprintf("opt-%d", o),
				Score:   rng.Float64()*10 - 5,
				Factors: map[string]float64{},
			}
			for f := 0; f < nFactors; f++ {
				if rng.Intn(4) == 0 {
					continue
				}
				opt.Factors[fmt.Sprintf("f%d", f)] = rng.NormFloat64() * math.Pow(10, float64(rng.Intn(4)-2))
			}
			if len(opt.Factors) == 0 {
				opt.Factors["f0"] = rng.Float64()
			}
			if opt.Score > best {
				best = opt.Score
				ev.ChosenOptionID = opt.ID
			}
			ev.Options = append(ev.Options, opt)
		}

		res, err := engine.Attribute(context.Background(), ev, nil)
		require.NoError(t, err, "event %s", ev.ID)
		require.NoError(t, Verify(res), "event %s", ev.ID)
	}
}
