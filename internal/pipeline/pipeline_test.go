package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/kubilitics/kubilitics-explain/internal/attribution"
	"github.com/kubilitics/kubilitics-explain/internal/db"
	"github.com/kubilitics/kubilitics-explain/internal/models"
	"github.com/kubilitics/kubilitics-explain/internal/resolver"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// database/sql keeps a connection opener goroutine per open DB
		goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"),
	)
}

// countingAttributor counts attributions and can hold them on a gate.
type countingAttributor struct {
	inner attribution.Attributor
	calls int32
	gate  chan struct{}
}

func (c *countingAttributor) Attribute(ctx context.Context, ev *models.AdaptationEvent, dc *models.DecisionContext) (*models.AttributionResult, error) {
	atomic.AddInt32(&c.calls, 1)
	if c.gate != nil {
		select {
		case <-c.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return c.inner.Attribute(ctx, ev, dc)
}

func rawE1() map[string]interface{} {
	return map[string]interface{}{
		"event_id":         "E1",
		"timestamp":        "2026-05-01T10:00:00Z",
		"chosen_option_id": "A",
		"intent":           "low-latency",
		"options": []interface{}{
			map[string]interface{}{"id": "A", "score": 0.8, "factors": map[string]interface{}{"latency": 0.9, "cost": 0.5}},
			map[string]interface{}{"id": "B", "score": 0.6, "factors": map[string]interface{}{"latency": 0.5, "cost": 0.7}},
		},
	}
}

func staticResolver() resolver.Resolver {
	return resolver.New(resolver.NewStaticSource(map[string]float64{"latency": 12, "cost": 3}), resolver.Options{FetchTimeout: time.Second})
}

func newEngine(t *testing.T, attr attribution.Attributor, store Store) *Engine {
	t.Helper()
	e, err := New(Deps{Resolver: staticResolver(), Attributor: attr, Store: store})
	require.NoError(t, err)
	return e
}

func TestExplainScenarioE1(t *testing.T) {
	e := newEngine(t, nil, nil)

	exp, err := e.Explain(context.Background(), rawE1(), "rest")
	require.NoError(t, err)

	assert.Equal(t, "E1", exp.EventID)
	assert.Equal(t, "low-latency", exp.Intent)
	assert.Equal(t, "A", exp.ChosenOptionID)
	assert.Equal(t, "B", exp.RunnerUpID)
	assert.InDelta(t, 0.2, exp.Margin, 1e-12)
	assert.Equal(t, 1.0, exp.Confidence)
	assert.Contains(t, exp.Narrative, "latency favored A")
	require.NotEmpty(t, exp.Evidence)
	assert.Equal(t, "attribution:latency", exp.Evidence[0].ID)
	assert.Len(t, exp.Fingerprint, 64)
}

func TestExplainIsIdempotent(t *testing.T) {
	attr := &countingAttributor{inner: attribution.NewEngine(nil, nil)}
	e := newEngine(t, attr, nil)

	first, err := e.Explain(context.Background(), rawE1(), "rest")
	require.NoError(t, err)
	second, err := e.Explain(context.Background(), rawE1(), "grpc")
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, int32(1), atomic.LoadInt32(&attr.calls))
	assert.Equal(t, uint64(1), e.CacheStats().Hits)
}

func TestConcurrentRequestsComputeOnce(t *testing.T) {
	attr := &countingAttributor{inner: attribution.NewEngine(nil, nil), gate: make(chan struct{})}
	e := newEngine(t, attr, nil)

	const n = 24
	results := make([]*models.Explanation, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			exp, err := e.Explain(context.Background(), rawE1(), "rest")
			assert.NoError(t, err)
			results[i] = exp
		}(i)
	}

	require.Eventually(t, func() bool { return atomic.LoadInt32(&attr.calls) == 1 }, time.Second, time.Millisecond)
	close(attr.gate)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&attr.calls))
	for _, r := range results {
		assert.Same(t, results[0], r)
	}
}

func TestExplainMalformed(t *testing.T) {
	e := newEngine(t, nil, nil)
	raw := rawE1()
	raw["chosen_option_id"] = "Z"

	_, err := e.Explain(context.Background(), raw, "rest")
	require.Error(t, err)
	assert.Equal(t, models.KindMalformedEvent, models.KindOf(err))
	assert.Equal(t, 0, e.CacheStats().Size)
}

func TestExplainAttributionError(t *testing.T) {
	e := newEngine(t, nil, nil)
	raw := rawE1()
	raw["chosen_option_id"] = "B"

	_, err := e.Explain(context.Background(), raw, "rest")
	var ae *models.AttributionError
	require.True(t, errors.As(err, &ae))
	assert.InDelta(t, -0.2, ae.Margin, 1e-12)
	assert.Equal(t, 0, e.CacheStats().Size)
	assert.Equal(t, 0, e.CacheStats().InFlight)
}

func TestExplainContextResolutionError(t *testing.T) {
	e, err := New(Deps{Resolver: resolver.New(nil, resolver.Options{})})
	require.NoError(t, err)

	_, err = e.Explain(context.Background(), rawE1(), "rest")
	var cre *models.ContextResolutionError
	require.True(t, errors.As(err, &cre))
	assert.True(t, cre.Retryable())
	assert.Equal(t, "E1", cre.EventID)
}

func TestExplainCancelled(t *testing.T) {
	e := newEngine(t, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Explain(ctx, rawE1(), "rest")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, e.CacheStats().InFlight)
}

func TestExplainByID(t *testing.T) {
	store, err := db.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer store.Close()

	e := newEngine(t, nil, store)

	_, err = e.ExplainByID(context.Background(), "E1")
	assert.ErrorIs(t, err, models.ErrNotFound)

	direct, err := e.Explain(context.Background(), rawE1(), "log")
	require.NoError(t, err)

	byID, err := e.ExplainByID(context.Background(), "E1")
	require.NoError(t, err)
	assert.Equal(t, direct.Fingerprint, byID.Fingerprint)

	history, err := store.ListExplanationsForEvent(context.Background(), "E1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, direct.Narrative, history[0].Narrative)
}

func TestExplainByIDWithoutStore(t *testing.T) {
	_, err := newEngine(t, nil, nil).ExplainByID(context.Background(), "E1")
	assert.Equal(t, models.KindNotFound, models.KindOf(err))
}

func TestEvictAndListeners(t *testing.T) {
	e := newEngine(t, nil, nil)
	var delivered int32
	e.Subscribe(func(*models.Explanation) { atomic.AddInt32(&delivered, 1) })

	exp, err := e.Explain(context.Background(), rawE1(), "rest")
	require.NoError(t, err)
	_, err = e.Explain(context.Background(), rawE1(), "rest")
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&delivered), "cache hits are not re-delivered")

	require.NoError(t, e.Evict(context.Background(), exp.Fingerprint))
	assert.ErrorIs(t, e.Evict(context.Background(), exp.Fingerprint), models.ErrNotFound)

	_, err = e.Explain(context.Background(), rawE1(), "rest")
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&delivered))
}

func TestNewRequiresResolver(t *testing.T) {
	_, err := New(Deps{})
	assert.Error(t, err)
}
