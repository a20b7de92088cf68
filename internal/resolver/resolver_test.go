package resolver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/kubilitics-explain/internal/models"
)

// fakeSource serves values, blocks on slow factors until the fetch context
// ends and fails factors listed in errs.
type fakeSource struct {
	name     string
	values   map[string]float64
	slow     map[string]bool
	errs     map[string]error
	pingErr  error
	inFlight int32
	maxSeen  int32
	hold     time.Duration
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) Resolve(ctx context.Context, factor string) (float64, error) {
	n := atomic.AddInt32(&f.inFlight, 1)
	defer atomic.AddInt32(&f.inFlight, -1)
	for {
		seen := atomic.LoadInt32(&f.maxSeen)
		if n <= seen || atomic.CompareAndSwapInt32(&f.maxSeen, seen, n) {
			break
		}
	}
	if f.hold > 0 {
		select {
		case <-time.After(f.hold):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	if f.slow[factor] {
		<-ctx.Done()
		return 0, ctx.Err()
	}
	if err, ok := f.errs[factor]; ok {
		return 0, err
	}
	v, ok := f.values[factor]
	if !ok {
		return 0, ErrFactorNotFound
	}
	return v, nil
}

type pingingSource struct {
	*fakeSource
}

func (p pingingSource) Ping(ctx context.Context) error { return p.pingErr }

func testEvent() *models.AdaptationEvent {
	return &models.AdaptationEvent{
		ID:             "E1",
		ChosenOptionID: "A",
		Options: []models.CandidateOption{
			{ID: "A", Score: 0.8, Factors: map[string]float64{"latency": 0.9, "cost": 0.5}},
			{ID: "B", Score: 0.6, Factors: map[string]float64{"latency": 0.5, "cost": 0.7, "energy": 0.2}},
		},
	}
}

func TestResolveAllFactors(t *testing.T) {
	src := NewStaticSource(map[string]float64{"latency": 12, "cost": 3, "energy": 1})
	r := New(src, Options{FetchTimeout: time.Second})

	dc, err := r.Resolve(context.Background(), testEvent())
	require.NoError(t, err)
	require.Len(t, dc.Values, 3)
	assert.Empty(t, dc.Unresolved())

	v, ok := dc.Get("latency")
	require.True(t, ok)
	assert.True(t, v.Resolved)
	assert.Equal(t, 12.0, v.Value)
	assert.Equal(t, "static", v.Source)
	assert.False(t, v.RetrievedAt.IsZero())
}

func TestResolveTimeoutMarksUnresolved(t *testing.T) {
	src := &fakeSource{
		name:   "fake",
		values: map[string]float64{"latency": 12, "energy": 1},
		slow:   map[string]bool{"cost": true},
	}
	r := New(src, Options{FetchTimeout: 20 * time.Millisecond})

	dc, err := r.Resolve(context.Background(), testEvent())
	require.NoError(t, err)
	require.Len(t, dc.Values, 3)

	cost, ok := dc.Get("cost")
	require.True(t, ok)
	assert.False(t, cost.Resolved)
	assert.Equal(t, "timeout", cost.Error)
	assert.True(t, dc.IsResolved("latency"))
	assert.Equal(t, []string{"cost"}, dc.Unresolved())
}

func TestResolveNotFoundIsPartial(t *testing.T) {
	src := NewStaticSource(map[string]float64{"latency": 12})
	r := New(src, Options{})

	dc, err := r.Resolve(context.Background(), testEvent())
	require.NoError(t, err)
	assert.Equal(t, []string{"cost", "energy"}, dc.Unresolved())
	v, _ := dc.Get("energy")
	assert.Equal(t, "not_found", v.Error)
}

func TestResolveTotalFailure(t *testing.T) {
	unreachable := fmt.Errorf("dial tcp: %w", ErrSourceUnreachable)
	src := &fakeSource{
		name: "fake",
		errs: map[string]error{"latency": unreachable, "cost": unreachable, "energy": unreachable},
	}
	r := New(src, Options{})

	_, err := r.Resolve(context.Background(), testEvent())
	require.Error(t, err)

	var cre *models.ContextResolutionError
	require.True(t, errors.As(err, &cre))
	assert.Equal(t, "E1", cre.EventID)
	assert.True(t, cre.Retryable())
	assert.True(t, errors.Is(err, ErrSourceUnreachable))
	assert.Equal(t, models.KindContextResolution, models.KindOf(err))
}

func TestResolveNoSource(t *testing.T) {
	r := New(nil, Options{})
	_, err := r.Resolve(context.Background(), testEvent())
	assert.Equal(t, models.KindContextResolution, models.KindOf(err))
}

func TestResolvePingFailure(t *testing.T) {
	src := pingingSource{&fakeSource{name: "fake", pingErr: ErrSourceUnreachable}}
	r := New(src, Options{})

	_, err := r.Resolve(context.Background(), testEvent())
	assert.Equal(t, models.KindContextResolution, models.KindOf(err))
}

func TestResolveCancellation(t *testing.T) {
	src := &fakeSource{
		name: "fake",
		slow: map[string]bool{"latency": true, "cost": true, "energy": true},
	}
	r := New(src, Options{FetchTimeout: 10 * time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := r.Resolve(ctx, testEvent())
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, models.KindCancelled, models.KindOf(err))
	case <-time.After(2 * time.Second):
		t.Fatal("resolver did not return after cancellation")
	}
	assert.Equal(t, int32(0), atomic.LoadInt32(&src.inFlight))
}

func TestResolveBoundsConcurrency(t *testing.T) {
	values := make(map[string]float64)
	factors := make(map[string]float64)
	for i := 0; i < 10; i++ {
		name := fmt.Sprintf("f%02d", i)
		values[name] = float64(i)
		factors[name] = 1
	}
	ev := &models.AdaptationEvent{
		ID:             "wide",
		ChosenOptionID: "A",
		Options:        []models.CandidateOption{{ID: "A", Score: 1, Factors: factors}},
	}
	src := &fakeSource{name: "fake", values: values, hold: 10 * time.Millisecond}
	r := New(src, Options{MaxConcurrent: 2})

	dc, err := r.Resolve(context.Background(), ev)
	require.NoError(t, err)
	assert.Len(t, dc.Values, 10)
	assert.LessOrEqual(t, atomic.LoadInt32(&src.maxSeen), int32(2))
}

func TestResolveRateLimited(t *testing.T) {
	src := NewStaticSource(map[string]float64{"latency": 1, "cost": 2, "energy": 3})
	r := New(src, Options{RateLimit: 1000})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			dc, err := r.Resolve(context.Background(), testEvent())
			assert.NoError(t, err)
			assert.Empty(t, dc.Unresolved())
		}()
	}
	wg.Wait()
}
