package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/kubilitics-explain/internal/attribution"
	"github.com/kubilitics/kubilitics-explain/internal/models"
	"github.com/kubilitics/kubilitics-explain/internal/normalizer"
)

func TestPoolExplainsJobs(t *testing.T) {
	p := NewPool(newEngine(t, nil, nil), PoolConfig{Workers: 4, QueueSize: 32}, nil)
	p.Start()
	defer p.Stop(context.Background())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		raw := rawE1()
		raw["event_id"] = fmt.Sprintf("E%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			exp, err := p.SubmitAndWait(context.Background(), Job{Raw: raw, Source: "log"})
			assert.NoError(t, err)
			assert.Equal(t, raw["event_id"], exp.EventID)
		}()
	}
	wg.Wait()
}

func TestPoolAcceptsNormalizedEvents(t *testing.T) {
	p := NewPool(newEngine(t, nil, nil), PoolConfig{Workers: 1}, nil)
	p.Start()
	defer p.Stop(context.Background())

	ev, err := normalizer.Normalize(rawE1())
	require.NoError(t, err)

	ch, err := p.Submit(context.Background(), Job{Event: ev})
	require.NoError(t, err)
	r := <-ch
	require.NoError(t, r.Err)
	assert.Equal(t, "E1", r.Explanation.EventID)
	assert.NotEmpty(t, r.JobID)
}

func TestPoolRejectsWhenFull(t *testing.T) {
	attr := &countingAttributor{inner: attribution.NewEngine(nil, nil), gate: make(chan struct{})}
	p := NewPool(newEngine(t, attr, nil), PoolConfig{Workers: 1, QueueSize: 1}, nil)
	p.Start()

	first, err := p.Submit(context.Background(), Job{Raw: rawE1()})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return atomic.LoadInt32(&attr.calls) == 1 }, time.Second, time.Millisecond)

	second := rawE1()
	second["event_id"] = "E2"
	queued, err := p.Submit(context.Background(), Job{Raw: second})
	require.NoError(t, err)

	third := rawE1()
	third["event_id"] = "E3"
	_, err = p.Submit(context.Background(), Job{Raw: third})
	assert.ErrorIs(t, err, ErrPoolFull)

	close(attr.gate)
	assert.NoError(t, (<-first).Err)
	assert.NoError(t, (<-queued).Err)
	require.NoError(t, p.Stop(context.Background()))
}

func TestPoolStopCancelsRunningJobs(t *testing.T) {
	attr := &countingAttributor{inner: attribution.NewEngine(nil, nil), gate: make(chan struct{})}
	e := newEngine(t, attr, nil)
	p := NewPool(e, PoolConfig{Workers: 1, QueueSize: 4}, nil)
	p.Start()

	running, err := p.Submit(context.Background(), Job{Raw: rawE1()})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return atomic.LoadInt32(&attr.calls) == 1 }, time.Second, time.Millisecond)

	second := rawE1()
	second["event_id"] = "E2"
	waiting, err := p.Submit(context.Background(), Job{Raw: second})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Stop(ctx), context.DeadlineExceeded)

	r := <-running
	assert.ErrorIs(t, r.Err, context.Canceled)
	assert.Equal(t, models.KindCancelled, models.KindOf(r.Err))

	// the queued job either never started or was cancelled with the pool
	w := <-waiting
	assert.Error(t, w.Err)

	assert.Equal(t, 0, e.CacheStats().InFlight)

	_, err = p.Submit(context.Background(), Job{Raw: rawE1()})
	assert.ErrorIs(t, err, ErrPoolStopped)
}

func TestPoolJobCancelledWhileQueued(t *testing.T) {
	attr := &countingAttributor{inner: attribution.NewEngine(nil, nil), gate: make(chan struct{})}
	p := NewPool(newEngine(t, attr, nil), PoolConfig{Workers: 1, QueueSize: 4}, nil)
	p.Start()

	blocker, err := p.Submit(context.Background(), Job{Raw: rawE1()})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return atomic.LoadInt32(&attr.calls) == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	second := rawE1()
	second["event_id"] = "E2"
	ch, err := p.Submit(ctx, Job{Raw: second})
	require.NoError(t, err)
	cancel()

	close(attr.gate)
	assert.NoError(t, (<-blocker).Err)
	assert.ErrorIs(t, (<-ch).Err, context.Canceled)
	require.NoError(t, p.Stop(context.Background()))
}

func TestPoolSubmitValidatesJob(t *testing.T) {
	p := NewPool(newEngine(t, nil, nil), PoolConfig{}, nil)
	p.Start()
	defer p.Stop(context.Background())

	_, err := p.Submit(context.Background(), Job{})
	assert.Error(t, err)
}
