package cache

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
	"go.uber.org/goleak"

	"github.com/kubilitics/kubilitics-explain/internal/models"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func explanation(fp string) *models.Explanation {
	return &models.Explanation{Fingerprint: fp, EventID: "ev-" + fp, Confidence: 1}
}

func TestGetOrComputeCachesSuccess(t *testing.T) {
	c := New(8, nil)
	var calls int32
	compute := func(context.Context) (*models.Explanation, error) {
		atomic.AddInt32(&calls, 1)
		return explanation("fp1"), nil
	}

	first, shared, err := c.GetOrCompute(context.Background(), "fp1", compute)
	require.NoError(t, err)
	assert.False(t, shared)

	second, shared, err := c.GetOrCompute(context.Background(), "fp1", compute)
	require.NoError(t, err)
	assert.True(t, shared)
	assert.Same(t, first, second)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, 1, stats.Size)
	assert.Equal(t, 0, stats.InFlight)
}

func TestConcurrentCallersComputeOnce(t *testing.T) {
	c := New(8, nil)
	gate := make(chan struct{})
	var calls int32
	compute := func(context.Context) (*models.Explanation, error) {
		atomic.AddInt32(&calls, 1)
		<-gate
		return explanation("hot"), nil
	}

	const n = 32
	results := make([]*models.Explanation, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			exp, _, err := c.GetOrCompute(context.Background(), "hot", compute)
			assert.NoError(t, err)
			results[i] = exp
		}(i)
	}

	require.Eventually(t, func() bool { return c.Stats().InFlight == 1 }, time.Second, time.Millisecond)
	close(gate)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	for _, r := range results {
		assert.Same(t, results[0], r)
	}
}

func TestDistinctFingerprintsDoNotSerialize(t *testing.T) {
	c := New(8, nil)
	blocked := make(chan struct{})
	defer close(blocked)

	go func() {
		_, _, _ = c.GetOrCompute(context.Background(), "slow", func(context.Context) (*models.Explanation, error) {
			<-blocked
			return explanation("slow"), nil
		})
	}()
	require.Eventually(t, func() bool { return c.Stats().InFlight == 1 }, time.Second, time.Millisecond)

	exp, _, err := c.GetOrCompute(context.Background(), "fast", func(context.Context) (*models.Explanation, error) {
		return explanation("fast"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, "fast", exp.Fingerprint)
}

func TestFailureIsNotCached(t *testing.T) {
	c := New(8, nil)
	boom := errors.New("boom")
	var calls int32
	compute := func(context.Context) (*models.Explanation, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return nil, boom
		}
		return explanation("fp"), nil
	}

	_, _, err := c.GetOrCompute(context.Background(), "fp", compute)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, c.Stats().Size)

	exp, _, err := c.GetOrCompute(context.Background(), "fp", compute)
	require.NoError(t, err)
	assert.Equal(t, "fp", exp.Fingerprint)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestPanicReleasesSlot(t *testing.T) {
	c := New(8, nil)

	_, _, err := c.GetOrCompute(context.Background(), "fp", func(context.Context) (*models.Explanation, error) {
		panic("kaboom")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
	assert.Equal(t, 0, c.Stats().InFlight)

	exp, _, err := c.GetOrCompute(context.Background(), "fp", func(context.Context) (*models.Explanation, error) {
		return explanation("fp"), nil
	})
	require.NoError(t, err)
	assert.NotNil(t, exp)
}

func TestNilResultIsAnError(t *testing.T) {
	c := New(8, nil)
	_, _, err := c.GetOrCompute(context.Background(), "fp", func(context.Context) (*models.Explanation, error) {
		return nil, nil
	})
	assert.Error(t, err)
	assert.Equal(t, 0, c.Stats().Size)
}

func TestEvict(t *testing.T) {
	c := New(8, nil)
	_, _, err := c.GetOrCompute(context.Background(), "fp", func(context.Context) (*models.Explanation, error) {
		return explanation("fp"), nil
	})
	require.NoError(t, err)

	require.NoError(t, c.Evict("fp"))
	_, ok := c.Get("fp")
	assert.False(t, ok)
	assert.Equal(t, uint64(1), c.Stats().Evictions)

	assert.ErrorIs(t, c.Evict("fp"), models.ErrNotFound)
}

func TestEvictInFlight(t *testing.T) {
	c := New(8, nil)
	gate := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		_, _, _ = c.GetOrCompute(context.Background(), "fp", func(context.Context) (*models.Explanation, error) {
			<-gate
			return explanation("fp"), nil
		})
	}()
	require.Eventually(t, func() bool { return c.Stats().InFlight == 1 }, time.Second, time.Millisecond)

	err := c.Evict("fp")
	assert.ErrorIs(t, err, models.ErrInFlight)
	assert.Equal(t, models.KindCacheContention, models.KindOf(err))

	close(gate)
	<-done
	assert.NoError(t, c.Evict("fp"))
}

func TestCapacityEviction(t *testing.T) {
	c := New(2, nil)
	for i := 0; i < 3; i++ {
		fp := fmt.Sprintf("fp%d", i)
		_, _, err := c.GetOrCompute(context.Background(), fp, func(context.Context) (*models.Explanation, error) {
			return explanation(fp), nil
		})
		require.NoError(t, err)
	}

	_, ok := c.Get("fp0")
	assert.False(t, ok)
	_, ok = c.Get("fp2")
	assert.True(t, ok)

	stats := c.Stats()
	assert.Equal(t, 2, stats.Size)
	assert.Equal(t, 2, stats.Capacity)
	assert.Equal(t, uint64(1), stats.Evictions)
}

func TestLeaderCancelledWaitersRetry(t *testing.T) {
	c := New(8, nil)
	started := make(chan struct{})
	var calls int32

	compute := func(ctx context.Context) (*models.Explanation, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return explanation("fp"), nil
	}

	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, _, err := c.GetOrCompute(leaderCtx, "fp", compute)
		leaderErr <- err
	}()
	<-started

	waiterExp := make(chan *models.Explanation, 1)
	go func() {
		exp, _, err := c.GetOrCompute(context.Background(), "fp", compute)
		assert.NoError(t, err)
		waiterExp <- exp
	}()

	cancelLeader()
	assert.ErrorIs(t, <-leaderErr, context.Canceled)

	exp := <-waiterExp
	require.NotNil(t, exp)
	assert.Equal(t, "fp", exp.Fingerprint)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestWaiterHonoursOwnContext(t *testing.T) {
	c := New(8, nil)
	gate := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		_, _, _ = c.GetOrCompute(context.Background(), "fp", func(context.Context) (*models.Explanation, error) {
			<-gate
			return explanation("fp"), nil
		})
	}()
	require.Eventually(t, func() bool { return c.Stats().InFlight == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err := c.GetOrCompute(ctx, "fp", func(context.Context) (*models.Explanation, error) {
		t.Fatal("waiter must not compute")
		return nil, nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(gate)
	<-done
}
