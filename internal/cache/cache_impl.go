package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-explain/internal/metrics"
	"github.com/kubilitics/kubilitics-explain/internal/models"
)

// flight is the wait handle of one in-flight computation.
type flight struct {
	done chan struct{}
	exp  *models.Explanation
	err  error
}

// lruCache implements Cache.
type lruCache struct {
	mu       sync.Mutex
	entries  *lru.Cache
	inflight map[string]*flight
	capacity int
	manual   bool // set while Evict removes an entry

	hits      uint64
	misses    uint64
	evictions uint64

	logger *zap.Logger
}

// New creates a cache holding at most capacity completed explanations.
func New(capacity int, logger *zap.Logger) Cache {
	if capacity < 1 {
		capacity = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &lruCache{
		inflight: make(map[string]*flight),
		capacity: capacity,
		logger:   logger,
	}
	c.entries = lru.New(capacity)
	c.entries.OnEvicted = func(key lru.Key, _ interface{}) {
		c.evictions++
		reason := "capacity"
		if c.manual {
			reason = "manual"
		}
		metrics.CacheEvictions.WithLabelValues(reason).Inc()
		c.logger.Debug("explanation evicted", zap.Any("fingerprint", key), zap.String("reason", reason))
	}
	return c
}

// GetOrCompute implements Cache.
func (c *lruCache) GetOrCompute(ctx context.Context, fingerprint string, compute ComputeFunc) (*models.Explanation, bool, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, false, err
		}

		c.mu.Lock()
		if v, ok := c.entries.Get(fingerprint); ok {
			c.hits++
			c.mu.Unlock()
			metrics.CacheHits.Inc()
			return v.(*models.Explanation), true, nil
		}

		if f, ok := c.inflight[fingerprint]; ok {
			c.mu.Unlock()
			exp, retry, err := c.wait(ctx, fingerprint, f)
			if retry {
				continue
			}
			return exp, err == nil, err
		}

		c.misses++
		f := &flight{done: make(chan struct{})}
		c.inflight[fingerprint] = f
		c.mu.Unlock()

		metrics.CacheMisses.Inc()
		metrics.CacheInFlight.Inc()

		exp, err := c.run(ctx, fingerprint, f, compute)
		return exp, false, err
	}
}

// wait blocks on another caller's computation. retry is true when that
// caller was cancelled and this one is still live.
func (c *lruCache) wait(ctx context.Context, fingerprint string, f *flight) (*models.Explanation, bool, error) {
	start := time.Now()
	c.logger.Debug("waiting on in-flight explanation", zap.String("fingerprint", fingerprint))

	select {
	case <-f.done:
		metrics.CacheWaitDuration.Observe(time.Since(start).Seconds())
		if f.err == nil {
			c.mu.Lock()
			c.hits++
			c.mu.Unlock()
			metrics.CacheHits.Inc()
			return f.exp, false, nil
		}
		if isCancellation(f.err) && ctx.Err() == nil {
			return nil, true, nil
		}
		return nil, false, f.err
	case <-ctx.Done():
		metrics.CacheWaitDuration.Observe(time.Since(start).Seconds())
		return nil, false, ctx.Err()
	}
}

// run executes compute and releases the flight exactly once.
func (c *lruCache) run(ctx context.Context, fingerprint string, f *flight, compute ComputeFunc) (exp *models.Explanation, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("explanation computation panicked",
				zap.String("fingerprint", fingerprint),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			exp, err = nil, fmt.Errorf("explanation %s: computation panicked: %v", fingerprint, r)
		}
		if err == nil && exp == nil {
			err = fmt.Errorf("explanation %s: computation returned no result", fingerprint)
		}
		c.complete(fingerprint, f, exp, err)
	}()

	return compute(ctx)
}

func (c *lruCache) complete(fingerprint string, f *flight, exp *models.Explanation, err error) {
	f.exp, f.err = exp, err

	c.mu.Lock()
	delete(c.inflight, fingerprint)
	if err == nil {
		c.entries.Add(fingerprint, exp)
	}
	c.mu.Unlock()

	metrics.CacheInFlight.Dec()
	close(f.done)
}

// Get implements Cache.
func (c *lruCache) Get(fingerprint string) (*models.Explanation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries.Get(fingerprint)
	if !ok {
		return nil, false
	}
	return v.(*models.Explanation), true
}

// Evict implements Cache.
func (c *lruCache) Evict(fingerprint string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.inflight[fingerprint]; ok {
		return fmt.Errorf("evict %s: %w", fingerprint, models.ErrInFlight)
	}
	if _, ok := c.entries.Get(fingerprint); !ok {
		return fmt.Errorf("evict %s: %w", fingerprint, models.ErrNotFound)
	}
	c.manual = true
	c.entries.Remove(fingerprint)
	c.manual = false
	return nil
}

// Stats implements Cache.
func (c *lruCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		InFlight:  len(c.inflight),
		Size:      c.entries.Len(),
		Capacity:  c.capacity,
	}
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
