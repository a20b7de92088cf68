package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-explain/internal/metrics"
	"github.com/kubilitics/kubilitics-explain/internal/models"
)

var (
	// ErrPoolFull is returned when the job queue cannot accept more events.
	ErrPoolFull = errors.New("explanation pool queue is full")

	// ErrPoolStopped is returned when the pool is not running.
	ErrPoolStopped = errors.New("explanation pool is stopped")
)

// Job is one event to explain. Exactly one of Raw or Event is set.
type Job struct {
	Raw    map[string]interface{}
	Event  *models.AdaptationEvent
	Source string
}

// Result is the outcome of a Job.
type Result struct {
	JobID       string
	Explanation *models.Explanation
	Err         error
	Queued      time.Duration
}

// PoolConfig configures a Pool.
type PoolConfig struct {
	Workers   int // default 8
	QueueSize int // default 256
}

type job struct {
	id          string
	ctx         context.Context
	work        Job
	submittedAt time.Time
	result      chan Result
}

// Pool runs jobs on a fixed set of workers.
type Pool struct {
	explainer Explainer
	cfg       PoolConfig
	logger    *zap.Logger

	mu        sync.RWMutex
	running   bool
	jobs      chan *job
	stopCh    chan struct{}
	base      context.Context
	cancelAll context.CancelFunc
	wg        sync.WaitGroup

	counter int64
}

// NewPool creates a pool in front of explainer. Call Start before Submit.
func NewPool(explainer Explainer, cfg PoolConfig, logger *zap.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{explainer: explainer, cfg: cfg, logger: logger}
}

// Start launches the workers.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}

	p.running = true
	p.jobs = make(chan *job, p.cfg.QueueSize)
	p.stopCh = make(chan struct{})
	p.base, p.cancelAll = context.WithCancel(context.Background())

	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Info("explanation pool started", zap.Int("workers", p.cfg.Workers), zap.Int("queue_size", p.cfg.QueueSize))
}

// Stop stops accepting jobs and waits for running jobs until ctx ends, after
// which they are cancelled. Jobs still queued receive ErrPoolStopped.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		p.logger.Warn("explanation pool drain timed out, cancelling running jobs")
		p.cancelAll()
		<-done
		err = ctx.Err()
	}
	p.cancelAll()

	for {
		select {
		case j := <-p.jobs:
			j.result <- Result{JobID: j.id, Err: ErrPoolStopped, Queued: time.Since(j.submittedAt)}
		default:
			metrics.PoolQueueDepth.Set(0)
			p.logger.Info("explanation pool stopped")
			return err
		}
	}
}

// Submit queues a job and returns the channel its result is delivered on.
// The channel receives exactly one Result.
func (p *Pool) Submit(ctx context.Context, work Job) (<-chan Result, error) {
	if work.Raw == nil && work.Event == nil {
		return nil, errors.New("job has neither a raw record nor an event")
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.running {
		return nil, ErrPoolStopped
	}

	j := &job{
		id:          fmt.Sprintf("job-%d", atomic.AddInt64(&p.counter, 1)),
		ctx:         ctx,
		work:        work,
		submittedAt: time.Now(),
		result:      make(chan Result, 1),
	}

	select {
	case p.jobs <- j:
		metrics.PoolQueueDepth.Set(float64(len(p.jobs)))
		return j.result, nil
	default:
		return nil, fmt.Errorf("%w (%d queued)", ErrPoolFull, p.cfg.QueueSize)
	}
}

// SubmitAndWait submits a job and blocks until its result or ctx ends.
func (p *Pool) SubmitAndWait(ctx context.Context, work Job) (*models.Explanation, error) {
	ch, err := p.Submit(ctx, work)
	if err != nil {
		return nil, err
	}
	select {
	case r := <-ch:
		return r.Explanation, r.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		case j := <-p.jobs:
			metrics.PoolQueueDepth.Set(float64(len(p.jobs)))
			p.run(id, j)
		}
	}
}

func (p *Pool) run(worker int, j *job) {
	queued := time.Since(j.submittedAt)

	if err := j.ctx.Err(); err != nil {
		j.result <- Result{JobID: j.id, Err: fmt.Errorf("cancelled while queued: %w", err), Queued: queued}
		return
	}

	ctx, cancel := context.WithCancel(j.ctx)
	stop := context.AfterFunc(p.base, cancel)
	defer func() {
		stop()
		cancel()
	}()

	p.logger.Debug("worker picked up job",
		zap.Int("worker", worker),
		zap.String("job_id", j.id),
		zap.Duration("queued", queued),
	)

	var exp *models.Explanation
	var err error
	if j.work.Event != nil {
		exp, err = p.explainer.ExplainEvent(ctx, j.work.Event)
	} else {
		exp, err = p.explainer.Explain(ctx, j.work.Raw, j.work.Source)
	}
	j.result <- Result{JobID: j.id, Explanation: exp, Err: err, Queued: queued}
}
