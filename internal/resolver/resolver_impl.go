package resolver

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/kubilitics/kubilitics-explain/internal/metrics"
	"github.com/kubilitics/kubilitics-explain/internal/models"
)

// Fetch statuses recorded in metrics and provenance.
const (
	statusOK          = "ok"
	statusTimeout     = "timeout"
	statusNotFound    = "not_found"
	statusUnreachable = "unreachable"
	statusError       = "error"
	statusCancelled   = "cancelled"
)

// Options configures a resolver.
type Options struct {
	// FetchTimeout bounds each factor fetch. Zero means 2s.
	FetchTimeout time.Duration

	// MaxConcurrent bounds fetches in flight for one event. Zero means 16.
	MaxConcurrent int

	// RateLimit caps fetches per second across all events. Zero disables.
	RateLimit float64

	Logger *zap.Logger

	// Now is the clock used for RetrievedAt; defaults to time.Now.
	Now func() time.Time
}

type contextResolver struct {
	source        FactorSource
	fetchTimeout  time.Duration
	maxConcurrent int
	limiter       *rate.Limiter
	logger        *zap.Logger
	now           func() time.Time
}

// New creates a resolver over source. A nil source is allowed and makes
// every resolution fail with ContextResolutionError.
func New(source FactorSource, opts Options) Resolver {
	r := &contextResolver{
		source:        source,
		fetchTimeout:  opts.FetchTimeout,
		maxConcurrent: opts.MaxConcurrent,
		logger:        opts.Logger,
		now:           opts.Now,
	}
	if r.fetchTimeout <= 0 {
		r.fetchTimeout = 2 * time.Second
	}
	if r.maxConcurrent <= 0 {
		r.maxConcurrent = 16
	}
	if opts.RateLimit > 0 {
		burst := int(math.Ceil(opts.RateLimit))
		r.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// Resolve resolves every factor referenced by ev.
func (r *contextResolver) Resolve(ctx context.Context, ev *models.AdaptationEvent) (*models.DecisionContext, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r.source == nil {
		return nil, &models.ContextResolutionError{EventID: ev.ID, Reason: "no context source configured"}
	}

	if p, ok := r.source.(Pinger); ok {
		pctx, cancel := context.WithTimeout(ctx, r.fetchTimeout)
		err := p.Ping(pctx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, &models.ContextResolutionError{EventID: ev.ID, Reason: "no context source reachable", Err: err}
		}
	}

	factors := ev.FactorNames()
	values := make([]models.ResolvedValue, len(factors))
	failures := make([]error, len(factors))

	g := new(errgroup.Group)
	g.SetLimit(r.maxConcurrent)
	for i, factor := range factors {
		i, factor := i, factor
		g.Go(func() error {
			values[i], failures[i] = r.fetch(ctx, factor)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dc := &models.DecisionContext{
		EventID:    ev.ID,
		Values:     make(map[string]models.ResolvedValue, len(factors)),
		ResolvedAt: r.now(),
	}
	unreachable := 0
	for i, v := range values {
		dc.Values[v.Factor] = v
		if failures[i] != nil && errors.Is(failures[i], ErrSourceUnreachable) {
			unreachable++
		}
	}

	if len(factors) > 0 && unreachable == len(factors) {
		return nil, &models.ContextResolutionError{
			EventID: ev.ID,
			Reason:  fmt.Sprintf("all %d factors failed: source unreachable", len(factors)),
			Err:     firstError(failures),
		}
	}

	if unresolved := dc.Unresolved(); len(unresolved) > 0 {
		r.logger.Debug("context partially resolved",
			zap.String("event_id", ev.ID),
			zap.Strings("unresolved", unresolved),
		)
	}

	return dc, nil
}

// fetch resolves one factor under its own timeout. It never fails the
// event; the returned error is only used to detect total failure.
func (r *contextResolver) fetch(ctx context.Context, factor string) (models.ResolvedValue, error) {
	rv := models.ResolvedValue{Factor: factor, Source: r.source.Name()}
	start := time.Now()

	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			rv.RetrievedAt = r.now()
			rv.Error = statusCancelled
			return rv, err
		}
	}

	fctx, cancel := context.WithTimeout(ctx, r.fetchTimeout)
	defer cancel()

	var (
		value  float64
		source string
		err    error
	)
	if ps, ok := r.source.(ProvenanceSource); ok {
		value, source, err = ps.ResolveWithSource(fctx, factor)
	} else {
		value, err = r.source.Resolve(fctx, factor)
	}
	if source != "" {
		rv.Source = source
	}
	rv.RetrievedAt = r.now()

	if err == nil && (math.IsNaN(value) || math.IsInf(value, 0)) {
		err = fmt.Errorf("non-finite value for %s", factor)
	}

	status := statusOK
	switch {
	case err == nil:
		rv.Value = value
		rv.Resolved = true
	case ctx.Err() != nil:
		status = statusCancelled
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(fctx.Err(), context.DeadlineExceeded):
		status = statusTimeout
		err = fmt.Errorf("fetch %s: %w", factor, context.DeadlineExceeded)
	case errors.Is(err, ErrFactorNotFound):
		status = statusNotFound
	case errors.Is(err, ErrSourceUnreachable):
		status = statusUnreachable
	default:
		status = statusError
	}
	if err != nil {
		rv.Error = status
		r.logger.Debug("context fetch failed",
			zap.String("factor", factor),
			zap.String("source", rv.Source),
			zap.String("status", status),
			zap.Error(err),
		)
	}

	metrics.ContextFetchTotal.WithLabelValues(rv.Source, status).Inc()
	metrics.ContextFetchDuration.WithLabelValues(rv.Source).Observe(time.Since(start).Seconds())

	return rv, err
}

func firstError(errs []error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
