package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-explain/internal/attribution"
	"github.com/kubilitics/kubilitics-explain/internal/audit"
	"github.com/kubilitics/kubilitics-explain/internal/cache"
	"github.com/kubilitics/kubilitics-explain/internal/db"
	"github.com/kubilitics/kubilitics-explain/internal/metrics"
	"github.com/kubilitics/kubilitics-explain/internal/models"
	"github.com/kubilitics/kubilitics-explain/internal/normalizer"
	"github.com/kubilitics/kubilitics-explain/internal/resolver"
	"github.com/kubilitics/kubilitics-explain/internal/synthesis"
	"github.com/kubilitics/kubilitics-explain/internal/tracing"
)

// Store is the persistence the pipeline records events and explanation
// history in.
type Store interface {
	db.EventStore
	db.ExplanationStore
}

// Deps are the components an Engine is built from. Resolver is required;
// the rest fall back to defaults.
type Deps struct {
	Resolver    resolver.Resolver
	Attributor  attribution.Attributor
	Synthesizer synthesis.Synthesizer
	Cache       cache.Cache
	Store       Store
	Audit       audit.Logger
	Logger      *zap.Logger
}

// Engine is the default Explainer.
type Engine struct {
	resolver    resolver.Resolver
	attributor  attribution.Attributor
	synthesizer synthesis.Synthesizer
	cache       cache.Cache
	store       Store
	audit       audit.Logger
	logger      *zap.Logger

	mu        sync.RWMutex
	listeners []Listener
}

// New creates an Engine.
func New(d Deps) (*Engine, error) {
	if d.Resolver == nil {
		return nil, errors.New("pipeline: context resolver is required")
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Attributor == nil {
		d.Attributor = attribution.NewEngine(nil, d.Logger)
	}
	if d.Synthesizer == nil {
		d.Synthesizer = synthesis.New(synthesis.Options{Logger: d.Logger})
	}
	if d.Cache == nil {
		d.Cache = cache.New(1024, d.Logger)
	}
	if d.Audit == nil {
		d.Audit = audit.NewNopLogger()
	}
	return &Engine{
		resolver:    d.Resolver,
		attributor:  d.Attributor,
		synthesizer: d.Synthesizer,
		cache:       d.Cache,
		store:       d.Store,
		audit:       d.Audit,
		logger:      d.Logger,
	}, nil
}

// Explain implements Explainer.
func (e *Engine) Explain(ctx context.Context, raw map[string]interface{}, source string) (*models.Explanation, error) {
	ev, err := normalizer.Normalize(raw)
	if err != nil {
		eventID := ""
		var malformed *models.MalformedEventError
		if errors.As(err, &malformed) {
			eventID = malformed.EventID
		}
		e.fail(ctx, eventID, source, time.Now(), err)
		return nil, err
	}
	ev.Source = source

	if e.store != nil {
		if err := e.store.SaveEvent(ctx, ev); err != nil {
			e.logger.Warn("failed to record adaptation event", zap.String("event_id", ev.ID), zap.Error(err))
		}
	}
	return e.ExplainEvent(ctx, ev)
}

// ExplainByID implements Explainer.
func (e *Engine) ExplainByID(ctx context.Context, eventID string) (*models.Explanation, error) {
	if e.store == nil {
		return nil, fmt.Errorf("event %s: no event store configured: %w", eventID, models.ErrNotFound)
	}
	ev, err := e.store.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	return e.ExplainEvent(ctx, ev)
}

// ExplainEvent implements Explainer.
func (e *Engine) ExplainEvent(ctx context.Context, ev *models.AdaptationEvent) (*models.Explanation, error) {
	start := time.Now()
	ctx, span := tracing.StartStage(ctx, tracing.StageExplain, ev.ID, tracing.SourceKey.String(ev.Source))
	_ = e.audit.LogExplanationRequested(ctx, ev.ID, ev.Source)

	exp, shared, err := e.explain(ctx, ev)
	tracing.EndStage(span, err)
	if err != nil {
		e.fail(ctx, ev.ID, ev.Source, start, err)
		return nil, err
	}

	elapsed := time.Since(start)
	metrics.ExplanationsTotal.WithLabelValues(metrics.StatusFor("")).Inc()
	metrics.ExplanationDuration.WithLabelValues(sourceLabel(ev.Source)).Observe(elapsed.Seconds())
	_ = e.audit.LogExplanationCompleted(ctx, ev.ID, exp.Fingerprint, exp.Confidence, elapsed)

	e.logger.Debug("explanation ready",
		zap.String("event_id", ev.ID),
		zap.String("fingerprint", exp.Fingerprint),
		zap.Bool("cached", shared),
		zap.Float64("confidence", exp.Confidence),
		zap.Duration("duration", elapsed),
	)

	if !shared {
		e.notify(exp)
	}
	return exp, nil
}

func (e *Engine) explain(ctx context.Context, ev *models.AdaptationEvent) (*models.Explanation, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, fmt.Errorf("explain %s: %w", ev.ID, err)
	}

	rctx, span := tracing.StartStage(ctx, tracing.StageResolve, ev.ID)
	dc, err := e.resolver.Resolve(rctx, ev)
	tracing.EndStage(span, err)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, fmt.Errorf("explain %s: %w", ev.ID, ctx.Err())
		}
		return nil, false, err
	}
	if err := ctx.Err(); err != nil {
		return nil, false, fmt.Errorf("explain %s: %w", ev.ID, err)
	}

	fp := synthesis.Fingerprint(ev, dc)
	exp, shared, err := e.cache.GetOrCompute(ctx, fp, func(ctx context.Context) (*models.Explanation, error) {
		return e.compute(ctx, fp, ev, dc)
	})
	if err != nil && models.KindOf(err) == models.KindCancelled {
		err = fmt.Errorf("explain %s: %w", ev.ID, err)
	}
	return exp, shared, err
}

// compute runs attribution and synthesis for a cache miss.
func (e *Engine) compute(ctx context.Context, fp string, ev *models.AdaptationEvent, dc *models.DecisionContext) (*models.Explanation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	actx, span := tracing.StartStage(ctx, tracing.StageAttribute, ev.ID, tracing.FingerprintKey.String(fp))
	res, err := e.attributor.Attribute(actx, ev, dc)
	if err == nil {
		if verr := attribution.Verify(res); verr != nil {
			err = fmt.Errorf("attribution of event %s violates its invariants: %w", ev.ID, verr)
		}
	}
	tracing.EndStage(span, err)
	if err != nil {
		return nil, err
	}

	sctx, span := tracing.StartStage(ctx, tracing.StageSynthesize, ev.ID, tracing.FingerprintKey.String(fp))
	exp, err := e.synthesizer.Synthesize(sctx, fp, ev, dc, res)
	tracing.EndStage(span, err)
	if err != nil {
		return nil, err
	}
	metrics.ExplanationConfidence.Observe(exp.Confidence)

	if e.store != nil {
		if err := e.store.SaveExplanation(ctx, exp); err != nil {
			e.logger.Warn("failed to record explanation", zap.String("fingerprint", fp), zap.Error(err))
		}
	}
	return exp, nil
}

func (e *Engine) fail(ctx context.Context, eventID, source string, start time.Time, err error) {
	kind := models.KindOf(err)
	metrics.ExplanationsTotal.WithLabelValues(metrics.StatusFor(string(kind))).Inc()
	metrics.ExplanationDuration.WithLabelValues(sourceLabel(source)).Observe(time.Since(start).Seconds())
	_ = e.audit.LogExplanationFailed(ctx, eventID, err)

	fields := []zap.Field{
		zap.String("event_id", eventID),
		zap.String("kind", string(kind)),
		zap.Error(err),
	}
	switch kind {
	case models.KindMalformedEvent, models.KindCancelled, models.KindNotFound:
		e.logger.Info("explanation not produced", fields...)
	default:
		e.logger.Warn("explanation failed", fields...)
	}
}

// Evict implements Explainer.
func (e *Engine) Evict(ctx context.Context, fingerprint string) error {
	if err := e.cache.Evict(fingerprint); err != nil {
		return err
	}
	_ = e.audit.LogExplanationEvicted(ctx, fingerprint)
	return nil
}

// CacheStats implements Explainer.
func (e *Engine) CacheStats() cache.Stats { return e.cache.Stats() }

// Subscribe implements Explainer.
func (e *Engine) Subscribe(l Listener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, l)
}

func (e *Engine) notify(exp *models.Explanation) {
	e.mu.RLock()
	listeners := make([]Listener, len(e.listeners))
	copy(listeners, e.listeners)
	e.mu.RUnlock()

	for _, l := range listeners {
		l(exp)
	}
}

func sourceLabel(source string) string {
	if source == "" {
		return "direct"
	}
	return source
}
