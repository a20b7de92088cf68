package resolver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// PrometheusSource resolves factors by running one instant PromQL query
// per factor against the metrics store.
type PrometheusSource struct {
	api     v1.API
	queries map[string]string
	now     func() time.Time
}

// NewPrometheusSource creates a source for the Prometheus server at address.
// queries maps factor name to PromQL; a query must return a scalar or a
// single-series vector.
func NewPrometheusSource(address string, queries map[string]string) (*PrometheusSource, error) {
	client, err := api.NewClient(api.Config{Address: address})
	if err != nil {
		return nil, fmt.Errorf("create prometheus client: %w", err)
	}
	q := make(map[string]string, len(queries))
	for k, v := range queries {
		q[k] = v
	}
	return &PrometheusSource{api: v1.NewAPI(client), queries: q, now: time.Now}, nil
}

// Name implements FactorSource.
func (s *PrometheusSource) Name() string { return "prometheus" }

// Resolve implements FactorSource.
func (s *PrometheusSource) Resolve(ctx context.Context, factor string) (float64, error) {
	query, ok := s.queries[factor]
	if !ok {
		return 0, fmt.Errorf("%s: no query configured: %w", factor, ErrFactorNotFound)
	}

	val, _, err := s.api.Query(ctx, query, s.now())
	if err != nil {
		return 0, s.classify(ctx, factor, err)
	}

	switch v := val.(type) {
	case *model.Scalar:
		return float64(v.Value), nil
	case model.Vector:
		switch len(v) {
		case 0:
			return 0, fmt.Errorf("%s: query returned no samples: %w", factor, ErrFactorNotFound)
		case 1:
			return float64(v[0].Value), nil
		default:
			return 0, fmt.Errorf("%s: query returned %d series, expected 1", factor, len(v))
		}
	default:
		return 0, fmt.Errorf("%s: unsupported result type %s", factor, val.Type())
	}
}

// Ping implements Pinger.
func (s *PrometheusSource) Ping(ctx context.Context) error {
	if _, err := s.api.Buildinfo(ctx); err != nil {
		return s.classify(ctx, "ping", err)
	}
	return nil
}

// classify separates server-side query errors from transport failures.
func (s *PrometheusSource) classify(ctx context.Context, factor string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var apiErr *v1.Error
	if errors.As(err, &apiErr) && apiErr.Type != v1.ErrServer {
		return fmt.Errorf("%s: prometheus: %w", factor, err)
	}
	return fmt.Errorf("%s: %w: %v", factor, ErrSourceUnreachable, err)
}
