package resolver

import (
	"fmt"
	"net/http"

	"github.com/kubilitics/kubilitics-explain/internal/config"
)

// BuildSource assembles the configured context sources into a composite.
// store may be nil when no database is open. The returned closer releases
// network clients. A nil source means nothing is configured.
func BuildSource(cfg *config.Config, store FactorStore) (FactorSource, func(), error) {
	byName := make(map[string]FactorSource)
	var order []FactorSource
	closer := func() {}

	add := func(name string, src FactorSource) {
		byName[name] = src
		order = append(order, src)
	}

	if len(cfg.Context.Static) > 0 {
		add("static", NewStaticSource(cfg.Context.Static))
	}
	if cfg.Context.SQLiteEnabled && store != nil {
		add("sqlite", NewSQLiteSource(store))
	}
	if cfg.Context.Redis.Address != "" {
		rs, err := NewRedisSource(cfg.Context.Redis.Address, cfg.Context.Redis.Key)
		if err != nil {
			return nil, closer, err
		}
		closer = func() { _ = rs.Close() }
		add("redis", rs)
	}
	if cfg.Context.HTTP.BaseURL != "" {
		add("http", NewHTTPSource(cfg.Context.HTTP.BaseURL, &http.Client{}))
	}
	if cfg.Context.Prometheus.URL != "" {
		ps, err := NewPrometheusSource(cfg.Context.Prometheus.URL, cfg.Context.Prometheus.Queries)
		if err != nil {
			closer()
			return nil, func() {}, err
		}
		add("prometheus", ps)
	}

	if len(order) == 0 {
		return nil, closer, nil
	}

	composite := NewCompositeSource(order...)
	for prefix, name := range cfg.Context.Routes {
		src, ok := byName[name]
		if !ok {
			closer()
			return nil, func() {}, fmt.Errorf("context route %q refers to unconfigured source %q", prefix, name)
		}
		composite.Route(prefix, src)
	}
	return composite, closer, nil
}
