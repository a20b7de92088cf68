package resolver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

type route struct {
	prefix string
	source FactorSource
}

// CompositeSource routes factors to sources by name prefix. A factor is
// tried against its longest matching route first, then against each
// fallback in order, until one source knows it.
type CompositeSource struct {
	routes    []route
	fallbacks []FactorSource
}

// NewCompositeSource creates a composite with the given fallback chain.
func NewCompositeSource(fallbacks ...FactorSource) *CompositeSource {
	c := &CompositeSource{}
	for _, fb := range fallbacks {
		if fb != nil {
			c.fallbacks = append(c.fallbacks, fb)
		}
	}
	return c
}

// Route sends factors starting with prefix to source.
func (c *CompositeSource) Route(prefix string, source FactorSource) *CompositeSource {
	if source == nil {
		return c
	}
	c.routes = append(c.routes, route{prefix: prefix, source: source})
	sort.SliceStable(c.routes, func(i, j int) bool {
		return len(c.routes[i].prefix) > len(c.routes[j].prefix)
	})
	return c
}

// Empty reports whether the composite has no sources at all.
func (c *CompositeSource) Empty() bool {
	return len(c.routes) == 0 && len(c.fallbacks) == 0
}

// Name implements FactorSource.
func (c *CompositeSource) Name() string { return "composite" }

// Resolve implements FactorSource.
func (c *CompositeSource) Resolve(ctx context.Context, factor string) (float64, error) {
	v, _, err := c.ResolveWithSource(ctx, factor)
	return v, err
}

// ResolveWithSource implements ProvenanceSource.
func (c *CompositeSource) ResolveWithSource(ctx context.Context, factor string) (float64, string, error) {
	chain := c.chain(factor)
	if len(chain) == 0 {
		return 0, c.Name(), fmt.Errorf("%s: %w", factor, ErrFactorNotFound)
	}

	var lastErr error
	last := ""
	unreachable := false
	for _, src := range chain {
		v, err := src.Resolve(ctx, factor)
		if err == nil {
			return v, src.Name(), nil
		}
		if ctx.Err() != nil {
			return 0, src.Name(), ctx.Err()
		}
		if errors.Is(err, ErrSourceUnreachable) {
			unreachable = true
		} else if !errors.Is(err, ErrFactorNotFound) {
			return 0, src.Name(), err
		}
		lastErr, last = err, src.Name()
	}

	if unreachable {
		return 0, last, fmt.Errorf("%s: %w", factor, ErrSourceUnreachable)
	}
	return 0, last, lastErr
}

// Ping implements Pinger. It fails only when every pingable source fails.
func (c *CompositeSource) Ping(ctx context.Context) error {
	var errs []error
	pingable := 0
	for _, src := range c.all() {
		p, ok := src.(Pinger)
		if !ok {
			return nil
		}
		pingable++
		if err := p.Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", src.Name(), err))
			continue
		}
		return nil
	}
	if pingable == 0 {
		return nil
	}
	return errors.Join(errs...)
}

func (c *CompositeSource) chain(factor string) []FactorSource {
	var out []FactorSource
	seen := make(map[FactorSource]bool)
	for _, r := range c.routes {
		if strings.HasPrefix(factor, r.prefix) && !seen[r.source] {
			out = append(out, r.source)
			seen[r.source] = true
			break
		}
	}
	for _, fb := range c.fallbacks {
		if !seen[fb] {
			out = append(out, fb)
			seen[fb] = true
		}
	}
	return out
}

func (c *CompositeSource) all() []FactorSource {
	var out []FactorSource
	seen := make(map[FactorSource]bool)
	for _, r := range c.routes {
		if !seen[r.source] {
			out = append(out, r.source)
			seen[r.source] = true
		}
	}
	for _, fb := range c.fallbacks {
		if !seen[fb] {
			out = append(out, fb)
			seen[fb] = true
		}
	}
	return out
}
