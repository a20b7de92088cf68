package resolver

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// StaticSource serves fixed factor values.
type StaticSource struct {
	name   string
	values map[string]float64
}

// NewStaticSource copies values into a new source.
func NewStaticSource(values map[string]float64) *StaticSource {
	copied := make(map[string]float64, len(values))
	for k, v := range values {
		copied[k] = v
	}
	return &StaticSource{name: "static", values: copied}
}

// Name implements FactorSource.
func (s *StaticSource) Name() string { return s.name }

// Resolve implements FactorSource.
func (s *StaticSource) Resolve(ctx context.Context, factor string) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	v, ok := s.values[factor]
	if !ok {
		return 0, fmt.Errorf("%s: %w", factor, ErrFactorNotFound)
	}
	return v, nil
}

// staticFixture is the on-disk shape of a context fixture file:
//
//	factors:
//	  latency: 12.5
//	  cost: 0.4
type staticFixture struct {
	Factors map[string]float64 `yaml:"factors"`
}

// LoadStaticYAML reads a context fixture file into a StaticSource.
func LoadStaticYAML(path string) (*StaticSource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read context fixture: %w", err)
	}
	var fx staticFixture
	if err := yaml.Unmarshal(data, &fx); err != nil {
		return nil, fmt.Errorf("parse context fixture %s: %w", path, err)
	}
	if fx.Factors == nil {
		// A bare mapping is accepted too.
		if err := yaml.Unmarshal(data, &fx.Factors); err != nil {
			return nil, fmt.Errorf("parse context fixture %s: %w", path, err)
		}
	}
	return NewStaticSource(fx.Factors), nil
}
