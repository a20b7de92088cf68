package resolver

import (
	"context"
	"errors"
	"fmt"

	"github.com/kubilitics/kubilitics-explain/internal/models"
)

// FactorStore is the constraint store contract satisfied by db.Store.
type FactorStore interface {
	GetFactorValue(ctx context.Context, factor string) (float64, error)
	Ping(ctx context.Context) error
}

// SQLiteSource reads constraint values from the engine database.
type SQLiteSource struct {
	store FactorStore
}

// NewSQLiteSource wraps a factor store.
func NewSQLiteSource(store FactorStore) *SQLiteSource {
	return &SQLiteSource{store: store}
}

// Name implements FactorSource.
func (s *SQLiteSource) Name() string { return "sqlite" }

// Resolve implements FactorSource.
func (s *SQLiteSource) Resolve(ctx context.Context, factor string) (float64, error) {
	v, err := s.store.GetFactorValue(ctx, factor)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return 0, fmt.Errorf("%s: %w", factor, ErrFactorNotFound)
		}
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, fmt.Errorf("%s: %w: %v", factor, ErrSourceUnreachable, err)
	}
	return v, nil
}

// Ping implements Pinger.
func (s *SQLiteSource) Ping(ctx context.Context) error {
	if err := s.store.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrSourceUnreachable, err)
	}
	return nil
}
