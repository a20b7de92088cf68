package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kubilitics/kubilitics-explain/internal/models"
)

func (s *sqliteStore) SetFactorValue(ctx context.Context, rec *FactorValueRecord) error {
	if rec.Factor == "" {
		return fmt.Errorf("factor name is required")
	}
	updated := rec.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO factor_values(factor, value, source, updated_at)
        VALUES(?,?,?,?)
        ON CONFLICT(factor) DO UPDATE SET
            value      = excluded.value,
            source     = excluded.source,
            updated_at = excluded.updated_at
    `, rec.Factor, rec.Value, rec.Source, formatTime(updated))
	if err != nil {
		return fmt.Errorf("upsert factor value: %w", err)
	}
	return nil
}

func (s *sqliteStore) GetFactorValue(ctx context.Context, factor string) (float64, error) {
	var v float64
	err := s.db.QueryRowContext(ctx, `SELECT value FROM factor_values WHERE factor=?`, factor).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("factor %s: %w", factor, models.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("get factor value: %w", err)
	}
	return v, nil
}

func (s *sqliteStore) ListFactorValues(ctx context.Context) ([]*FactorValueRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT factor, value, source, updated_at FROM factor_values ORDER BY factor ASC`)
	if err != nil {
		return nil, fmt.Errorf("list factor values: %w", err)
	}
	defer rows.Close()

	var out []*FactorValueRecord
	for rows.Next() {
		var rec FactorValueRecord
		var ts string
		if err := rows.Scan(&rec.Factor, &rec.Value, &rec.Source, &ts); err != nil {
			return nil, err
		}
		rec.UpdatedAt, _ = parseTime(ts)
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DeleteFactorValue(ctx context.Context, factor string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM factor_values WHERE factor=?`, factor)
	return err
}
