package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kubilitics/kubilitics-explain/internal/models"
)

func (s *sqliteStore) SaveExplanation(ctx context.Context, exp *models.Explanation) error {
	payload, err := json.Marshal(exp)
	if err != nil {
		return fmt.Errorf("encode explanation %s: %w", exp.Fingerprint, err)
	}
	_, err = s.db.ExecContext(ctx, `
        INSERT OR IGNORE INTO explanations(fingerprint, event_id, confidence, uncontested, payload, generated_at)
        VALUES(?,?,?,?,?,?)
    `, exp.Fingerprint, exp.EventID, exp.Confidence, exp.Uncontested, string(payload), formatTime(exp.GeneratedAt))
	if err != nil {
		return fmt.Errorf("insert explanation: %w", err)
	}
	return nil
}

func (s *sqliteStore) GetExplanation(ctx context.Context, fingerprint string) (*models.Explanation, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM explanations WHERE fingerprint=?`, fingerprint).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("explanation %s: %w", fingerprint, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get explanation: %w", err)
	}
	return decodeExplanation(payload)
}

func (s *sqliteStore) ListExplanationsForEvent(ctx context.Context, eventID string) ([]*models.Explanation, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM explanations WHERE event_id=? ORDER BY generated_at DESC`, eventID)
	if err != nil {
		return nil, fmt.Errorf("list explanations: %w", err)
	}
	defer rows.Close()

	var out []*models.Explanation
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		exp, err := decodeExplanation(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, exp)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DeleteExplanation(ctx context.Context, fingerprint string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM explanations WHERE fingerprint=?`, fingerprint)
	return err
}

func decodeExplanation(payload string) (*models.Explanation, error) {
	var exp models.Explanation
	if err := json.Unmarshal([]byte(payload), &exp); err != nil {
		return nil, fmt.Errorf("decode explanation: %w", err)
	}
	return &exp, nil
}
