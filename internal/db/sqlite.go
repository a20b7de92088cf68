package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver (no CGO required)

	"github.com/kubilitics/kubilitics-explain/internal/models"
)

// migrations define the tables for the explanation persistence layer.
// Version is tracked in the schema_versions table.
var migrations = []struct {
	version int
	sql     string
}{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_versions (
    version     INTEGER PRIMARY KEY,
    applied_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS adaptation_events (
    id                TEXT PRIMARY KEY,
    intent            TEXT NOT NULL DEFAULT '',
    chosen_option_id  TEXT NOT NULL,
    context_ref       TEXT NOT NULL DEFAULT '',
    source            TEXT NOT NULL DEFAULT '',
    options           TEXT NOT NULL, -- JSON array of candidate options
    option_count      INTEGER NOT NULL DEFAULT 0,
    timestamp         TEXT NOT NULL,
    recorded_at       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_timestamp ON adaptation_events(timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_events_intent    ON adaptation_events(intent);
`,
	},
	// Migration 2: explanation history
	{
		version: 2,
		sql: `
CREATE TABLE IF NOT EXISTS explanations (
    fingerprint   TEXT PRIMARY KEY,
    event_id      TEXT NOT NULL,
    confidence    REAL NOT NULL DEFAULT 0.0,
    uncontested   BOOLEAN NOT NULL DEFAULT 0,
    payload       TEXT NOT NULL, -- JSON explanation
    generated_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_explanations_event ON explanations(event_id, generated_at DESC);
`,
	},
	// Migration 3: constraint store
	{
		version: 3,
		sql: `
CREATE TABLE IF NOT EXISTS factor_values (
    factor      TEXT PRIMARY KEY,
    value       REAL NOT NULL,
    source      TEXT NOT NULL DEFAULT '',
    updated_at  TEXT NOT NULL
);
`,
	},
}

// sqliteStore is the SQLite-backed implementation of Store.
type sqliteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path and
// runs all pending schema migrations. Pass ":memory:" for an in-memory store.
func NewSQLiteStore(path string) (Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}

	// Each connection to ":memory:" is a separate database.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrency and performance.
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &sqliteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// migrate applies any unapplied migrations in order.
func (s *sqliteStore) migrate() error {
	// Ensure schema_versions table exists before reading from it.
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_versions (
        version    INTEGER PRIMARY KEY,
        applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
    )`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_versions WHERE version = ?`, m.version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.version, err)
		}
		if count > 0 {
			continue // already applied
		}

		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}

		if _, err := s.db.Exec(`INSERT INTO schema_versions(version) VALUES(?)`, m.version); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}
	return nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }

func (s *sqliteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// ─── Events ───────────────────────────────────────────────────────────────────

// optionRow is the JSON shape of a candidate option in the options column.
type optionRow struct {
	ID      string             `json:"id"`
	Score   float64            `json:"score"`
	Rank    int                `json:"rank"`
	Chosen  bool               `json:"chosen,omitempty"`
	Factors map[string]float64 `json:"factors"`
}

func (s *sqliteStore) SaveEvent(ctx context.Context, ev *models.AdaptationEvent) error {
	rows := make([]optionRow, 0, len(ev.Options))
	for _, o := range ev.Options {
		rows = append(rows, optionRow{ID: o.ID, Score: o.Score, Rank: o.Rank, Chosen: o.Chosen, Factors: o.Factors})
	}
	options, err := json.Marshal(rows)
	if err != nil {
		return fmt.Errorf("encode options: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
        INSERT INTO adaptation_events(id, intent, chosen_option_id, context_ref, source, options, option_count, timestamp, recorded_at)
        VALUES(?,?,?,?,?,?,?,?,?)
        ON CONFLICT(id) DO UPDATE SET
            intent           = excluded.intent,
            chosen_option_id = excluded.chosen_option_id,
            context_ref      = excluded.context_ref,
            source           = excluded.source,
            options          = excluded.options,
            option_count     = excluded.option_count,
            timestamp        = excluded.timestamp,
            recorded_at      = excluded.recorded_at
    `,
		ev.ID, ev.Intent, ev.ChosenOptionID, ev.ContextRef, ev.Source,
		string(options), len(ev.Options), formatTime(ev.Timestamp), formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("upsert event: %w", err)
	}
	return nil
}

func (s *sqliteStore) GetEvent(ctx context.Context, id string) (*models.AdaptationEvent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id,intent,chosen_option_id,context_ref,source,options,timestamp FROM adaptation_events WHERE id=?`, id)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("event %s: %w", id, models.ErrNotFound)
	}
	return ev, err
}

func (s *sqliteStore) ListEvents(ctx context.Context, filter EventFilter) ([]*models.AdaptationEvent, error) {
	where, args := filter.where()
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id,intent,chosen_option_id,context_ref,source,options,timestamp FROM adaptation_events`+where+
			` ORDER BY timestamp DESC, id ASC LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []*models.AdaptationEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *sqliteStore) CountEvents(ctx context.Context, filter EventFilter) (int, error) {
	where, args := filter.where()
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM adaptation_events`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

func (f EventFilter) where() (string, []interface{}) {
	var clauses []string
	var args []interface{}
	if f.Intent != "" {
		clauses = append(clauses, "intent = ?")
		args = append(args, f.Intent)
	}
	if !f.Since.IsZero() {
		clauses = append(clauses, "timestamp >= ?")
		args = append(args, formatTime(f.Since))
	}
	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row rowScanner) (*models.AdaptationEvent, error) {
	var ev models.AdaptationEvent
	var options, ts string
	if err := row.Scan(&ev.ID, &ev.Intent, &ev.ChosenOptionID, &ev.ContextRef, &ev.Source, &options, &ts); err != nil {
		return nil, err
	}

	var rows []optionRow
	if err := json.Unmarshal([]byte(options), &rows); err != nil {
		return nil, fmt.Errorf("decode options of event %s: %w", ev.ID, err)
	}
	for _, r := range rows {
		ev.Options = append(ev.Options, models.CandidateOption{
			ID:      r.ID,
			Score:   r.Score,
			Rank:    r.Rank,
			Chosen:  r.Chosen,
			Factors: r.Factors,
		})
	}
	ev.Timestamp, _ = parseTime(ts)
	return &ev, nil
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

// formatTime stores times as fixed-width UTC strings so that lexical order
// matches chronological order.
func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z")
}

func parseTime(s string) (time.Time, error) {
	layouts := []string{
		"2006-01-02T15:04:05.000000000Z",
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05.999999999Z07:00",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
	}
	for _, l := range layouts {
		if t, err := time.Parse(l, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse time %q", s)
}
