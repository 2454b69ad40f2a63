package ratelimit

import (
	"context"
	"database/sql"
	"time"
)

// SQLiteStore persists counters in a rate_limits table. The database handle
// is shared with the rest of the application and opened by the caller with
// the modernc.org/sqlite driver.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates the rate_limits table if needed.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.ensureSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) ensureSchema() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS rate_limits (
    key TEXT PRIMARY KEY,
    count INTEGER NOT NULL,
    window_start INTEGER NOT NULL,
    last_attempt INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_rate_limits_window_start ON rate_limits(window_start);
`)
	return err
}

// Get reads the record for key, deleting it when its window has elapsed.
func (s *SQLiteStore) Get(ctx context.Context, key string, now time.Time, window time.Duration) (Record, bool, error) {
	var count int
	var start, last int64
	err := s.db.QueryRowContext(ctx, `SELECT count, window_start, last_attempt FROM rate_limits WHERE key = ?`, key).
		Scan(&count, &start, &last)
	if err == sql.ErrNoRows {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, unavailable("get", err)
	}
	rec := Record{
		Key:         key,
		Count:       count,
		WindowStart: time.UnixMilli(start),
		LastAttempt: time.UnixMilli(last),
	}
	if rec.Expired(now, window) {
		// Only delete if nobody restarted the window in the meantime.
		_, _ = s.db.ExecContext(ctx, `DELETE FROM rate_limits WHERE key = ? AND window_start = ?`, key, start)
		return Record{}, false, nil
	}
	return rec, true, nil
}

// Increment upserts the counter in a single statement, so concurrent
// attempts for the same key are serialised by SQLite's write lock. All SET
// expressions see the pre-update row.
func (s *SQLiteStore) Increment(ctx context.Context, key string, now time.Time, window time.Duration) (int, error) {
	nowMs := now.UnixMilli()
	windowMs := window.Milliseconds()
	var count int
	err := s.db.QueryRowContext(ctx, `
INSERT INTO rate_limits (key, count, window_start, last_attempt) VALUES (?, 1, ?, ?)
ON CONFLICT(key) DO UPDATE SET
    count = CASE WHEN excluded.window_start - rate_limits.window_start > ? THEN 1 ELSE rate_limits.count + 1 END,
    window_start = CASE WHEN excluded.window_start - rate_limits.window_start > ? THEN excluded.window_start ELSE rate_limits.window_start END,
    last_attempt = excluded.last_attempt
RETURNING count`, key, nowMs, nowMs, windowMs, windowMs).Scan(&count)
	if err != nil {
		return 0, unavailable("increment", err)
	}
	return count, nil
}

// Clear deletes the record for key.
func (s *SQLiteStore) Clear(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM rate_limits WHERE key = ?`, key); err != nil {
		return unavailable("clear", err)
	}
	return nil
}

// DeleteExpired removes rows whose window started before now-window.
func (s *SQLiteStore) DeleteExpired(ctx context.Context, now time.Time, window time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM rate_limits WHERE window_start < ?`, now.Add(-window).UnixMilli())
	if err != nil {
		return 0, unavailable("delete expired", err)
	}
	return res.RowsAffected()
}
