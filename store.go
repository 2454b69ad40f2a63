package gatekeeper

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "modernc.org/sqlite"

	"github.com/eringen/gatekeeper/audit"
	"github.com/eringen/gatekeeper/secrets"
)

// Store wraps the application SQLite database: settings, secrets and the
// audit log. It implements maintenance.SettingsStore, secrets.Repository and
// audit.Sink.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the SQLite database at path, ensures the data
// directory exists, and runs schema migrations.
func NewStore(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}
	// Pragmas go in the DSN so every pooled connection gets them, not just
	// the first one.
	dsn := "file:" + path +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=foreign_keys(ON)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(4)
	if path == ":memory:" {
		// each connection would otherwise see its own empty database
		db.SetMaxOpenConns(1)
	}
	s := &Store{db: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// DB exposes the handle so the SQLite counter store can share it.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ensureSchema() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS settings (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS secrets (
    key TEXT PRIMARY KEY,
    category TEXT NOT NULL DEFAULT '',
    value TEXT NOT NULL,
    is_encrypted INTEGER NOT NULL DEFAULT 1,
    updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_secrets_category ON secrets(category);

CREATE TABLE IF NOT EXISTS audit_log (
    id TEXT PRIMARY KEY,
    event_type TEXT NOT NULL,
    subject_hash TEXT NOT NULL DEFAULT '',
    metadata TEXT NOT NULL DEFAULT '{}',
    actor_id TEXT NOT NULL DEFAULT '',
    ip TEXT NOT NULL DEFAULT '',
    user_agent TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_log_created_at ON audit_log(created_at);
CREATE INDEX IF NOT EXISTS idx_audit_log_event_type ON audit_log(event_type);
`)
	return err
}

// currentSchemaVersion is the latest schema version. Increment when adding migrations.
const currentSchemaVersion = 1

func (s *Store) migrate() error {
	ctx := context.Background()
	verStr, err := s.GetSetting(ctx, "schema_version")
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	version := 0
	if verStr != "" {
		version, err = strconv.Atoi(verStr)
		if err != nil {
			return fmt.Errorf("parse schema version %q: %w", verStr, err)
		}
	}
	if version >= currentSchemaVersion {
		return nil
	}
	return s.SetSettings(ctx, map[string]string{"schema_version": strconv.Itoa(currentSchemaVersion)})
}

// GetSetting returns the value stored under key, or "" if there is none.
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return v, err
}

// SetSettings upserts all values in one transaction.
func (s *Store) SetSettings(ctx context.Context, values map[string]string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for k, v := range values {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO settings (key, value) VALUES (?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, k, v); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetSecret returns the row stored under key or secrets.ErrNotFound.
func (s *Store) GetSecret(ctx context.Context, key string) (secrets.Record, error) {
	var (
		rec       secrets.Record
		encrypted int
		updated   int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT key, category, value, is_encrypted, updated_at FROM secrets WHERE key = ?`, key).
		Scan(&rec.Key, &rec.Category, &rec.Value, &encrypted, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return secrets.Record{}, secrets.ErrNotFound
	}
	if err != nil {
		return secrets.Record{}, err
	}
	rec.IsEncrypted = encrypted == 1
	rec.UpdatedAt = time.UnixMilli(updated).UTC()
	return rec, nil
}

// PutSecret upserts rec in a single statement.
func (s *Store) PutSecret(ctx context.Context, rec secrets.Record) error {
	encrypted := 0
	if rec.IsEncrypted {
		encrypted = 1
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO secrets (key, category, value, is_encrypted, updated_at) VALUES (?, ?, ?, ?, ?)
ON CONFLICT(key) DO UPDATE SET
    category = excluded.category,
    value = excluded.value,
    is_encrypted = excluded.is_encrypted,
    updated_at = excluded.updated_at`,
		rec.Key, rec.Category, rec.Value, encrypted, rec.UpdatedAt.UnixMilli())
	return err
}

// EncryptLegacy replaces key's value with sealed only if the row is still the
// unencrypted plaintext that was read; a concurrent rotation wins.
func (s *Store) EncryptLegacy(ctx context.Context, key, plaintext, sealed string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE secrets SET value = ?, is_encrypted = 1, updated_at = ?
WHERE key = ? AND is_encrypted = 0 AND value = ?`,
		sealed, at.UnixMilli(), key, plaintext)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ListSecrets returns every row in category ("" for all) ordered by key.
func (s *Store) ListSecrets(ctx context.Context, category string) ([]secrets.Record, error) {
	q := `SELECT key, category, value, is_encrypted, updated_at FROM secrets`
	var args []any
	if category != "" {
		q += ` WHERE category = ?`
		args = append(args, category)
	}
	q += ` ORDER BY key`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []secrets.Record
	for rows.Next() {
		var (
			rec       secrets.Record
			encrypted int
			updated   int64
		)
		if err := rows.Scan(&rec.Key, &rec.Category, &rec.Value, &encrypted, &updated); err != nil {
			return nil, err
		}
		rec.IsEncrypted = encrypted == 1
		rec.UpdatedAt = time.UnixMilli(updated).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Record appends ev to the audit log.
func (s *Store) Record(ctx context.Context, ev audit.Event) error {
	meta := []byte("{}")
	if len(ev.Metadata) > 0 {
		b, err := json.Marshal(ev.Metadata)
		if err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}
		meta = b
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO audit_log (id, event_type, subject_hash, metadata, actor_id, ip, user_agent, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.Type, ev.SubjectHash, string(meta), ev.ActorID, ev.IP, ev.UserAgent, ev.CreatedAt.UnixMilli())
	return err
}

// ListAuditEvents returns up to limit events, newest first. eventType filters
// when non-empty.
func (s *Store) ListAuditEvents(ctx context.Context, eventType string, limit int) ([]audit.Event, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := `SELECT id, event_type, subject_hash, metadata, actor_id, ip, user_agent, created_at FROM audit_log`
	var args []any
	if eventType != "" {
		q += ` WHERE event_type = ?`
		args = append(args, eventType)
	}
	q += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []audit.Event{}
	for rows.Next() {
		var (
			ev      audit.Event
			meta    string
			created int64
		)
		if err := rows.Scan(&ev.ID, &ev.Type, &ev.SubjectHash, &meta, &ev.ActorID, &ev.IP, &ev.UserAgent, &created); err != nil {
			return nil, err
		}
		if meta != "" && meta != "{}" {
			if err := json.Unmarshal([]byte(meta), &ev.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata for %s: %w", ev.ID, err)
			}
		}
		ev.CreatedAt = time.UnixMilli(created).UTC()
		events = append(events, ev)
	}
	return events, rows.Err()
}

// DeleteAuditBefore removes audit events created before t.
func (s *Store) DeleteAuditBefore(ctx context.Context, t time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM audit_log WHERE created_at < ?`, t.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
