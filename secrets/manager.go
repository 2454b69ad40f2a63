package secrets

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/eringen/gatekeeper/audit"
)

var (
	// ErrNotFound is returned when no secret exists under a key.
	ErrNotFound = errors.New("secrets: not found")
	// ErrUnavailable wraps repository failures.
	ErrUnavailable = errors.New("secrets: storage unavailable")
)

func storageErr(op string, err error) error {
	if err == nil || errors.Is(err, ErrNotFound) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}

// Record is a stored secret row. Value holds ciphertext when IsEncrypted is
// set and a legacy plaintext value otherwise.
type Record struct {
	Key         string
	Category    string
	Value       string
	IsEncrypted bool
	UpdatedAt   time.Time
}

// Repository persists secret rows. PutSecret must be a single atomic upsert.
// EncryptLegacy replaces a row with sealed only while it still holds the
// legacy plaintext, and reports whether it did.
type Repository interface {
	GetSecret(ctx context.Context, key string) (Record, error)
	PutSecret(ctx context.Context, rec Record) error
	ListSecrets(ctx context.Context, category string) ([]Record, error)
	EncryptLegacy(ctx context.Context, key, plaintext, sealed string, at time.Time) (bool, error)
}

// Metadata describes a secret without its value.
type Metadata struct {
	Key         string    `json:"key"`
	Category    string    `json:"category"`
	IsEncrypted bool      `json:"is_encrypted"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Manager stores and rotates encrypted secrets.
type Manager struct {
	repo     Repository
	cipher   *Cipher
	recorder *audit.Recorder
	now      func() time.Time
}

// NewManager creates a Manager. recorder may be nil.
func NewManager(repo Repository, c *Cipher, recorder *audit.Recorder) *Manager {
	return &Manager{repo: repo, cipher: c, recorder: recorder, now: time.Now}
}

// Get returns the plaintext value of key.
func (m *Manager) Get(ctx context.Context, key string) (string, error) {
	rec, err := m.repo.GetSecret(ctx, key)
	if err != nil {
		return "", storageErr("get", err)
	}
	if !rec.IsEncrypted {
		return rec.Value, nil
	}
	return m.cipher.Decrypt(rec.Value)
}

// Set encrypts and stores value under key.
func (m *Manager) Set(ctx context.Context, key, category, value string) error {
	sealed, err := m.cipher.Encrypt(value)
	if err != nil {
		return err
	}
	return storageErr("put", m.repo.PutSecret(ctx, Record{
		Key:         key,
		Category:    category,
		Value:       sealed,
		IsEncrypted: true,
		UpdatedAt:   m.now().UTC(),
	}))
}

// Rotate replaces key with 32 fresh random bytes (hex encoded), stores it
// encrypted and returns it. The previous value is overwritten, not kept.
func (m *Manager) Rotate(ctx context.Context, key, category, actorID string) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("secrets: generate value: %w", err)
	}
	value := hex.EncodeToString(buf)
	if err := m.Set(ctx, key, category, value); err != nil {
		return "", err
	}
	m.recorder.Record(ctx, audit.Event{
		Type:     audit.EventSecretRotated,
		ActorID:  actorID,
		Metadata: map[string]any{"key": key, "category": category},
	})
	return value, nil
}

// List returns metadata for every secret in category ("" for all).
func (m *Manager) List(ctx context.Context, category string) ([]Metadata, error) {
	recs, err := m.repo.ListSecrets(ctx, category)
	if err != nil {
		return nil, storageErr("list", err)
	}
	out := make([]Metadata, 0, len(recs))
	for _, r := range recs {
		out = append(out, Metadata{
			Key:         r.Key,
			Category:    r.Category,
			IsEncrypted: r.IsEncrypted,
			UpdatedAt:   r.UpdatedAt,
		})
	}
	return out, nil
}

// Migrate encrypts every legacy plaintext row and reports how many were
// converted. A row rewritten since it was listed (a concurrent Rotate or Set)
// is left alone.
func (m *Manager) Migrate(ctx context.Context, actorID string) (int, error) {
	recs, err := m.repo.ListSecrets(ctx, "")
	if err != nil {
		return 0, storageErr("list", err)
	}
	n := 0
	for _, r := range recs {
		if r.IsEncrypted {
			continue
		}
		sealed, err := m.cipher.Encrypt(r.Value)
		if err != nil {
			return n, fmt.Errorf("secrets: migrate %s: %w", r.Key, err)
		}
		ok, err := m.repo.EncryptLegacy(ctx, r.Key, r.Value, sealed, m.now().UTC())
		if err != nil {
			return n, fmt.Errorf("secrets: migrate %s: %w", r.Key, storageErr("encrypt legacy", err))
		}
		if ok {
			n++
		}
	}
	if n > 0 {
		m.recorder.Record(ctx, audit.Event{
			Type:     audit.EventSecretsMigrated,
			ActorID:  actorID,
			Metadata: map[string]any{"count": n},
		})
	}
	return n, nil
}
