package secrets

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepository is an in-process Repository.
type MemoryRepository struct {
	mu   sync.RWMutex
	rows map[string]Record
}

// NewMemoryRepository creates an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{rows: make(map[string]Record)}
}

// GetSecret returns the row for key or ErrNotFound.
func (r *MemoryRepository) GetSecret(_ context.Context, key string) (Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.rows[key]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

// PutSecret upserts rec.
func (r *MemoryRepository) PutSecret(_ context.Context, rec Record) error {
	r.mu.Lock()
	r.rows[rec.Key] = rec
	r.mu.Unlock()
	return nil
}

// EncryptLegacy swaps in sealed if key still holds plaintext as a legacy row.
func (r *MemoryRepository) EncryptLegacy(_ context.Context, key, plaintext, sealed string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.rows[key]
	if !ok || rec.IsEncrypted || rec.Value != plaintext {
		return false, nil
	}
	rec.Value = sealed
	rec.IsEncrypted = true
	rec.UpdatedAt = at
	r.rows[key] = rec
	return true, nil
}

// ListSecrets returns rows in category ("" for all), sorted by key.
func (r *MemoryRepository) ListSecrets(_ context.Context, category string) ([]Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Record
	for _, rec := range r.rows {
		if category == "" || rec.Category == category {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}
