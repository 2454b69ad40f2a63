package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a mutex-guarded in-process CounterStore.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
	// longest window seen, used by the janitor to decide what is stale
	maxWindow time.Duration
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

// Get returns the live record for key. Expired records are dropped.
func (s *MemoryStore) Get(_ context.Context, key string, now time.Time, window time.Duration) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		return Record{}, false, nil
	}
	if rec.Expired(now, window) {
		delete(s.records, key)
		return Record{}, false, nil
	}
	return *rec, true, nil
}

// Increment bumps the counter for key, restarting the window if it elapsed.
func (s *MemoryStore) Increment(_ context.Context, key string, now time.Time, window time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if window > s.maxWindow {
		s.maxWindow = window
	}
	rec, ok := s.records[key]
	if !ok || rec.Expired(now, window) {
		rec = &Record{Key: key, WindowStart: now}
		s.records[key] = rec
	}
	rec.Count++
	rec.LastAttempt = now
	return rec.Count, nil
}

// Clear removes the record for key.
func (s *MemoryStore) Clear(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.records, key)
	s.mu.Unlock()
	return nil
}

// Len returns the number of stored records, expired or not.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Sweep deletes every record whose window, measured against the longest
// window this store has been used with, elapsed before now.
func (s *MemoryStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for k, rec := range s.records {
		if rec.Expired(now, s.maxWindow) {
			delete(s.records, k)
			removed++
		}
	}
	return removed
}

// StartJanitor sweeps expired records every interval until ctx is done.
func (s *MemoryStore) StartJanitor(ctx context.Context, every time.Duration) {
	if every <= 0 {
		return
	}
	t := time.NewTicker(every)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-t.C:
				s.Sweep(now)
			}
		}
	}()
}
