package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrStorageUnavailable wraps every error a CounterStore reports, so callers
// never depend on driver-level error types.
var ErrStorageUnavailable = errors.New("ratelimit: counter storage unavailable")

// Record is the persisted counter for one hashed identifier.
type Record struct {
	Key         string
	Count       int
	WindowStart time.Time
	LastAttempt time.Time
}

// Expired reports whether the record's window has elapsed at now.
func (r Record) Expired(now time.Time, window time.Duration) bool {
	return now.Sub(r.WindowStart) > window
}

// CounterStore persists windowed attempt counters keyed by hashed identifier.
//
// Expiry is lazy: a record older than window is reported as absent by Get and
// restarted by Increment. Increment must be atomic per key.
type CounterStore interface {
	Get(ctx context.Context, key string, now time.Time, window time.Duration) (Record, bool, error)
	Increment(ctx context.Context, key string, now time.Time, window time.Duration) (int, error)
	Clear(ctx context.Context, key string) error
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStorageUnavailable, op, err)
}
