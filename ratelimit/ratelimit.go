// Package ratelimit throttles repeated attempts (logins, OTP requests, API
// calls) per identifier using a fixed window counter and an exponential
// backoff hint.
//
// Identifiers are hashed before they reach storage; a CounterStore only ever
// sees opaque keys.
package ratelimit

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// HashIdentifier maps a raw identifier to its storage key (hex SHA-256).
// No salt: repeated attempts from the same identifier must land on the same
// record.
func HashIdentifier(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// EndpointKey builds the composite identifier used by the login and API
// throttles.
func EndpointKey(endpoint, clientIP string) string {
	return endpoint + ":" + clientIP
}

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

// SystemClock uses the system time.
type SystemClock struct{}

// Now returns time.Now().
func (SystemClock) Now() time.Time {
	return time.Now()
}

// FixedClock returns a settable time. Safe for concurrent use.
type FixedClock struct {
	mu sync.RWMutex
	t  time.Time
}

// NewFixedClock creates a FixedClock set to t.
func NewFixedClock(t time.Time) *FixedClock {
	return &FixedClock{t: t}
}

// Now returns the fixed time.
func (c *FixedClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.t
}

// Set moves the clock to t.
func (c *FixedClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

// Advance moves the clock forward by d.
func (c *FixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}
