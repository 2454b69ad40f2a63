package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/eringen/gatekeeper/audit"
)

// Decision is the outcome of a limit check.
type Decision struct {
	Limited        bool
	Attempts       int
	BackoffMinutes int
	// Degraded is set when the counter store could not be read and the
	// policy's fail-open/fail-closed rule decided instead.
	Degraded bool
}

// RetryAfter converts the backoff hint to a duration.
func (d Decision) RetryAfter() time.Duration {
	return time.Duration(d.BackoffMinutes) * time.Minute
}

// Limiter answers "is this identifier blocked?" and records attempts.
type Limiter struct {
	store    CounterStore
	clock    Clock
	recorder *audit.Recorder
	logger   echo.Logger
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(c Clock) Option {
	return func(l *Limiter) { l.clock = c }
}

// WithRecorder sets the audit recorder for rate_limit_triggered events.
func WithRecorder(r *audit.Recorder) Option {
	return func(l *Limiter) { l.recorder = r }
}

// WithLogger sets the logger for storage failures.
func WithLogger(lg echo.Logger) Option {
	return func(l *Limiter) { l.logger = lg }
}

// New creates a Limiter backed by store.
func New(store CounterStore, opts ...Option) *Limiter {
	l := &Limiter{store: store, clock: SystemClock{}}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// IsRateLimited reports whether identifier has used up its attempts under p.
// A limited result emits exactly one rate_limit_triggered audit event per
// call. Storage failures never surface; p.FailClosed picks the answer.
func (l *Limiter) IsRateLimited(ctx context.Context, identifier string, p Policy) Decision {
	p = p.withDefaults()
	key := HashIdentifier(identifier)

	rec, ok, err := l.store.Get(ctx, key, l.clock.Now(), p.Window)
	if err != nil {
		l.errorf("ratelimit: check policy=%s key=%s: %v", p.Name, shortKey(key), err)
		if p.FailClosed {
			return Decision{
				Limited:        true,
				Attempts:       p.MaxAttempts,
				BackoffMinutes: p.BackoffMinutes(p.MaxAttempts),
				Degraded:       true,
			}
		}
		return Decision{Degraded: true}
	}

	d := Decision{}
	if ok {
		d.Attempts = rec.Count
	}
	if d.Attempts < p.MaxAttempts {
		return d
	}
	d.Limited = true
	d.BackoffMinutes = p.BackoffMinutes(d.Attempts)

	l.recorder.Record(ctx, audit.Event{
		Type:        audit.EventRateLimitTriggered,
		SubjectHash: key,
		Metadata: map[string]any{
			"policy":          p.Name,
			"attempts":        d.Attempts,
			"max_attempts":    p.MaxAttempts,
			"window_minutes":  p.WindowMinutes(),
			"backoff_minutes": d.BackoffMinutes,
		},
	})
	return d
}

// RecordAttempt counts one attempt for identifier and returns the new count.
// It increments even when the identifier is already limited so the backoff
// keeps growing for clients that keep retrying.
func (l *Limiter) RecordAttempt(ctx context.Context, identifier string, p Policy) (int, error) {
	p = p.withDefaults()
	key := HashIdentifier(identifier)
	n, err := l.store.Increment(ctx, key, l.clock.Now(), p.Window)
	if err != nil {
		l.errorf("ratelimit: record policy=%s key=%s: %v", p.Name, shortKey(key), err)
		return 0, err
	}
	return n, nil
}

// ClearLimit drops the counter for identifier after a successful attempt.
func (l *Limiter) ClearLimit(ctx context.Context, identifier string) error {
	key := HashIdentifier(identifier)
	if err := l.store.Clear(ctx, key); err != nil {
		l.errorf("ratelimit: clear key=%s: %v", shortKey(key), err)
		return err
	}
	return nil
}

// OTPDecision is the user-facing result of the OTP throttle.
type OTPDecision struct {
	Allowed           bool
	Attempts          int
	RetryAfterMinutes int
	Message           string
}

// OTPIdentifier namespaces an OTP recipient (phone or email) so it never
// shares a counter with other throttles.
func OTPIdentifier(recipient string) string {
	return "otp:" + recipient
}

// CheckOTP applies p (normally OTPPolicy) to an OTP recipient.
func (l *Limiter) CheckOTP(ctx context.Context, recipient string, p Policy) OTPDecision {
	d := l.IsRateLimited(ctx, OTPIdentifier(recipient), p)
	if !d.Limited {
		return OTPDecision{Allowed: true, Attempts: d.Attempts}
	}
	return OTPDecision{
		Attempts:          d.Attempts,
		RetryAfterMinutes: d.BackoffMinutes,
		Message:           fmt.Sprintf("Too many OTP requests. Please try again in %d minutes.", d.BackoffMinutes),
	}
}

func (l *Limiter) errorf(format string, args ...any) {
	if l.logger != nil {
		l.logger.Errorf(format, args...)
	}
}

func shortKey(key string) string {
	if len(key) > 12 {
		return key[:12]
	}
	return key
}
