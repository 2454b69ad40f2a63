package ratelimit

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/labstack/gommon/log"

	"github.com/eringen/gatekeeper/audit"
)

type brokenStore struct{}

var errDiskGone = errors.New("open /var/cache/ratelimit: no such file or directory")

func (brokenStore) Get(context.Context, string, time.Time, time.Duration) (Record, bool, error) {
	return Record{}, false, unavailable("get", errDiskGone)
}

func (brokenStore) Increment(context.Context, string, time.Time, time.Duration) (int, error) {
	return 0, unavailable("increment", errDiskGone)
}

func (brokenStore) Clear(context.Context, string) error {
	return unavailable("clear", errDiskGone)
}

func newTestLimiter(store CounterStore) (*Limiter, *FixedClock, *audit.MemorySink) {
	clock := NewFixedClock(t0)
	sink := audit.NewMemorySink(0)
	l := New(store,
		WithClock(clock),
		WithRecorder(audit.NewRecorder(sink, nil)),
	)
	return l, clock, sink
}

func TestLimiterLoginScenario(t *testing.T) {
	l, _, sink := newTestLimiter(NewMemoryStore())
	ctx := context.Background()
	id := EndpointKey("login", "1.2.3.4")

	for i := 1; i <= 4; i++ {
		if _, err := l.RecordAttempt(ctx, id, LoginPolicy); err != nil {
			t.Fatal(err)
		}
		if d := l.IsRateLimited(ctx, id, LoginPolicy); d.Limited {
			t.Fatalf("limited after %d attempts", i)
		}
	}

	n, err := l.RecordAttempt(ctx, id, LoginPolicy)
	if err != nil || n != 5 {
		t.Fatalf("RecordAttempt = %d, %v", n, err)
	}
	d := l.IsRateLimited(ctx, id, LoginPolicy)
	if !d.Limited || d.Attempts != 5 || d.BackoffMinutes != 5 {
		t.Fatalf("after 5 attempts: %+v", d)
	}
	if d.RetryAfter() != 5*time.Minute {
		t.Errorf("RetryAfter = %v", d.RetryAfter())
	}

	// Blocked clients that keep retrying keep growing their backoff.
	wantBackoff := []int{10, 20, 40, 80}
	for _, want := range wantBackoff {
		if _, err := l.RecordAttempt(ctx, id, LoginPolicy); err != nil {
			t.Fatal(err)
		}
		if got := l.IsRateLimited(ctx, id, LoginPolicy).BackoffMinutes; got != want {
			t.Fatalf("backoff = %d, want %d", got, want)
		}
	}

	if got := sink.Count(audit.EventRateLimitTriggered); got != 1+len(wantBackoff) {
		t.Errorf("audit events = %d, want %d", got, 1+len(wantBackoff))
	}
}

func TestLimiterAuditOncePerLimitedCheck(t *testing.T) {
	l, _, sink := newTestLimiter(NewMemoryStore())
	ctx := context.Background()
	p := Policy{Name: "test", MaxAttempts: 2, Window: time.Minute}

	for i := 0; i < 10; i++ {
		_, _ = l.RecordAttempt(ctx, "id", p)
	}
	if got := sink.Count(audit.EventRateLimitTriggered); got != 0 {
		t.Fatalf("RecordAttempt must not audit, got %d events", got)
	}

	l.IsRateLimited(ctx, "id", p)
	l.IsRateLimited(ctx, "id", p)
	if got := sink.Count(audit.EventRateLimitTriggered); got != 2 {
		t.Fatalf("audit events = %d, want 2", got)
	}

	ev := sink.Events()[0]
	if ev.SubjectHash != HashIdentifier("id") {
		t.Errorf("SubjectHash = %q", ev.SubjectHash)
	}
	if ev.Metadata["policy"] != "test" || ev.Metadata["attempts"] != 10 {
		t.Errorf("metadata = %v", ev.Metadata)
	}
	for _, v := range ev.Metadata {
		if s, ok := v.(string); ok && s == "id" {
			t.Error("raw identifier leaked into audit metadata")
		}
	}
}

func TestLimiterClearLimit(t *testing.T) {
	l, _, _ := newTestLimiter(NewMemoryStore())
	ctx := context.Background()
	id := "login:1.2.3.4"

	for i := 0; i < 7; i++ {
		_, _ = l.RecordAttempt(ctx, id, LoginPolicy)
	}
	if err := l.ClearLimit(ctx, id); err != nil {
		t.Fatal(err)
	}
	d := l.IsRateLimited(ctx, id, LoginPolicy)
	if d.Limited || d.Attempts != 0 {
		t.Errorf("after ClearLimit: %+v", d)
	}
}

func TestLimiterWindowExpiry(t *testing.T) {
	l, clock, _ := newTestLimiter(NewMemoryStore())
	ctx := context.Background()
	p := Policy{MaxAttempts: 3, Window: 15 * time.Minute}

	for i := 0; i < 3; i++ {
		_, _ = l.RecordAttempt(ctx, "id", p)
	}
	if !l.IsRateLimited(ctx, "id", p).Limited {
		t.Fatal("expected limited")
	}

	clock.Advance(15*time.Minute + time.Second)
	d := l.IsRateLimited(ctx, "id", p)
	if d.Limited || d.Attempts != 0 {
		t.Fatalf("expired window should read as empty: %+v", d)
	}
	if n, _ := l.RecordAttempt(ctx, "id", p); n != 1 {
		t.Fatalf("first attempt in new window = %d", n)
	}
}

func TestLimiterFailsOpenOnStorageError(t *testing.T) {
	var buf bytes.Buffer
	logger := log.New("test")
	logger.SetOutput(&buf)

	sink := audit.NewMemorySink(0)
	l := New(brokenStore{}, WithLogger(logger), WithRecorder(audit.NewRecorder(sink, nil)))

	d := l.IsRateLimited(context.Background(), "login:1.2.3.4", LoginPolicy)
	if d.Limited {
		t.Fatal("storage outage must not lock users out")
	}
	if !d.Degraded {
		t.Error("decision should be marked degraded")
	}
	if !strings.Contains(buf.String(), "ratelimit: check") {
		t.Errorf("storage error not logged: %q", buf.String())
	}
	if sink.Count(audit.EventRateLimitTriggered) != 0 {
		t.Error("degraded allow must not audit a trigger")
	}
}

func TestLimiterFailClosedPolicy(t *testing.T) {
	l := New(brokenStore{})
	p := OTPPolicy
	p.FailClosed = true

	d := l.IsRateLimited(context.Background(), "otp:a@b.c", p)
	if !d.Limited || !d.Degraded {
		t.Fatalf("fail-closed policy should deny: %+v", d)
	}
	if d.BackoffMinutes != 5 {
		t.Errorf("BackoffMinutes = %d, want 5", d.BackoffMinutes)
	}
}

func TestLimiterStorageErrorsAreWrapped(t *testing.T) {
	l := New(brokenStore{})
	_, err := l.RecordAttempt(context.Background(), "id", LoginPolicy)
	if !errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("RecordAttempt error = %v", err)
	}
	if errors.Is(err, errDiskGone) {
		t.Error("raw storage error leaked through the chain")
	}
	if err := l.ClearLimit(context.Background(), "id"); !errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("ClearLimit error = %v", err)
	}
}

func TestLimiterIdentifiersAreIndependent(t *testing.T) {
	l, _, _ := newTestLimiter(NewMemoryStore())
	ctx := context.Background()
	p := Policy{MaxAttempts: 1, Window: time.Minute}

	_, _ = l.RecordAttempt(ctx, "login:203.0.113.30", p)
	if l.IsRateLimited(ctx, "login:203.0.113.31", p).Limited {
		t.Error("second identifier should be independent")
	}
	if !l.IsRateLimited(ctx, "login:203.0.113.30", p).Limited {
		t.Error("first identifier should be limited")
	}
}

func TestCheckOTP(t *testing.T) {
	l, _, _ := newTestLimiter(NewMemoryStore())
	ctx := context.Background()
	recipient := "user@example.com"

	for i := 0; i < 3; i++ {
		if d := l.CheckOTP(ctx, recipient, OTPPolicy); !d.Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
		_, _ = l.RecordAttempt(ctx, OTPIdentifier(recipient), OTPPolicy)
	}

	d := l.CheckOTP(ctx, recipient, OTPPolicy)
	if d.Allowed {
		t.Fatal("fourth request should be throttled")
	}
	if d.RetryAfterMinutes != 5 {
		t.Errorf("RetryAfterMinutes = %d, want 5", d.RetryAfterMinutes)
	}
	if d.Message != "Too many OTP requests. Please try again in 5 minutes." {
		t.Errorf("Message = %q", d.Message)
	}

	// OTP counters do not bleed into other throttles keyed by the same value.
	if l.IsRateLimited(ctx, recipient, OTPPolicy).Limited {
		t.Error("raw recipient key should be untouched")
	}
}

func TestLimiterWithSQLiteStore(t *testing.T) {
	l, clock, _ := newTestLimiter(newTestSQLiteStore(t))
	ctx := context.Background()
	id := EndpointKey("login", "198.51.100.4")

	for i := 0; i < 6; i++ {
		_, _ = l.RecordAttempt(ctx, id, LoginPolicy)
		clock.Advance(time.Second)
	}
	d := l.IsRateLimited(ctx, id, LoginPolicy)
	if !d.Limited || d.Attempts != 6 || d.BackoffMinutes != 10 {
		t.Fatalf("decision = %+v", d)
	}
}
