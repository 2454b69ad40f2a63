// Package audit records compliance events emitted by the admission layer.
//
// Events always reference the hash of a throttled identifier, never the raw
// value. Writes go through a Recorder, which is best-effort: a failing sink is
// logged locally and never surfaces to the caller.
package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"
)

// Event types emitted by the admission layer.
const (
	EventRateLimitTriggered  = "rate_limit_triggered"
	EventMaintenanceEnabled  = "maintenance_enabled"
	EventMaintenanceDisabled = "maintenance_disabled"
	EventSecretRotated       = "secret_rotated"
	EventSecretsMigrated     = "secrets_migrated"
	EventWebhookRejected     = "webhook_signature_invalid"
)

// Event is a single audit record.
type Event struct {
	ID          string         `json:"id"`
	Type        string         `json:"event_type"`
	SubjectHash string         `json:"subject_hash,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	ActorID     string         `json:"actor_id,omitempty"`
	IP          string         `json:"ip,omitempty"`
	UserAgent   string         `json:"user_agent,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Sink persists audit events. Implementations may fail; the Recorder
// absorbs those failures.
type Sink interface {
	Record(ctx context.Context, ev Event) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, ev Event) error

// Record calls f(ctx, ev).
func (f SinkFunc) Record(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

// RequestInfo carries the per-request attribution fields of an event.
type RequestInfo struct {
	ActorID   string
	IP        string
	UserAgent string
}

type requestInfoKey struct{}

// WithRequestInfo attaches request attribution to ctx so events recorded
// further down the call chain are attributed without threading it through
// every signature.
func WithRequestInfo(ctx context.Context, info RequestInfo) context.Context {
	return context.WithValue(ctx, requestInfoKey{}, info)
}

// RequestInfoFrom returns the attribution stored in ctx, if any.
func RequestInfoFrom(ctx context.Context) RequestInfo {
	info, _ := ctx.Value(requestInfoKey{}).(RequestInfo)
	return info
}

// Recorder is the best-effort front of a Sink.
type Recorder struct {
	sink   Sink
	logger echo.Logger
	// failures throttles the local "audit write failed" log lines so a dead
	// sink does not flood the process log.
	failures *rate.Limiter
	now      func() time.Time

	mu      sync.Mutex
	dropped int
}

// NewRecorder creates a Recorder writing to sink. logger may be nil.
func NewRecorder(sink Sink, logger echo.Logger) *Recorder {
	return &Recorder{
		sink:     sink,
		logger:   logger,
		failures: rate.NewLimiter(rate.Every(time.Second), 5),
		now:      time.Now,
	}
}

// Record fills in the ID, timestamp and request attribution of ev and hands
// it to the sink. It never returns an error and never panics; a nil Recorder
// is a no-op.
func (r *Recorder) Record(ctx context.Context, ev Event) {
	if r == nil || r.sink == nil {
		return
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = r.now().UTC()
	}
	info := RequestInfoFrom(ctx)
	if ev.ActorID == "" {
		ev.ActorID = info.ActorID
	}
	if ev.IP == "" {
		ev.IP = info.IP
	}
	if ev.UserAgent == "" {
		ev.UserAgent = info.UserAgent
	}

	if err := r.write(ctx, ev); err != nil {
		r.fail(ev, err)
	}
}

func (r *Recorder) write(ctx context.Context, ev Event) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("audit sink panic: %v", p)
		}
	}()
	return r.sink.Record(ctx, ev)
}

func (r *Recorder) fail(ev Event, err error) {
	r.mu.Lock()
	r.dropped++
	dropped := r.dropped
	r.mu.Unlock()

	if r.logger == nil || !r.failures.Allow() {
		return
	}
	r.logger.Errorf("audit write failed event=%s subject=%s dropped=%d err=%v", ev.Type, ev.SubjectHash, dropped, err)
}

// Dropped reports how many events the sink has refused since start.
func (r *Recorder) Dropped() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}
