// Package maintenance implements the site-wide maintenance switch.
//
// The persisted flag is read through a short-lived cache. Reads fail open:
// when the settings store cannot be reached the site is treated as live.
package maintenance

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/eringen/gatekeeper/audit"
)

// Setting keys.
const (
	KeyEnabled   = "maintenance_mode"
	KeyMessage   = "maintenance_message"
	KeyUpdatedBy = "maintenance_updated_by"
	KeyUpdatedAt = "maintenance_updated_at"
)

// DefaultMessage is shown when maintenance is enabled without a message.
const DefaultMessage = "We are performing scheduled maintenance. Please check back soon."

// SettingsStore is the persistence the gate needs. SetSettings must write all
// values atomically.
type SettingsStore interface {
	GetSetting(ctx context.Context, key string) (string, error)
	SetSettings(ctx context.Context, values map[string]string) error
}

// State is the persisted maintenance configuration.
type State struct {
	Enabled   bool      `json:"enabled"`
	Message   string    `json:"message"`
	UpdatedBy string    `json:"updated_by,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// Gate is the process-wide maintenance switch. Construct one per process and
// inject it; call Invalidate or Refresh after out-of-band changes.
type Gate struct {
	store    SettingsStore
	recorder *audit.Recorder
	logger   echo.Logger
	ttl      time.Duration
	now      func() time.Time

	mu      sync.RWMutex
	state   State
	fetched time.Time
	loaded  bool
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithCacheTTL sets how long a read state is reused (default 30s).
func WithCacheTTL(d time.Duration) GateOption {
	return func(g *Gate) { g.ttl = d }
}

// WithLogger sets the logger used for store failures.
func WithLogger(l echo.Logger) GateOption {
	return func(g *Gate) { g.logger = l }
}

// WithRecorder sets the audit recorder for toggle events.
func WithRecorder(r *audit.Recorder) GateOption {
	return func(g *Gate) { g.recorder = r }
}

// WithNow overrides the time source.
func WithNow(now func() time.Time) GateOption {
	return func(g *Gate) { g.now = now }
}

// NewGate creates a Gate reading from store.
func NewGate(store SettingsStore, opts ...GateOption) *Gate {
	g := &Gate{
		store: store,
		ttl:   30 * time.Second,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Gate) valid() bool {
	return g.loaded && g.now().Sub(g.fetched) < g.ttl
}

// State returns the current maintenance state. On store failure it logs and
// returns a disabled state without caching it, so the next call retries.
func (g *Gate) State(ctx context.Context) State {
	g.mu.RLock()
	if g.valid() {
		st := g.state
		g.mu.RUnlock()
		return st
	}
	g.mu.RUnlock()

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.valid() {
		return g.state
	}
	st, err := g.load(ctx)
	if err != nil {
		g.errorf("maintenance: read state: %v", err)
		return State{}
	}
	g.state = st
	g.fetched = g.now()
	g.loaded = true
	return st
}

func (g *Gate) load(ctx context.Context) (State, error) {
	enabled, err := g.store.GetSetting(ctx, KeyEnabled)
	if err != nil {
		return State{}, err
	}
	st := State{Enabled: parseBool(enabled)}
	if st.Message, err = g.store.GetSetting(ctx, KeyMessage); err != nil {
		return State{}, err
	}
	if st.Message == "" {
		st.Message = DefaultMessage
	}
	// attribution is informational; a missing row is not an error
	st.UpdatedBy, _ = g.store.GetSetting(ctx, KeyUpdatedBy)
	if at, _ := g.store.GetSetting(ctx, KeyUpdatedAt); at != "" {
		st.UpdatedAt, _ = time.Parse(time.RFC3339, at)
	}
	return st, nil
}

// IsEnabled reports whether maintenance mode is on. Fails open.
func (g *Gate) IsEnabled(ctx context.Context) bool {
	return g.State(ctx).Enabled
}

// Enable turns maintenance mode on with message and audits the change.
func (g *Gate) Enable(ctx context.Context, actorID, message string) error {
	if message == "" {
		message = DefaultMessage
	}
	return g.set(ctx, true, actorID, message)
}

// Disable turns maintenance mode off and audits the change.
func (g *Gate) Disable(ctx context.Context, actorID string) error {
	return g.set(ctx, false, actorID, "")
}

func (g *Gate) set(ctx context.Context, enabled bool, actorID, message string) error {
	at := g.now().UTC()
	values := map[string]string{
		KeyEnabled:   formatBool(enabled),
		KeyUpdatedBy: actorID,
		KeyUpdatedAt: at.Format(time.RFC3339),
	}
	if enabled {
		values[KeyMessage] = message
	}
	if err := g.store.SetSettings(ctx, values); err != nil {
		return err
	}
	g.Invalidate()

	eventType := audit.EventMaintenanceDisabled
	if enabled {
		eventType = audit.EventMaintenanceEnabled
	}
	g.recorder.Record(ctx, audit.Event{
		Type:      eventType,
		ActorID:   actorID,
		Metadata:  map[string]any{"message": message, "at": at.Format(time.RFC3339)},
		CreatedAt: at,
	})
	return nil
}

// Invalidate drops the cached state; the next read goes to the store.
func (g *Gate) Invalidate() {
	g.mu.Lock()
	g.loaded = false
	g.mu.Unlock()
}

// Refresh reloads the state from the store immediately.
func (g *Gate) Refresh(ctx context.Context) error {
	st, err := g.load(ctx)
	if err != nil {
		return err
	}
	g.mu.Lock()
	g.state = st
	g.fetched = g.now()
	g.loaded = true
	g.mu.Unlock()
	return nil
}

func (g *Gate) errorf(format string, args ...any) {
	if g.logger != nil {
		g.logger.Errorf(format, args...)
	}
}

func parseBool(s string) bool {
	b, err := strconv.ParseBool(s)
	return err == nil && b
}

func formatBool(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
