package maintenance

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"

	"github.com/eringen/gatekeeper/audit"
)

type fakeSettings struct {
	mu     sync.Mutex
	values map[string]string
	reads  int
	down   bool
}

func newFakeSettings() *fakeSettings {
	return &fakeSettings{values: make(map[string]string)}
}

func (f *fakeSettings) GetSetting(_ context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if f.down {
		return "", errors.New("database is locked")
	}
	return f.values[key], nil
}

func (f *fakeSettings) SetSettings(_ context.Context, values map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return errors.New("database is locked")
	}
	for k, v := range values {
		f.values[k] = v
	}
	return nil
}

func (f *fakeSettings) setDown(down bool) {
	f.mu.Lock()
	f.down = down
	f.mu.Unlock()
}

func (f *fakeSettings) readCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads
}

func TestGateDefaultsToDisabled(t *testing.T) {
	g := NewGate(newFakeSettings())
	if g.IsEnabled(context.Background()) {
		t.Fatal("fresh gate should be disabled")
	}
}

func TestGateEnableDisableAudited(t *testing.T) {
	store := newFakeSettings()
	sink := audit.NewMemorySink(0)
	now := time.Date(2026, 5, 4, 22, 0, 0, 0, time.UTC)
	g := NewGate(store, WithRecorder(audit.NewRecorder(sink, nil)), WithNow(func() time.Time { return now }))
	ctx := context.Background()

	if err := g.Enable(ctx, "admin-7", "Payroll upgrade until 23:00"); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	st := g.State(ctx)
	if !st.Enabled || st.Message != "Payroll upgrade until 23:00" {
		t.Fatalf("state after enable = %+v", st)
	}
	if st.UpdatedBy != "admin-7" || !st.UpdatedAt.Equal(now) {
		t.Errorf("attribution = %q %v", st.UpdatedBy, st.UpdatedAt)
	}

	if err := g.Disable(ctx, "admin-8"); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	if g.IsEnabled(ctx) {
		t.Fatal("still enabled after Disable")
	}

	events := sink.Events()
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	if events[0].Type != audit.EventMaintenanceEnabled || events[0].ActorID != "admin-7" {
		t.Errorf("enable event = %+v", events[0])
	}
	if events[0].Metadata["message"] != "Payroll upgrade until 23:00" {
		t.Errorf("enable event message = %v", events[0].Metadata["message"])
	}
	if events[1].Type != audit.EventMaintenanceDisabled || events[1].ActorID != "admin-8" {
		t.Errorf("disable event = %+v", events[1])
	}
	if !events[0].CreatedAt.Equal(now) {
		t.Errorf("event timestamp = %v", events[0].CreatedAt)
	}
}

func TestGateDefaultMessage(t *testing.T) {
	g := NewGate(newFakeSettings())
	ctx := context.Background()
	_ = g.Enable(ctx, "admin", "")
	if got := g.State(ctx).Message; got != DefaultMessage {
		t.Errorf("Message = %q", got)
	}
}

func TestGateFailsOpen(t *testing.T) {
	store := newFakeSettings()
	store.values[KeyEnabled] = "1"
	store.setDown(true)

	var buf bytes.Buffer
	logger := log.New("test")
	logger.SetOutput(&buf)
	g := NewGate(store, WithLogger(logger))

	if g.IsEnabled(context.Background()) {
		t.Fatal("unreadable store must be treated as not in maintenance")
	}
	if !strings.Contains(buf.String(), "maintenance: read state") {
		t.Errorf("failure not logged: %q", buf.String())
	}

	// failures are not cached: recovery is picked up on the next read
	store.setDown(false)
	if !g.IsEnabled(context.Background()) {
		t.Fatal("gate did not pick up state after store recovered")
	}
}

func TestGateCachesWithinTTL(t *testing.T) {
	store := newFakeSettings()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	g := NewGate(store, WithCacheTTL(time.Minute), WithNow(func() time.Time { return now }))
	ctx := context.Background()

	g.IsEnabled(ctx)
	reads := store.readCount()
	for i := 0; i < 10; i++ {
		g.IsEnabled(ctx)
	}
	if store.readCount() != reads {
		t.Fatalf("cached reads hit the store: %d -> %d", reads, store.readCount())
	}

	// out-of-band change is visible only after TTL or Invalidate
	_ = store.SetSettings(ctx, map[string]string{KeyEnabled: "1"})
	if g.IsEnabled(ctx) {
		t.Fatal("change visible before TTL")
	}
	now = now.Add(2 * time.Minute)
	if !g.IsEnabled(ctx) {
		t.Fatal("change not visible after TTL")
	}

	_ = store.SetSettings(ctx, map[string]string{KeyEnabled: "0"})
	g.Invalidate()
	if g.IsEnabled(ctx) {
		t.Fatal("change not visible after Invalidate")
	}

	_ = store.SetSettings(ctx, map[string]string{KeyEnabled: "true"})
	if err := g.Refresh(ctx); err != nil {
		t.Fatal(err)
	}
	if !g.IsEnabled(ctx) {
		t.Fatal("change not visible after Refresh")
	}
}

func TestGateEnableStoreFailure(t *testing.T) {
	store := newFakeSettings()
	store.setDown(true)
	sink := audit.NewMemorySink(0)
	g := NewGate(store, WithRecorder(audit.NewRecorder(sink, nil)))

	if err := g.Enable(context.Background(), "admin", "x"); err == nil {
		t.Fatal("expected error")
	}
	if len(sink.Events()) != 0 {
		t.Error("failed toggle must not be audited")
	}
}

func TestCanBypass(t *testing.T) {
	cases := []struct {
		name string
		p    *Principal
		want bool
	}{
		{"no session", nil, false},
		{"employee", &Principal{UserID: "e1", Role: "employee"}, false},
		{"hr admin", &Principal{UserID: "h1", Role: "hr_admin"}, false},
		{"super admin", &Principal{UserID: "s1", Role: RoleSuperAdmin}, true},
		{"capability", &Principal{UserID: "o1", Role: "ops", Capabilities: []string{"reports.view", CapabilityBypass}}, true},
	}
	for _, tc := range cases {
		if got := CanBypass(tc.p); got != tc.want {
			t.Errorf("%s: CanBypass = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func newGatedEcho(t *testing.T, g *Gate, principal *Principal) (*echo.Echo, *int) {
	t.Helper()
	e := echo.New()
	calls := 0
	e.Use(g.Middleware(MiddlewareConfig{
		Principal:      func(echo.Context) *Principal { return principal },
		ExemptPrefixes: []string{"/login", "/healthz"},
	}))
	handler := func(c echo.Context) error {
		calls++
		return c.String(http.StatusOK, "ok")
	}
	e.GET("/dashboard", handler)
	e.POST("/leave/apply", handler)
	e.PUT("/leave/:id", handler)
	e.PATCH("/leave/:id", handler)
	e.DELETE("/leave/:id", handler)
	e.HEAD("/dashboard", handler)
	e.GET("/api/employees", handler)
	e.POST("/login", handler)
	return e, &calls
}

func enabledGate(t *testing.T, message string) *Gate {
	t.Helper()
	g := NewGate(newFakeSettings())
	if err := g.Enable(context.Background(), "admin", message); err != nil {
		t.Fatal(err)
	}
	return g
}

func TestMiddlewarePostGetsJSON503(t *testing.T) {
	g := enabledGate(t, "Back at 6pm")
	e, calls := newGatedEcho(t, g, &Principal{UserID: "e1", Role: "employee"})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/leave/apply", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "300" {
		t.Errorf("Retry-After = %q", rec.Header().Get("Retry-After"))
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("body not JSON: %v", err)
	}
	if body["error"] != "Site is in maintenance mode" || body["message"] != "Back at 6pm" {
		t.Errorf("body = %v", body)
	}
	if *calls != 0 {
		t.Error("handler ran during maintenance")
	}
}

func TestMiddlewareNonGetMethodsGetJSON503(t *testing.T) {
	g := enabledGate(t, "Back soon")
	e, calls := newGatedEcho(t, g, &Principal{UserID: "e1", Role: "employee"})

	for _, method := range []string{http.MethodPut, http.MethodPatch, http.MethodDelete} {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(method, "/leave/42", nil))
		if rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("%s: status = %d, want 503", method, rec.Code)
		}
		if !strings.HasPrefix(rec.Header().Get(echo.HeaderContentType), echo.MIMEApplicationJSON) {
			t.Errorf("%s: content type = %q", method, rec.Header().Get(echo.HeaderContentType))
		}
		var body map[string]string
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body["message"] != "Back soon" {
			t.Errorf("%s: body = %s", method, rec.Body.String())
		}
	}

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodHead, "/dashboard", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("HEAD: status = %d", rec.Code)
	}
	if strings.HasPrefix(rec.Header().Get(echo.HeaderContentType), echo.MIMEApplicationJSON) {
		t.Error("HEAD page load got the JSON rejection")
	}
	if *calls != 0 {
		t.Error("handler ran during maintenance")
	}
}

func TestMiddlewareAPIGetGetsJSON503(t *testing.T) {
	g := enabledGate(t, "")
	e, _ := newGatedEcho(t, g, nil)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/employees", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.HasPrefix(rec.Header().Get(echo.HeaderContentType), echo.MIMEApplicationJSON) {
		t.Errorf("content type = %q", rec.Header().Get(echo.HeaderContentType))
	}
}

func TestMiddlewarePageGetsHTMLNotice(t *testing.T) {
	g := enabledGate(t, "Quarterly close")
	e, calls := newGatedEcho(t, g, nil)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/dashboard", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Quarterly close") {
		t.Error("notice missing message")
	}
	if !strings.HasPrefix(rec.Header().Get(echo.HeaderContentType), "text/html") {
		t.Errorf("content type = %q", rec.Header().Get(echo.HeaderContentType))
	}
	if *calls != 0 {
		t.Error("handler ran during maintenance")
	}
}

func TestMiddlewarePrivilegedPassesThrough(t *testing.T) {
	g := enabledGate(t, "")
	e, calls := newGatedEcho(t, g, &Principal{UserID: "root", Role: RoleSuperAdmin})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/leave/apply", nil))
	if rec.Code != http.StatusOK || *calls != 1 {
		t.Fatalf("privileged request blocked: status=%d calls=%d", rec.Code, *calls)
	}
}

func TestMiddlewareExemptPaths(t *testing.T) {
	g := enabledGate(t, "")
	e, calls := newGatedEcho(t, g, nil)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/login", nil))
	if rec.Code != http.StatusOK || *calls != 1 {
		t.Fatalf("exempt path blocked: status=%d", rec.Code)
	}
}

func TestMiddlewareDisabledPassesThrough(t *testing.T) {
	g := NewGate(newFakeSettings())
	e, calls := newGatedEcho(t, g, nil)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/leave/apply", nil))
	if rec.Code != http.StatusOK || *calls != 1 {
		t.Fatalf("status=%d calls=%d", rec.Code, *calls)
	}
}
