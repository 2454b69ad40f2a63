// Package gatekeeper is the admission-control layer of a web application
// built with Go, Echo and SQLite. It throttles logins, OTP requests and API
// calls, gates the site behind a maintenance switch, keeps integration
// secrets encrypted at rest and verifies inbound webhooks.
//
// The domain logic lives in the ratelimit, maintenance, secrets and audit
// packages; App wires them into an Echo server.
package gatekeeper

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"

	"github.com/eringen/gatekeeper/audit"
	"github.com/eringen/gatekeeper/maintenance"
	"github.com/eringen/gatekeeper/ratelimit"
	"github.com/eringen/gatekeeper/secrets"
)

// App is the central gatekeeper application. It wires together the store,
// limiter, maintenance gate, secrets manager, middleware and handlers.
type App struct {
	Config   Config
	Echo     *echo.Echo
	Store    *Store
	Limiter  *ratelimit.Limiter
	Gate     *maintenance.Gate
	Secrets  *secrets.Manager
	Recorder *audit.Recorder

	counters     ratelimit.CounterStore
	auditSink    audit.Sink
	clock        ratelimit.Clock
	redis        *redis.Client
	otpSender    OTPSender
	otpVerifier  OTPVerifier
	webhooks     map[string]WebhookHandler
	customRoutes []func(*App)

	initialized bool
	stop        context.CancelFunc
}

// New creates a new App with the given configuration.
func New(cfg Config, opts ...Option) *App {
	cfg.setDefaults()

	a := &App{
		Config: cfg,
		Echo:   echo.New(),
		clock:  ratelimit.SystemClock{},
	}
	a.Echo.HideBanner = true

	for _, opt := range opts {
		opt(a)
	}

	return a
}

// Init opens the database, builds the domain services and registers
// middleware and routes. Start calls it; tests call it directly and drive
// a.Echo with httptest.
func (a *App) Init() error {
	if a.initialized {
		return nil
	}
	if a.Config.SessionSecret == "" {
		return fmt.Errorf("gatekeeper: SessionSecret is required")
	}
	if a.Config.AdminPasswordHash == "" {
		return fmt.Errorf("gatekeeper: AdminPasswordHash is required")
	}

	store, err := NewStore(a.Config.DatabasePath)
	if err != nil {
		return fmt.Errorf("gatekeeper: init store: %w", err)
	}
	a.Store = store

	ctx, cancel := context.WithCancel(context.Background())
	a.stop = cancel

	if a.auditSink == nil {
		a.auditSink = store
	}
	a.Recorder = audit.NewRecorder(a.auditSink, a.Echo.Logger)

	if err := a.initCounters(ctx); err != nil {
		return err
	}
	a.Limiter = ratelimit.New(a.counters,
		ratelimit.WithClock(a.clock),
		ratelimit.WithRecorder(a.Recorder),
		ratelimit.WithLogger(a.Echo.Logger),
	)

	a.Gate = maintenance.NewGate(store,
		maintenance.WithCacheTTL(a.Config.MaintenanceCacheTTL),
		maintenance.WithLogger(a.Echo.Logger),
		maintenance.WithRecorder(a.Recorder),
	)

	fp, err := secrets.LocalFingerprint(a.Config.HostID, a.Config.DatabaseName)
	if err != nil {
		return fmt.Errorf("gatekeeper: %w", err)
	}
	cipher, err := secrets.NewCipher(secrets.DeriveKey(fp))
	if err != nil {
		return fmt.Errorf("gatekeeper: init cipher: %w", err)
	}
	a.Secrets = secrets.NewManager(store, cipher, a.Recorder)

	if a.Config.AuditRetention > 0 {
		go a.auditCleanup(ctx, 24*time.Hour)
	}

	a.setupMiddleware()
	a.setupRoutes()

	for _, fn := range a.customRoutes {
		fn(a)
	}

	a.initialized = true
	return nil
}

// initCounters selects the counter backend unless WithCounterStore already
// supplied one, and starts whatever sweeping that backend needs.
func (a *App) initCounters(ctx context.Context) error {
	if a.counters != nil {
		return nil
	}
	switch a.Config.CounterBackend {
	case BackendMemory:
		mem := ratelimit.NewMemoryStore()
		mem.StartJanitor(ctx, a.Config.CounterSweepInterval)
		a.counters = mem
	case BackendRedis:
		if a.Config.RedisAddr == "" {
			return fmt.Errorf("gatekeeper: RedisAddr is required for the redis counter backend")
		}
		a.redis = redis.NewClient(&redis.Options{
			Addr:     a.Config.RedisAddr,
			Password: a.Config.RedisPassword,
			DB:       a.Config.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := a.redis.Ping(pingCtx).Err(); err != nil {
			return fmt.Errorf("gatekeeper: connect redis: %w", err)
		}
		a.counters = ratelimit.NewRedisStore(a.redis)
	case BackendSQLite:
		sq, err := ratelimit.NewSQLiteStore(a.Store.DB())
		if err != nil {
			return fmt.Errorf("gatekeeper: init counters: %w", err)
		}
		go a.sweepSQLiteCounters(ctx, sq)
		a.counters = sq
	default:
		return fmt.Errorf("gatekeeper: unknown counter backend %q", a.Config.CounterBackend)
	}
	return nil
}

// longestWindow is the retention the SQLite sweeper must respect: a row is
// only dead once every policy that could own it has expired it.
func (a *App) longestWindow() time.Duration {
	w := a.Config.LoginPolicy.Window
	for _, p := range []ratelimit.Policy{a.Config.APIPolicy, a.Config.OTPPolicy} {
		if p.Window > w {
			w = p.Window
		}
	}
	return w
}

func (a *App) sweepSQLiteCounters(ctx context.Context, s *ratelimit.SQLiteStore) {
	ticker := time.NewTicker(a.Config.CounterSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.DeleteExpired(ctx, a.clock.Now(), a.longestWindow())
			if err != nil {
				a.Echo.Logger.Errorf("gatekeeper: sweep counters: %v", err)
				continue
			}
			if n > 0 {
				a.Echo.Logger.Debugf("gatekeeper: swept %d expired counters", n)
			}
		}
	}
}

func (a *App) auditCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-a.Config.AuditRetention)
			if _, err := a.Store.DeleteAuditBefore(ctx, cutoff); err != nil {
				a.Echo.Logger.Errorf("gatekeeper: audit cleanup: %v", err)
			}
		}
	}
}

// Start initializes the application and starts the server.
func (a *App) Start() error {
	if err := a.Init(); err != nil {
		return err
	}
	if err := a.Echo.Start(a.Config.Addr); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (a *App) setupRoutes() {
	e := a.Echo

	e.GET("/healthz", a.handleHealth)

	e.POST("/login", a.handleLogin)
	e.POST("/logout", handleLogout)
	// form clients read their CSRF token here
	e.GET("/session", handleSession)

	e.POST("/otp/request", a.handleOTPRequest)
	e.POST("/otp/verify", a.handleOTPVerify)

	api := e.Group(strings.TrimSuffix(a.Config.APIPrefix, "/"), a.apiThrottle)
	api.GET("/session", handleSession)
	api.GET("/maintenance", a.handleMaintenanceStatus)

	admin := e.Group("/admin", requireSuperAdmin)
	admin.GET("/maintenance", a.handleMaintenanceStatus)
	admin.POST("/maintenance", a.handleMaintenanceEnable)
	admin.DELETE("/maintenance", a.handleMaintenanceDisable)
	admin.GET("/secrets", a.handleSecretList)
	admin.POST("/secrets/migrate", a.handleSecretMigrate)
	admin.POST("/secrets/:key/rotate", a.handleSecretRotate)
	admin.GET("/audit", a.handleAuditList)

	e.POST("/webhooks/:source", a.handleWebhook, a.verifyWebhook)
}

// Close stops background work and releases resources. Call this when the
// app is shutting down.
func (a *App) Close() error {
	if a.stop != nil {
		a.stop()
	}
	if a.redis != nil {
		a.redis.Close()
	}
	if a.Store != nil {
		return a.Store.Close()
	}
	return nil
}

// EnvOr returns the value of the environment variable key, or fallback if empty.
func EnvOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// MustEnv returns the value of the environment variable key, or fatally exits if empty.
func MustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		log.Fatalf("gatekeeper: required environment variable %s is not set", key)
	}
	return v
}
