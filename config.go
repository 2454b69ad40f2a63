package gatekeeper

import (
	"context"
	"time"

	"github.com/eringen/gatekeeper/audit"
	"github.com/eringen/gatekeeper/ratelimit"
)

// Counter backends accepted in Config.CounterBackend.
const (
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Config holds all configuration for a gatekeeper deployment.
type Config struct {
	SiteName string // Shown on the maintenance notice (default "Gatekeeper")

	Addr         string // Listen address (default ":3000")
	DatabasePath string // SQLite path (default "data/gatekeeper.db")
	DatabaseName string // Logical database name, part of the secret key fingerprint (default "gatekeeper")
	HostID       string // Overrides the hostname in the secret key fingerprint

	SessionSecret     string // Required: session encryption secret
	CookieSecure      bool   // Set true for HTTPS
	AdminUsername     string // Admin login name (default "admin")
	AdminPasswordHash string // Required: bcrypt hash of the admin password

	CounterBackend string // sqlite, memory or redis (default sqlite)
	RedisAddr      string
	RedisPassword  string
	RedisDB        int

	LoginPolicy ratelimit.Policy // default ratelimit.LoginPolicy
	APIPolicy   ratelimit.Policy // default ratelimit.APIPolicy
	OTPPolicy   ratelimit.Policy // default ratelimit.OTPPolicy

	MaintenanceCacheTTL   time.Duration // default 30s
	MaintenanceRetryAfter time.Duration // default 5min
	APIPrefix             string        // default "/api/"

	CounterSweepInterval time.Duration // default 10min
	AuditRetention       time.Duration // default 365 days; <0 keeps everything
}

func (c *Config) setDefaults() {
	if c.SiteName == "" {
		c.SiteName = "Gatekeeper"
	}
	if c.Addr == "" {
		c.Addr = ":3000"
	}
	if c.DatabasePath == "" {
		c.DatabasePath = "data/gatekeeper.db"
	}
	if c.DatabaseName == "" {
		c.DatabaseName = "gatekeeper"
	}
	if c.AdminUsername == "" {
		c.AdminUsername = "admin"
	}
	if c.CounterBackend == "" {
		c.CounterBackend = BackendSQLite
	}
	if c.LoginPolicy.MaxAttempts == 0 {
		c.LoginPolicy = ratelimit.LoginPolicy
	}
	if c.APIPolicy.MaxAttempts == 0 {
		c.APIPolicy = ratelimit.APIPolicy
	}
	if c.OTPPolicy.MaxAttempts == 0 {
		c.OTPPolicy = ratelimit.OTPPolicy
	}
	if c.MaintenanceCacheTTL == 0 {
		c.MaintenanceCacheTTL = 30 * time.Second
	}
	if c.MaintenanceRetryAfter == 0 {
		c.MaintenanceRetryAfter = 5 * time.Minute
	}
	if c.APIPrefix == "" {
		c.APIPrefix = "/api/"
	}
	if c.CounterSweepInterval == 0 {
		c.CounterSweepInterval = 10 * time.Minute
	}
	if c.AuditRetention == 0 {
		c.AuditRetention = 365 * 24 * time.Hour
	}
}

// OTPSender delivers a one-time code to recipient (phone or email).
type OTPSender func(ctx context.Context, recipient string) error

// OTPVerifier checks a one-time code submitted for recipient.
type OTPVerifier func(ctx context.Context, recipient, code string) bool

// WebhookHandler processes an inbound webhook whose signature has already
// been verified.
type WebhookHandler func(ctx context.Context, source string, payload []byte) error

// Option configures additional App behavior.
type Option func(*App)

// WithCounterStore replaces the counter backend selected by
// Config.CounterBackend.
func WithCounterStore(s ratelimit.CounterStore) Option {
	return func(a *App) {
		a.counters = s
	}
}

// WithAuditSink sends audit events to sink instead of the audit_log table.
func WithAuditSink(sink audit.Sink) Option {
	return func(a *App) {
		a.auditSink = sink
	}
}

// WithClock overrides the limiter's time source.
func WithClock(c ratelimit.Clock) Option {
	return func(a *App) {
		a.clock = c
	}
}

// WithOTPSender sets how one-time codes are delivered.
func WithOTPSender(fn OTPSender) Option {
	return func(a *App) {
		a.otpSender = fn
	}
}

// WithOTPVerifier sets how submitted one-time codes are checked.
func WithOTPVerifier(fn OTPVerifier) Option {
	return func(a *App) {
		a.otpVerifier = fn
	}
}

// WithWebhookHandler registers fn for POST /webhooks/{source}.
func WithWebhookHandler(source string, fn WebhookHandler) Option {
	return func(a *App) {
		if a.webhooks == nil {
			a.webhooks = make(map[string]WebhookHandler)
		}
		a.webhooks[source] = fn
	}
}

// WithCustomRoutes registers additional routes on the Echo instance.
// The callback runs after the built-in routes are in place.
func WithCustomRoutes(fn func(*App)) Option {
	return func(a *App) {
		a.customRoutes = append(a.customRoutes, fn)
	}
}
