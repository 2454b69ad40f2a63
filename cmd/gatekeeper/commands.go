package main

import (
	"context"
	"crypto/subtle"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/labstack/gommon/log"

	"github.com/eringen/gatekeeper"
	"github.com/eringen/gatekeeper/audit"
	"github.com/eringen/gatekeeper/maintenance"
	"github.com/eringen/gatekeeper/secrets"
)

// cliActor attributes audit events from this tool.
const cliActor = "cli"

func configFromEnv() (gatekeeper.Config, error) {
	cfg := gatekeeper.Config{
		SiteName:          gatekeeper.EnvOr("GATEKEEPER_SITE_NAME", ""),
		Addr:              gatekeeper.EnvOr("GATEKEEPER_ADDR", ":3000"),
		DatabasePath:      gatekeeper.EnvOr("GATEKEEPER_DB_PATH", "data/gatekeeper.db"),
		DatabaseName:      gatekeeper.EnvOr("GATEKEEPER_DB_NAME", "gatekeeper"),
		HostID:            os.Getenv("GATEKEEPER_HOST_ID"),
		SessionSecret:     os.Getenv("GATEKEEPER_SESSION_SECRET"),
		AdminUsername:     gatekeeper.EnvOr("GATEKEEPER_ADMIN_USER", "admin"),
		AdminPasswordHash: os.Getenv("GATEKEEPER_ADMIN_PASSWORD_HASH"),
		CookieSecure:      os.Getenv("GATEKEEPER_COOKIE_SECURE") == "true",
		CounterBackend:    gatekeeper.EnvOr("GATEKEEPER_COUNTER_BACKEND", gatekeeper.BackendSQLite),
		RedisAddr:         os.Getenv("GATEKEEPER_REDIS_ADDR"),
		RedisPassword:     os.Getenv("GATEKEEPER_REDIS_PASSWORD"),
	}
	if v := os.Getenv("GATEKEEPER_REDIS_DB"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return cfg, fmt.Errorf("GATEKEEPER_REDIS_DB must be a non-negative integer")
		}
		cfg.RedisDB = n
	}
	if v := os.Getenv("GATEKEEPER_MAINTENANCE_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return cfg, fmt.Errorf("GATEKEEPER_MAINTENANCE_TTL must be a positive duration")
		}
		cfg.MaintenanceCacheTTL = d
	}
	return cfg, nil
}

func runServe() error {
	cfg, err := configFromEnv()
	if err != nil {
		return err
	}
	cfg.SessionSecret = gatekeeper.MustEnv("GATEKEEPER_SESSION_SECRET")
	cfg.AdminPasswordHash = gatekeeper.MustEnv("GATEKEEPER_ADMIN_PASSWORD_HASH")

	var opts []gatekeeper.Option
	if code := os.Getenv("GATEKEEPER_OTP_DEV_CODE"); code != "" {
		opts = append(opts, devOTP(code)...)
	}

	app := gatekeeper.New(cfg, opts...)
	defer app.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 1)
	go func() { errc <- app.Start() }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return app.Echo.Shutdown(shutdownCtx)
}

// devOTP accepts one fixed code for every recipient and logs instead of
// sending. Only for local development.
func devOTP(code string) []gatekeeper.Option {
	logger := log.New("otp")
	return []gatekeeper.Option{
		gatekeeper.WithOTPSender(func(_ context.Context, recipient string) error {
			logger.Warnf("dev code issued for %s", recipient)
			return nil
		}),
		gatekeeper.WithOTPVerifier(func(_ context.Context, _, submitted string) bool {
			return subtle.ConstantTimeCompare([]byte(submitted), []byte(code)) == 1
		}),
	}
}

// openStore opens the database for the offline commands. They work on the
// same tables as the server without starting it.
func openStore() (*gatekeeper.Store, *audit.Recorder, gatekeeper.Config, error) {
	cfg, err := configFromEnv()
	if err != nil {
		return nil, nil, cfg, err
	}
	store, err := gatekeeper.NewStore(cfg.DatabasePath)
	if err != nil {
		return nil, nil, cfg, err
	}
	return store, audit.NewRecorder(store, log.New("audit")), cfg, nil
}

func openSecrets() (*gatekeeper.Store, *secrets.Manager, error) {
	store, rec, cfg, err := openStore()
	if err != nil {
		return nil, nil, err
	}
	fp, err := secrets.LocalFingerprint(cfg.HostID, cfg.DatabaseName)
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	c, err := secrets.NewCipher(secrets.DeriveKey(fp))
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	return store, secrets.NewManager(store, c, rec), nil
}

func runMaintenance(enable bool, message string) error {
	store, rec, _, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	gate := maintenance.NewGate(store, maintenance.WithRecorder(rec))
	ctx := context.Background()
	if enable {
		if err := gate.Enable(ctx, cliActor, message); err != nil {
			return err
		}
	} else if err := gate.Disable(ctx, cliActor); err != nil {
		return err
	}
	st := gate.State(ctx)
	fmt.Printf("maintenance enabled=%t message=%q\n", st.Enabled, st.Message)
	fmt.Println("Running servers pick up the change within their cache TTL.")
	return nil
}

func runRotateSecret(key, category string) error {
	store, mgr, err := openSecrets()
	if err != nil {
		return err
	}
	defer store.Close()

	value, err := mgr.Rotate(context.Background(), key, category, cliActor)
	if err != nil {
		return err
	}
	fmt.Println(value)
	return nil
}

func runMigrateSecrets() error {
	store, mgr, err := openSecrets()
	if err != nil {
		return err
	}
	defer store.Close()

	n, err := mgr.Migrate(context.Background(), cliActor)
	if err != nil {
		return err
	}
	fmt.Printf("encrypted %d legacy secrets\n", n)
	return nil
}
