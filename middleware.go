package gatekeeper

import (
	"net/http"
	"strings"

	"github.com/a-h/templ"
	"github.com/gorilla/sessions"
	"github.com/labstack/echo-contrib/session"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/eringen/gatekeeper/audit"
	"github.com/eringen/gatekeeper/maintenance"
	"github.com/eringen/gatekeeper/views"
)

const sessionName = "gatekeeper_session"

// Session value keys.
const (
	sessionUserID       = "user_id"
	sessionRole         = "role"
	sessionCapabilities = "capabilities"
)

func (a *App) setupMiddleware() {
	e := a.Echo

	e.IPExtractor = echo.ExtractIPFromXFFHeader(
		echo.TrustLoopback(true),
		echo.TrustLinkLocal(false),
		echo.TrustPrivateNet(true),
	)

	e.HTTPErrorHandler = a.httpErrorHandler

	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:   true,
		LogURI:      true,
		LogMethod:   true,
		LogLatency:  true,
		LogRemoteIP: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			c.Logger().Infof("%s %s -> %d (%s) ip=%s", v.Method, v.URI, v.Status, v.Latency, v.RemoteIP)
			return nil
		},
	}))

	e.Use(middleware.Recover())

	e.Use(middleware.GzipWithConfig(middleware.GzipConfig{
		Level: 5,
		Skipper: func(c echo.Context) bool {
			return strings.HasPrefix(c.Request().URL.Path, "/webhooks/")
		},
	}))

	e.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		XSSProtection:         "1; mode=block",
		ContentTypeNosniff:    "nosniff",
		XFrameOptions:         "DENY",
		ReferrerPolicy:        "strict-origin-when-cross-origin",
		ContentSecurityPolicy: "default-src 'self'; style-src 'self' 'unsafe-inline'",
		HSTSMaxAge:            31536000,
	}))

	e.Use(session.Middleware(a.newSessionStore()))

	e.Use(requestInfoMiddleware)

	e.Use(a.Gate.Middleware(maintenance.MiddlewareConfig{
		Principal:      CurrentPrincipal,
		APIPrefix:      a.Config.APIPrefix,
		ExemptPrefixes: []string{"/healthz", "/login", "/logout"},
		RetryAfter:     a.Config.MaintenanceRetryAfter,
		Notice: func(message string) templ.Component {
			return views.MaintenanceNotice(a.Config.SiteName, message)
		},
	}))

	e.Use(middleware.CSRFWithConfig(middleware.CSRFConfig{
		ContextKey:  middleware.DefaultCSRFConfig.ContextKey,
		TokenLookup: "header:X-CSRF-Token,form:_csrf",
		CookieName:  "_csrf",
		CookiePath:  "/",
		CookieSameSite: func() http.SameSite {
			return http.SameSiteLaxMode
		}(),
		CookieSecure: a.Config.CookieSecure,
		Skipper:      a.skipCSRF,
		ErrorHandler: func(err error, c echo.Context) error {
			return c.JSON(http.StatusForbidden, map[string]string{"error": "Forbidden"})
		},
	}))

	e.Use(cacheControlMiddleware)
}

// skipCSRF exempts machine-to-machine routes and JSON bodies. Webhooks carry
// their own HMAC; a cross-site form cannot send application/json without a
// CORS preflight.
func (a *App) skipCSRF(c echo.Context) bool {
	path := c.Request().URL.Path
	if strings.HasPrefix(path, a.Config.APIPrefix) || strings.HasPrefix(path, "/webhooks/") || path == "/healthz" {
		return true
	}
	return strings.HasPrefix(c.Request().Header.Get(echo.HeaderContentType), echo.MIMEApplicationJSON)
}

func cacheControlMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		c.Response().Header().Set("Cache-Control", "no-store")
		return next(c)
	}
}

// requestInfoMiddleware attaches the caller's id, IP and user agent to the
// request context so audit events recorded downstream are attributed.
func requestInfoMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		info := audit.RequestInfo{
			IP:        c.RealIP(),
			UserAgent: c.Request().UserAgent(),
		}
		if p := CurrentPrincipal(c); p != nil {
			info.ActorID = p.UserID
		}
		ctx := audit.WithRequestInfo(c.Request().Context(), info)
		c.SetRequest(c.Request().WithContext(ctx))
		return next(c)
	}
}

func (a *App) newSessionStore() *sessions.CookieStore {
	store := sessions.NewCookieStore([]byte(a.Config.SessionSecret))
	store.Options = &sessions.Options{
		Path:     "/",
		HttpOnly: true,
		MaxAge:   60 * 60 * 12,
		SameSite: http.SameSiteLaxMode,
		Secure:   a.Config.CookieSecure,
	}
	return store
}

// CurrentPrincipal returns the signed-in caller, or nil for anonymous
// requests.
func CurrentPrincipal(c echo.Context) *maintenance.Principal {
	sess, err := session.Get(sessionName, c)
	if err != nil {
		return nil
	}
	id, _ := sess.Values[sessionUserID].(string)
	if id == "" {
		return nil
	}
	role, _ := sess.Values[sessionRole].(string)
	caps, _ := sess.Values[sessionCapabilities].([]string)
	return &maintenance.Principal{UserID: id, Role: role, Capabilities: caps}
}

func setSession(c echo.Context, p maintenance.Principal) error {
	sess, err := session.Get(sessionName, c)
	if err != nil {
		return err
	}
	sess.Values[sessionUserID] = p.UserID
	sess.Values[sessionRole] = p.Role
	if len(p.Capabilities) > 0 {
		sess.Values[sessionCapabilities] = p.Capabilities
	} else {
		delete(sess.Values, sessionCapabilities)
	}
	return sess.Save(c.Request(), c.Response())
}

func clearSession(c echo.Context) error {
	sess, err := session.Get(sessionName, c)
	if err != nil {
		return err
	}
	sess.Options.MaxAge = -1
	return sess.Save(c.Request(), c.Response())
}

// requireSuperAdmin rejects anonymous callers with 401 and everyone but
// super admins with 403.
func requireSuperAdmin(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		p := CurrentPrincipal(c)
		if p == nil {
			return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
		}
		if p.Role != maintenance.RoleSuperAdmin {
			return echo.NewHTTPError(http.StatusForbidden, "forbidden")
		}
		return next(c)
	}
}

// CsrfToken extracts the CSRF token from the Echo context.
func CsrfToken(c echo.Context) string {
	token, _ := c.Get(middleware.DefaultCSRFConfig.ContextKey).(string)
	return token
}
