package maintenance

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/a-h/templ"
	"github.com/labstack/echo/v4"

	"github.com/eringen/gatekeeper/views"
)

// Roles and capabilities that bypass the gate.
const (
	RoleSuperAdmin   = "super_admin"
	CapabilityBypass = "maintenance.bypass"
)

// Principal is the authenticated caller, as far as the gate cares.
type Principal struct {
	UserID       string
	Role         string
	Capabilities []string
}

// CanBypass reports whether p may use the site during maintenance. A nil
// principal (no session) never bypasses.
func CanBypass(p *Principal) bool {
	if p == nil {
		return false
	}
	if p.Role == RoleSuperAdmin {
		return true
	}
	for _, c := range p.Capabilities {
		if c == CapabilityBypass {
			return true
		}
	}
	return false
}

// MiddlewareConfig configures Gate.Middleware.
type MiddlewareConfig struct {
	// Principal extracts the caller from the request; nil means anonymous.
	Principal func(c echo.Context) *Principal
	// APIPrefix marks paths that always get a JSON rejection (default "/api/").
	APIPrefix string
	// ExemptPrefixes pass through untouched (login, health, static assets).
	ExemptPrefixes []string
	// RetryAfter is advertised in the Retry-After header (default 5m).
	RetryAfter time.Duration
	// Notice renders the HTML page for browsers.
	Notice func(message string) templ.Component
}

// Middleware blocks non-privileged requests while maintenance is enabled.
// Write-like requests (any method but GET or HEAD) and API paths get a 503
// JSON body; page loads get the HTML notice. Both stop the chain.
func (g *Gate) Middleware(cfg MiddlewareConfig) echo.MiddlewareFunc {
	if cfg.APIPrefix == "" {
		cfg.APIPrefix = "/api/"
	}
	if cfg.RetryAfter <= 0 {
		cfg.RetryAfter = 5 * time.Minute
	}
	if cfg.Notice == nil {
		cfg.Notice = func(message string) templ.Component {
			return views.MaintenanceNotice("", message)
		}
	}
	if cfg.Principal == nil {
		cfg.Principal = func(echo.Context) *Principal { return nil }
	}
	retryAfter := strconv.Itoa(int(cfg.RetryAfter.Seconds()))

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			path := c.Request().URL.Path
			for _, p := range cfg.ExemptPrefixes {
				if strings.HasPrefix(path, p) {
					return next(c)
				}
			}
			st := g.State(c.Request().Context())
			if !st.Enabled || CanBypass(cfg.Principal(c)) {
				return next(c)
			}

			c.Response().Header().Set("Retry-After", retryAfter)
			if isWrite(c.Request().Method) || strings.HasPrefix(path, cfg.APIPrefix) {
				return c.JSON(http.StatusServiceUnavailable, map[string]string{
					"error":   "Site is in maintenance mode",
					"message": st.Message,
				})
			}
			return views.RenderStatus(c, http.StatusServiceUnavailable, cfg.Notice(st.Message))
		}
	}
}

func isWrite(method string) bool {
	return method != http.MethodGet && method != http.MethodHead
}
