package gatekeeper

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/eringen/gatekeeper/ratelimit"
)

// rateLimited writes the 429 response for a blocked caller. Retry-After is
// in seconds; the body carries the same wait in minutes.
func rateLimited(c echo.Context, d ratelimit.Decision, message string) error {
	c.Response().Header().Set("Retry-After", strconv.Itoa(int(d.RetryAfter().Seconds())))
	return c.JSON(http.StatusTooManyRequests, map[string]any{
		"error":               message,
		"retry_after_minutes": d.BackoffMinutes,
	})
}

// apiThrottle counts every API call per client IP and rejects callers past
// the API policy. It never clears: the window expiring is the only reset.
func (a *App) apiThrottle(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		id := ratelimit.EndpointKey("api", c.RealIP())
		if d := a.Limiter.IsRateLimited(ctx, id, a.Config.APIPolicy); d.Limited {
			return rateLimited(c, d, "Too many requests. Please slow down.")
		}
		// a failed increment is already logged by the limiter
		_, _ = a.Limiter.RecordAttempt(ctx, id, a.Config.APIPolicy)
		return next(c)
	}
}
