package gatekeeper

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"golang.org/x/crypto/bcrypt"

	"github.com/eringen/gatekeeper/maintenance"
	"github.com/eringen/gatekeeper/ratelimit"
)

type loginRequest struct {
	Username string `json:"username" form:"username"`
	Password string `json:"password" form:"password"`
}

type otpRequest struct {
	Recipient string `json:"recipient" form:"recipient"`
	Code      string `json:"code" form:"code"`
}

func (a *App) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// handleLogin checks the admin credentials behind the login throttle. Every
// failure counts against the caller's IP; a success clears it.
func (a *App) handleLogin(c echo.Context) error {
	ctx := c.Request().Context()
	id := ratelimit.EndpointKey("login", c.RealIP())

	if d := a.Limiter.IsRateLimited(ctx, id, a.Config.LoginPolicy); d.Limited {
		return rateLimited(c, d, "Too many login attempts. Please try again later.")
	}

	var req loginRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if !a.checkCredentials(req.Username, req.Password) {
		_, _ = a.Limiter.RecordAttempt(ctx, id, a.Config.LoginPolicy)
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid credentials")
	}

	_ = a.Limiter.ClearLimit(ctx, id)
	p := maintenance.Principal{UserID: a.Config.AdminUsername, Role: maintenance.RoleSuperAdmin}
	if err := setSession(c, p); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"user_id": p.UserID, "role": p.Role})
}

func (a *App) checkCredentials(username, password string) bool {
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(a.Config.AdminUsername)) == 1
	// always run bcrypt so a wrong username costs the same as a wrong password
	passOK := bcrypt.CompareHashAndPassword([]byte(a.Config.AdminPasswordHash), []byte(password)) == nil
	return userOK && passOK
}

func handleLogout(c echo.Context) error {
	if err := clearSession(c); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// handleOTPRequest sends a one-time code unless the recipient has asked for
// too many already.
func (a *App) handleOTPRequest(c echo.Context) error {
	ctx := c.Request().Context()
	var req otpRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	recipient := normalizeRecipient(req.Recipient)
	if recipient == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "recipient is required")
	}

	dec := a.Limiter.CheckOTP(ctx, recipient, a.Config.OTPPolicy)
	if !dec.Allowed {
		return rateLimited(c, ratelimit.Decision{Limited: true, BackoffMinutes: dec.RetryAfterMinutes}, dec.Message)
	}
	_, _ = a.Limiter.RecordAttempt(ctx, ratelimit.OTPIdentifier(recipient), a.Config.OTPPolicy)

	if a.otpSender == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "otp delivery is not configured")
	}
	if err := a.otpSender(ctx, recipient); err != nil {
		c.Logger().Errorf("otp: send: %v", err)
		return echo.NewHTTPError(http.StatusBadGateway, "could not send code")
	}
	return c.JSON(http.StatusAccepted, map[string]string{"status": "sent"})
}

// handleOTPVerify checks a submitted code. Wrong codes are throttled per
// recipient on their own counter so guessing cannot hide behind the request
// throttle.
func (a *App) handleOTPVerify(c echo.Context) error {
	ctx := c.Request().Context()
	var req otpRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	recipient := normalizeRecipient(req.Recipient)
	if recipient == "" || req.Code == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "recipient and code are required")
	}
	if a.otpVerifier == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "otp verification is not configured")
	}

	id := ratelimit.EndpointKey("otp_verify", recipient)
	if d := a.Limiter.IsRateLimited(ctx, id, a.Config.OTPPolicy); d.Limited {
		return rateLimited(c, d, "Too many incorrect codes. Please request a new one later.")
	}
	if !a.otpVerifier(ctx, recipient, req.Code) {
		_, _ = a.Limiter.RecordAttempt(ctx, id, a.Config.OTPPolicy)
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid code")
	}
	_ = a.Limiter.ClearLimit(ctx, id)
	_ = a.Limiter.ClearLimit(ctx, ratelimit.OTPIdentifier(recipient))
	return c.JSON(http.StatusOK, map[string]string{"status": "verified"})
}

func normalizeRecipient(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func handleSession(c echo.Context) error {
	out := map[string]any{"authenticated": false}
	if p := CurrentPrincipal(c); p != nil {
		out["authenticated"] = true
		out["user_id"] = p.UserID
		out["role"] = p.Role
	}
	// only set outside the API prefix, where the CSRF middleware runs
	if token := CsrfToken(c); token != "" {
		out["csrf_token"] = token
	}
	return c.JSON(http.StatusOK, out)
}

func (a *App) httpErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	code := http.StatusInternalServerError
	message := http.StatusText(code)
	if he, ok := err.(*echo.HTTPError); ok {
		code = he.Code
		if m, ok := he.Message.(string); ok {
			message = m
		} else {
			message = http.StatusText(code)
		}
	}
	if code >= 500 {
		c.Logger().Errorf("server error: %v", err)
		if code == http.StatusInternalServerError {
			message = http.StatusText(code)
		}
	}
	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(code)
		return
	}
	_ = c.JSON(code, map[string]string{"error": message})
}
