package gatekeeper

import (
	"bytes"
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/eringen/gatekeeper/audit"
	"github.com/eringen/gatekeeper/secrets"
)

// SignatureHeader carries "sha256=<hex hmac>" of the raw request body.
const SignatureHeader = "X-Webhook-Signature"

// WebhookCategory is the secrets category holding webhook signing keys.
const WebhookCategory = "webhook"

const maxWebhookBody = 1 << 20

// WebhookSecretKey names the secret that signs webhooks from source.
func WebhookSecretKey(source string) string {
	return "webhook_" + source
}

// verifyWebhook rejects requests whose signature does not match the body
// under the source's secret. The handler only runs for verified requests and
// sees the body as sent.
func (a *App) verifyWebhook(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		source := c.Param("source")
		if _, ok := a.webhooks[source]; !ok {
			return echo.NewHTTPError(http.StatusNotFound, "unknown webhook source")
		}

		body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody+1))
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "could not read body")
		}
		if len(body) > maxWebhookBody {
			return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "payload too large")
		}

		ctx := c.Request().Context()
		secret, err := a.Secrets.Get(ctx, WebhookSecretKey(source))
		switch {
		case errors.Is(err, secrets.ErrNotFound):
			return a.rejectWebhook(c, source, "no signing secret configured")
		case err != nil:
			c.Logger().Errorf("webhook %s: load secret: %v", source, err)
			return echo.NewHTTPError(http.StatusServiceUnavailable, "webhook verification unavailable")
		}

		if err := secrets.CheckSignature(body, c.Request().Header.Get(SignatureHeader), secret); err != nil {
			return a.rejectWebhook(c, source, "signature mismatch")
		}

		c.Request().Body = io.NopCloser(bytes.NewReader(body))
		return next(c)
	}
}

func (a *App) rejectWebhook(c echo.Context, source, reason string) error {
	a.Recorder.Record(c.Request().Context(), audit.Event{
		Type:     audit.EventWebhookRejected,
		Metadata: map[string]any{"source": source, "reason": reason},
	})
	return c.JSON(http.StatusUnauthorized, map[string]string{"error": secrets.ErrInvalidSignature.Error()})
}

func (a *App) handleWebhook(c echo.Context) error {
	source := c.Param("source")
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "could not read body")
	}
	if err := a.webhooks[source](c.Request().Context(), source, body); err != nil {
		c.Logger().Errorf("webhook %s: %v", source, err)
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "webhook rejected")
	}
	return c.NoContent(http.StatusNoContent)
}
