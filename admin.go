package gatekeeper

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/eringen/gatekeeper/audit"
	"github.com/eringen/gatekeeper/secrets"
)

// auditLister is implemented by sinks that can be read back (the SQLite
// Store).
type auditLister interface {
	ListAuditEvents(ctx context.Context, eventType string, limit int) ([]audit.Event, error)
}

type maintenanceRequest struct {
	Message string `json:"message" form:"message"`
}

type rotateRequest struct {
	Category string `json:"category" form:"category"`
}

func actorID(c echo.Context) string {
	if p := CurrentPrincipal(c); p != nil {
		return p.UserID
	}
	return ""
}

func (a *App) handleMaintenanceStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, a.Gate.State(c.Request().Context()))
}

func (a *App) handleMaintenanceEnable(c echo.Context) error {
	var req maintenanceRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ctx := c.Request().Context()
	if err := a.Gate.Enable(ctx, actorID(c), strings.TrimSpace(req.Message)); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, a.Gate.State(ctx))
}

func (a *App) handleMaintenanceDisable(c echo.Context) error {
	ctx := c.Request().Context()
	if err := a.Gate.Disable(ctx, actorID(c)); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, a.Gate.State(ctx))
}

func (a *App) handleSecretList(c echo.Context) error {
	list, err := a.Secrets.List(c.Request().Context(), c.QueryParam("category"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, list)
}

// handleSecretRotate returns the new value exactly once so it can be handed
// to the other side of the integration.
func (a *App) handleSecretRotate(c echo.Context) error {
	key := strings.TrimSpace(c.Param("key"))
	if key == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "key is required")
	}
	var req rotateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	category := strings.TrimSpace(req.Category)
	if category == "" {
		category = "general"
	}
	value, err := a.Secrets.Rotate(c.Request().Context(), key, category, actorID(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"key": key, "category": category, "value": value})
}

func (a *App) handleSecretMigrate(c echo.Context) error {
	n, err := a.Secrets.Migrate(c.Request().Context(), actorID(c))
	if err != nil {
		if errors.Is(err, secrets.ErrUnavailable) {
			return echo.NewHTTPError(http.StatusServiceUnavailable, "secret storage unavailable")
		}
		return err
	}
	return c.JSON(http.StatusOK, map[string]int{"migrated": n})
}

func (a *App) handleAuditList(c echo.Context) error {
	lister, ok := a.auditSink.(auditLister)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "audit log is not readable")
	}
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	events, err := lister.ListAuditEvents(c.Request().Context(), c.QueryParam("type"), limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, events)
}
