package reconcile

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/clinicpos/clinicpos/internal/domain/ledger"
	"github.com/clinicpos/clinicpos/internal/platform/auth"
)

// Handler exposes the explicit cancellation API for reconcile calls.
// Reconciling against an order lives with the checkout routes.
type Handler struct {
	engine *Engine
}

func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/reconcile", auth.RequireRole(auth.RoleCashier), auth.RequireTerminal())
	g.POST("/release", h.ReleaseClaims)
}

// HTTPError maps reconcile failures onto HTTP status codes.
func HTTPError(err error) error {
	if errors.Is(err, ErrInvalidRequest) {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return ledger.HTTPError(err)
}

// ReleaseClaims drops every claim held by the calling terminal.
func (h *Handler) ReleaseClaims(c echo.Context) error {
	owner := auth.TerminalFromContext(c.Request().Context())
	items, err := h.engine.ReleaseOwner(c.Request().Context(), owner)
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"released": len(items), "data": items})
}
