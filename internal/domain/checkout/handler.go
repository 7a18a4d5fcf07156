package checkout

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/clinicpos/clinicpos/internal/domain/catalog"
	"github.com/clinicpos/clinicpos/internal/domain/reconcile"
	"github.com/clinicpos/clinicpos/internal/platform/auth"
)

type Handler struct {
	svc    *Service
	engine *reconcile.Engine
	lookup catalog.Lookup
}

func NewHandler(svc *Service, engine *reconcile.Engine, lookup catalog.Lookup) *Handler {
	return &Handler{svc: svc, engine: engine, lookup: lookup}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/orders", auth.RequireRole(auth.RoleCashier))
	g.GET("/:id", h.GetOrder)
	g.POST("/:id/close", h.CloseOrder)

	tg := api.Group("/orders", auth.RequireRole(auth.RoleCashier), auth.RequireTerminal())
	tg.POST("", h.OpenOrder)
	tg.POST("/:id/reconcile", h.Reconcile)
}

// HTTPError maps checkout errors onto HTTP status codes.
func HTTPError(err error) error {
	switch {
	case errors.Is(err, ErrOrderNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInvalidOrder), errors.Is(err, ErrInvalidLine):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrSinkRejected):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return reconcile.HTTPError(err)
	}
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

type openOrderRequest struct {
	PartnerID uuid.UUID `json:"partner_id"`
}

func (h *Handler) OpenOrder(c echo.Context) error {
	var req openOrderRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	terminal := auth.TerminalFromContext(c.Request().Context())
	o, err := h.svc.OpenOrder(c.Request().Context(), req.PartnerID, terminal)
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusCreated, o)
}

func (h *Handler) GetOrder(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	o, err := h.svc.GetOrder(c.Request().Context(), id)
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, o)
}

func (h *Handler) CloseOrder(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	o, err := h.svc.CloseOrder(c.Request().Context(), id)
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, o)
}

type reconcileRequest struct {
	EncounterID *uuid.UUID `json:"encounter_id"`
}

// Reconcile pulls the pending items of the order's partner, or of one
// encounter when encounter_id is given, onto the order. The calling
// terminal owns the claims.
func (h *Handler) Reconcile(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req reconcileRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	o, err := h.svc.GetOrder(ctx, id)
	if err != nil {
		return HTTPError(err)
	}
	if o.State != StateOpen {
		return HTTPError(ErrOrderClosed)
	}
	res, err := h.engine.Reconcile(ctx, reconcile.Request{
		PartnerID:   o.PartnerID,
		EncounterID: req.EncounterID,
		Owner:       auth.TerminalFromContext(ctx),
	}, h.lookup, h.svc.Sink(id))
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, res)
}
