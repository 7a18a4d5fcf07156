package ledger

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/clinicpos/clinicpos/internal/domain/encounter"
	"github.com/clinicpos/clinicpos/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	readGroup := api.Group("", auth.RequireRole(auth.RoleClinician, auth.RoleCashier))
	readGroup.GET("/pending-items", h.ListPending)
	readGroup.GET("/pending-items/:id", h.GetItem)
	readGroup.GET("/encounters/:id/billing-summary", h.Summarize)

	writeGroup := api.Group("", auth.RequireRole(auth.RoleClinician))
	writeGroup.POST("/encounters/:id/items", h.AddItem)
	writeGroup.POST("/pending-items/:id/cancel", h.CancelItem)
	writeGroup.POST("/pending-items/:id/reset", h.ResetItem)
}

// HTTPError maps the ledger error taxonomy onto HTTP status codes.
func HTTPError(err error) error {
	switch {
	case errors.Is(err, ErrItemNotFound), errors.Is(err, encounter.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInvalidItem):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotOwner):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, ErrNotBillable), errors.Is(err, ErrAlreadyClaimed),
		errors.Is(err, ErrAlreadyProcessed), errors.Is(err, ErrItemCancelled),
		errors.Is(err, ErrClaimExpired):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error").SetInternal(err)
	}
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

// ParseFilter reads the optional partner_id and encounter_id query
// parameters.
func ParseFilter(c echo.Context) (Filter, error) {
	var f Filter
	for name, dst := range map[string]**uuid.UUID{"partner_id": &f.PartnerID, "encounter_id": &f.EncounterID} {
		v := c.QueryParam(name)
		if v == "" {
			continue
		}
		id, err := uuid.Parse(v)
		if err != nil {
			return Filter{}, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
		}
		*dst = &id
	}
	return f, nil
}

func (h *Handler) AddItem(c echo.Context) error {
	encounterID, err := parseID(c)
	if err != nil {
		return err
	}
	var it Item
	if err := c.Bind(&it); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	it.EncounterID = encounterID
	if it.Quantity == 0 {
		it.Quantity = 1
	}
	if err := h.svc.Add(c.Request().Context(), &it); err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusCreated, it)
}

func (h *Handler) GetItem(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	it, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, it)
}

func (h *Handler) ListPending(c echo.Context) error {
	f, err := ParseFilter(c)
	if err != nil {
		return err
	}
	items, err := h.svc.ListPending(c.Request().Context(), f)
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"data": items, "total": len(items)})
}

func (h *Handler) CancelItem(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	it, err := h.svc.Cancel(c.Request().Context(), id)
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, it)
}

func (h *Handler) ResetItem(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	it, err := h.svc.Reset(c.Request().Context(), id)
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, it)
}

func (h *Handler) Summarize(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	sum, err := h.svc.Summarize(c.Request().Context(), id)
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, sum)
}
