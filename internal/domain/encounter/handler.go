package encounter

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/clinicpos/clinicpos/internal/platform/auth"
	"github.com/clinicpos/clinicpos/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	readGroup := api.Group("", auth.RequireRole(auth.RoleClinician, auth.RoleCashier))
	readGroup.GET("/encounters", h.ListEncounters)
	readGroup.GET("/encounters/:id", h.GetEncounter)
	readGroup.GET("/encounters/:id/history", h.GetStatusHistory)
	readGroup.GET("/encounters/:id/facts", h.GetFacts)

	writeGroup := api.Group("", auth.RequireRole(auth.RoleClinician))
	writeGroup.POST("/encounters", h.CreateEncounter)
	writeGroup.PUT("/encounters/:id/patients", h.SetPatients)
	writeGroup.POST("/encounters/:id/status", h.ApplyStatus)
	writeGroup.POST("/encounters/:id/archive", h.Archive)
}

// httpError maps the encounter error taxonomy onto HTTP status codes.
func httpError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrUnknownStatus), errors.Is(err, ErrInvalidEncounter):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrPreconditionFailed):
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

func (h *Handler) CreateEncounter(c echo.Context) error {
	var enc Encounter
	if err := c.Bind(&enc); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.CreateEncounter(c.Request().Context(), &enc); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, enc)
}

func (h *Handler) GetEncounter(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	enc, err := h.svc.GetEncounter(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, enc)
}

func (h *Handler) ListEncounters(c echo.Context) error {
	pg := pagination.FromContext(c)

	var f Filter
	if v := c.QueryParam("partner_id"); v != "" {
		pid, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid partner_id")
		}
		f.PartnerID = &pid
	}
	if v := c.QueryParam("status"); v != "" {
		st, err := ParseStatus(v)
		if err != nil {
			return httpError(err)
		}
		f.Status = &st
	}
	if v := c.QueryParam("active"); v != "" {
		active, err := strconv.ParseBool(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid active")
		}
		f.Active = &active
	}

	encs, total, err := h.svc.ListEncounters(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(encs, total, pg.Limit, pg.Offset))
}

type patientsRequest struct {
	PatientIDs []uuid.UUID `json:"patient_ids"`
}

func (h *Handler) SetPatients(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req patientsRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	enc, err := h.svc.SetPatients(c.Request().Context(), id, req.PatientIDs)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, enc)
}

type statusRequest struct {
	Status string `json:"status"`
}

func (h *Handler) ApplyStatus(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req statusRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	enc, err := h.svc.ApplyNamed(c.Request().Context(), id, req.Status)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, enc)
}

func (h *Handler) Archive(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	enc, err := h.svc.Archive(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, enc)
}

func (h *Handler) GetStatusHistory(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	history, err := h.svc.GetStatusHistory(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, history)
}

func (h *Handler) GetFacts(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	facts, err := h.svc.Facts(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, facts)
}
