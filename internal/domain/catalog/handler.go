package catalog

import (
	"errors"
	"net/http"

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
	readGroup.GET("/products", h.ListProducts)
	readGroup.GET("/products/:id", h.GetProduct)

	writeGroup := api.Group("", auth.RequireRole(auth.RoleAdmin))
	writeGroup.POST("/products", h.CreateProduct)
	writeGroup.PUT("/products/:id", h.UpdateProduct)
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrProductNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInvalidProduct):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error").SetInternal(err)
	}
}

func (h *Handler) CreateProduct(c echo.Context) error {
	p := Product{Active: true, AvailableInPOS: true}
	if err := c.Bind(&p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.CreateProduct(c.Request().Context(), &p); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) GetProduct(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	p, err := h.svc.GetProduct(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) UpdateProduct(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	existing, err := h.svc.GetProduct(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	if err := c.Bind(existing); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	existing.ID = id
	if err := h.svc.UpdateProduct(c.Request().Context(), existing); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, existing)
}

func (h *Handler) ListProducts(c echo.Context) error {
	pg := pagination.FromContext(c)
	products, total, err := h.svc.ListProducts(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(products, total, pg.Limit, pg.Offset))
}
