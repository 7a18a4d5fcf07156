package catalog

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

func TestHandler_CreateAndGetProduct(t *testing.T) {
	svc := NewService(NewMemoryRepo())
	h := NewHandler(svc)
	e := echo.New()

	req := httptest.NewRequest(http.MethodPost, "/products", strings.NewReader(`{"code":"C1","name":"Consult","list_price":50}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	if err := h.CreateProduct(e.NewContext(req, rec)); err != nil {
		t.Fatalf("CreateProduct: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var created Product
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !created.Active || !created.AvailableInPOS {
		t.Errorf("new products default to sellable, got %+v", created)
	}

	req = httptest.NewRequest(http.MethodGet, "/products/"+created.ID.String(), nil)
	rec = httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(created.ID.String())
	if err := h.GetProduct(c); err != nil {
		t.Fatalf("GetProduct: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestHandler_GetProduct_NotFound(t *testing.T) {
	h := NewHandler(NewService(NewMemoryRepo()))
	e := echo.New()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	c := e.NewContext(req, httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(uuid.New().String())

	err := h.GetProduct(c)
	var httpErr *echo.HTTPError
	if !errors.As(err, &httpErr) || httpErr.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %v", err)
	}
}

func TestHandler_UpdateProduct(t *testing.T) {
	svc := NewService(NewMemoryRepo())
	h := NewHandler(svc)
	e := echo.New()
	p := seedProduct(t, svc, Product{Name: "Consult", ListPrice: 50, Active: true, AvailableInPOS: true})

	req := httptest.NewRequest(http.MethodPut, "/", strings.NewReader(`{"list_price":65}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(p.ID.String())
	if err := h.UpdateProduct(c); err != nil {
		t.Fatalf("UpdateProduct: %v", err)
	}
	var got Product
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ListPrice != 65 || got.Name != "Consult" {
		t.Errorf("expected partial update, got %+v", got)
	}
}

func TestHTTPError_HidesStorageErrors(t *testing.T) {
	tests := []struct {
		err  error
		code int
		msg  string
	}{
		{ErrProductNotFound, http.StatusNotFound, ErrProductNotFound.Error()},
		{ErrInvalidProduct, http.StatusBadRequest, ErrInvalidProduct.Error()},
		{errors.New("pq: relation product does not exist"), http.StatusInternalServerError, "internal server error"},
	}
	for _, tt := range tests {
		var httpErr *echo.HTTPError
		if !errors.As(httpError(tt.err), &httpErr) {
			t.Fatalf("expected echo.HTTPError for %v", tt.err)
		}
		if httpErr.Code != tt.code || httpErr.Message != tt.msg {
			t.Errorf("%v: expected %d %q, got %d %q", tt.err, tt.code, tt.msg, httpErr.Code, httpErr.Message)
		}
	}
}

func TestHandler_CreateProduct_Invalid(t *testing.T) {
	h := NewHandler(NewService(NewMemoryRepo()))
	e := echo.New()

	req := httptest.NewRequest(http.MethodPost, "/products", strings.NewReader(`{"name":"  ","list_price":5}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	c := e.NewContext(req, httptest.NewRecorder())

	err := h.CreateProduct(c)
	var httpErr *echo.HTTPError
	if !errors.As(err, &httpErr) || httpErr.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %v", err)
	}
}
