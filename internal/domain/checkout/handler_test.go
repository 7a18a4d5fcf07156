package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/clinicpos/clinicpos/internal/domain/catalog"
	"github.com/clinicpos/clinicpos/internal/domain/encounter"
	"github.com/clinicpos/clinicpos/internal/domain/ledger"
	"github.com/clinicpos/clinicpos/internal/domain/reconcile"
	"github.com/clinicpos/clinicpos/internal/platform/auth"
)

type stack struct {
	checkout   *Service
	ledger     *ledger.Service
	encounters *encounter.Service
	catalog    *catalog.Service
	handler    *Handler
}

func newStack(t *testing.T) *stack {
	t.Helper()
	encSvc := encounter.NewService(encounter.NewMemoryRepo(), encounter.NewRegistry())
	led := ledger.NewService(ledger.NewMemoryRepo(), encSvc)
	cat := catalog.NewService(catalog.NewMemoryRepo())
	svc := NewService(NewMemoryRepo())
	engine := reconcile.NewEngine(led, encSvc)
	return &stack{
		checkout:   svc,
		ledger:     led,
		encounters: encSvc,
		catalog:    cat,
		handler:    NewHandler(svc, engine, cat),
	}
}

func (s *stack) billable(t *testing.T, partner uuid.UUID) *encounter.Encounter {
	t.Helper()
	ctx := context.Background()
	enc := &encounter.Encounter{PartnerID: partner, PatientIDs: []uuid.UUID{uuid.New()}}
	if err := s.encounters.CreateEncounter(ctx, enc); err != nil {
		t.Fatalf("CreateEncounter: %v", err)
	}
	var err error
	for _, st := range []encounter.Status{
		encounter.StatusConfirmed, encounter.StatusCheckedIn, encounter.StatusInProgress, encounter.StatusCompleted,
	} {
		if enc, err = s.encounters.Apply(ctx, enc.ID, st); err != nil {
			t.Fatalf("Apply(%s): %v", st, err)
		}
	}
	return enc
}

func (s *stack) item(t *testing.T, enc *encounter.Encounter, productID uuid.UUID) *ledger.Item {
	t.Helper()
	it := &ledger.Item{EncounterID: enc.ID, ProductID: productID, Quantity: 1, UnitPrice: 40}
	if err := s.ledger.Add(context.Background(), it); err != nil {
		t.Fatalf("Add: %v", err)
	}
	return it
}

func cashierContext(e *echo.Echo, method, body, id string) (echo.Context, *httptest.ResponseRecorder) {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, "/", strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, "/", nil)
	}
	req = req.WithContext(auth.WithIdentity(req.Context(), "cashier-1", "till-1", []string{auth.RoleCashier}))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if id != "" {
		c.SetParamNames("id")
		c.SetParamValues(id)
	}
	return c, rec
}

func expectHTTPStatus(t *testing.T, err error, code int) {
	t.Helper()
	var httpErr *echo.HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected echo.HTTPError, got %T (%v)", err, err)
	}
	if httpErr.Code != code {
		t.Errorf("expected %d, got %d (%v)", code, httpErr.Code, httpErr.Message)
	}
}

func TestHandler_OpenOrder(t *testing.T) {
	s := newStack(t)
	e := echo.New()
	partner := uuid.New()

	c, rec := cashierContext(e, http.MethodPost, `{"partner_id":"`+partner.String()+`"}`, "")
	if err := s.handler.OpenOrder(c); err != nil {
		t.Fatalf("OpenOrder: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var o Order
	if err := json.Unmarshal(rec.Body.Bytes(), &o); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if o.PartnerID != partner || o.TerminalID != "till-1" || o.State != StateOpen {
		t.Errorf("unexpected order: %+v", o)
	}

	c, _ = cashierContext(e, http.MethodPost, `{}`, "")
	expectHTTPStatus(t, s.handler.OpenOrder(c), http.StatusBadRequest)
}

func TestHandler_ReconcileOrder(t *testing.T) {
	s := newStack(t)
	e := echo.New()
	ctx := context.Background()
	partner := uuid.New()
	enc := s.billable(t, partner)
	p := &catalog.Product{Name: "Consult", ListPrice: 40, Active: true, AvailableInPOS: true}
	if err := s.catalog.CreateProduct(ctx, p); err != nil {
		t.Fatalf("CreateProduct: %v", err)
	}
	s.item(t, enc, p.ID)
	s.item(t, enc, p.ID)
	missing := s.item(t, enc, uuid.New())

	o, err := s.checkout.OpenOrder(ctx, partner, "till-1")
	if err != nil {
		t.Fatalf("OpenOrder: %v", err)
	}

	c, rec := cashierContext(e, http.MethodPost, `{"encounter_id":"`+enc.ID.String()+`"}`, o.ID.String())
	if err := s.handler.Reconcile(c); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var res reconcile.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Status != reconcile.StatusPartial || len(res.Processed) != 2 || len(res.Failed) != 1 || len(res.Skipped) != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}

	got, err := s.checkout.GetOrder(ctx, o.ID)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if len(got.Lines) != 2 || got.AmountTotal != 80 {
		t.Errorf("expected 2 lines totalling 80, got %d lines totalling %v", len(got.Lines), got.AmountTotal)
	}
	if it, _ := s.ledger.Get(ctx, missing.ID); it.State != ledger.StatePending {
		t.Errorf("expected failed item pending, got %s", it.State)
	}

	// A retry only picks up what is still pending; no line is duplicated.
	c, _ = cashierContext(e, http.MethodPost, `{"encounter_id":"`+enc.ID.String()+`"}`, o.ID.String())
	if err := s.handler.Reconcile(c); err != nil {
		t.Fatalf("second Reconcile: %v", err)
	}
	if got, _ = s.checkout.GetOrder(ctx, o.ID); len(got.Lines) != 2 {
		t.Errorf("expected still 2 lines, got %d", len(got.Lines))
	}
}

func TestHandler_ReconcileClosedOrder(t *testing.T) {
	s := newStack(t)
	e := echo.New()
	ctx := context.Background()
	o, err := s.checkout.OpenOrder(ctx, uuid.New(), "till-1")
	if err != nil {
		t.Fatalf("OpenOrder: %v", err)
	}
	if _, err := s.checkout.CloseOrder(ctx, o.ID); err != nil {
		t.Fatalf("CloseOrder: %v", err)
	}
	c, _ := cashierContext(e, http.MethodPost, `{}`, o.ID.String())
	expectHTTPStatus(t, s.handler.Reconcile(c), http.StatusConflict)
}

func TestHandler_GetAndCloseOrder(t *testing.T) {
	s := newStack(t)
	e := echo.New()

	c, _ := cashierContext(e, http.MethodGet, "", uuid.New().String())
	expectHTTPStatus(t, s.handler.GetOrder(c), http.StatusNotFound)

	c, _ = cashierContext(e, http.MethodGet, "", "not-a-uuid")
	expectHTTPStatus(t, s.handler.GetOrder(c), http.StatusBadRequest)

	o, err := s.checkout.OpenOrder(context.Background(), uuid.New(), "till-1")
	if err != nil {
		t.Fatalf("OpenOrder: %v", err)
	}
	c, rec := cashierContext(e, http.MethodPost, "", o.ID.String())
	if err := s.handler.CloseOrder(c); err != nil {
		t.Fatalf("CloseOrder: %v", err)
	}
	var closed Order
	if err := json.Unmarshal(rec.Body.Bytes(), &closed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if closed.State != StateClosed {
		t.Errorf("expected closed, got %s", closed.State)
	}
}

func TestCheckoutHTTPError(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{ErrOrderNotFound, http.StatusNotFound},
		{ErrInvalidOrder, http.StatusBadRequest},
		{ErrInvalidLine, http.StatusBadRequest},
		{ErrDuplicateLine, http.StatusConflict},
		{ErrOrderClosed, http.StatusConflict},
		{reconcile.ErrInvalidRequest, http.StatusBadRequest},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		var httpErr *echo.HTTPError
		if !errors.As(HTTPError(tt.err), &httpErr) || httpErr.Code != tt.code {
			t.Errorf("%v: expected %d, got %v", tt.err, tt.code, HTTPError(tt.err))
		}
	}
}

func TestReconcile_ItemLeftOnClosedOrderIsSettled(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	partner := uuid.New()
	enc := s.billable(t, partner)
	p := &catalog.Product{Code: "CONS", Name: "Consult", ListPrice: 40, Active: true, AvailableInPOS: true}
	if err := s.catalog.CreateProduct(ctx, p); err != nil {
		t.Fatalf("CreateProduct: %v", err)
	}
	it := s.item(t, enc, p.ID)

	// A line that reached the first order while the item stayed pending.
	first, err := s.checkout.OpenOrder(ctx, partner, "till-1")
	if err != nil {
		t.Fatalf("OpenOrder: %v", err)
	}
	kept, err := s.checkout.Append(ctx, first.ID, reconcile.Descriptor{
		ItemID: it.ID, EncounterID: enc.ID, PartnerID: partner, ProductID: p.ID,
		Description: "Consult", Quantity: 1, UnitPrice: 40,
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := s.checkout.CloseOrder(ctx, first.ID); err != nil {
		t.Fatalf("CloseOrder: %v", err)
	}

	second, err := s.checkout.OpenOrder(ctx, partner, "till-2")
	if err != nil {
		t.Fatalf("OpenOrder: %v", err)
	}
	engine := reconcile.NewEngine(s.ledger, s.encounters)
	res, err := engine.Reconcile(ctx, reconcile.Request{PartnerID: partner, EncounterID: &enc.ID, Owner: "till-2"},
		s.catalog, s.checkout.Sink(second.ID))
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(res.Skipped) != 1 || res.Skipped[0].Reason != reconcile.ReasonAlreadyBilled {
		t.Fatalf("expected one already_billed item, got %+v", res)
	}
	got, err := s.ledger.Get(ctx, it.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.State != ledger.StateProcessed || got.OrderLineID == nil || *got.OrderLineID != kept.ID {
		t.Errorf("expected processed on line %s, got %s %v", kept.ID, got.State, got.OrderLineID)
	}
	o, err := s.checkout.GetOrder(ctx, second.ID)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if len(o.Lines) != 0 {
		t.Errorf("expected nothing added to the second order, got %d lines", len(o.Lines))
	}
	if !res.EncounterBilled {
		t.Error("expected encounter billed")
	}
}
