package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

var testSigningKey = []byte("test-secret-key-for-unit-tests-only")

func createTestToken(t *testing.T, claims Claims, key []byte) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenStr, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("failed to sign test token: %v", err)
	}
	return tokenStr
}

func expectStatus(t *testing.T, err error, code int) {
	t.Helper()
	var httpErr *echo.HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected echo.HTTPError, got %T (%v)", err, err)
	}
	if httpErr.Code != code {
		t.Errorf("expected %d, got %d", code, httpErr.Code)
	}
}

func okHandler(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

func TestJWTMiddleware_MissingHeader(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	c := e.NewContext(req, httptest.NewRecorder())

	err := JWTMiddleware(JWTConfig{SigningKey: testSigningKey})(okHandler)(c)
	expectStatus(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_InvalidFormat(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"no bearer prefix", "Token abc123"},
		{"missing token", "Bearer"},
		{"empty value", "Bearer "},
		{"basic auth", "Basic dXNlcjpwYXNz"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set("Authorization", tt.header)
			c := e.NewContext(req, httptest.NewRecorder())

			err := JWTMiddleware(JWTConfig{SigningKey: testSigningKey})(okHandler)(c)
			expectStatus(t, err, http.StatusUnauthorized)
		})
	}
}

func TestJWTMiddleware_ExpiredToken(t *testing.T) {
	tokenStr := createTestToken(t, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "cashier-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-1 * time.Hour)),
		},
	}, testSigningKey)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tokenStr)
	c := e.NewContext(req, httptest.NewRecorder())

	err := JWTMiddleware(JWTConfig{SigningKey: testSigningKey})(okHandler)(c)
	expectStatus(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_WrongKey(t *testing.T) {
	tokenStr := createTestToken(t, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "cashier-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}, []byte("another-key"))

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tokenStr)
	c := e.NewContext(req, httptest.NewRecorder())

	err := JWTMiddleware(JWTConfig{SigningKey: testSigningKey})(okHandler)(c)
	expectStatus(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_ClaimsExtraction(t *testing.T) {
	tokenStr := createTestToken(t, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "cashier-7",
			Issuer:    "clinicpos",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		ClinicID:   "north",
		TerminalID: "till-2",
		Roles:      []string{RoleCashier},
	}, testSigningKey)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tokenStr)
	req.Header.Set(TerminalHeader, "ignored-when-claim-present")
	c := e.NewContext(req, httptest.NewRecorder())

	var called bool
	handler := func(c echo.Context) error {
		called = true
		ctx := c.Request().Context()
		if uid := UserIDFromContext(ctx); uid != "cashier-7" {
			t.Errorf("expected user_id=cashier-7, got %s", uid)
		}
		if roles := RolesFromContext(ctx); len(roles) != 1 || roles[0] != RoleCashier {
			t.Errorf("expected roles=[cashier], got %v", roles)
		}
		if tid := TerminalFromContext(ctx); tid != "till-2" {
			t.Errorf("expected terminal till-2, got %s", tid)
		}
		if cid, _ := c.Get("jwt_clinic_id").(string); cid != "north" {
			t.Errorf("expected clinic north, got %s", cid)
		}
		return c.String(http.StatusOK, "ok")
	}

	err := JWTMiddleware(JWTConfig{Issuer: "clinicpos", SigningKey: testSigningKey})(handler)(c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Error("handler was not called")
	}
}

func TestJWTMiddleware_RequiresTerminalClaim(t *testing.T) {
	tokenStr := createTestToken(t, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "cashier-7",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Roles: []string{RoleCashier},
	}, testSigningKey)

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/reconcile/release", nil)
	req.Header.Set("Authorization", "Bearer "+tokenStr)
	req.Header.Set(TerminalHeader, "till-9")
	c := e.NewContext(req, httptest.NewRecorder())

	called := false
	handler := func(c echo.Context) error {
		called = true
		return nil
	}
	expectStatus(t, JWTMiddleware(JWTConfig{SigningKey: testSigningKey})(handler)(c), http.StatusUnauthorized)
	if called {
		t.Error("handler must not run for a token without terminal_id")
	}
}

func TestDevAuthMiddleware_Defaults(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	c := e.NewContext(req, httptest.NewRecorder())

	handler := func(c echo.Context) error {
		ctx := c.Request().Context()
		if uid := UserIDFromContext(ctx); uid != "dev-user" {
			t.Errorf("expected user_id=dev-user, got %s", uid)
		}
		if roles := RolesFromContext(ctx); len(roles) != 1 || roles[0] != RoleAdmin {
			t.Errorf("expected roles=[admin], got %v", roles)
		}
		if tid := TerminalFromContext(ctx); tid != "dev-terminal" {
			t.Errorf("expected dev-terminal, got %s", tid)
		}
		return nil
	}
	if err := DevAuthMiddleware()(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDevAuthMiddleware_TerminalHeader(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(TerminalHeader, "till-3")
	c := e.NewContext(req, httptest.NewRecorder())

	handler := func(c echo.Context) error {
		if tid := TerminalFromContext(c.Request().Context()); tid != "till-3" {
			t.Errorf("expected till-3, got %s", tid)
		}
		return nil
	}
	if err := DevAuthMiddleware()(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
