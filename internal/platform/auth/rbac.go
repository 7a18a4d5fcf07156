package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

const (
	RoleAdmin     = "admin"
	RoleClinician = "clinician"
	RoleCashier   = "cashier"
)

// RequireRole returns middleware that checks if the user has at least one
// of the specified roles. Admins pass every check.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userRoles := RolesFromContext(c.Request().Context())
			for _, required := range roles {
				for _, has := range userRoles {
					if has == required || has == RoleAdmin {
						return next(c)
					}
				}
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
		}
	}
}

// RequireTerminal rejects requests that carry no terminal identity.
func RequireTerminal() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if TerminalFromContext(c.Request().Context()) == "" {
				return echo.NewHTTPError(http.StatusBadRequest, "terminal identity required")
			}
			return next(c)
		}
	}
}
