package middleware

import (
	"github.com/labstack/echo/v4"
)

// SecurityHeaders sets the response headers a JSON API serving POS
// terminals needs.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
			h.Set("Referrer-Policy", "no-referrer")
			// Orders and billing summaries change on every reconcile.
			h.Set("Cache-Control", "no-store")
			return next(c)
		}
	}
}
