package middleware

import (
	"strings"

	"github.com/labstack/echo/v4"
)

// SecurityHeaders sets response hardening headers. The /files prefix serves
// uploaded documents and is allowed to be framed by the dashboards.
func SecurityHeaders(hsts bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()

			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "no-referrer")
			h.Set("X-XSS-Protection", "0")

			if !strings.HasPrefix(c.Request().URL.Path, "/files/") {
				h.Set("X-Frame-Options", "DENY")
				h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
				h.Set("Cache-Control", "no-store")
			}

			if hsts {
				h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
			}

			return next(c)
		}
	}
}
