package middleware

import (
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

const RequestIDHeader = "X-Request-ID"

// RequestID propagates the caller's X-Request-ID or assigns a fresh one, and
// exposes it as the "request_id" context value for the logger.
func RequestID() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			rid := c.Request().Header.Get(RequestIDHeader)
			if rid == "" || len(rid) > 128 {
				rid = uuid.NewString()
			}
			c.Set("request_id", rid)
			c.Response().Header().Set(RequestIDHeader, rid)
			return next(c)
		}
	}
}
