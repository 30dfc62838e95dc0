package middleware

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/lifeline/dispatch/internal/platform/auth"
)

func Logger(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()
			rid, _ := c.Get("request_id").(string)

			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}

			evt := logger.Info()
			switch {
			case status >= 500:
				evt = logger.Error().Err(err)
			case err != nil:
				evt = logger.Warn().Err(err)
			}

			evt.
				Str("request_id", rid).
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Int("status", status).
				Dur("latency", time.Since(start)).
				Str("remote_ip", c.RealIP()).
				Str("user_id", auth.UserIDFromContext(req.Context())).
				Msg("request")

			return err
		}
	}
}
