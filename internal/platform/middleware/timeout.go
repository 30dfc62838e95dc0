package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// TimeoutConfig bounds request handling time. Paths under any of
// SkipPrefixes run without a deadline; dashboard sockets live there.
type TimeoutConfig struct {
	Timeout      time.Duration
	SkipPrefixes []string
	Logger       zerolog.Logger
}

func (cfg TimeoutConfig) skip(path string) bool {
	for _, p := range cfg.SkipPrefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// RequestTimeout answers 504 once cfg.Timeout elapses. The handler keeps its
// cancelled context and is expected to return promptly.
func RequestTimeout(cfg TimeoutConfig) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if cfg.Timeout <= 0 || cfg.skip(req.URL.Path) {
				return next(c)
			}

			ctx, cancel := context.WithTimeout(req.Context(), cfg.Timeout)
			defer cancel()
			c.SetRequest(req.WithContext(ctx))

			done := make(chan error, 1)
			go func() { done <- next(c) }()

			select {
			case err := <-done:
				return err
			case <-ctx.Done():
				if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
					return ctx.Err()
				}
				cfg.Logger.Warn().
					Str("method", req.Method).
					Str("path", req.URL.Path).
					Dur("timeout", cfg.Timeout).
					Msg("request timed out")
				return echo.NewHTTPError(http.StatusGatewayTimeout, "request timed out")
			}
		}
	}
}
