package middleware

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

const maxHeaderValueSize = 8192

var (
	// Logged, not blocked: every query goes through bound parameters.
	sqlPatterns = regexp.MustCompile(`(?i)('+\s*;\s*DROP\b|UNION\s+SELECT\b|'\s+OR\s+1\s*=\s*1|1\s*=\s*1)`)

	scriptPatterns = regexp.MustCompile(`(?i)(<script|javascript\s*:|on\w+\s*=)`)
)

// Sanitize rejects requests carrying path traversal, null bytes, header
// injection or script payloads in query parameters with 400.
func Sanitize(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			path := req.URL.Path
			rawPath := req.URL.RawPath
			if rawPath == "" {
				rawPath = path
			}

			if containsPathTraversal(path) || containsPathTraversal(rawPath) {
				return rejected("path traversal detected")
			}
			if containsNullByte(path) || containsNullByte(rawPath) {
				return rejected("null byte in path")
			}

			for name, values := range req.Header {
				for _, v := range values {
					if len(v) > maxHeaderValueSize {
						return rejected("header value too large: " + name)
					}
					if strings.ContainsAny(v, "\r\n") {
						return rejected("header injection detected: " + name)
					}
				}
			}

			for key, values := range req.URL.Query() {
				for _, v := range values {
					if containsNullByte(v) || containsNullByte(key) {
						return rejected("null byte in query parameter")
					}
					if sqlPatterns.MatchString(v) {
						logger.Warn().
							Str("param", key).
							Str("path", path).
							Str("remote_ip", c.RealIP()).
							Msg("suspicious SQL pattern in query parameter")
					}
					if scriptPatterns.MatchString(v) || scriptPatterns.MatchString(key) {
						return rejected("script content in query parameter")
					}
				}
			}

			return next(c)
		}
	}
}

func rejected(msg string) error {
	return echo.NewHTTPError(http.StatusBadRequest, msg)
}

func containsPathTraversal(s string) bool {
	if strings.Contains(s, "..") {
		return true
	}
	lower := strings.ToLower(s)
	return strings.Contains(lower, "%2e%2e") || strings.Contains(lower, "%252e")
}

func containsNullByte(s string) bool {
	return strings.ContainsRune(s, '\x00') || strings.Contains(strings.ToLower(s), "%00")
}
