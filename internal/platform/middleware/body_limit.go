package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/gommon/bytes"
)

const defaultBodyLimit = 1 << 20

// multipart envelope allowance on top of the upload size
const multipartOverhead = 64 << 10

// BodyLimit caps request bodies at limit ("512K", "1MB", "2G" or a byte
// count). Registration uploads are multipart and get uploadLimit instead.
func BodyLimit(limit string, uploadLimit int64) echo.MiddlewareFunc {
	jsonMax := ParseSize(limit)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.Body == nil || req.Body == http.NoBody {
				return next(c)
			}

			max := jsonMax
			if uploadLimit > 0 && strings.HasPrefix(req.Header.Get(echo.HeaderContentType), echo.MIMEMultipartForm) {
				max = uploadLimit + multipartOverhead
			}
			if req.ContentLength > max {
				return tooLarge(max)
			}

			req.Body = http.MaxBytesReader(c.Response(), req.Body, max)
			err := next(c)

			var mbe *http.MaxBytesError
			if errors.As(err, &mbe) {
				return tooLarge(mbe.Limit)
			}
			return err
		}
	}
}

func tooLarge(max int64) error {
	return echo.NewHTTPError(http.StatusRequestEntityTooLarge,
		fmt.Sprintf("request body exceeds maximum allowed size of %d bytes", max))
}

// ParseSize converts a size string into bytes. Units are binary: "1M" and
// "1MB" both mean 1 MiB. Empty, malformed and non-positive values fall back
// to 1 MiB.
func ParseSize(s string) int64 {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return defaultBodyLimit
	}
	s = strings.TrimSuffix(strings.TrimSuffix(s, "B"), "I")
	if s == "" {
		return defaultBodyLimit
	}
	if strings.ContainsAny(s[len(s)-1:], "KMGTPE") {
		s += "iB"
	}
	n, err := bytes.Parse(s)
	if err != nil || n <= 0 {
		return defaultBodyLimit
	}
	return n
}
