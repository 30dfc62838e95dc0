package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/lifeline/dispatch/internal/platform/auth"
)

// AuditEntry records one state-changing API call: who changed which record
// and with what result.
type AuditEntry struct {
	UserID     string
	Role       string
	Resource   string
	ResourceID string
	Operation  string
	Action     string
	Method     string
	Path       string
	IPAddress  string
	RequestID  string
	StatusCode int
	Timestamp  time.Time
}

// AuditRecorder persists audit entries. Without one the middleware only logs.
type AuditRecorder interface {
	RecordAccess(entry AuditEntry) error
}

// AuditRecorderFunc is a function adapter for AuditRecorder.
type AuditRecorderFunc func(entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(entry AuditEntry) error {
	return f(entry)
}

// Audit logs every mutating request under /api/v1 after the handler ran, so
// the entry carries the final status. Reads are not audited.
func Audit(logger zerolog.Logger, recorders ...AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !isAuditable(req.Method, req.URL.Path) {
				return next(c)
			}

			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}

			ctx := req.Context()
			entry := AuditEntry{
				UserID:     auth.UserIDFromContext(ctx),
				Role:       auth.RoleFromContext(ctx),
				Method:     req.Method,
				Path:       req.URL.Path,
				Action:     httpMethodToAction(req.Method),
				IPAddress:  c.RealIP(),
				StatusCode: status,
				Timestamp:  time.Now().UTC(),
			}
			entry.Resource, entry.ResourceID, entry.Operation = splitResourcePath(req.URL.Path)
			if rid, ok := c.Get("request_id").(string); ok {
				entry.RequestID = rid
			}

			for _, r := range recorders {
				if r == nil {
					continue
				}
				if recErr := r.RecordAccess(entry); recErr != nil {
					logger.Error().Err(recErr).
						Str("request_id", entry.RequestID).
						Msg("failed to record audit entry")
				}
			}

			evt := logger.Info()
			if status >= 400 {
				evt = logger.Warn()
			}
			evt.
				Str("type", "audit").
				Str("request_id", entry.RequestID).
				Str("user_id", entry.UserID).
				Str("role", entry.Role).
				Str("resource", entry.Resource).
				Str("resource_id", entry.ResourceID).
				Str("operation", entry.Operation).
				Str("action", entry.Action).
				Str("remote_ip", entry.IPAddress).
				Int("status", entry.StatusCode).
				Msg("state change")

			return err
		}
	}
}

func isAuditable(method, path string) bool {
	if method == http.MethodGet || method == http.MethodHead || method == http.MethodOptions {
		return false
	}
	return strings.HasPrefix(path, "/api/v1/")
}

func httpMethodToAction(method string) string {
	switch method {
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	default:
		return "read"
	}
}

// splitResourcePath breaks an API path into its collection, record id and
// trailing operation:
//
//	/api/v1/users/<id>/verify      -> users, <id>, verify
//	/api/v1/ambulances/<id>/status -> ambulances, <id>, status
//	/api/v1/auth/login             -> auth, "", login
func splitResourcePath(path string) (resource, id, operation string) {
	segments := strings.Split(strings.Trim(strings.TrimPrefix(path, "/api/v1/"), "/"), "/")
	if len(segments) == 0 || segments[0] == "" {
		return "unknown", "", ""
	}
	resource = segments[0]
	rest := segments[1:]
	if len(rest) > 0 {
		if _, err := uuid.Parse(rest[0]); err == nil {
			id = rest[0]
			rest = rest[1:]
		}
	}
	return resource, id, strings.Join(rest, "/")
}
