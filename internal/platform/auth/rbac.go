package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// RequireRole admits requests whose token role is one of roles. There is no
// implicit admin override: each dashboard is reachable only by its own role.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			role := RoleFromContext(c.Request().Context())
			for _, required := range roles {
				if role == required {
					return next(c)
				}
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
		}
	}
}
