package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	UserIDKey contextKey = "user_id"
	RoleKey   contextKey = "user_role"
	ClaimsKey contextKey = "claims"
)

// TokenFromRequest reads the bearer token from the Authorization header,
// falling back to the token query parameter used by browser WebSockets.
func TokenFromRequest(c echo.Context) (string, bool) {
	if h := c.Request().Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if !ok || !strings.EqualFold(scheme, "bearer") || token == "" {
			return "", false
		}
		return token, true
	}
	if t := c.QueryParam("token"); t != "" {
		return t, true
	}
	return "", false
}

// JWTMiddleware verifies the bearer token with the issuer, rejects revoked
// tokens, and stores the claims on the request context.
func JWTMiddleware(issuer *Issuer, revoker Revoker) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tokenStr, ok := TokenFromRequest(c)
			if !ok {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing or malformed bearer token")
			}

			claims, err := issuer.Parse(tokenStr)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			ctx := c.Request().Context()
			if revoker != nil {
				revoked, err := revoker.IsRevoked(ctx, claims)
				if err != nil {
					return echo.NewHTTPError(http.StatusServiceUnavailable, "token revocation check failed")
				}
				if revoked {
					return echo.NewHTTPError(http.StatusUnauthorized, "token has been revoked")
				}
			}

			c.SetRequest(c.Request().WithContext(WithClaims(ctx, claims)))
			return next(c)
		}
	}
}

// WithClaims stores verified claims on ctx.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	ctx = context.WithValue(ctx, ClaimsKey, claims)
	ctx = context.WithValue(ctx, UserIDKey, claims.Subject)
	ctx = context.WithValue(ctx, RoleKey, claims.Role)
	return ctx
}

func ClaimsFromContext(ctx context.Context) *Claims {
	claims, _ := ctx.Value(ClaimsKey).(*Claims)
	return claims
}

func UserIDFromContext(ctx context.Context) string {
	uid, _ := ctx.Value(UserIDKey).(string)
	return uid
}

func RoleFromContext(ctx context.Context) string {
	role, _ := ctx.Value(RoleKey).(string)
	return role
}
