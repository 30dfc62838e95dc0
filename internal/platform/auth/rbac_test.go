package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func runWithRole(t *testing.T, role string, allowed ...string) error {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	claims := &Claims{Role: role}
	claims.Subject = "user-1"
	req = req.WithContext(WithClaims(req.Context(), claims))
	c := e.NewContext(req, httptest.NewRecorder())
	return RequireRole(allowed...)(okHandler)(c)
}

func TestRequireRole_Allowed(t *testing.T) {
	if err := runWithRole(t, "hospital", "hospital"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRequireRole_AnyOf(t *testing.T) {
	if err := runWithRole(t, "police", "hospital", "police"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRequireRole_Denied(t *testing.T) {
	expectStatus(t, runWithRole(t, "ambulance", "hospital"), http.StatusForbidden)
}

func TestRequireRole_NoAdminOverride(t *testing.T) {
	expectStatus(t, runWithRole(t, "admin", "police"), http.StatusForbidden)
}

func TestRequireRole_Anonymous(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	expectStatus(t, RequireRole("admin")(okHandler)(c), http.StatusForbidden)
}
