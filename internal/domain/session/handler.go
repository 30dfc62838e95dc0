package session

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/lifeline/dispatch/internal/domain/profile"
	"github.com/lifeline/dispatch/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(public *echo.Group, api *echo.Group) {
	public.POST("/auth/login", h.Login)
	api.POST("/auth/logout", h.Logout)
	api.GET("/auth/session", h.Session)
	api.POST("/auth/revoke-user", h.RevokeUser, auth.RequireRole(string(profile.RoleAdmin)))
}

type loginRequest struct {
	Email    string `json:"email" form:"email"`
	Password string `json:"password" form:"password"`
}

type loginResponse struct {
	*Login
	RedirectTo string `json:"redirect_to"`
	Notice     struct {
		Title       string `json:"title"`
		Description string `json:"description"`
	} `json:"notice"`
}

func (h *Handler) Login(c echo.Context) error {
	var req loginRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Email == "" || req.Password == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "email and password are required")
	}

	login, err := h.svc.SignIn(c.Request().Context(), req.Email, req.Password)
	switch {
	case errors.Is(err, ErrInvalidCredentials):
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	case errors.Is(err, ErrPendingApproval), errors.Is(err, ErrAccountRejected):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case err != nil:
		return echo.NewHTTPError(http.StatusInternalServerError, "Login failed")
	}

	resp := loginResponse{Login: login, RedirectTo: login.Profile.Role.DashboardPath()}
	resp.Notice.Title = "Login successful"
	resp.Notice.Description = "Welcome back! You have successfully logged in."
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) Logout(c echo.Context) error {
	if err := h.svc.SignOut(c.Request().Context(), auth.ClaimsFromContext(c.Request().Context())); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

type sessionResponse struct {
	Snapshot
	Authenticated bool   `json:"authenticated"`
	DashboardPath string `json:"dashboard_path,omitempty"`
}

func (h *Handler) Session(c echo.Context) error {
	snap := h.svc.Resolve(c.Request().Context(), auth.ClaimsFromContext(c.Request().Context()))
	return c.JSON(http.StatusOK, sessionResponse{
		Snapshot:      snap,
		Authenticated: snap.IsAuthenticated(),
		DashboardPath: snap.DashboardPath(),
	})
}

type revokeUserRequest struct {
	UserID string `json:"user_id"`
}

// RevokeUser invalidates every token issued to the user up to now. Requests
// and dashboard connections presenting one of them are refused.
func (h *Handler) RevokeUser(c echo.Context) error {
	var req revokeUserRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.UserID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "user_id is required")
	}
	if err := h.svc.ForceSignOut(c.Request().Context(), req.UserID); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}
