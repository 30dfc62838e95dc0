package profile

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/lifeline/dispatch/internal/platform/auth"
	"github.com/lifeline/dispatch/internal/platform/blobstore"
	"github.com/lifeline/dispatch/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts registration on the public group and the rest on the
// authenticated api group.
func (h *Handler) RegisterRoutes(public *echo.Group, api *echo.Group) {
	public.POST("/auth/register", h.Register)

	api.GET("/me", h.Me)
	api.PUT("/me/device-token", h.SetDeviceToken)

	admin := api.Group("/admin", auth.RequireRole(string(RoleAdmin)))
	admin.GET("/users/pending", h.ListPending)
	admin.GET("/users", h.ListUsers)
	admin.POST("/users/:id/verify", h.Verify)
	admin.POST("/users/:id/reject", h.Reject)
}

func (h *Handler) Register(c echo.Context) error {
	var reg Registration
	if err := c.Bind(&reg); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	var uploads []Upload
	for _, kind := range DocumentKinds {
		fh, err := c.FormFile(string(kind))
		if err != nil {
			continue
		}
		f, err := fh.Open()
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "unreadable file "+string(kind))
		}
		defer f.Close()
		uploads = append(uploads, Upload{
			Kind:        kind,
			FileName:    fh.Filename,
			ContentType: fh.Header.Get(echo.HeaderContentType),
			Content:     f,
		})
	}

	p, err := h.svc.Register(c.Request().Context(), reg, uploads)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{
		"profile": p,
		"notice": map[string]string{
			"kind":        "profile",
			"title":       "Registration successful",
			"description": "Your account is pending approval. Please wait for an administrator to verify your account.",
		},
	})
}

func (h *Handler) Me(c echo.Context) error {
	id, err := uuid.Parse(auth.UserIDFromContext(c.Request().Context()))
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid subject")
	}
	p, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, p)
}

type deviceTokenRequest struct {
	Token string `json:"token"`
}

func (h *Handler) SetDeviceToken(c echo.Context) error {
	id, err := uuid.Parse(auth.UserIDFromContext(c.Request().Context()))
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid subject")
	}
	var req deviceTokenRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.SetDeviceToken(c.Request().Context(), id, req.Token); err != nil {
		return mapError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) ListPending(c echo.Context) error {
	items, err := h.svc.ListPending(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if items == nil {
		items = []*UserProfile{}
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) ListUsers(c echo.Context) error {
	role, err := ParseRole(c.QueryParam("role"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListByRole(c.Request().Context(), role, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset).WithLinks(c))
}

func (h *Handler) Verify(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	p, err := h.svc.Verify(c.Request().Context(), id)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) Reject(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	p, err := h.svc.Reject(c.Request().Context(), id)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func mapError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrEmailTaken), errors.Is(err, ErrRejected), errors.Is(err, ErrNotPending):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, blobstore.ErrFileTooLarge):
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, blobstore.ErrInvalidContentType), errors.Is(err, blobstore.ErrMissingFileName):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he
	}
	return echo.NewHTTPError(http.StatusBadRequest, err.Error())
}
