package fleet

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/lifeline/dispatch/internal/platform/auth"
	"github.com/lifeline/dispatch/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/fleet/active", h.ListActive)

	admin := api.Group("", auth.RequireRole("admin"))
	admin.GET("/ambulances", h.List)
	admin.POST("/ambulances", h.Provision)

	driver := api.Group("", auth.RequireRole("ambulance"))
	driver.GET("/ambulances/me", h.Mine)
	driver.PUT("/ambulances/:id/location", h.UpdateLocation)
	driver.PUT("/ambulances/:id/status", h.SetStatus)
	driver.POST("/ambulances/:id/accept", h.Accept)

	api.POST("/ambulances/:id/prepare", h.Prepare, auth.RequireRole("hospital"))
	api.POST("/ambulances/:id/clear-route", h.ClearRoute, auth.RequireRole("police"))
}

func (h *Handler) ListActive(c echo.Context) error {
	items, err := h.svc.ListActive(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if items == nil {
		items = []Ambulance{}
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) List(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.List(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset).WithLinks(c))
}

type provisionRequest struct {
	VehicleID string     `json:"vehicle_id"`
	DriverID  *uuid.UUID `json:"driver_id"`
}

func (h *Handler) Provision(c echo.Context) error {
	var req provisionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	a, err := h.svc.Provision(c.Request().Context(), req.VehicleID, req.DriverID)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusCreated, a)
}

func (h *Handler) Mine(c echo.Context) error {
	driverID, err := callerID(c)
	if err != nil {
		return err
	}
	a, err := h.svc.GetForDriver(c.Request().Context(), driverID)
	if err != nil {
		return mapError(err)
	}
	n := Normalize(*a)
	return c.JSON(http.StatusOK, n)
}

// owned loads the :id record and checks that the caller drives it.
func (h *Handler) owned(c echo.Context) (*Ambulance, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	driverID, err := callerID(c)
	if err != nil {
		return nil, err
	}
	a, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return nil, mapError(err)
	}
	if err := EnsureDriver(a, driverID); err != nil {
		return nil, mapError(err)
	}
	return a, nil
}

func (h *Handler) UpdateLocation(c echo.Context) error {
	a, err := h.owned(c)
	if err != nil {
		return err
	}
	var loc Location
	if err := c.Bind(&loc); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.UpdateLocation(c.Request().Context(), a.ID, loc); err != nil {
		return mapError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

type statusRequest struct {
	Status string `json:"status"`
}

func (h *Handler) SetStatus(c echo.Context) error {
	a, err := h.owned(c)
	if err != nil {
		return err
	}
	var req statusRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	updated, err := h.svc.SetStatus(c.Request().Context(), a.ID, Status(req.Status))
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, Normalize(*updated))
}

type acceptRequest struct {
	Destination Destination  `json:"destination"`
	PatientInfo *PatientInfo `json:"patient_info"`
}

func (h *Handler) Accept(c echo.Context) error {
	a, err := h.owned(c)
	if err != nil {
		return err
	}
	var req acceptRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	updated, err := h.svc.AcceptEmergency(c.Request().Context(), a.ID, req.Destination, req.PatientInfo)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, Normalize(*updated))
}

func (h *Handler) Prepare(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	caller, err := callerID(c)
	if err != nil {
		return err
	}
	a, err := h.svc.PrepareAs(c.Request().Context(), id, caller)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, Normalize(*a))
}

func (h *Handler) ClearRoute(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	a, err := h.svc.ClearRoute(c.Request().Context(), id)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, Normalize(*a))
}

func callerID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(auth.UserIDFromContext(c.Request().Context()))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusUnauthorized, "invalid subject")
	}
	return id, nil
}

func mapError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrNotAssigned):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrNotDriver), errors.Is(err, ErrNotDestination):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, ErrIllegalTransition), errors.Is(err, ErrNotOnDuty), errors.Is(err, ErrVehicleTaken):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return echo.NewHTTPError(http.StatusBadRequest, err.Error())
}
