// Package reporting serves fixed operational reports over the dispatch
// tables to administrators.
package reporting

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/labstack/echo/v4"

	"github.com/lifeline/dispatch/internal/platform/auth"
)

// MeasureDefinition is a named, read-only SQL report.
type MeasureDefinition struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	SQL         string `json:"-"`
}

// MeasureReport holds the rows a measure produced.
type MeasureReport struct {
	MeasureID   string                   `json:"measure_id"`
	MeasureName string                   `json:"measure_name"`
	GeneratedAt time.Time                `json:"generated_at"`
	Results     []map[string]interface{} `json:"results"`
}

var PredefinedMeasures = []MeasureDefinition{
	{
		ID:          "fleet-status",
		Name:        "Fleet Status",
		Description: "Ambulances grouped by operational status",
		SQL:         `SELECT status, COUNT(*) AS total FROM ambulances GROUP BY status ORDER BY total DESC`,
	},
	{
		ID:          "incoming-by-hospital",
		Name:        "Incoming by Hospital",
		Description: "On-duty ambulances per destination with preparation and route clearance progress",
		SQL: `SELECT destination_name, COUNT(*) AS total,
		             COUNT(*) FILTER (WHERE hospital_prepared) AS prepared,
		             COUNT(*) FILTER (WHERE route_cleared) AS cleared
		      FROM ambulances
		      WHERE status = 'on_duty' AND destination_name IS NOT NULL
		      GROUP BY destination_name ORDER BY total DESC`,
	},
	{
		ID:          "severity-mix",
		Name:        "Severity Mix",
		Description: "On-duty ambulances grouped by patient severity",
		SQL: `SELECT COALESCE(patient_severity, 'medium') AS severity, COUNT(*) AS total
		      FROM ambulances WHERE status = 'on_duty'
		      GROUP BY 1 ORDER BY total DESC`,
	},
	{
		ID:          "accounts-by-role",
		Name:        "Accounts by Role",
		Description: "Verified, pending and rejected accounts per role",
		SQL: `SELECT role,
		             COUNT(*) FILTER (WHERE verified IS TRUE) AS verified,
		             COUNT(*) FILTER (WHERE verified IS FALSE AND NOT rejected) AS pending,
		             COUNT(*) FILTER (WHERE rejected) AS rejected
		      FROM users GROUP BY role ORDER BY role`,
	},
	{
		ID:          "pending-backlog",
		Name:        "Pending Backlog",
		Description: "Oldest outstanding registration per role",
		SQL: `SELECT role, COUNT(*) AS total, MIN(created_at) AS oldest
		      FROM users WHERE verified IS FALSE AND NOT rejected
		      GROUP BY role ORDER BY oldest`,
	},
}

// Querier is satisfied by *pgxpool.Pool.
type Querier interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
}

type Handler struct {
	db Querier
}

func NewHandler(db Querier) *Handler {
	return &Handler{db: db}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/reports", auth.RequireRole("admin"))
	g.GET("/measures", h.ListMeasures)
	g.GET("/measures/:id/evaluate", h.EvaluateMeasure)
}

func (h *Handler) ListMeasures(c echo.Context) error {
	return c.JSON(http.StatusOK, PredefinedMeasures)
}

func (h *Handler) EvaluateMeasure(c echo.Context) error {
	measure := FindMeasure(c.Param("id"))
	if measure == nil {
		return echo.NewHTTPError(http.StatusNotFound, "measure not found")
	}

	results, err := h.executeSQL(c.Request().Context(), measure.SQL)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("query failed: %v", err))
	}

	return c.JSON(http.StatusOK, MeasureReport{
		MeasureID:   measure.ID,
		MeasureName: measure.Name,
		GeneratedAt: time.Now().UTC(),
		Results:     results,
	})
}

func (h *Handler) executeSQL(ctx context.Context, sql string) ([]map[string]interface{}, error) {
	rows, err := h.db.Query(ctx, sql)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	fieldDescs := rows.FieldDescriptions()
	results := []map[string]interface{}{}
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		row := make(map[string]interface{}, len(fieldDescs))
		for i, fd := range fieldDescs {
			row[fd.Name] = values[i]
		}
		results = append(results, row)
	}
	return results, rows.Err()
}

func FindMeasure(id string) *MeasureDefinition {
	for i := range PredefinedMeasures {
		if PredefinedMeasures[i].ID == id {
			return &PredefinedMeasures[i]
		}
	}
	return nil
}
