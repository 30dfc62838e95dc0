package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// PoolStats represents database connection pool statistics.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
	Healthy         bool   `json:"healthy"`
}

// GetPoolStats returns connection pool statistics.
func GetPoolStats(pool *pgxpool.Pool) *PoolStats {
	stat := pool.Stat()
	return &PoolStats{
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireCount:    stat.AcquireCount(),
		AcquireDuration: stat.AcquireDuration().String(),
		Healthy:         stat.TotalConns() > 0,
	}
}

// Check is a named dependency probe reported by HealthHandler.
type Check struct {
	Name string
	Ping func(ctx context.Context) error
}

// PoolCheck probes the Postgres pool.
func PoolCheck(pool *pgxpool.Pool) Check {
	return Check{Name: "postgres", Ping: pool.Ping}
}

// HealthHandler runs every check with a shared 5s budget. The response is
// 503 when any check fails.
func HealthHandler(pool *pgxpool.Pool, extra ...Check) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		checks := extra
		if pool != nil {
			checks = append([]Check{PoolCheck(pool)}, extra...)
		}

		status := http.StatusOK
		results := make(map[string]string, len(checks))
		for _, chk := range checks {
			if err := chk.Ping(ctx); err != nil {
				results[chk.Name] = err.Error()
				status = http.StatusServiceUnavailable
				continue
			}
			results[chk.Name] = "ok"
		}

		body := map[string]interface{}{
			"status": "healthy",
			"checks": results,
		}
		if status != http.StatusOK {
			body["status"] = "unhealthy"
		}
		if pool != nil {
			stats := GetPoolStats(pool)
			stats.Healthy = stats.Healthy && status == http.StatusOK
			body["pool"] = stats
		}
		return c.JSON(status, body)
	}
}
