package api

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

var startedAt time.Time

func init() {
	startedAt = time.Now()
}

// Pinger checks a backing store.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// HealthResponse defines the data the Health
// REST endpoint returns.
type HealthResponse struct {
	Status   Status        `json:"status"`
	Uptime   time.Duration `json:"uptime"`
	Database string        `json:"database,omitempty"`
}

// Health reports whether Pigment can serve requests. The job store is
// pinged when db is set; a failed ping degrades the response to 503.
func Health(db Pinger) echo.HandlerFunc {
	return func(c echo.Context) error {
		resp := HealthResponse{
			Status: Healthy,
			Uptime: time.Since(startedAt),
		}

		if db != nil {
			ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
			defer cancel()

			if err := db.PingContext(ctx); err != nil {
				resp.Status = Degraded
				resp.Database = err.Error()
				return c.JSON(http.StatusServiceUnavailable, resp)
			}
			resp.Database = "ok"
		}

		return c.JSON(http.StatusOK, resp)
	}
}

// Status enumerates the health statues of Pigment.
type Status string

const (
	// Healthy implies Pigment is having no major issues.
	Healthy Status = "healthy"
	// Degraded implies the job store is unreachable.
	Degraded Status = "degraded"
)
