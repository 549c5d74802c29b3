package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/use-agent/renderd/engine"
	"github.com/use-agent/renderd/models"
)

// Version is reported by the health endpoint.
const Version = "0.1.0"

// statsReporter is implemented by sessions that expose lease counters.
type statsReporter interface {
	Stats() models.SessionStats
}

// Health returns a handler for GET /api/v1/health.
//
// Reports the shared session and degrades when it is not open or when more
// than 80% of the concurrency ceiling is leased.
func Health(sess engine.Session, ceiling int, startTime time.Time) gin.HandlerFunc {
	return func(c *gin.Context) {
		stats := models.SessionStats{State: "unknown"}
		if sr, ok := sess.(statsReporter); ok {
			stats = sr.Stats()
		}

		status := "healthy"
		if stats.State != "open" || (ceiling > 0 && stats.ActiveLeases > int64(float64(ceiling)*0.8)) {
			status = "degraded"
		}

		c.JSON(http.StatusOK, models.HealthResponse{
			Status:      status,
			Uptime:      time.Since(startTime).Round(time.Second).String(),
			Session:     stats,
			Concurrency: ceiling,
			Version:     Version,
		})
	}
}
