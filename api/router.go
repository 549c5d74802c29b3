package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/use-agent/renderd/api/handler"
	"github.com/use-agent/renderd/api/middleware"
	"github.com/use-agent/renderd/cache"
	"github.com/use-agent/renderd/config"
	"github.com/use-agent/renderd/engine"
)

// Deps are the long-lived components the routes are wired to.
type Deps struct {
	Config  *config.Config
	Engine  *engine.Engine
	Session engine.Session
	Batches *handler.Batches
	Cache   *cache.Cache
	Limiter *middleware.RateLimiter

	StartTime time.Time
}

// NewRouter creates a configured Gin engine with all routes and middleware.
//
// Middleware chain:
//
//	Global:  RequestID → Recovery → Logger
//	API:     Auth (if enabled) → RateLimit
//
// Health and metrics stay outside auth for health checks and metric scrapers.
func NewRouter(d Deps) *gin.Engine {
	gin.SetMode(d.Config.Server.Mode)

	r := gin.New()
	r.Use(middleware.RequestID())
	r.Use(middleware.Recovery())
	r.Use(middleware.Logger())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/api/v1")
	v1.GET("/health", handler.Health(d.Session, d.Engine.Config().MaxConcurrent, d.StartTime))

	protected := v1.Group("")
	if d.Config.Auth.Enabled {
		protected.Use(middleware.Auth(d.Config.Auth.APIKeys))
	}
	if d.Limiter != nil {
		protected.Use(d.Limiter.Middleware())
	}

	protected.POST("/render", handler.Render(d.Engine, d.Session, d.Cache))
	protected.POST("/batch/render", d.Batches.Post())
	protected.GET("/batch/:id", d.Batches.Get())

	return r
}
