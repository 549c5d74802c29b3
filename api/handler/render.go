package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/use-agent/renderd/cache"
	"github.com/use-agent/renderd/engine"
	"github.com/use-agent/renderd/models"
)

// CacheHeader reports HIT or MISS when a request asked for caching.
const CacheHeader = "X-Cache"

// Render returns a handler for POST /api/v1/render.
//
// Orchestration flow:
//  1. Bind the payload and build an immutable RenderRequest.
//  2. Serve from the cache when max_age allows it.
//  3. Render on the shared session with retries.
//  4. Cache successes, map the error kind to a status and respond.
//
// The body is always a RenderResult once the payload parsed.
func Render(eng *engine.Engine, sess engine.Session, cc *cache.Cache) gin.HandlerFunc {
	return func(c *gin.Context) {
		// ── 1. Parse request ────────────────────────────────────────
		var body models.RenderHTTPRequest
		if err := c.ShouldBindJSON(&body); err != nil {
			badRequest(c, err.Error())
			return
		}
		req, err := models.NewRenderRequest(body.URL, body.RequestOptions()...)
		if err != nil {
			respondResult(c, models.NewFailure(body.URL, "", 0,
				models.AsRenderError(err, "invalid request"), time.Now()))
			return
		}

		// ── 2. Cache lookup ─────────────────────────────────────────
		useCache := cc != nil && body.MaxAge > 0
		key := ""
		if useCache {
			key = cache.Key(req)
			if cached, hit := cc.Get(key, body.MaxAge); hit {
				c.Header(CacheHeader, "HIT")
				c.JSON(http.StatusOK, cached)
				return
			}
		}

		// ── 3. Render ───────────────────────────────────────────────
		res := eng.Render(c.Request.Context(), sess, req)

		// ── 4. Cache store and respond ──────────────────────────────
		if useCache {
			cc.Set(key, res)
			c.Header(CacheHeader, "MISS")
		}
		respondResult(c, res)
	}
}

func respondResult(c *gin.Context, res *models.RenderResult) {
	c.JSON(statusFor(res.Kind()), res)
}

// statusFor maps a failure kind to the HTTP status of the render response.
func statusFor(kind models.ErrorKind) int {
	switch kind {
	case "":
		return http.StatusOK
	case models.KindInvalidRequest:
		return http.StatusBadRequest // 400
	case models.KindNavigation:
		return http.StatusBadGateway // 502
	case models.KindSelectorTimeout:
		return http.StatusGatewayTimeout // 504
	case models.KindBrowserUnavailable, models.KindSessionClosed:
		return http.StatusServiceUnavailable // 503
	default:
		return http.StatusInternalServerError
	}
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, models.ErrorResponse{
		Error: &models.ErrorDetail{Code: models.ErrCodeInvalidInput, Message: msg},
	})
}
