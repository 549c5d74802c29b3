package middleware

import (
	"fmt"
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gin-gonic/gin"

	"github.com/use-agent/renderd/logging"
	"github.com/use-agent/renderd/models"
)

// Recovery turns handler panics into a 500 envelope. The panic is logged and
// reported to Sentry; without a configured client the report is a no-op.
func Recovery() gin.HandlerFunc {
	log := logging.NewLogger("http")
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		hub := sentry.CurrentHub().Clone()
		hub.ConfigureScope(func(scope *sentry.Scope) {
			scope.SetTag("method", c.Request.Method)
			scope.SetTag("path", c.FullPath())
			scope.SetTag("request_id", c.GetString("request_id"))
		})
		hub.Recover(recovered)
		hub.Flush(2 * time.Second)

		log.Error().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Str("panic", fmt.Sprint(recovered)).
			Msg("handler panic")

		c.AbortWithStatusJSON(http.StatusInternalServerError, models.ErrorResponse{
			Error: &models.ErrorDetail{
				Code:    models.ErrCodeInternal,
				Message: "internal server error",
			},
		})
	})
}
