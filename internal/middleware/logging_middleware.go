// internal/middleware/logging_middleware.go
package middleware

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"meter-bridge/internal/utils"
)

// LoggingMiddleware logs every completed HTTP request. Websocket
// streams are excluded: they stay open for the client's lifetime, so
// a completion entry would only appear on disconnect with a misleading
// duration.
func LoggingMiddleware(logger *utils.ServiceLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, "/ws/") {
			c.Next()
			return
		}

		startTime := time.Now()
		c.Next()
		duration := time.Since(startTime)

		logger.LogAPIRequest(
			c.Request.Method,
			c.Request.URL.Path,
			c.Request.UserAgent(),
			c.ClientIP(),
			c.Writer.Status(),
			c.Writer.Size(),
			duration,
		)
	}
}
