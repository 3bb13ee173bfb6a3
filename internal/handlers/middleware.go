package handlers

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RequestLogger logs every request on arrival and on completion with its status and duration.
func RequestLogger(logger *zap.Logger) gin.HandlerFunc {
	logger = logger.Named("request")
	return func(c *gin.Context) {
		start := time.Now()
		method, path := c.Request.Method, c.Request.URL.Path
		client := c.ClientIP()
		if client == "" {
			client = "unknown"
		}

		logger.Info("request started",
			zap.String("method", method),
			zap.String("path", path),
			zap.String("client", client),
		)

		c.Next()

		fields := []zap.Field{
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}
		logger.Info("request completed", fields...)
	}
}
