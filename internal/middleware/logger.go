package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/objectwire/objectwire/pkg/logger"
)

// CtxRequestIDKey exposes the generated request ID to handlers.
const CtxRequestIDKey = "requestID"

// Logger assigns each request a ulid and writes a concise structured access log.
func Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		requestID := ulid.Make().String()
		c.Set(CtxRequestIDKey, requestID)
		c.Header("X-Request-Id", requestID)

		c.Next()

		duration := time.Since(start)
		status := c.Writer.Status()

		logger.WithModule("http").Info("request",
			zap.String("request_id", requestID),
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", status),
			zap.Duration("duration", duration),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
