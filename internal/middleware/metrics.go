package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/objectwire/objectwire/pkg/metrics"
)

const (
	// CtxOperationKey holds the protocol operation name the handler resolved
	// for the request (get, create, search, ...).
	CtxOperationKey = "protocolOperation"
	// CtxEntityKey holds the entity name the request addressed.
	CtxEntityKey = "protocolEntity"
)

// Metrics observes request latency labelled by protocol operation, entity and
// response status. Handlers publish the operation and entity through the
// context keys above; requests outside the resource surface, such as health
// checks, are grouped under "other" with their route as the entity label.
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		op := c.GetString(CtxOperationKey)
		entity := c.GetString(CtxEntityKey)
		if op == "" {
			op = "other"
		}
		if entity == "" {
			entity = c.FullPath()
			if entity == "" {
				entity = c.Request.URL.Path
			}
		}

		status := strconv.Itoa(c.Writer.Status())
		metrics.APILatency.WithLabelValues(op, entity, status).Observe(time.Since(start).Seconds())
	}
}
