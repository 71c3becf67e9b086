package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/drivelane/fleettrust/pkg/logger"
)

// CorrelationIDHeader is the header name for correlation ID
const CorrelationIDHeader = "X-Request-ID"

// CorrelationID middleware generates or extracts correlation ID for request tracing
func CorrelationID() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Try to get correlation ID from header
		correlationID := c.GetHeader(CorrelationIDHeader)

		// If not provided, generate a new UUID
		if correlationID == "" {
			correlationID = uuid.New().String()
		}

		// Store in the request context for handlers and the request logger
		c.Request = c.Request.WithContext(
			logger.WithCorrelationID(c.Request.Context(), correlationID),
		)

		// Add to response headers
		c.Writer.Header().Set(CorrelationIDHeader, correlationID)

		c.Next()
	}
}
