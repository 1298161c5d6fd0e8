// Package middleware contains Gin middleware for the application.
package middleware

import (
	"github.com/RoseWrightdev/matrix-capabilities/internal/v1/logging"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// HeaderXCorrelationID is the header key for the correlation ID.
const HeaderXCorrelationID = "X-Correlation-ID"

// maxCorrelationIDLen caps client supplied ids before they reach logs and response headers.
const maxCorrelationIDLen = 128

// CorrelationID tags the request with the caller's correlation id, or a fresh UUID when the
// caller sent none or an unusable one. The id is echoed back and carried in the request context.
func CorrelationID() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationID := c.GetHeader(HeaderXCorrelationID)
		if !validCorrelationID(correlationID) {
			correlationID = uuid.NewString()
		}

		c.Header(HeaderXCorrelationID, correlationID)
		c.Set(string(logging.CorrelationIDKey), correlationID)
		c.Request = c.Request.WithContext(logging.WithCorrelationID(c.Request.Context(), correlationID))

		c.Next()
	}
}

// validCorrelationID accepts short printable ASCII ids.
func validCorrelationID(id string) bool {
	if id == "" || len(id) > maxCorrelationIDLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < 0x21 || id[i] > 0x7e {
			return false
		}
	}
	return true
}
