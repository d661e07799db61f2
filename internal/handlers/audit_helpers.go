package handlers

import (
	"github.com/gin-gonic/gin"

	"marketplace-chat/internal/middleware"
	"marketplace-chat/internal/observability"
)

const requestIDContextKey = "request_id"

func requestIDFromContext(c *gin.Context) string {
	if val, ok := c.Get(requestIDContextKey); ok {
		if id, ok := val.(string); ok && id != "" {
			return id
		}
	}

	requestID := observability.RequestIDFromRequest(c.Request)
	c.Set(requestIDContextKey, requestID)
	return requestID
}

// userIDFromContext is zero for anonymous requests.
func userIDFromContext(c *gin.Context) int64 {
	id, _ := middleware.UserID(c)
	return id
}
