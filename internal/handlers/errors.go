package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"marketplace-chat/internal/chat"
	"marketplace-chat/internal/repositories"
)

// writeError maps a chat error to an HTTP status and the same code/message
// pair the websocket error event uses.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, repositories.ErrQuoteNotFound), errors.Is(err, repositories.ErrConversationNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error(), "code": "not_found"})
		return
	case errors.Is(err, repositories.ErrQuoteExists):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "code": "conflict"})
		return
	}

	code, msg := chat.WireError(err)
	switch code {
	case chat.CodeAuth:
		status = http.StatusUnauthorized
	case chat.CodeAccessDenied:
		status = http.StatusForbidden
	case chat.CodeValidation:
		status = http.StatusBadRequest
	case chat.CodeInvalidTransition:
		status = http.StatusConflict
	case chat.CodeStoreUnavailable:
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"error": msg, "code": code})
}
