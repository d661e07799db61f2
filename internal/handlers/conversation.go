package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"marketplace-chat/internal/chat"
	"marketplace-chat/internal/middleware"
	"marketplace-chat/internal/models"
)

// HistoryReader pages through a conversation for a participant.
type HistoryReader interface {
	History(ctx context.Context, actor chat.Actor, conversationID, beforeSeq int64, limit int) ([]models.Message, error)
}

// StatusReader answers presence lookups.
type StatusReader interface {
	Status(ctx context.Context, userID int64) models.Presence
}

// ConversationHandler serves conversation history and presence lookups.
type ConversationHandler struct {
	history  HistoryReader
	presence StatusReader
}

func NewConversationHandler(history HistoryReader, presence StatusReader) *ConversationHandler {
	return &ConversationHandler{history: history, presence: presence}
}

// GetMessages returns messages older than ?before= (a seq), oldest first.
func (h *ConversationHandler) GetMessages(c *gin.Context) {
	conversationID, err := strconv.ParseInt(c.Param("conversation_id"), 10, 64)
	if err != nil || conversationID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversation id"})
		return
	}

	var beforeSeq int64
	if raw := c.Query("before"); raw != "" {
		beforeSeq, err = strconv.ParseInt(raw, 10, 64)
		if err != nil || beforeSeq < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid before"})
			return
		}
	}
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
	}

	userID, _ := middleware.UserID(c)
	msgs, err := h.history.History(c.Request.Context(), chat.Actor{UserID: userID}, conversationID, beforeSeq, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// GetStatus reports a user's presence.
func (h *ConversationHandler) GetStatus(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Param("user_id"), 10, 64)
	if err != nil || userID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return
	}

	p := h.presence.Status(c.Request.Context(), userID)
	c.JSON(http.StatusOK, models.StatusPayload{UserID: p.UserID, Status: p.Status, LastActive: p.LastActive})
}
