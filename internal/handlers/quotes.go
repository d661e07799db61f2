package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"marketplace-chat/internal/models"
	"marketplace-chat/internal/rabbitmq"
)

// QuoteHandler is the HTTP hook the quote service can call instead of
// publishing to RabbitMQ. It drives the same methods as the AMQP consumer.
type QuoteHandler struct {
	quotes rabbitmq.QuoteHandler
}

func NewQuoteHandler(quotes rabbitmq.QuoteHandler) *QuoteHandler {
	return &QuoteHandler{quotes: quotes}
}

// Create records a new pending quote.
func (h *QuoteHandler) Create(c *gin.Context) {
	var req rabbitmq.QuoteEvent
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	msg, err := h.quotes.OnQuoteCreated(c.Request.Context(), models.Quote{
		ID:             req.QuoteID,
		ConversationID: req.ConversationID,
		State:          req.State,
		AmountCents:    req.AmountCents,
		Currency:       req.Currency,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": msg})
}

// Transition moves a quote to the state in the body.
func (h *QuoteHandler) Transition(c *gin.Context) {
	var req struct {
		State models.QuoteState `json:"state" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	msg, err := h.quotes.OnQuoteTransition(c.Request.Context(), c.Param("quote_id"), req.State)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": msg})
}
