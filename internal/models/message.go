package models

import "time"

// MessageKind tells clients how to render a message.
type MessageKind string

const (
	KindText        MessageKind = "text"
	KindQuoteOffer  MessageKind = "quote_offer"
	KindQuoteStatus MessageKind = "quote_status"
)

// SystemSenderID is the sender of synthetic messages. No user has this id.
const SystemSenderID int64 = 0

// IsQuote reports whether clients must render the message as a quote card
// instead of a chat bubble.
func (k MessageKind) IsQuote() bool {
	return k == KindQuoteOffer || k == KindQuoteStatus
}

// Message represents a persisted chat message.
type Message struct {
	ID             string      `db:"id" json:"id"`
	ConversationID int64       `db:"conversation_id" json:"conversation_id"`
	SenderID       int64       `db:"sender_id" json:"sender_id"`
	Content        string      `db:"content" json:"content"`
	Kind           MessageKind `db:"kind" json:"kind"`
	QuoteID        *string     `db:"quote_id" json:"quote_id,omitempty"`
	QuoteState     *QuoteState `db:"quote_state" json:"quote_state,omitempty"`
	Seq            int64       `db:"seq" json:"seq"`
	CreatedAt      time.Time   `db:"created_at" json:"created_at"`
}
