package models

import (
	"strconv"
	"strings"
	"time"
)

// Conversation is a chat between a buyer, a seller and possibly brokers.
type Conversation struct {
	ID        int64     `db:"id" json:"id"`
	ListingID *int64    `db:"listing_id" json:"listing_id,omitempty"`
	LastSeq   int64     `db:"last_seq" json:"last_seq"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Participant is a user's membership in a conversation. LastReadAt is a unix
// millisecond marker that only ever moves forward.
type Participant struct {
	ConversationID int64 `db:"conversation_id" json:"conversation_id"`
	UserID         int64 `db:"user_id" json:"user_id"`
	LastReadAt     int64 `db:"last_read_at" json:"last_read_at"`
}

// ChannelID names a broadcast group: "user:<id>" or "conversation:<id>".
type ChannelID string

const (
	userChannelPrefix         = "user:"
	conversationChannelPrefix = "conversation:"
)

// UserChannel is the personal channel of a user.
func UserChannel(userID int64) ChannelID {
	return ChannelID(userChannelPrefix + strconv.FormatInt(userID, 10))
}

// ConversationChannel is the fan-out channel of a conversation.
func ConversationChannel(conversationID int64) ChannelID {
	return ChannelID(conversationChannelPrefix + strconv.FormatInt(conversationID, 10))
}

// ConversationID extracts the conversation id of a conversation channel.
func (c ChannelID) ConversationID() (int64, bool) {
	raw, ok := strings.CutPrefix(string(c), conversationChannelPrefix)
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}
