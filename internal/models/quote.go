package models

import "time"

// QuoteState is the lifecycle state of a quote offered inside a conversation.
type QuoteState string

const (
	QuotePending  QuoteState = "pending"
	QuoteAccepted QuoteState = "accepted"
	QuoteDeclined QuoteState = "declined"
	QuotePaid     QuoteState = "paid"
)

var quoteEdges = map[QuoteState][]QuoteState{
	QuotePending:  {QuoteAccepted, QuoteDeclined},
	QuoteAccepted: {QuotePaid},
}

// Valid reports whether s is a known state.
func (s QuoteState) Valid() bool {
	switch s {
	case QuotePending, QuoteAccepted, QuoteDeclined, QuotePaid:
		return true
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s QuoteState) Terminal() bool {
	return s == QuotePaid || s == QuoteDeclined
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to QuoteState) bool {
	for _, next := range quoteEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Quote is the chat's view of a quote owned by the quote service.
type Quote struct {
	ID             string     `db:"id" json:"id"`
	ConversationID int64      `db:"conversation_id" json:"conversation_id"`
	State          QuoteState `db:"state" json:"state"`
	AmountCents    int64      `db:"amount_cents" json:"amount_cents"`
	Currency       string     `db:"currency" json:"currency"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updated_at"`
}
