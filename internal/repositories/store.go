package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"marketplace-chat/internal/models"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrQuoteNotFound        = errors.New("quote not found")
	ErrQuoteExists          = errors.New("quote already exists")
	ErrQuoteStateConflict   = errors.New("quote state changed concurrently")
)

// ConversationStore abstracts durable conversations, messages, read markers and
// the chat's view of quotes.
type ConversationStore interface {
	Ping(ctx context.Context) error
	CreateConversation(ctx context.Context, listingID *int64, participants []int64) (models.Conversation, error)
	IsParticipant(ctx context.Context, conversationID int64, userID int64) (bool, error)
	ListParticipants(ctx context.Context, conversationID int64) ([]int64, error)
	ListConversationIDs(ctx context.Context, userID int64) ([]int64, error)
	UpdateLastRead(ctx context.Context, conversationID int64, userID int64, at time.Time) (bool, error)

	AppendMessage(ctx context.Context, draft models.Message) (models.Message, error)
	ListMessages(ctx context.Context, conversationID int64, beforeSeq int64, limit int) ([]models.Message, error)

	CreateQuote(ctx context.Context, quote models.Quote, note models.Message) (models.Message, error)
	GetQuote(ctx context.Context, quoteID string) (models.Quote, error)
	TransitionQuote(ctx context.Context, quoteID string, from, to models.QuoteState, note models.Message) (models.Message, error)
}

// SQLStore is a sqlx implementation of ConversationStore. Queries are written
// with ? placeholders and rebound for the connected driver.
type SQLStore struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewSQLStore constructs a SQLStore.
func NewSQLStore(db *sqlx.DB) *SQLStore {
	return &SQLStore{db: db, now: time.Now}
}

// Ping checks the database connection.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// timestamp truncates to microseconds, the precision Postgres keeps.
func (s *SQLStore) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

var _ ConversationStore = (*SQLStore)(nil)
