package repositories

import (
	"context"
	"math"

	"github.com/jmoiron/sqlx"
	"github.com/oklog/ulid/v2"

	"marketplace-chat/internal/models"
)

const messageColumns = `id, conversation_id, sender_id, content, kind, quote_id, quote_state, seq, created_at`

// AppendMessage stores a message and assigns its id, per-conversation sequence
// number and timestamp. The sequence bump row-locks the conversation, so
// concurrent appends to one conversation are serialised and gap-free.
func (s *SQLStore) AppendMessage(ctx context.Context, draft models.Message) (models.Message, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Message{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var msg models.Message
	if msg, err = s.appendMessageTx(ctx, tx, draft); err != nil {
		return models.Message{}, err
	}
	if err = tx.Commit(); err != nil {
		return models.Message{}, err
	}
	return msg, nil
}

func (s *SQLStore) appendMessageTx(ctx context.Context, tx *sqlx.Tx, draft models.Message) (models.Message, error) {
	res, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE conversations SET last_seq = last_seq + 1 WHERE id = ?`), draft.ConversationID)
	if err != nil {
		return models.Message{}, err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return models.Message{}, err
	}
	if count == 0 {
		return models.Message{}, ErrConversationNotFound
	}

	msg := draft
	if msg.Kind == "" {
		msg.Kind = models.KindText
	}
	if err := tx.GetContext(ctx, &msg.Seq, tx.Rebind(`SELECT last_seq FROM conversations WHERE id = ?`), draft.ConversationID); err != nil {
		return models.Message{}, err
	}
	msg.ID = ulid.Make().String()
	msg.CreatedAt = s.timestamp()

	_, err = tx.ExecContext(ctx, tx.Rebind(`INSERT INTO messages (`+messageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		msg.ID, msg.ConversationID, msg.SenderID, msg.Content, msg.Kind, msg.QuoteID, msg.QuoteState, msg.Seq, msg.CreatedAt)
	if err != nil {
		return models.Message{}, err
	}
	return msg, nil
}

// ListMessages returns up to limit messages with seq below beforeSeq, oldest
// first. A non-positive beforeSeq starts from the newest message.
func (s *SQLStore) ListMessages(ctx context.Context, conversationID int64, beforeSeq int64, limit int) ([]models.Message, error) {
	if beforeSeq <= 0 {
		beforeSeq = math.MaxInt64
	}
	msgs := []models.Message{}
	err := s.db.SelectContext(ctx, &msgs, s.db.Rebind(`SELECT `+messageColumns+` FROM messages
        WHERE conversation_id = ? AND seq < ?
        ORDER BY seq DESC
        LIMIT ?`), conversationID, beforeSeq, limit)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}
