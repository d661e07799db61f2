package repositories

import (
	"context"
	"database/sql"
	"errors"

	"marketplace-chat/internal/models"
)

// CreateQuote records a new quote and appends its offer message in one
// transaction. A quote id that is already known returns ErrQuoteExists and an
// unknown conversation returns ErrConversationNotFound.
func (s *SQLStore) CreateQuote(ctx context.Context, quote models.Quote, note models.Message) (models.Message, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Message{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	// checked before the insert so a foreign key violation never surfaces
	var found int
	if err = tx.GetContext(ctx, &found, tx.Rebind(`SELECT COUNT(*) FROM conversations WHERE id = ?`), quote.ConversationID); err != nil {
		return models.Message{}, err
	}
	if found == 0 {
		err = ErrConversationNotFound
		return models.Message{}, err
	}

	quote.UpdatedAt = s.timestamp()
	res, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO quotes (id, conversation_id, state, amount_cents, currency, updated_at)
        VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT (id) DO NOTHING`),
		quote.ID, quote.ConversationID, quote.State, quote.AmountCents, quote.Currency, quote.UpdatedAt)
	if err != nil {
		return models.Message{}, err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return models.Message{}, err
	}
	if count == 0 {
		err = ErrQuoteExists
		return models.Message{}, err
	}

	var msg models.Message
	if msg, err = s.appendMessageTx(ctx, tx, note); err != nil {
		return models.Message{}, err
	}
	if err = tx.Commit(); err != nil {
		return models.Message{}, err
	}
	return msg, nil
}

// GetQuote fetches a quote by id.
func (s *SQLStore) GetQuote(ctx context.Context, quoteID string) (models.Quote, error) {
	var quote models.Quote
	err := s.db.GetContext(ctx, &quote, s.db.Rebind(`SELECT id, conversation_id, state, amount_cents, currency, updated_at FROM quotes WHERE id = ?`), quoteID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Quote{}, ErrQuoteNotFound
	}
	return quote, err
}

// TransitionQuote moves a quote from one state to another and appends the
// status message in one transaction. If the stored state is no longer from,
// ErrQuoteStateConflict is returned and nothing is written.
func (s *SQLStore) TransitionQuote(ctx context.Context, quoteID string, from, to models.QuoteState, note models.Message) (models.Message, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Message{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE quotes SET state = ?, updated_at = ? WHERE id = ? AND state = ?`), to, s.timestamp(), quoteID, from)
	if err != nil {
		return models.Message{}, err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return models.Message{}, err
	}
	if count == 0 {
		err = ErrQuoteStateConflict
		return models.Message{}, err
	}

	var msg models.Message
	if msg, err = s.appendMessageTx(ctx, tx, note); err != nil {
		return models.Message{}, err
	}
	if err = tx.Commit(); err != nil {
		return models.Message{}, err
	}
	return msg, nil
}
