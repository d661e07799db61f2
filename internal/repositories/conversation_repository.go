package repositories

import (
	"context"
	"errors"
	"sort"
	"time"

	"marketplace-chat/internal/models"
)

// CreateConversation creates a conversation and its participants atomically.
func (s *SQLStore) CreateConversation(ctx context.Context, listingID *int64, participants []int64) (models.Conversation, error) {
	if len(participants) == 0 {
		return models.Conversation{}, errors.New("conversation needs participants")
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Conversation{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	conv := models.Conversation{ListingID: listingID, CreatedAt: s.timestamp()}
	if err = tx.QueryRowxContext(ctx, tx.Rebind(`INSERT INTO conversations (listing_id, last_seq, created_at) VALUES (?, 0, ?) RETURNING id`), listingID, conv.CreatedAt).
		Scan(&conv.ID); err != nil {
		return models.Conversation{}, err
	}

	// dedupe members
	memberSet := map[int64]struct{}{}
	for _, id := range participants {
		memberSet[id] = struct{}{}
	}
	ids := make([]int64, 0, len(memberSet))
	for id := range memberSet {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, userID := range ids {
		if _, err = tx.ExecContext(ctx, tx.Rebind(`INSERT INTO conversation_participants (conversation_id, user_id, last_read_at) VALUES (?, ?, 0)`), conv.ID, userID); err != nil {
			return models.Conversation{}, err
		}
	}

	if err = tx.Commit(); err != nil {
		return models.Conversation{}, err
	}
	return conv, nil
}

// IsParticipant checks whether a user belongs to the conversation. Unknown
// conversations report false.
func (s *SQLStore) IsParticipant(ctx context.Context, conversationID int64, userID int64) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists, s.db.Rebind(`SELECT EXISTS(SELECT 1 FROM conversation_participants WHERE conversation_id = ? AND user_id = ?)`), conversationID, userID)
	return exists, err
}

// ListParticipants returns the user ids of a conversation.
func (s *SQLStore) ListParticipants(ctx context.Context, conversationID int64) ([]int64, error) {
	ids := []int64{}
	err := s.db.SelectContext(ctx, &ids, s.db.Rebind(`SELECT user_id FROM conversation_participants WHERE conversation_id = ? ORDER BY user_id`), conversationID)
	return ids, err
}

// ListConversationIDs returns the conversations a user participates in.
func (s *SQLStore) ListConversationIDs(ctx context.Context, userID int64) ([]int64, error) {
	ids := []int64{}
	err := s.db.SelectContext(ctx, &ids, s.db.Rebind(`SELECT conversation_id FROM conversation_participants WHERE user_id = ? ORDER BY conversation_id`), userID)
	return ids, err
}

// UpdateLastRead advances the user's read marker. It reports false when the
// stored marker is already at or past at.
func (s *SQLStore) UpdateLastRead(ctx context.Context, conversationID int64, userID int64, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE conversation_participants SET last_read_at = ?
        WHERE conversation_id = ? AND user_id = ? AND last_read_at < ?`), at.UnixMilli(), conversationID, userID, at.UnixMilli())
	if err != nil {
		return false, err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// LastRead returns the user's read marker in unix milliseconds.
func (s *SQLStore) LastRead(ctx context.Context, conversationID int64, userID int64) (int64, error) {
	var marker int64
	err := s.db.GetContext(ctx, &marker, s.db.Rebind(`SELECT last_read_at FROM conversation_participants WHERE conversation_id = ? AND user_id = ?`), conversationID, userID)
	return marker, err
}
