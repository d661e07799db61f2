package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"marketplace-chat/internal/auth"
	"marketplace-chat/internal/models"
	"marketplace-chat/internal/repositories"
)

type StoreMock struct {
	mock.Mock
}

func (m *StoreMock) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *StoreMock) CreateConversation(ctx context.Context, listingID *int64, participants []int64) (models.Conversation, error) {
	args := m.Called(ctx, listingID, participants)
	var conv models.Conversation
	if val := args.Get(0); val != nil {
		conv = val.(models.Conversation)
	}
	return conv, args.Error(1)
}

func (m *StoreMock) IsParticipant(ctx context.Context, conversationID int64, userID int64) (bool, error) {
	args := m.Called(ctx, conversationID, userID)
	return args.Bool(0), args.Error(1)
}

func (m *StoreMock) ListParticipants(ctx context.Context, conversationID int64) ([]int64, error) {
	args := m.Called(ctx, conversationID)
	var ids []int64
	if val := args.Get(0); val != nil {
		ids = val.([]int64)
	}
	return ids, args.Error(1)
}

func (m *StoreMock) ListConversationIDs(ctx context.Context, userID int64) ([]int64, error) {
	args := m.Called(ctx, userID)
	var ids []int64
	if val := args.Get(0); val != nil {
		ids = val.([]int64)
	}
	return ids, args.Error(1)
}

func (m *StoreMock) UpdateLastRead(ctx context.Context, conversationID int64, userID int64, at time.Time) (bool, error) {
	args := m.Called(ctx, conversationID, userID, at)
	return args.Bool(0), args.Error(1)
}

func (m *StoreMock) AppendMessage(ctx context.Context, draft models.Message) (models.Message, error) {
	args := m.Called(ctx, draft)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

func (m *StoreMock) ListMessages(ctx context.Context, conversationID int64, beforeSeq int64, limit int) ([]models.Message, error) {
	args := m.Called(ctx, conversationID, beforeSeq, limit)
	var list []models.Message
	if val := args.Get(0); val != nil {
		list = val.([]models.Message)
	}
	return list, args.Error(1)
}

func (m *StoreMock) CreateQuote(ctx context.Context, quote models.Quote, note models.Message) (models.Message, error) {
	args := m.Called(ctx, quote, note)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

func (m *StoreMock) GetQuote(ctx context.Context, quoteID string) (models.Quote, error) {
	args := m.Called(ctx, quoteID)
	var quote models.Quote
	if val := args.Get(0); val != nil {
		quote = val.(models.Quote)
	}
	return quote, args.Error(1)
}

func (m *StoreMock) TransitionQuote(ctx context.Context, quoteID string, from, to models.QuoteState, note models.Message) (models.Message, error) {
	args := m.Called(ctx, quoteID, from, to, note)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

var _ repositories.ConversationStore = (*StoreMock)(nil)

type VerifierMock struct {
	mock.Mock
}

func (m *VerifierMock) Verify(ctx context.Context, token string) (auth.Principal, error) {
	args := m.Called(ctx, token)
	var principal auth.Principal
	if val := args.Get(0); val != nil {
		principal = val.(auth.Principal)
	}
	return principal, args.Error(1)
}

var _ auth.Verifier = (*VerifierMock)(nil)
