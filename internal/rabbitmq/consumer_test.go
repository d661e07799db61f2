package rabbitmq

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"marketplace-chat/internal/chat"
	"marketplace-chat/internal/models"
	"marketplace-chat/internal/repositories"
)

type quoteHandlerMock struct {
	mock.Mock
}

func (m *quoteHandlerMock) OnQuoteCreated(ctx context.Context, quote models.Quote) (models.Message, error) {
	args := m.Called(ctx, quote)
	return models.Message{}, args.Error(0)
}

func (m *quoteHandlerMock) OnQuoteTransition(ctx context.Context, quoteID string, to models.QuoteState) (models.Message, error) {
	args := m.Called(ctx, quoteID, to)
	return models.Message{}, args.Error(0)
}

func newTestConsumer(h QuoteHandler) *QuoteConsumer {
	return NewQuoteConsumer(ConsumerConfig{Exchange: "quotes", Queue: "chat.quote_events"}, h, zerolog.Nop())
}

func TestQuoteConsumerCreated(t *testing.T) {
	h := new(quoteHandlerMock)
	h.On("OnQuoteCreated", mock.Anything, models.Quote{
		ID:             "Q1",
		ConversationID: 7,
		State:          models.QuotePending,
		AmountCents:    12550,
		Currency:       "USD",
	}).Return(nil).Once()

	body := []byte(`{"quote_id":"Q1","conversation_id":7,"state":"pending","amount_cents":12550,"currency":"USD"}`)
	outcome := newTestConsumer(h).Handle(context.Background(), RoutingQuoteCreated, body)

	assert.Equal(t, OutcomeAck, outcome)
	h.AssertExpectations(t)
}

func TestQuoteConsumerTransitionOutcomes(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Outcome
	}{
		{name: "applied", err: nil, want: OutcomeAck},
		{name: "illegal edge", err: &chat.InvalidTransitionError{QuoteID: "Q1", From: models.QuotePaid, To: models.QuoteAccepted}, want: OutcomeDropped},
		{name: "unknown quote", err: repositories.ErrQuoteNotFound, want: OutcomeDropped},
		{name: "store down", err: &chat.TransientStoreError{Op: "load quote", Err: errors.New("connection refused")}, want: OutcomeRequeue},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := new(quoteHandlerMock)
			h.On("OnQuoteTransition", mock.Anything, "Q1", models.QuoteAccepted).Return(tt.err).Once()

			outcome := newTestConsumer(h).Handle(context.Background(), RoutingQuoteTransitioned, []byte(`{"quote_id":"Q1","state":"accepted"}`))
			assert.Equal(t, tt.want, outcome)
			h.AssertExpectations(t)
		})
	}
}

func TestQuoteConsumerDuplicateCreateIsAcked(t *testing.T) {
	h := new(quoteHandlerMock)
	h.On("OnQuoteCreated", mock.Anything, mock.Anything).Return(repositories.ErrQuoteExists).Once()

	outcome := newTestConsumer(h).Handle(context.Background(), RoutingQuoteCreated, []byte(`{"quote_id":"Q1","conversation_id":7}`))
	assert.Equal(t, OutcomeAck, outcome)
}

func TestQuoteConsumerDropsQuoteForUnknownConversation(t *testing.T) {
	h := new(quoteHandlerMock)
	h.On("OnQuoteCreated", mock.Anything, mock.Anything).Return(repositories.ErrConversationNotFound).Once()

	outcome := newTestConsumer(h).Handle(context.Background(), RoutingQuoteCreated, []byte(`{"quote_id":"Q9","conversation_id":404}`))
	assert.Equal(t, OutcomeDropped, outcome)
	h.AssertExpectations(t)
}

func TestQuoteConsumerDropsBadDeliveries(t *testing.T) {
	h := new(quoteHandlerMock)
	c := newTestConsumer(h)

	assert.Equal(t, OutcomeDropped, c.Handle(context.Background(), RoutingQuoteCreated, []byte(`{not json`)))
	assert.Equal(t, OutcomeDropped, c.Handle(context.Background(), "quote.deleted", []byte(`{"quote_id":"Q1"}`)))
	h.AssertNotCalled(t, "OnQuoteCreated", mock.Anything, mock.Anything)
	h.AssertNotCalled(t, "OnQuoteTransition", mock.Anything, mock.Anything, mock.Anything)
}

func TestQuoteConsumerDisabledWithoutURL(t *testing.T) {
	err := newTestConsumer(new(quoteHandlerMock)).Run(context.Background())
	assert.NoError(t, err)
}

func TestNoopPublisher(t *testing.T) {
	p := NewPublisher("", "chat_events", zerolog.Nop())

	assert.Equal(t, "noop", PublisherMode(p))
	assert.Equal(t, "empty amqp url", PublisherNoopReason(p))
	assert.NoError(t, p.Publish(context.Background(), "audit.chat", map[string]string{"k": "v"}))
	assert.NoError(t, p.PublishJSON(context.Background(), "chat_events.message_sent", struct{}{}, map[string]string{"x-request-id": "r1"}))
	assert.NoError(t, p.Close())
}
