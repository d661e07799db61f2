package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"marketplace-chat/internal/db"
	"marketplace-chat/internal/mocks"
	"marketplace-chat/internal/models"
	"marketplace-chat/internal/repositories"
)

type delivery struct {
	channel    models.ChannelID
	evt        models.OutboundEvent
	exceptUser int64
}

type fakeFanout struct {
	mu         sync.Mutex
	deliveries []delivery
	connSubs   map[string]map[models.ChannelID]bool
	userSubs   map[int64]map[models.ChannelID]bool
}

func newFakeFanout() *fakeFanout {
	return &fakeFanout{
		connSubs: map[string]map[models.ChannelID]bool{},
		userSubs: map[int64]map[models.ChannelID]bool{},
	}
}

func (f *fakeFanout) join(connID string, userID int64, ch models.ChannelID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connSubs[connID] == nil {
		f.connSubs[connID] = map[models.ChannelID]bool{}
	}
	if f.userSubs[userID] == nil {
		f.userSubs[userID] = map[models.ChannelID]bool{}
	}
	f.connSubs[connID][ch] = true
	f.userSubs[userID][ch] = true
}

func (f *fakeFanout) Broadcast(ch models.ChannelID, evt models.OutboundEvent) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deliveries = append(f.deliveries, delivery{channel: ch, evt: evt})
	return 1
}

func (f *fakeFanout) BroadcastExceptUser(ch models.ChannelID, evt models.OutboundEvent, userID int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deliveries = append(f.deliveries, delivery{channel: ch, evt: evt, exceptUser: userID})
	return 1
}

func (f *fakeFanout) IsConnSubscribed(connID string, ch models.ChannelID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connSubs[connID][ch]
}

func (f *fakeFanout) IsUserSubscribed(userID int64, ch models.ChannelID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.userSubs[userID][ch]
}

func (f *fakeFanout) sent() []delivery {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]delivery(nil), f.deliveries...)
}

func (f *fakeFanout) byEvent(name string) []delivery {
	var out []delivery
	for _, d := range f.sent() {
		if d.evt.Event == name {
			out = append(out, d)
		}
	}
	return out
}

type fakePresence struct {
	heartbeats []int64
}

func (p *fakePresence) Heartbeat(_ context.Context, userID int64) {
	p.heartbeats = append(p.heartbeats, userID)
}

func (p *fakePresence) Status(_ context.Context, userID int64) models.Presence {
	return models.Presence{UserID: userID, Status: models.StatusOnline}
}

type fixture struct {
	store      *repositories.SQLStore
	fanout     *fakeFanout
	presence   *fakePresence
	dispatcher *Dispatcher
	convID     int64
}

const (
	alice int64 = 1
	bob   int64 = 2
	carol int64 = 3
)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	database, err := db.Connect(db.DriverSQLite, ":memory:", zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	store := repositories.NewSQLStore(database)
	conv, err := store.CreateConversation(context.Background(), nil, []int64{alice, bob})
	require.NoError(t, err)

	fanout := newFakeFanout()
	presence := &fakePresence{}
	d := NewDispatcher(store, fanout, presence, Config{MaxContentLength: 20}, zerolog.Nop())
	return &fixture{store: store, fanout: fanout, presence: presence, dispatcher: d, convID: conv.ID}
}

func TestSendMessageBroadcastsAndPersists(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ch := models.ConversationChannel(f.convID)
	f.fanout.join("a1", alice, ch)
	f.fanout.join("b1", bob, ch)

	msg, err := f.dispatcher.SendMessage(ctx, Actor{UserID: alice, ConnID: "a1"}, f.convID, "  hello ")
	require.NoError(t, err)
	f.dispatcher.Wait()

	assert.Equal(t, "hello", msg.Content)
	assert.Equal(t, alice, msg.SenderID)
	assert.Equal(t, models.KindText, msg.Kind)

	sent := f.fanout.byEvent(models.EventNewMessage)
	require.Len(t, sent, 1)
	assert.Equal(t, ch, sent[0].channel)
	assert.Equal(t, msg, sent[0].evt.Data)

	// both participants are viewing, so nobody is notified
	assert.Empty(t, f.fanout.byEvent(models.EventNotification))

	history, err := f.dispatcher.History(ctx, Actor{UserID: bob}, f.convID, 0, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "hello", history[0].Content)
	assert.Equal(t, alice, history[0].SenderID)
	assert.Equal(t, f.convID, history[0].ConversationID)
}

func TestSendMessageNotifiesAbsentParticipants(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fanout.join("a1", alice, models.ConversationChannel(f.convID))

	msg, err := f.dispatcher.SendMessage(ctx, Actor{UserID: alice, ConnID: "a1"}, f.convID, "are you there?")
	require.NoError(t, err)
	f.dispatcher.Wait()

	notes := f.fanout.byEvent(models.EventNotification)
	require.Len(t, notes, 1)
	assert.Equal(t, models.UserChannel(bob), notes[0].channel)
	payload := notes[0].evt.Data.(models.NotificationPayload)
	assert.Equal(t, msg.ID, payload.MessageID)
	assert.Equal(t, alice, payload.SenderID)
}

func TestSendMessageValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	actor := Actor{UserID: alice, ConnID: "a1"}

	_, err := f.dispatcher.SendMessage(ctx, actor, f.convID, "   \n\t ")
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, ValidationEmptyContent, vErr.Reason)

	_, err = f.dispatcher.SendMessage(ctx, actor, f.convID, strings.Repeat("x", 21))
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, ValidationTooLong, vErr.Reason)
	assert.Equal(t, 20, vErr.Limit)

	// length counts characters, not bytes
	_, err = f.dispatcher.SendMessage(ctx, actor, f.convID, strings.Repeat("é", 20))
	require.NoError(t, err)

	_, err = f.dispatcher.SendMessage(ctx, actor, 0, "hi")
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, ValidationInvalidConversation, vErr.Reason)
	f.dispatcher.Wait()
}

func TestSendMessageAccessDenied(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.dispatcher.SendMessage(ctx, Actor{UserID: carol, ConnID: "c1"}, f.convID, "let me in")
	require.ErrorIs(t, err, ErrAccessDenied)

	// unknown conversations look the same as forbidden ones
	_, err = f.dispatcher.SendMessage(ctx, Actor{UserID: alice, ConnID: "a1"}, 9999, "hi")
	require.ErrorIs(t, err, ErrAccessDenied)

	assert.Empty(t, f.fanout.sent())
	msgs, err := f.store.ListMessages(ctx, f.convID, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestUnauthenticatedSendIsRejected(t *testing.T) {
	f := newFixture(t)

	reply, err := f.dispatcher.Handle(context.Background(), Actor{ConnID: "anon"}, models.SendMessage{ConversationID: f.convID, Content: "hi"})
	require.Nil(t, reply)
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, AuthUnauthenticated, authErr.Reason)

	assert.Empty(t, f.fanout.sent())
	msgs, err := f.store.ListMessages(context.Background(), f.convID, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestPersistFailureBroadcastsNothing(t *testing.T) {
	store := new(mocks.StoreMock)
	fanout := newFakeFanout()
	d := NewDispatcher(store, fanout, nil, Config{}, zerolog.Nop())

	store.On("IsParticipant", mock.Anything, int64(42), alice).Return(true, nil).Once()
	store.On("AppendMessage", mock.Anything, mock.MatchedBy(func(m models.Message) bool {
		return m.ConversationID == 42 && m.Content == "hello" && m.SenderID == alice
	})).Return(nil, errors.New("connection reset")).Once()

	_, err := d.SendMessage(context.Background(), Actor{UserID: alice, ConnID: "a1"}, 42, "hello")
	var storeErr *TransientStoreError
	require.ErrorAs(t, err, &storeErr)
	assert.Equal(t, "append message", storeErr.Op)

	d.Wait()
	assert.Empty(t, fanout.sent())
	store.AssertExpectations(t)
}

func TestSendSurvivesCancelledContext(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	store := new(mocks.StoreMock)
	d := NewDispatcher(store, f.fanout, nil, Config{}, zerolog.Nop())
	store.On("IsParticipant", mock.Anything, int64(42), alice).Return(true, nil).Once()
	store.On("AppendMessage", mock.MatchedBy(func(c context.Context) bool {
		cancel()
		return c.Err() == nil
	}), mock.Anything).Return(models.Message{ID: "m1", ConversationID: 42, SenderID: alice, Seq: 1}, nil).Once()
	store.On("ListParticipants", mock.Anything, int64(42)).Return([]int64{alice}, nil).Maybe()

	_, err := d.SendMessage(ctx, Actor{UserID: alice, ConnID: "a1"}, 42, "hello")
	require.NoError(t, err)
	d.Wait()
	store.AssertExpectations(t)
}

func TestSetTypingExcludesSender(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ch := models.ConversationChannel(f.convID)
	f.fanout.join("a1", alice, ch)

	f.dispatcher.SetTyping(ctx, Actor{UserID: alice, ConnID: "a1"}, f.convID, true)
	f.dispatcher.SetTyping(ctx, Actor{UserID: alice, ConnID: "a1"}, f.convID, false)

	sent := f.fanout.sent()
	require.Len(t, sent, 2)
	assert.Equal(t, models.EventTyping, sent[0].evt.Event)
	assert.Equal(t, models.EventStopTyping, sent[1].evt.Event)
	assert.Equal(t, alice, sent[0].exceptUser)
	assert.Equal(t, models.TypingPayload{UserID: alice, ConversationID: f.convID}, sent[0].evt.Data)
}

func TestSetTypingRequiresJoin(t *testing.T) {
	f := newFixture(t)
	f.dispatcher.SetTyping(context.Background(), Actor{UserID: alice, ConnID: "a1"}, f.convID, true)
	assert.Empty(t, f.fanout.sent())
}

func TestMarkReadIsMonotonic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.UnixMilli(1_700_000_100_000)
	f.dispatcher.now = func() time.Time { return now }
	actor := Actor{UserID: bob, ConnID: "b1"}

	advanced, err := f.dispatcher.MarkRead(ctx, actor, f.convID, now.Add(-time.Minute))
	require.NoError(t, err)
	assert.True(t, advanced)

	advanced, err = f.dispatcher.MarkRead(ctx, actor, f.convID, now.Add(-2*time.Minute))
	require.NoError(t, err)
	assert.False(t, advanced)

	advanced, err = f.dispatcher.MarkRead(ctx, actor, f.convID, now.Add(-time.Minute))
	require.NoError(t, err)
	assert.False(t, advanced)

	// future markers are clamped to now
	advanced, err = f.dispatcher.MarkRead(ctx, actor, f.convID, now.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, advanced)

	marker, err := f.store.LastRead(ctx, f.convID, bob)
	require.NoError(t, err)
	assert.Equal(t, now.UnixMilli(), marker)

	reads := f.fanout.byEvent(models.EventMessageRead)
	require.Len(t, reads, 2)
	assert.Equal(t, models.ReadPayload{UserID: bob, ConversationID: f.convID, Timestamp: now.UnixMilli()}, reads[1].evt.Data)

	_, err = f.dispatcher.MarkRead(ctx, Actor{UserID: carol}, f.convID, time.Time{})
	require.ErrorIs(t, err, ErrAccessDenied)
}

func TestQuoteTransitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ch := models.ConversationChannel(f.convID)

	offer, err := f.dispatcher.OnQuoteCreated(ctx, models.Quote{ID: "Q1", ConversationID: f.convID, AmountCents: 12550, Currency: "USD"})
	require.NoError(t, err)
	assert.Equal(t, models.KindQuoteOffer, offer.Kind)
	assert.Equal(t, models.SystemSenderID, offer.SenderID)
	assert.Equal(t, "Quote offered: 125.50 USD", offer.Content)

	accepted, err := f.dispatcher.OnQuoteTransition(ctx, "Q1", models.QuoteAccepted)
	require.NoError(t, err)
	assert.Equal(t, models.KindQuoteStatus, accepted.Kind)
	assert.Equal(t, models.SystemSenderID, accepted.SenderID)
	assert.True(t, accepted.Kind.IsQuote())

	_, err = f.dispatcher.OnQuoteTransition(ctx, "Q1", models.QuotePending)
	var tErr *InvalidTransitionError
	require.ErrorAs(t, err, &tErr)
	assert.Equal(t, models.QuoteAccepted, tErr.From)
	assert.Equal(t, models.QuotePending, tErr.To)

	events := f.fanout.byEvent(models.EventQuoteAccepted)
	require.Len(t, events, 1)
	assert.Equal(t, ch, events[0].channel)
	payload := events[0].evt.Data.(models.QuotePayload)
	assert.Equal(t, "Q1", payload.QuoteID)
	require.NotNil(t, payload.Message)
	assert.Equal(t, models.KindQuoteStatus, payload.Message.Kind)

	assert.Len(t, f.fanout.byEvent(models.EventQuoteCreated), 1)
	assert.Len(t, f.fanout.sent(), 2)

	_, err = f.dispatcher.OnQuoteTransition(ctx, "Q1", models.QuotePaid)
	require.NoError(t, err)
	_, err = f.dispatcher.OnQuoteTransition(ctx, "Q1", models.QuotePending)
	require.ErrorAs(t, err, &tErr)
	_, err = f.dispatcher.OnQuoteTransition(ctx, "Q1", models.QuoteState("refunded"))
	require.ErrorAs(t, err, &tErr)
}

func TestQuoteEdgeCases(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.dispatcher.OnQuoteTransition(ctx, "missing", models.QuoteAccepted)
	require.ErrorIs(t, err, repositories.ErrQuoteNotFound)

	_, err = f.dispatcher.OnQuoteCreated(ctx, models.Quote{ID: "Q2", ConversationID: f.convID})
	require.NoError(t, err)
	_, err = f.dispatcher.OnQuoteCreated(ctx, models.Quote{ID: "Q2", ConversationID: f.convID})
	require.ErrorIs(t, err, repositories.ErrQuoteExists)

	_, err = f.dispatcher.OnQuoteCreated(ctx, models.Quote{ID: "Q3", ConversationID: f.convID, State: models.QuotePaid})
	var tErr *InvalidTransitionError
	require.ErrorAs(t, err, &tErr)

	assert.Len(t, f.fanout.sent(), 1)
}

func TestHandleRoutesPresenceEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	actor := Actor{UserID: alice, ConnID: "a1"}

	reply, err := f.dispatcher.Handle(ctx, actor, models.Heartbeat{})
	require.NoError(t, err)
	assert.Nil(t, reply)
	assert.Equal(t, []int64{alice}, f.presence.heartbeats)

	reply, err = f.dispatcher.Handle(ctx, actor, models.GetStatus{UserID: bob})
	require.NoError(t, err)
	require.NotNil(t, reply)
	assert.Equal(t, models.EventStatus, reply.Event)

	_, err = f.dispatcher.Handle(ctx, actor, models.Join{ConversationID: f.convID})
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, ValidationUnknownEvent, vErr.Reason)
}

func TestHandleRepliesToUnjoinedSender(t *testing.T) {
	f := newFixture(t)

	reply, err := f.dispatcher.Handle(context.Background(), Actor{UserID: alice, ConnID: "a1"}, models.SendMessage{ConversationID: f.convID, Content: "hi"})
	require.NoError(t, err)
	require.NotNil(t, reply)
	assert.Equal(t, models.EventNewMessage, reply.Event)
	f.dispatcher.Wait()
}
