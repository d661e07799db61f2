package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"marketplace-chat/internal/models"
	"marketplace-chat/internal/observability"
	"marketplace-chat/internal/repositories"
)

const (
	DefaultMaxContentLength = 4000
	DefaultHistoryLimit     = 50
	MaxHistoryLimit         = 200

	notifyTimeout = 5 * time.Second
)

// Fanout delivers events to channel subscribers.
type Fanout interface {
	Broadcast(channel models.ChannelID, evt models.OutboundEvent) int
	BroadcastExceptUser(channel models.ChannelID, evt models.OutboundEvent, userID int64) int
	IsConnSubscribed(connID string, channel models.ChannelID) bool
	IsUserSubscribed(userID int64, channel models.ChannelID) bool
}

// Presence answers liveness queries and records heartbeats.
type Presence interface {
	Heartbeat(ctx context.Context, userID int64)
	Status(ctx context.Context, userID int64) models.Presence
}

// Actor is the authenticated connection an event came from.
type Actor struct {
	UserID int64
	ConnID string
}

type Config struct {
	MaxContentLength int
}

// Dispatcher validates chat events, persists them and fans them out.
type Dispatcher struct {
	store    repositories.ConversationStore
	fanout   Fanout
	presence Presence
	cfg      Config
	logger   zerolog.Logger
	now      func() time.Time

	notifications sync.WaitGroup
}

// NewDispatcher constructs a Dispatcher. presence may be nil.
func NewDispatcher(store repositories.ConversationStore, fanout Fanout, presence Presence, cfg Config, logger zerolog.Logger) *Dispatcher {
	if cfg.MaxContentLength <= 0 {
		cfg.MaxContentLength = DefaultMaxContentLength
	}
	return &Dispatcher{
		store:    store,
		fanout:   fanout,
		presence: presence,
		cfg:      cfg,
		logger:   logger.With().Str("component", "dispatcher").Logger(),
		now:      time.Now,
	}
}

// Handle runs one inbound event for an actor and returns the reply for the
// originating connection, if any. Authentication and channel membership
// events belong to the router and are not accepted here.
func (d *Dispatcher) Handle(ctx context.Context, actor Actor, evt models.InboundEvent) (*models.OutboundEvent, error) {
	if actor.UserID == 0 {
		return nil, &AuthError{Reason: AuthUnauthenticated}
	}

	switch e := evt.(type) {
	case models.SendMessage:
		msg, err := d.SendMessage(ctx, actor, e.ConversationID, e.Content)
		if err != nil {
			return nil, err
		}
		// a sender that never joined still sees its own message
		if !d.fanout.IsConnSubscribed(actor.ConnID, models.ConversationChannel(msg.ConversationID)) {
			reply := models.NewMessageEvent(msg)
			return &reply, nil
		}
		return nil, nil
	case models.Typing:
		d.SetTyping(ctx, actor, e.ConversationID, e.Active)
		return nil, nil
	case models.MarkRead:
		var at time.Time
		if e.Timestamp > 0 {
			at = time.UnixMilli(e.Timestamp)
		}
		_, err := d.MarkRead(ctx, actor, e.ConversationID, at)
		return nil, err
	case models.Heartbeat:
		if d.presence != nil {
			d.presence.Heartbeat(ctx, actor.UserID)
		}
		return nil, nil
	case models.GetStatus:
		if e.UserID <= 0 {
			return nil, &ValidationError{Reason: ValidationMalformedPayload}
		}
		p := models.Presence{UserID: e.UserID, Status: models.StatusOffline}
		if d.presence != nil {
			p = d.presence.Status(ctx, e.UserID)
		}
		reply := models.StatusEvent(p)
		return &reply, nil
	default:
		return nil, &ValidationError{Reason: ValidationUnknownEvent}
	}
}

// SendMessage stores a participant's message, then broadcasts it on the
// conversation channel. Nothing is broadcast when the store fails.
func (d *Dispatcher) SendMessage(ctx context.Context, actor Actor, conversationID int64, content string) (models.Message, error) {
	if actor.UserID == 0 {
		return models.Message{}, &AuthError{Reason: AuthUnauthenticated}
	}
	if conversationID <= 0 {
		return models.Message{}, &ValidationError{Reason: ValidationInvalidConversation}
	}
	if err := d.checkParticipant(ctx, conversationID, actor.UserID); err != nil {
		return models.Message{}, err
	}

	content = strings.TrimSpace(content)
	if content == "" {
		return models.Message{}, &ValidationError{Reason: ValidationEmptyContent}
	}
	if utf8.RuneCountInString(content) > d.cfg.MaxContentLength {
		return models.Message{}, &ValidationError{Reason: ValidationTooLong, Limit: d.cfg.MaxContentLength}
	}

	// the sender going away must not abort the write
	msg, err := d.store.AppendMessage(context.WithoutCancel(ctx), models.Message{
		ConversationID: conversationID,
		SenderID:       actor.UserID,
		Content:        content,
		Kind:           models.KindText,
	})
	if err != nil {
		if errors.Is(err, repositories.ErrConversationNotFound) {
			return models.Message{}, ErrAccessDenied
		}
		return models.Message{}, &TransientStoreError{Op: "append message", Err: err}
	}
	observability.IncMessageSent(string(msg.Kind))

	d.fanout.Broadcast(models.ConversationChannel(conversationID), models.NewMessageEvent(msg))
	d.notifyAbsent(ctx, msg)
	d.publish(ctx, observability.RoutingMessageSent, "message_sent", msg)
	return msg, nil
}

// SetTyping relays a typing indicator to the other participants viewing the
// conversation. It is best-effort and never reports an error.
func (d *Dispatcher) SetTyping(ctx context.Context, actor Actor, conversationID int64, typing bool) {
	ch := models.ConversationChannel(conversationID)
	if actor.UserID == 0 || !d.fanout.IsConnSubscribed(actor.ConnID, ch) {
		d.logger.Debug().Int64("user_id", actor.UserID).Int64("conversation_id", conversationID).Msg("typing ignored for unjoined conversation")
		return
	}
	d.fanout.BroadcastExceptUser(ch, models.TypingEvent(actor.UserID, conversationID, typing), actor.UserID)
}

// MarkRead advances the actor's read marker to at (now when zero, clamped
// to now when in the future) and broadcasts a read receipt. A marker that
// would not move forward is a silent no-op.
func (d *Dispatcher) MarkRead(ctx context.Context, actor Actor, conversationID int64, at time.Time) (bool, error) {
	if actor.UserID == 0 {
		return false, &AuthError{Reason: AuthUnauthenticated}
	}
	if conversationID <= 0 {
		return false, &ValidationError{Reason: ValidationInvalidConversation}
	}
	if err := d.checkParticipant(ctx, conversationID, actor.UserID); err != nil {
		return false, err
	}

	now := d.now()
	if at.IsZero() || at.After(now) {
		at = now
	}
	advanced, err := d.store.UpdateLastRead(ctx, conversationID, actor.UserID, at)
	if err != nil {
		return false, &TransientStoreError{Op: "update read marker", Err: err}
	}
	if !advanced {
		return false, nil
	}

	d.fanout.Broadcast(models.ConversationChannel(conversationID), models.ReadEvent(actor.UserID, conversationID, at.UnixMilli()))
	return true, nil
}

// OnQuoteCreated records a new pending quote, appends its offer message and
// broadcasts quote_created.
func (d *Dispatcher) OnQuoteCreated(ctx context.Context, quote models.Quote) (models.Message, error) {
	if quote.ID == "" || quote.ConversationID <= 0 {
		return models.Message{}, &ValidationError{Reason: ValidationMalformedPayload}
	}
	if quote.State != "" && quote.State != models.QuotePending {
		return models.Message{}, &InvalidTransitionError{QuoteID: quote.ID, To: quote.State}
	}
	quote.State = models.QuotePending

	note := quoteMessage(quote.ConversationID, quote.ID, models.QuotePending, offerText(quote))
	msg, err := d.store.CreateQuote(ctx, quote, note)
	switch {
	case errors.Is(err, repositories.ErrQuoteExists), errors.Is(err, repositories.ErrConversationNotFound):
		return models.Message{}, err
	case err != nil:
		return models.Message{}, &TransientStoreError{Op: "create quote", Err: err}
	}
	observability.IncMessageSent(string(msg.Kind))

	d.fanout.Broadcast(models.ConversationChannel(quote.ConversationID), models.QuoteEvent(quote.ID, models.QuotePending, &msg))
	d.publish(ctx, observability.RoutingQuoteStatus, "quote_created", msg)
	return msg, nil
}

// OnQuoteTransition applies a state change reported by the quote service.
// Edges outside pending->accepted->paid and pending->declined are rejected
// with InvalidTransitionError and nothing is broadcast.
func (d *Dispatcher) OnQuoteTransition(ctx context.Context, quoteID string, to models.QuoteState) (models.Message, error) {
	quote, err := d.store.GetQuote(ctx, quoteID)
	if err != nil {
		if errors.Is(err, repositories.ErrQuoteNotFound) {
			return models.Message{}, err
		}
		return models.Message{}, &TransientStoreError{Op: "load quote", Err: err}
	}
	if !to.Valid() || !models.CanTransition(quote.State, to) {
		return models.Message{}, &InvalidTransitionError{QuoteID: quoteID, From: quote.State, To: to}
	}

	note := quoteMessage(quote.ConversationID, quoteID, to, "Quote "+string(to))
	msg, err := d.store.TransitionQuote(ctx, quoteID, quote.State, to, note)
	if err != nil {
		if errors.Is(err, repositories.ErrQuoteStateConflict) {
			// lost the race to a concurrent delivery
			return models.Message{}, &InvalidTransitionError{QuoteID: quoteID, From: quote.State, To: to}
		}
		return models.Message{}, &TransientStoreError{Op: "transition quote", Err: err}
	}
	observability.IncMessageSent(string(msg.Kind))

	d.fanout.Broadcast(models.ConversationChannel(quote.ConversationID), models.QuoteEvent(quoteID, to, &msg))
	d.publish(ctx, observability.RoutingQuoteStatus, "quote_"+string(to), msg)
	return msg, nil
}

// History returns a page of a conversation's messages, oldest first, with
// seq below beforeSeq.
func (d *Dispatcher) History(ctx context.Context, actor Actor, conversationID, beforeSeq int64, limit int) ([]models.Message, error) {
	if actor.UserID == 0 {
		return nil, &AuthError{Reason: AuthUnauthenticated}
	}
	if conversationID <= 0 {
		return nil, &ValidationError{Reason: ValidationInvalidConversation}
	}
	if err := d.checkParticipant(ctx, conversationID, actor.UserID); err != nil {
		return nil, err
	}

	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	msgs, err := d.store.ListMessages(ctx, conversationID, beforeSeq, limit)
	if err != nil {
		return nil, &TransientStoreError{Op: "list messages", Err: err}
	}
	return msgs, nil
}

// Wait blocks until pending absent-participant notifications finish.
func (d *Dispatcher) Wait() {
	d.notifications.Wait()
}

func (d *Dispatcher) checkParticipant(ctx context.Context, conversationID, userID int64) error {
	ok, err := d.store.IsParticipant(ctx, conversationID, userID)
	if err != nil {
		return &TransientStoreError{Op: "check participant", Err: err}
	}
	if !ok {
		return ErrAccessDenied
	}
	return nil
}

// notifyAbsent sends a notification on the user channel of every other
// participant that has no connection viewing the conversation.
func (d *Dispatcher) notifyAbsent(ctx context.Context, msg models.Message) {
	d.notifications.Add(1)
	go func() {
		defer d.notifications.Done()

		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
		defer cancel()

		participants, err := d.store.ListParticipants(ctx, msg.ConversationID)
		if err != nil {
			d.logger.Warn().Err(err).Int64("conversation_id", msg.ConversationID).Msg("notify absent participants failed")
			return
		}

		ch := models.ConversationChannel(msg.ConversationID)
		evt := models.NotificationEvent(msg)
		for _, userID := range participants {
			if userID == msg.SenderID || d.fanout.IsUserSubscribed(userID, ch) {
				continue
			}
			d.fanout.Broadcast(models.UserChannel(userID), evt)
		}
	}()
}

func (d *Dispatcher) publish(ctx context.Context, routingKey, name string, msg models.Message) {
	payload := map[string]interface{}{
		"message_id":      msg.ID,
		"conversation_id": msg.ConversationID,
		"sender_id":       msg.SenderID,
		"kind":            msg.Kind,
		"seq":             msg.Seq,
	}
	if msg.QuoteID != nil {
		payload["quote_id"] = *msg.QuoteID
	}
	headers := observability.BuildHeaders("", observability.TraceIDFromContext(ctx))
	if err := observability.PublishEvent(context.WithoutCancel(ctx), routingKey, observability.NewEnvelope("chat_events", name, payload), headers); err != nil {
		d.logger.Warn().Err(err).Str("routing_key", routingKey).Msg("domain event publish failed")
	}
}

func quoteMessage(conversationID int64, quoteID string, state models.QuoteState, text string) models.Message {
	kind := models.KindQuoteStatus
	if state == models.QuotePending {
		kind = models.KindQuoteOffer
	}
	return models.Message{
		ConversationID: conversationID,
		SenderID:       models.SystemSenderID,
		Content:        text,
		Kind:           kind,
		QuoteID:        &quoteID,
		QuoteState:     &state,
	}
}

func offerText(q models.Quote) string {
	if q.AmountCents <= 0 {
		return "Quote offered"
	}
	text := fmt.Sprintf("Quote offered: %d.%02d", q.AmountCents/100, q.AmountCents%100)
	if q.Currency != "" {
		text += " " + q.Currency
	}
	return text
}
