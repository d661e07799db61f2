package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Outbound event names.
const (
	EventAuthenticated = "authenticated"
	EventJoined        = "joined"
	EventLeft          = "left"
	EventNewMessage    = "new_message"
	EventNotification  = "notification"
	EventTyping        = "typing"
	EventStopTyping    = "stop_typing"
	EventStatus        = "status"
	EventMessageRead   = "message_read"
	EventQuoteCreated  = "quote_created"
	EventQuoteAccepted = "quote_accepted"
	EventQuoteDeclined = "quote_declined"
	EventQuotePaid     = "quote_paid"
	EventError         = "error"
)

var (
	ErrUnknownEvent   = errors.New("unknown event")
	ErrMalformedEvent = errors.New("malformed event")
)

// Envelope is the frame shape in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// InboundEvent is a decoded client-to-server event. The concrete types below
// are the only ones DecodeInbound produces.
type InboundEvent interface {
	Name() string
}

type Authenticate struct {
	Token string `json:"token"`
}

type Join struct {
	ConversationID int64 `json:"conversationId"`
}

type Leave struct {
	ConversationID int64 `json:"conversationId"`
}

type SendMessage struct {
	ConversationID int64  `json:"conversationId"`
	Content        string `json:"content"`
}

// Typing carries both "typing" and "stopTyping"; Active is set from the event name.
type Typing struct {
	ConversationID int64 `json:"conversationId"`
	Active         bool  `json:"-"`
}

// MarkRead optionally carries the client's read timestamp in unix milliseconds.
type MarkRead struct {
	ConversationID int64 `json:"conversationId"`
	Timestamp      int64 `json:"timestamp,omitempty"`
}

type Heartbeat struct{}

type GetStatus struct {
	UserID int64 `json:"userId"`
}

func (Authenticate) Name() string { return "authenticate" }
func (Join) Name() string         { return "join" }
func (Leave) Name() string        { return "leave" }
func (SendMessage) Name() string  { return "sendMessage" }
func (MarkRead) Name() string     { return "markRead" }
func (Heartbeat) Name() string    { return "heartbeat" }
func (GetStatus) Name() string    { return "getStatus" }

func (t Typing) Name() string {
	if t.Active {
		return "typing"
	}
	return "stopTyping"
}

// DecodeInbound parses a client frame into its typed event.
func DecodeInbound(raw []byte) (InboundEvent, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	switch env.Event {
	case "authenticate":
		return decodeAs[Authenticate](env.Data)
	case "join":
		return decodeAs[Join](env.Data)
	case "leave":
		return decodeAs[Leave](env.Data)
	case "message", "sendMessage":
		return decodeAs[SendMessage](env.Data)
	case "typing", "stopTyping":
		e := Typing{Active: env.Event == "typing"}
		if err := decodeData(env.Data, &e); err != nil {
			return nil, err
		}
		return e, nil
	case "markRead":
		return decodeAs[MarkRead](env.Data)
	case "heartbeat":
		return Heartbeat{}, nil
	case "getStatus":
		return decodeAs[GetStatus](env.Data)
	case "":
		return nil, fmt.Errorf("%w: missing event name", ErrMalformedEvent)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}
}

func decodeAs[T InboundEvent](data json.RawMessage) (InboundEvent, error) {
	var e T
	if err := decodeData(data, &e); err != nil {
		return nil, err
	}
	return e, nil
}

func decodeData(data json.RawMessage, v any) error {
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return nil
}

// OutboundEvent is a server-to-client frame.
type OutboundEvent struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

type AuthenticatedPayload struct {
	UserID int64 `json:"userId"`
}

type MembershipPayload struct {
	ConversationID int64 `json:"conversationId"`
}

type NotificationPayload struct {
	ConversationID int64  `json:"conversationId"`
	MessageID      string `json:"messageId"`
	SenderID       int64  `json:"senderId"`
}

type TypingPayload struct {
	UserID         int64 `json:"userId"`
	ConversationID int64 `json:"conversationId"`
}

type StatusPayload struct {
	UserID     int64          `json:"userId"`
	Status     PresenceStatus `json:"status"`
	LastActive time.Time      `json:"lastActive"`
}

type ReadPayload struct {
	UserID         int64 `json:"userId"`
	ConversationID int64 `json:"conversationId"`
	Timestamp      int64 `json:"timestamp"`
}

type QuotePayload struct {
	QuoteID string     `json:"quoteId"`
	State   QuoteState `json:"state"`
	Message *Message   `json:"message,omitempty"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

func AuthenticatedEvent(userID int64) OutboundEvent {
	return OutboundEvent{Event: EventAuthenticated, Data: AuthenticatedPayload{UserID: userID}}
}

func JoinedEvent(conversationID int64) OutboundEvent {
	return OutboundEvent{Event: EventJoined, Data: MembershipPayload{ConversationID: conversationID}}
}

func LeftEvent(conversationID int64) OutboundEvent {
	return OutboundEvent{Event: EventLeft, Data: MembershipPayload{ConversationID: conversationID}}
}

func NewMessageEvent(msg Message) OutboundEvent {
	return OutboundEvent{Event: EventNewMessage, Data: msg}
}

// NotificationEvent tells a participant without an open conversation view
// that a message arrived, so unread badges can update.
func NotificationEvent(msg Message) OutboundEvent {
	return OutboundEvent{Event: EventNotification, Data: NotificationPayload{
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		SenderID:       msg.SenderID,
	}}
}

func TypingEvent(userID, conversationID int64, active bool) OutboundEvent {
	name := EventStopTyping
	if active {
		name = EventTyping
	}
	return OutboundEvent{Event: name, Data: TypingPayload{UserID: userID, ConversationID: conversationID}}
}

func StatusEvent(p Presence) OutboundEvent {
	return OutboundEvent{Event: EventStatus, Data: StatusPayload{UserID: p.UserID, Status: p.Status, LastActive: p.LastActive}}
}

func ReadEvent(userID, conversationID, timestamp int64) OutboundEvent {
	return OutboundEvent{Event: EventMessageRead, Data: ReadPayload{UserID: userID, ConversationID: conversationID, Timestamp: timestamp}}
}

// QuoteEventName maps a quote state to the event announcing it.
func QuoteEventName(state QuoteState) string {
	switch state {
	case QuoteAccepted:
		return EventQuoteAccepted
	case QuoteDeclined:
		return EventQuoteDeclined
	case QuotePaid:
		return EventQuotePaid
	default:
		return EventQuoteCreated
	}
}

func QuoteEvent(quoteID string, state QuoteState, msg *Message) OutboundEvent {
	return OutboundEvent{Event: QuoteEventName(state), Data: QuotePayload{QuoteID: quoteID, State: state, Message: msg}}
}

func ErrorEvent(code, message string) OutboundEvent {
	return OutboundEvent{Event: EventError, Data: ErrorPayload{Message: message, Code: code}}
}
