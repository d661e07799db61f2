package observability

import "time"

// Routing keys on the chat events exchange.
const (
	RoutingWSConnect    = "ws_events.connect"
	RoutingWSDisconnect = "ws_events.disconnect"
	RoutingWSError      = "ws_events.error"
	RoutingMessageSent  = "chat_events.message_sent"
	RoutingQuoteStatus  = "chat_events.quote_status"
)

type EventEnvelope struct {
	EventType  string      `json:"event_type"`
	EventName  string      `json:"event_name"`
	OccurredAt string      `json:"occurred_at"`
	Payload    interface{} `json:"payload"`
}

// NewEnvelope stamps an envelope with the current time.
func NewEnvelope(eventType, eventName string, payload interface{}) EventEnvelope {
	return EventEnvelope{
		EventType:  eventType,
		EventName:  eventName,
		OccurredAt: time.Now().UTC().Format(time.RFC3339Nano),
		Payload:    payload,
	}
}

// WSConnectionPayload describes a websocket lifecycle event.
type WSConnectionPayload struct {
	ConnID   string `json:"conn_id"`
	UserID   int64  `json:"user_id,omitempty"`
	IP       string `json:"ip,omitempty"`
	DeviceID string `json:"device_id,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

func BuildHeaders(requestID, traceID string) map[string]string {
	headers := map[string]string{}
	if requestID != "" {
		headers["x-request-id"] = requestID
	}
	if traceID != "" {
		headers["trace_id"] = traceID
	}
	return headers
}
