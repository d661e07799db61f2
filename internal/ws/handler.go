package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"marketplace-chat/internal/chat"
	"marketplace-chat/internal/models"
	"marketplace-chat/internal/observability"
)

const (
	DefaultAuthTimeout = 10 * time.Second
	maxFrameBytes      = 64 << 10
)

// EventHandler runs authenticated chat events. *chat.Dispatcher implements it.
type EventHandler interface {
	Handle(ctx context.Context, actor chat.Actor, evt models.InboundEvent) (*models.OutboundEvent, error)
}

type HandlerConfig struct {
	AuthTimeout time.Duration
}

// Handler upgrades GET /ws requests and runs the read loop for each connection.
type Handler struct {
	router   *Router
	events   EventHandler
	cfg      HandlerConfig
	logger   zerolog.Logger
	upgrader websocket.Upgrader
}

func NewHandler(router *Router, events EventHandler, cfg HandlerConfig, logger zerolog.Logger) *Handler {
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = DefaultAuthTimeout
	}
	return &Handler{
		router: router,
		events: events,
		cfg:    cfg,
		logger: logger.With().Str("component", "ws").Logger(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handle upgrades the connection. A token in the Authorization header or the
// token query parameter authenticates during the handshake; otherwise the
// client must send an authenticate event before AuthTimeout.
func (h *Handler) Handle(c *gin.Context) {
	ctx, span := observability.Tracer("ws").Start(c.Request.Context(), "ws.handshake")

	sock, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "upgrade failed")
		span.End()
		h.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	info := ConnInfo{
		ConnID:      newConnID(),
		DeviceID:    observability.DeviceIDFromRequest(c.Request),
		IP:          observability.IPFromRequest(c.Request),
		RequestID:   observability.RequestIDFromRequest(c.Request),
		TraceID:     span.SpanContext().TraceID().String(),
		ConnectedAt: time.Now(),
	}
	conn := h.router.Register(sock, info)
	span.SetAttributes(attribute.String("ws.conn_id", info.ConnID))

	observability.IncWSEvent("ws_connect", "ok")
	publishLifecycle(ctx, observability.RoutingWSConnect, "ws_connect", conn, "")

	if token := handshakeToken(c); token != "" {
		h.dispatch(ctx, conn, models.Authenticate{Token: token}, time.Now())
	}
	span.End()

	timer := time.AfterFunc(h.cfg.AuthTimeout, func() {
		if !conn.Authenticated() {
			h.router.Disconnect(conn, "authentication timeout")
		}
	})
	defer timer.Stop()

	reason := h.readLoop(context.WithoutCancel(ctx), sock, conn)
	h.router.Disconnect(conn, reason)

	observability.IncWSEvent("ws_disconnect", "ok")
	publishLifecycle(context.WithoutCancel(ctx), observability.RoutingWSDisconnect, "ws_disconnect", conn, conn.CloseReason())
	h.logger.Debug().
		Str("conn_id", info.ConnID).
		Int64("user_id", conn.UserID()).
		Str("reason", conn.CloseReason()).
		Msg("websocket closed")
}

// readLoop reads frames until the socket fails and returns the reason.
func (h *Handler) readLoop(ctx context.Context, sock *websocket.Conn, conn *Conn) string {
	sock.SetReadLimit(maxFrameBytes)
	_ = sock.SetReadDeadline(time.Now().Add(pongWait))
	sock.SetPongHandler(func(string) error {
		h.router.Touch(ctx, conn)
		return sock.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				select {
				case <-conn.Done():
				default:
					observability.IncWSEvent("ws_error", "error")
					publishLifecycle(ctx, observability.RoutingWSError, "ws_error", conn, err.Error())
				}
			}
			return err.Error()
		}
		_ = sock.SetReadDeadline(time.Now().Add(pongWait))
		h.router.Touch(ctx, conn)

		start := time.Now()
		evt, err := models.DecodeInbound(raw)
		if err != nil {
			h.fail(ctx, conn, "decode", chat.DecodeError(err))
			continue
		}
		h.dispatch(ctx, conn, evt, start)
	}
}

func (h *Handler) dispatch(ctx context.Context, conn *Conn, evt models.InboundEvent, start time.Time) {
	name := evt.Name()
	ctx, span := observability.Tracer("ws").Start(ctx, "ws."+name)
	defer span.End()
	defer observability.ObserveDispatch(name, start)

	reply, err := h.route(ctx, conn, evt)
	if err != nil {
		span.RecordError(err)
		h.fail(ctx, conn, name, err)
		return
	}
	observability.IncWSEvent(name, "ok")
	if reply != nil {
		_ = h.router.SendTo(conn, *reply)
	}
}

func (h *Handler) route(ctx context.Context, conn *Conn, evt models.InboundEvent) (*models.OutboundEvent, error) {
	switch e := evt.(type) {
	case models.Authenticate:
		principal, err := h.router.Authenticate(ctx, conn, e.Token)
		if err != nil {
			return nil, err
		}
		reply := models.AuthenticatedEvent(principal.UserID)
		return &reply, nil
	case models.Join:
		if err := h.router.Join(ctx, conn, e.ConversationID); err != nil {
			return nil, err
		}
		reply := models.JoinedEvent(e.ConversationID)
		return &reply, nil
	case models.Leave:
		if !conn.Authenticated() {
			return nil, &chat.AuthError{Reason: chat.AuthUnauthenticated}
		}
		h.router.Leave(conn, e.ConversationID)
		reply := models.LeftEvent(e.ConversationID)
		return &reply, nil
	default:
		if !conn.Authenticated() {
			return nil, &chat.AuthError{Reason: chat.AuthUnauthenticated}
		}
		return h.events.Handle(ctx, chat.Actor{UserID: conn.UserID(), ConnID: conn.ID()}, evt)
	}
}

// fail reports err to the originating connection only.
func (h *Handler) fail(ctx context.Context, conn *Conn, name string, err error) {
	observability.IncWSEvent(name, "error")

	code, _ := chat.WireError(err)
	level := zerolog.DebugLevel
	if code == chat.CodeInternal || code == chat.CodeStoreUnavailable {
		level = zerolog.ErrorLevel
	}
	h.logger.WithLevel(level).Err(err).
		Str("conn_id", conn.ID()).
		Int64("user_id", conn.UserID()).
		Str("event", name).
		Str("trace_id", observability.TraceIDFromContext(ctx)).
		Msg("ws event failed")

	_ = h.router.SendTo(conn, chat.ErrorEvent(err))
	if conn.AuthAttemptsExhausted(MaxAuthAttempts) {
		h.router.Disconnect(conn, "authentication failed")
	}
}
