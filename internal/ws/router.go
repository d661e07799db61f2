package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"marketplace-chat/internal/auth"
	"marketplace-chat/internal/chat"
	"marketplace-chat/internal/models"
	"marketplace-chat/internal/observability"
	"marketplace-chat/internal/telemetry"
)

const (
	MaxAuthAttempts   = 2
	OutboundQueueSize = 256

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	touchInterval = 5 * time.Second
)

// MembershipChecker answers whether a user may join a conversation.
type MembershipChecker interface {
	IsParticipant(ctx context.Context, conversationID int64, userID int64) (bool, error)
}

// PresenceHook is told when a user gains or loses an authenticated connection
// and when an open connection shows signs of life.
type PresenceHook interface {
	Connected(ctx context.Context, userID int64)
	Disconnected(ctx context.Context, userID int64)
	Heartbeat(ctx context.Context, userID int64)
}

type RouterConfig struct {
	QueueSize  int
	PingPeriod time.Duration
	WriteWait  time.Duration
}

type channel struct {
	mu     sync.RWMutex
	sendMu sync.Mutex
	subs   map[string]*Conn
}

// Router maintains connections and their channel subscriptions and fans
// events out to subscribers.
type Router struct {
	mu       sync.RWMutex
	channels map[models.ChannelID]*channel
	conns    map[string]*Conn
	presence PresenceHook

	verifier auth.Verifier
	members  MembershipChecker
	audit    *telemetry.AuditEmitter
	cfg      RouterConfig
	logger   zerolog.Logger
}

// NewRouter creates an empty router. audit may be nil.
func NewRouter(verifier auth.Verifier, members MembershipChecker, audit *telemetry.AuditEmitter, cfg RouterConfig, logger zerolog.Logger) *Router {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = OutboundQueueSize
	}
	if cfg.PingPeriod <= 0 {
		cfg.PingPeriod = pingPeriod
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = writeWait
	}
	return &Router{
		channels: make(map[models.ChannelID]*channel),
		conns:    make(map[string]*Conn),
		verifier: verifier,
		members:  members,
		audit:    audit,
		cfg:      cfg,
		logger:   logger.With().Str("component", "router").Logger(),
	}
}

// SetPresence installs the presence hook. The tracker needs the router to
// broadcast, so it is wired after construction.
func (r *Router) SetPresence(hook PresenceHook) {
	r.mu.Lock()
	r.presence = hook
	r.mu.Unlock()
}

// Register wraps a socket in a Conn and starts its writer.
func (r *Router) Register(sock socket, info ConnInfo) *Conn {
	if info.ConnectedAt.IsZero() {
		info.ConnectedAt = time.Now()
	}
	c := newConn(sock, info, r.cfg.QueueSize)
	c.onWriteError = func(c *Conn, err error) {
		observability.IncBroadcastDropped("write_error")
		r.publishWSError(c, err)
		r.Disconnect(c, "write error: "+err.Error())
	}

	r.mu.Lock()
	r.conns[c.ID()] = c
	r.mu.Unlock()

	observability.IncWSActive()
	go c.writeLoop(r.cfg.PingPeriod, r.cfg.WriteWait)
	return c
}

// Authenticate verifies token and binds the connection to its user. A
// connection keeps its first identity; a token for another user is
// rejected.
func (r *Router) Authenticate(ctx context.Context, c *Conn, token string) (auth.Principal, error) {
	principal, err := r.verifier.Verify(ctx, token)
	if err != nil {
		authErr := toAuthError(err)
		if !c.Authenticated() {
			c.recordAuthFailure()
		}
		r.audit.Emit(ctx, "warn", "ws authentication failed: "+string(authErr.Reason), c.info.RequestID, c.UserID())
		return auth.Principal{}, authErr
	}

	c.presenceMu.Lock()
	defer c.presenceMu.Unlock()

	switch current := c.UserID(); current {
	case principal.UserID:
		return principal, nil
	case 0:
	default:
		r.audit.Emit(ctx, "warn", "ws re-authentication as a different user", c.info.RequestID, current)
		return auth.Principal{}, &chat.AuthError{Reason: chat.AuthInvalidToken}
	}

	// the user is bound only once the user channel subscription holds
	if err := r.subscribe(c, models.UserChannel(principal.UserID)); err != nil {
		return auth.Principal{}, err
	}
	c.bindUser(principal.UserID)

	r.mu.RLock()
	hook := r.presence
	r.mu.RUnlock()
	if hook != nil {
		hook.Connected(ctx, principal.UserID)
		c.presenceCounted = true
	}
	return principal, nil
}

// Touch refreshes the presence of the connection's user after a pong or an
// inbound frame. Calls closer together than touchInterval are dropped.
func (r *Router) Touch(ctx context.Context, c *Conn) {
	userID := c.UserID()
	if userID == 0 {
		return
	}
	select {
	case <-c.Done():
		return
	default:
	}
	if !c.claimTouch(time.Now(), touchInterval) {
		return
	}
	r.mu.RLock()
	hook := r.presence
	r.mu.RUnlock()
	if hook != nil {
		hook.Heartbeat(ctx, userID)
	}
}

// Join subscribes the connection to a conversation channel after checking
// the user participates. Non-participants and unknown conversations get the
// same ErrAccessDenied.
func (r *Router) Join(ctx context.Context, c *Conn, conversationID int64) error {
	userID := c.UserID()
	if userID == 0 {
		return &chat.AuthError{Reason: chat.AuthUnauthenticated}
	}
	if conversationID <= 0 {
		return &chat.ValidationError{Reason: chat.ValidationInvalidConversation}
	}

	ok, err := r.members.IsParticipant(ctx, conversationID, userID)
	if err != nil {
		return &chat.TransientStoreError{Op: "check participant", Err: err}
	}
	if !ok {
		r.audit.Emit(ctx, "warn", "ws join denied", c.info.RequestID, userID)
		return chat.ErrAccessDenied
	}
	return r.subscribe(c, models.ConversationChannel(conversationID))
}

// Leave unsubscribes the connection from a conversation channel.
func (r *Router) Leave(c *Conn, conversationID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unsubscribeLocked(c, models.ConversationChannel(conversationID))
}

func (r *Router) subscribe(c *Conn, id models.ChannelID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.closed {
		return errConnClosed
	}

	ch, ok := r.channels[id]
	if !ok {
		ch = &channel{subs: make(map[string]*Conn)}
		r.channels[id] = ch
	}
	ch.mu.Lock()
	ch.subs[c.ID()] = c
	ch.mu.Unlock()
	c.channels[id] = struct{}{}
	return nil
}

func (r *Router) unsubscribeLocked(c *Conn, id models.ChannelID) {
	delete(c.channels, id)
	ch, ok := r.channels[id]
	if !ok {
		return
	}
	ch.mu.Lock()
	delete(ch.subs, c.ID())
	empty := len(ch.subs) == 0
	ch.mu.Unlock()
	if empty {
		delete(r.channels, id)
	}
}

// Broadcast sends evt to every subscriber of the channel and returns how many
// received it.
func (r *Router) Broadcast(id models.ChannelID, evt models.OutboundEvent) int {
	return r.broadcast(id, evt, func(*Conn) bool { return false })
}

// BroadcastExcept skips one connection.
func (r *Router) BroadcastExcept(id models.ChannelID, evt models.OutboundEvent, exceptConnID string) int {
	return r.broadcast(id, evt, func(c *Conn) bool { return c.ID() == exceptConnID })
}

// BroadcastExceptUser skips every connection of one user.
func (r *Router) BroadcastExceptUser(id models.ChannelID, evt models.OutboundEvent, userID int64) int {
	return r.broadcast(id, evt, func(c *Conn) bool { return c.UserID() == userID })
}

func (r *Router) broadcast(id models.ChannelID, evt models.OutboundEvent, skip func(*Conn) bool) int {
	payload, err := json.Marshal(evt)
	if err != nil {
		r.logger.Error().Err(err).Str("event", evt.Event).Msg("marshal outbound event")
		return 0
	}

	r.mu.RLock()
	ch := r.channels[id]
	r.mu.RUnlock()
	if ch == nil {
		return 0
	}

	ch.sendMu.Lock()
	ch.mu.RLock()
	delivered := 0
	var slow []*Conn
	for _, c := range ch.subs {
		if skip(c) {
			continue
		}
		switch err := c.enqueue(payload); {
		case err == nil:
			delivered++
		case errors.Is(err, errQueueFull):
			slow = append(slow, c)
		}
	}
	ch.mu.RUnlock()
	ch.sendMu.Unlock()

	observability.AddBroadcastDeliveries(delivered)
	for _, c := range slow {
		observability.IncBroadcastDropped("queue_full")
		r.logger.Warn().Str("conn_id", c.ID()).Int64("user_id", c.UserID()).Msg("dropping slow subscriber")
		// callers may hold presence locks; never disconnect inline
		go r.Disconnect(c, "outbound queue full")
	}
	return delivered
}

// SendTo replies to a single connection.
func (r *Router) SendTo(c *Conn, evt models.OutboundEvent) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	err = c.enqueue(payload)
	if errors.Is(err, errQueueFull) {
		observability.IncBroadcastDropped("queue_full")
		go r.Disconnect(c, "outbound queue full")
	}
	return err
}

// IsConnSubscribed reports whether the connection is subscribed to the channel.
func (r *Router) IsConnSubscribed(connID string, id models.ChannelID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[connID]
	if !ok {
		return false
	}
	_, ok = c.channels[id]
	return ok
}

// IsUserSubscribed reports whether any connection of the user is subscribed
// to the channel.
func (r *Router) IsUserSubscribed(userID int64, id models.ChannelID) bool {
	r.mu.RLock()
	ch := r.channels[id]
	r.mu.RUnlock()
	if ch == nil {
		return false
	}
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	for _, c := range ch.subs {
		if c.UserID() == userID {
			return true
		}
	}
	return false
}

// Disconnect removes every subscription of the connection and closes it.
// Calling it again is a no-op.
func (r *Router) Disconnect(c *Conn, reason string) {
	r.mu.Lock()
	if c.closed {
		r.mu.Unlock()
		return
	}
	c.closed = true
	delete(r.conns, c.ID())
	for id := range c.channels {
		r.unsubscribeLocked(c, id)
	}
	hook := r.presence
	r.mu.Unlock()

	c.shutdown(reason)
	observability.DecWSActive()

	c.presenceMu.Lock()
	if c.presenceCounted && hook != nil {
		hook.Disconnected(context.Background(), c.UserID())
		c.presenceCounted = false
	}
	c.presenceMu.Unlock()
}

type RouterStats struct {
	Connections   int `json:"connections"`
	Authenticated int `json:"authenticated"`
	Channels      int `json:"channels"`
}

func (r *Router) Stats() RouterStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stats := RouterStats{Connections: len(r.conns), Channels: len(r.channels)}
	for _, c := range r.conns {
		if c.Authenticated() {
			stats.Authenticated++
		}
	}
	return stats
}

// Close disconnects every connection.
func (r *Router) Close() {
	r.mu.RLock()
	conns := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	for _, c := range conns {
		r.Disconnect(c, "server shutdown")
	}
}

func (r *Router) publishWSError(c *Conn, err error) {
	observability.IncWSEvent("ws_error", "error")
	publishLifecycle(context.Background(), observability.RoutingWSError, "ws_error", c, err.Error())
}

func toAuthError(err error) *chat.AuthError {
	switch {
	case errors.Is(err, auth.ErrExpiredToken):
		return &chat.AuthError{Reason: chat.AuthExpired}
	case errors.Is(err, auth.ErrNoPrincipal):
		return &chat.AuthError{Reason: chat.AuthNoPrincipal}
	default:
		return &chat.AuthError{Reason: chat.AuthInvalidToken}
	}
}
