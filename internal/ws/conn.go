package ws

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"marketplace-chat/internal/models"
)

var (
	errConnClosed = errors.New("connection closed")
	errQueueFull  = errors.New("outbound queue full")
)

// socket is the part of *websocket.Conn the writer needs.
type socket interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

type ConnInfo struct {
	ConnID      string
	DeviceID    string
	IP          string
	RequestID   string
	TraceID     string
	ConnectedAt time.Time
}

// Conn is one client socket. All writes go through its queue and a single
// writer goroutine, so frames reach the client in enqueue order.
type Conn struct {
	info ConnInfo
	sock socket

	send       chan []byte
	done       chan struct{}
	writerDone chan struct{}
	closeOnce  sync.Once

	mu           sync.Mutex
	userID       int64
	authFailures int
	closeReason  string
	lastTouch    time.Time

	// guarded by Router.mu
	channels map[models.ChannelID]struct{}
	closed   bool

	// serialises presence hook calls for this connection
	presenceMu      sync.Mutex
	presenceCounted bool

	onWriteError func(*Conn, error)
}

func newConn(sock socket, info ConnInfo, queueSize int) *Conn {
	return &Conn{
		info:       info,
		sock:       sock,
		send:       make(chan []byte, queueSize),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
		channels:   make(map[models.ChannelID]struct{}),
	}
}

func (c *Conn) ID() string {
	return c.info.ConnID
}

func (c *Conn) Info() ConnInfo {
	return c.info
}

// UserID is zero until the connection authenticates.
func (c *Conn) UserID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

func (c *Conn) Authenticated() bool {
	return c.UserID() != 0
}

// Done is closed once the connection starts shutting down.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) CloseReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeReason
}

func (c *Conn) enqueue(payload []byte) error {
	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	select {
	case c.send <- payload:
		return nil
	default:
		return errQueueFull
	}
}

// shutdown stops the writer after it flushes what is already queued. The
// send channel is never closed, so late enqueues cannot panic.
func (c *Conn) shutdown(reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeReason = reason
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *Conn) writeLoop(pingPeriod, writeWait time.Duration) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.sock.Close()
		close(c.writerDone)
	}()

	for {
		select {
		case payload := <-c.send:
			if err := c.write(websocket.TextMessage, payload, writeWait); err != nil {
				c.writeFailed(err)
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil, writeWait); err != nil {
				c.writeFailed(err)
				return
			}
		case <-c.done:
			c.flush(writeWait)
			return
		}
	}
}

func (c *Conn) flush(writeWait time.Duration) {
	for {
		select {
		case payload := <-c.send:
			if err := c.write(websocket.TextMessage, payload, writeWait); err != nil {
				return
			}
		default:
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, c.CloseReason())
			_ = c.write(websocket.CloseMessage, msg, writeWait)
			return
		}
	}
}

func (c *Conn) write(messageType int, data []byte, writeWait time.Duration) error {
	if err := c.sock.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.sock.WriteMessage(messageType, data)
}

func (c *Conn) writeFailed(err error) {
	if c.onWriteError != nil {
		c.onWriteError(c, err)
	}
}

func (c *Conn) bindUser(userID int64) {
	c.mu.Lock()
	c.userID = userID
	c.mu.Unlock()
}

// claimTouch reports whether at least interval has passed since the last
// successful claim, and records now if so.
func (c *Conn) claimTouch(now time.Time, interval time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.lastTouch.IsZero() && now.Sub(c.lastTouch) < interval {
		return false
	}
	c.lastTouch = now
	return true
}

func (c *Conn) recordAuthFailure() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authFailures++
	return c.authFailures
}

// AuthAttemptsExhausted reports whether the connection has used up its
// authentication retries without succeeding.
func (c *Conn) AuthAttemptsExhausted(limit int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID == 0 && c.authFailures >= limit
}
