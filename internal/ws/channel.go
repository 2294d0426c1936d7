package ws

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 64
)

// Channel wraps a single live socket and coordinates outbound writes via a
// buffered channel. A session may hold several channels (tabs, devices);
// every one of them is a distinct Channel.
type Channel struct {
	ID string

	mu            sync.Mutex
	userID        int
	authenticated bool

	conn   *websocket.Conn
	send   chan []byte
	once   sync.Once
	closed chan struct{}
	logger *zap.Logger
}

// NewChannel constructs a Channel for a not-yet-authenticated socket.
func NewChannel(conn *websocket.Conn, logger *zap.Logger) *Channel {
	return &Channel{
		ID:     uuid.NewString(),
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		closed: make(chan struct{}),
		logger: logger,
	}
}

// Authenticate binds the channel to a session identity.
func (c *Channel) Authenticate(userID int) {
	c.mu.Lock()
	c.userID = userID
	c.authenticated = true
	c.mu.Unlock()
}

// UserID returns the bound identity, 0 before authentication.
func (c *Channel) UserID() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// Authenticated reports whether the authentication handshake completed.
func (c *Channel) Authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated
}

// Start launches the write loop. It must be called exactly once per channel.
func (c *Channel) Start() {
	go c.writeLoop()
}

// Send enqueues payload for delivery. If the client is slow and the buffer is
// full the channel is closed to keep backpressure bounded. Safe to call
// concurrently with Close; a closed channel only ever returns an error.
func (c *Channel) Send(payload []byte) error {
	select {
	case <-c.closed:
		return errors.New("channel closed")
	default:
	}
	select {
	case <-c.closed:
		return errors.New("channel closed")
	case c.send <- payload:
		return nil
	default:
		c.Close(websocket.CloseGoingAway, "send buffer full")
		return errors.New("channel buffer exceeded")
	}
}

// SendEvent marshals and enqueues an event.
func (c *Channel) SendEvent(event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return c.Send(payload)
}

// Close terminates the channel and stops the write loop. The send buffer is
// never closed so that concurrent senders cannot hit a closed channel; it is
// simply abandoned once closed is signalled.
func (c *Channel) Close(code int, reason string) {
	c.once.Do(func() {
		close(c.closed)
		if c.conn != nil {
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
			_ = c.conn.Close()
		}
	})
}

func (c *Channel) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case msg := <-c.send:
			if err := c.writeMessage(msg); err != nil {
				c.logger.Debug("websocket write failed", zap.String("channel_id", c.ID), zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := c.writePing(); err != nil {
				return
			}
		}
	}
}

func (c *Channel) writeMessage(payload []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *Channel) writePing() error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.PingMessage, nil)
}
