package client

import (
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// EventHandler receives push events from the connection. Callbacks run on the
// connection's read goroutine.
type EventHandler interface {
	OnAuthenticated()
	OnNewMessage(conversationID int, msg Message)
	OnNotification(kind string, conversationID int, msg *Message)
	OnMessagesRead(conversationID, readerID int)
	OnTyping(conversationID, userID int, isTyping bool)
	OnDisconnected(err error)
}

const (
	reconnectBaseDelay = time.Second
	reconnectMaxDelay  = 30 * time.Second
)

// Conn manages the websocket push channel: it dials, authenticates with the
// bearer token, dispatches events to the handler, and reconnects with
// exponential backoff after unexpected drops. All emit methods are
// fire-and-forget and become no-ops while disconnected.
type Conn struct {
	url     string
	token   string
	handler EventHandler
	logger  *zap.Logger

	mu            sync.Mutex
	ws            *websocket.Conn
	connected     bool
	authenticated bool
	closing       bool
	started       bool

	// gorilla/websocket permits one concurrent writer; writeMu serializes
	// emits from caller goroutines and the run loop.
	writeMu sync.Mutex
}

// NewConn builds a connection manager. Connect must be called to dial.
func NewConn(url, token string, handler EventHandler, logger *zap.Logger) *Conn {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Conn{
		url:     url,
		token:   token,
		handler: handler,
		logger:  logger,
	}
}

// Connect dials the push channel and starts the read loop. Calling it while a
// connection attempt is already running or established is a no-op.
func (c *Conn) Connect() {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.closing = false
	c.mu.Unlock()

	go c.run()
}

// Disconnect tears the connection down and stops reconnecting. Safe to call
// when already disconnected.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	c.closing = true
	c.started = false
	ws := c.ws
	c.ws = nil
	c.connected = false
	c.authenticated = false
	c.mu.Unlock()

	if ws != nil {
		_ = ws.Close()
	}
}

// IsConnected reports whether the socket is open.
func (c *Conn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// IsAuthenticated reports whether the server has confirmed the session.
func (c *Conn) IsAuthenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated
}

// JoinConversation subscribes this connection to a conversation's events.
// No-op while disconnected; the next successful authentication must re-join.
func (c *Conn) JoinConversation(conversationID int) {
	c.emit(EventJoinConversation, map[string]int{"conversation_id": conversationID})
}

// LeaveConversation unsubscribes from a conversation's events.
func (c *Conn) LeaveConversation(conversationID int) {
	c.emit(EventLeaveConversation, map[string]int{"conversation_id": conversationID})
}

// SendTyping emits a typing indicator for the conversation.
func (c *Conn) SendTyping(conversationID int, isTyping bool) {
	c.emit(EventTyping, map[string]interface{}{
		"conversation_id": conversationID,
		"is_typing":       isTyping,
	})
}

// SendMarkRead asks the server to mark the conversation read over the push
// channel. Suppressed until the session is authenticated.
func (c *Conn) SendMarkRead(conversationID int) {
	if !c.IsAuthenticated() {
		return
	}
	c.emit(EventMarkRead, map[string]int{"conversation_id": conversationID})
}

func (c *Conn) emit(eventType string, payload interface{}) {
	c.mu.Lock()
	ws := c.ws
	open := c.connected
	c.mu.Unlock()
	if !open || ws == nil {
		return
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		c.logger.Warn("marshal outbound event failed", zap.String("type", eventType), zap.Error(err))
		return
	}
	frame, _ := json.Marshal(struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload,omitempty"`
	}{Type: eventType, Payload: raw})

	c.writeMu.Lock()
	err = ws.WriteMessage(websocket.TextMessage, frame)
	c.writeMu.Unlock()
	if err != nil {
		c.logger.Warn("websocket write failed", zap.String("type", eventType), zap.Error(err))
	}
}

// run dials in a loop until Disconnect is called, backing off exponentially
// with jitter between attempts.
func (c *Conn) run() {
	delay := reconnectBaseDelay
	for {
		c.mu.Lock()
		if c.closing {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		ws, _, err := websocket.DefaultDialer.Dial(c.url, nil)
		if err != nil {
			c.logger.Warn("websocket dial failed", zap.Error(err))
			if !c.sleep(delay) {
				return
			}
			delay = nextDelay(delay)
			continue
		}
		delay = reconnectBaseDelay

		c.mu.Lock()
		if c.closing {
			c.mu.Unlock()
			_ = ws.Close()
			return
		}
		c.ws = ws
		c.connected = true
		c.mu.Unlock()

		c.emit(EventAuthenticate, map[string]string{"token": c.token})

		err = c.readLoop(ws)

		c.mu.Lock()
		c.ws = nil
		c.connected = false
		c.authenticated = false
		closing := c.closing
		c.mu.Unlock()

		if c.handler != nil {
			c.handler.OnDisconnected(err)
		}
		if closing {
			return
		}
		if !c.sleep(delay) {
			return
		}
		delay = nextDelay(delay)
	}
}

func (c *Conn) readLoop(ws *websocket.Conn) error {
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return err
		}

		var event Event
		if err := json.Unmarshal(raw, &event); err != nil {
			c.logger.Warn("malformed server frame", zap.Error(err))
			continue
		}
		c.dispatch(event)
	}
}

func (c *Conn) dispatch(event Event) {
	switch event.Type {
	case EventAuthenticated:
		c.mu.Lock()
		c.authenticated = true
		c.mu.Unlock()
		if c.handler != nil {
			c.handler.OnAuthenticated()
		}
	case EventNewMessage:
		if c.handler != nil && event.Message != nil {
			c.handler.OnNewMessage(event.ConversationID, *event.Message)
		}
	case EventNotification:
		if c.handler != nil {
			c.handler.OnNotification(event.Kind, event.ConversationID, event.Message)
		}
	case EventMessagesRead:
		if c.handler != nil {
			c.handler.OnMessagesRead(event.ConversationID, event.UserID)
		}
	case EventTyping:
		if c.handler != nil {
			c.handler.OnTyping(event.ConversationID, event.UserID, event.IsTyping)
		}
	case EventError:
		c.logger.Warn("server error event", zap.String("reason", event.Reason))
	default:
		c.logger.Debug("unhandled event type", zap.String("type", event.Type))
	}
}

// sleep waits for the backoff delay, returning false if Disconnect was called.
func (c *Conn) sleep(delay time.Duration) bool {
	time.Sleep(delay)
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closing
}

func nextDelay(current time.Duration) time.Duration {
	next := current * 2
	if next > reconnectMaxDelay {
		next = reconnectMaxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(next) / 4))
	return next - jitter
}
