package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/Lamiaker/sou9i-sub000/internal/auth"
	"github.com/Lamiaker/sou9i-sub000/internal/observability"
	"github.com/Lamiaker/sou9i-sub000/internal/repositories"
)

// Handler owns the websocket endpoint. Every socket starts unauthenticated;
// the first useful inbound event is authenticate, after which the channel is
// registered with the hub and may join conversation rooms.
type Handler struct {
	hub      *Hub
	convRepo repositories.ConversationRepository
	msgRepo  repositories.MessageRepository
	tokens   *auth.TokenService
	logger   *zap.Logger
}

// NewHandler constructs a Handler.
func NewHandler(hub *Hub, convRepo repositories.ConversationRepository, msgRepo repositories.MessageRepository, tokens *auth.TokenService, logger *zap.Logger) *Handler {
	return &Handler{hub: hub, convRepo: convRepo, msgRepo: msgRepo, tokens: tokens, logger: logger}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handle upgrades the connection and runs the channel's read loop.
func (h *Handler) Handle(c *gin.Context) {
	ctx, span := otel.Tracer("messaging/ws").Start(c.Request.Context(), "ws.handshake")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	ch := NewChannel(conn, h.logger)
	ch.Start()

	info := ConnInfo{
		ConnID:      ch.ID,
		DeviceID:    observability.DeviceID(c.Request),
		IP:          observability.ClientIP(c.Request),
		RequestID:   observability.RequestID(c.Request),
		TraceID:     span.SpanContext().TraceID().String(),
		ConnectedAt: time.Now(),
	}

	observability.IncWSActive()
	observability.IncWSEvent("ws_connect")
	h.publishConnEvent(ctx, "ws_connect", info, ch, "")

	go h.readLoop(ch, conn, info)
}

func (h *Handler) readLoop(ch *Channel, conn *websocket.Conn, info ConnInfo) {
	// The handshake request context dies with the HTTP handler; the
	// connection outlives it.
	ctx := context.Background()

	var closeReason string
	defer func() {
		h.hub.Unregister(ch)
		ch.Close(websocket.CloseNormalClosure, "")
		observability.DecWSActive()
		observability.IncWSEvent("ws_disconnect")
		h.publishConnEvent(ctx, "ws_disconnect", info, ch, closeReason)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			closeReason = err.Error()
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				observability.IncWSEvent("ws_error")
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			h.logger.Debug("malformed envelope", zap.String("channel_id", ch.ID), zap.Error(err))
			continue
		}
		h.dispatch(ctx, ch, env)
	}
}

func (h *Handler) dispatch(ctx context.Context, ch *Channel, env Envelope) {
	switch env.Type {
	case EventAuthenticate:
		h.handleAuthenticate(ch, env.Payload)

	case EventJoinConversation:
		// Joins before authentication are a silent no-op; the client
		// re-issues the join once authenticated.
		if !ch.Authenticated() {
			return
		}
		var p JoinPayload
		if json.Unmarshal(env.Payload, &p) != nil {
			return
		}
		member, err := h.convRepo.IsParticipant(ctx, p.ConversationID, ch.UserID())
		if err != nil || !member {
			_ = ch.SendEvent(Event{Type: EventError, Reason: "not a participant"})
			return
		}
		h.hub.Join(p.ConversationID, ch)
		observability.IncWSEvent("join_conversation")

	case EventLeaveConversation:
		var p JoinPayload
		if json.Unmarshal(env.Payload, &p) != nil {
			return
		}
		h.hub.Leave(p.ConversationID, ch)
		observability.IncWSEvent("leave_conversation")

	case EventTyping:
		if !ch.Authenticated() {
			return
		}
		var p TypingPayload
		if json.Unmarshal(env.Payload, &p) != nil {
			return
		}
		h.hub.BroadcastTyping(p.ConversationID, ch.UserID(), p.IsTyping)

	case EventMarkRead:
		if !ch.Authenticated() {
			return
		}
		var p MarkReadPayload
		if json.Unmarshal(env.Payload, &p) != nil {
			return
		}
		h.handleMarkRead(ctx, ch, p.ConversationID)

	default:
		h.logger.Debug("unknown event type", zap.String("type", env.Type))
	}
}

func (h *Handler) handleAuthenticate(ch *Channel, payload json.RawMessage) {
	var p AuthenticatePayload
	if json.Unmarshal(payload, &p) != nil {
		_ = ch.SendEvent(Event{Type: EventError, Reason: "authentication failed"})
		return
	}
	userID, err := h.tokens.Validate(p.Token)
	if err != nil {
		// The socket stays open but unauthenticated; data events from it
		// are dropped until a successful authenticate.
		observability.IncWSEvent("auth_failed")
		_ = ch.SendEvent(Event{Type: EventError, Reason: "authentication failed"})
		return
	}

	ch.Authenticate(userID)
	h.hub.Register(ch)
	observability.IncWSEvent("authenticated")
	_ = ch.SendEvent(Event{Type: EventAuthenticated, UserID: userID})
}

func (h *Handler) handleMarkRead(ctx context.Context, ch *Channel, conversationID int) {
	member, err := h.convRepo.IsParticipant(ctx, conversationID, ch.UserID())
	if err != nil || !member {
		return
	}
	count, err := h.msgRepo.MarkRead(ctx, conversationID, ch.UserID())
	if err != nil {
		h.logger.Error("mark read failed",
			zap.Int("conversation_id", conversationID),
			zap.Int("user_id", ch.UserID()),
			zap.Error(err))
		return
	}
	if count == 0 {
		return
	}

	// Persisted before any broadcast; the push is best-effort.
	h.hub.BroadcastRead(conversationID, ch.UserID())
	observability.IncWSEvent("messages_read")
	_ = observability.PublishEvent(ctx, "messaging.messages_read", observability.EventEnvelope{
		EventType: "messaging",
		EventName: "messages_read",
		Payload: map[string]interface{}{
			"conversation_id": conversationID,
			"reader_id":       ch.UserID(),
			"count":           count,
		},
	}, nil)
}

func (h *Handler) publishConnEvent(ctx context.Context, name string, info ConnInfo, ch *Channel, reason string) {
	_ = observability.PublishEvent(ctx, "ws_events.messaging", observability.EventEnvelope{
		EventType: "ws_events",
		EventName: name,
		Payload: map[string]interface{}{
			"ws": map[string]interface{}{
				"event":       name,
				"conn_id":     info.ConnID,
				"duration_ms": time.Since(info.ConnectedAt).Milliseconds(),
				"reason":      reason,
			},
			"identity": map[string]interface{}{
				"user_id":   ch.UserID(),
				"device_id": info.DeviceID,
				"ip":        info.IP,
			},
		},
	}, observability.BuildHeaders(info.RequestID, info.TraceID))
}
