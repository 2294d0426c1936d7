package ws

import (
	"sync"

	"go.uber.org/zap"

	"github.com/Lamiaker/sou9i-sub000/internal/models"
	"github.com/Lamiaker/sou9i-sub000/internal/observability"
)

// Hub is the single owner of room membership. Rooms are ephemeral: joining
// requires a registered (authenticated) channel, and unregistering a channel
// synchronously removes it from every room it belonged to. Membership is
// never persisted and never survives a disconnect.
type Hub struct {
	mu           sync.RWMutex
	rooms        map[int]map[*Channel]struct{}
	userChannels map[int]map[*Channel]struct{}
	channelRooms map[*Channel]map[int]struct{}
	logger       *zap.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		rooms:        make(map[int]map[*Channel]struct{}),
		userChannels: make(map[int]map[*Channel]struct{}),
		channelRooms: make(map[*Channel]map[int]struct{}),
		logger:       logger,
	}
}

// Register tracks an authenticated channel under its session identity.
func (h *Hub) Register(ch *Channel) {
	userID := ch.UserID()
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.userChannels[userID]; !ok {
		h.userChannels[userID] = make(map[*Channel]struct{})
	}
	h.userChannels[userID][ch] = struct{}{}
	if _, ok := h.channelRooms[ch]; !ok {
		h.channelRooms[ch] = make(map[int]struct{})
	}
}

// Unregister removes a channel from its identity mapping and from every room
// it joined. Safe to call for unknown channels.
func (h *Hub) Unregister(ch *Channel) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conversationID := range h.channelRooms[ch] {
		h.leaveLocked(conversationID, ch)
	}
	delete(h.channelRooms, ch)

	userID := ch.UserID()
	if channels, ok := h.userChannels[userID]; ok {
		delete(channels, ch)
		if len(channels) == 0 {
			delete(h.userChannels, userID)
		}
	}
}

// Join adds the channel to the conversation room. Idempotent; ignored for
// channels that were never registered, which keeps the invariant that room
// membership implies a live authenticated channel.
func (h *Hub) Join(conversationID int, ch *Channel) {
	h.mu.Lock()
	defer h.mu.Unlock()
	memberships, ok := h.channelRooms[ch]
	if !ok {
		return
	}

	room := h.rooms[conversationID]
	if room == nil {
		room = make(map[*Channel]struct{})
		h.rooms[conversationID] = room
	}
	room[ch] = struct{}{}
	memberships[conversationID] = struct{}{}
}

// Leave removes the channel from the conversation room.
func (h *Hub) Leave(conversationID int, ch *Channel) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(conversationID, ch)
}

func (h *Hub) leaveLocked(conversationID int, ch *Channel) {
	if room, ok := h.rooms[conversationID]; ok {
		delete(room, ch)
		if len(room) == 0 {
			delete(h.rooms, conversationID)
		}
	}
	if memberships, ok := h.channelRooms[ch]; ok {
		delete(memberships, conversationID)
	}
}

// BroadcastMessage delivers a persisted message to every channel in the
// conversation's room, including the sender's other channels. The sender's
// active channel already holds the message from the synchronous API response;
// clients deduplicate by id.
func (h *Hub) BroadcastMessage(msg models.Message) {
	h.broadcast(msg.ConversationID, Event{
		Type:           EventNewMessage,
		ConversationID: msg.ConversationID,
		Message:        &msg,
	}, 0)
}

// BroadcastRead tells the room that readerID has read the conversation. The
// reader's own channels are excluded so their unread totals are not
// double-counted.
func (h *Hub) BroadcastRead(conversationID, readerID int) {
	h.broadcast(conversationID, Event{
		Type:           EventMessagesRead,
		ConversationID: conversationID,
		UserID:         readerID,
	}, readerID)
}

// BroadcastTyping forwards a typing indicator to the room, excluding the
// typist's own channels.
func (h *Hub) BroadcastTyping(conversationID, userID int, isTyping bool) {
	h.broadcast(conversationID, Event{
		Type:           EventTyping,
		ConversationID: conversationID,
		UserID:         userID,
		IsTyping:       isTyping,
	}, userID)
}

// NotifyUser delivers an event to every channel of an identity, regardless of
// room membership. Used for cross-conversation updates such as new-message
// notifications.
func (h *Hub) NotifyUser(userID int, event Event) {
	h.mu.RLock()
	targets := make([]*Channel, 0, len(h.userChannels[userID]))
	for ch := range h.userChannels[userID] {
		targets = append(targets, ch)
	}
	h.mu.RUnlock()

	h.deliver(targets, event)
}

// broadcast sends an event to every channel in the room. excludeUserID of 0
// excludes nobody. Delivery is best-effort: a failing channel is dropped and
// never blocks the others.
func (h *Hub) broadcast(conversationID int, event Event, excludeUserID int) {
	h.mu.RLock()
	targets := make([]*Channel, 0, len(h.rooms[conversationID]))
	for ch := range h.rooms[conversationID] {
		if excludeUserID != 0 && ch.UserID() == excludeUserID {
			continue
		}
		targets = append(targets, ch)
	}
	h.mu.RUnlock()

	h.deliver(targets, event)
}

func (h *Hub) deliver(targets []*Channel, event Event) {
	if len(targets) == 0 {
		return
	}
	payload, err := marshalEvent(event)
	if err != nil {
		h.logger.Error("marshal event failed", zap.String("type", event.Type), zap.Error(err))
		return
	}
	for _, ch := range targets {
		if err := ch.Send(payload); err != nil {
			h.logger.Warn("websocket delivery failed",
				zap.String("channel_id", ch.ID),
				zap.String("type", event.Type),
				zap.Error(err))
			observability.IncBroadcastDrop()
			h.Unregister(ch)
		}
	}
}
