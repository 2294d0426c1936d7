package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/Lamiaker/sou9i-sub000/internal/models"
	"github.com/Lamiaker/sou9i-sub000/internal/observability"
	"github.com/Lamiaker/sou9i-sub000/internal/ratelimit"
	"github.com/Lamiaker/sou9i-sub000/internal/repositories"
	"github.com/Lamiaker/sou9i-sub000/internal/telemetry"
	"github.com/Lamiaker/sou9i-sub000/internal/ws"
)

// ConversationHandler manages the conversation REST endpoints. Writes follow
// persist-then-broadcast: the hub is only invoked after the repository call
// succeeds, and a failed broadcast never fails the response.
type ConversationHandler struct {
	convRepo repositories.ConversationRepository
	msgRepo  repositories.MessageRepository
	hub      *ws.Hub
	limiter  ratelimit.Limiter
	audit    *telemetry.AuditEmitter
	logger   *zap.Logger
}

// NewConversationHandler builds a ConversationHandler.
func NewConversationHandler(convRepo repositories.ConversationRepository, msgRepo repositories.MessageRepository, hub *ws.Hub, limiter ratelimit.Limiter, audit *telemetry.AuditEmitter, logger *zap.Logger) *ConversationHandler {
	return &ConversationHandler{
		convRepo: convRepo,
		msgRepo:  msgRepo,
		hub:      hub,
		limiter:  limiter,
		audit:    audit,
		logger:   logger,
	}
}

// ListConversations returns the user's conversations ordered by recency.
func (h *ConversationHandler) ListConversations(c *gin.Context) {
	userID := c.GetInt("userID")

	summaries, err := h.convRepo.ListForUser(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("list conversations failed", zap.Int("user_id", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load conversations"})
		return
	}

	unreadTotal := 0
	for _, s := range summaries {
		unreadTotal += s.UnreadCount
	}
	if summaries == nil {
		summaries = []models.ConversationSummary{}
	}

	c.JSON(http.StatusOK, gin.H{"conversations": summaries, "unread_total": unreadTotal})
}

// StartConversation finds or lazily creates the conversation between the
// caller and a recipient for a listing reference.
func (h *ConversationHandler) StartConversation(c *gin.Context) {
	var req struct {
		RecipientID  int    `json:"recipient_id" binding:"required"`
		ListingID    *int   `json:"listing_id"`
		ListingTitle string `json:"listing_title"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	userID := c.GetInt("userID")
	if userID == req.RecipientID {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot start a conversation with yourself"})
		return
	}

	conv, err := h.convRepo.FindOrCreate(c.Request.Context(), userID, req.RecipientID, req.ListingTitle, req.ListingID)
	if err != nil {
		h.logger.Error("find or create conversation failed", zap.Int("user_id", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not start conversation"})
		return
	}

	h.audit.Emit(c.Request.Context(), "INFO",
		fmt.Sprintf("conversation %d between %d and %d", conv.ID, conv.User1ID, conv.User2ID),
		requestIDFromContext(c), userIDFromContext(c))

	c.JSON(http.StatusOK, conv)
}

// GetConversation returns the authoritative snapshot: participants, full
// message history and the caller's unread count.
func (h *ConversationHandler) GetConversation(c *gin.Context) {
	conversationID, ok := parseConversationID(c)
	if !ok {
		return
	}

	userID := c.GetInt("userID")
	conv, err := h.convRepo.Get(c.Request.Context(), conversationID)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, repositories.ErrConversationNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": "conversation not found"})
		return
	}
	if !conv.HasParticipant(userID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a participant"})
		return
	}

	msgs, err := h.msgRepo.ListForConversation(c.Request.Context(), conversationID)
	if err != nil {
		h.logger.Error("list messages failed", zap.Int("conversation_id", conversationID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load messages"})
		return
	}
	unread, err := h.msgRepo.UnreadCount(c.Request.Context(), conversationID, userID)
	if err != nil {
		h.logger.Error("unread count failed", zap.Int("conversation_id", conversationID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load messages"})
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}

	c.JSON(http.StatusOK, gin.H{
		"conversation": conv,
		"participants": []int{conv.User1ID, conv.User2ID},
		"messages":     msgs,
		"unread_count": unread,
	})
}

// PostMessage stores a message, then broadcasts it to the room and notifies
// the recipient's channels.
func (h *ConversationHandler) PostMessage(c *gin.Context) {
	conversationID, ok := parseConversationID(c)
	if !ok {
		return
	}

	userID := c.GetInt("userID")
	conv, err := h.convRepo.Get(c.Request.Context(), conversationID)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, repositories.ErrConversationNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": "conversation not found"})
		return
	}
	if !conv.HasParticipant(userID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a participant"})
		return
	}

	var req struct {
		Content string `json:"content" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "content is empty"})
		return
	}

	if !h.limiter.Allow(c.Request.Context(), userID) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many messages"})
		return
	}

	msg, err := h.msgRepo.Create(c.Request.Context(), conversationID, userID, req.Content)
	if err != nil {
		h.logger.Error("store message failed", zap.Int("conversation_id", conversationID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store message"})
		return
	}
	observability.IncMessageCreated()

	if err := h.convRepo.Touch(c.Request.Context(), conversationID); err != nil {
		h.logger.Warn("touch conversation failed", zap.Int("conversation_id", conversationID), zap.Error(err))
	}

	// The write is durable; everything below is best-effort fan-out.
	h.hub.BroadcastMessage(msg)
	recipient := conv.PeerOf(userID)
	h.hub.NotifyUser(recipient, ws.Event{
		Type:           ws.EventNotification,
		Kind:           "new_message",
		ConversationID: conversationID,
		Message:        &msg,
	})

	traceID := trace.SpanFromContext(c.Request.Context()).SpanContext().TraceID().String()
	_ = observability.PublishEvent(c.Request.Context(), "messaging.message_created", observability.EventEnvelope{
		EventType: "messaging",
		EventName: "message_created",
		Payload: map[string]interface{}{
			"message_id":      msg.ID,
			"conversation_id": conversationID,
			"sender_id":       userID,
			"recipient_id":    recipient,
		},
	}, observability.BuildHeaders(requestIDFromContext(c), traceID))

	c.JSON(http.StatusCreated, msg)
}

// MarkRead flips the other participant's messages to read and broadcasts a
// read event only when something actually changed.
func (h *ConversationHandler) MarkRead(c *gin.Context) {
	conversationID, ok := parseConversationID(c)
	if !ok {
		return
	}

	userID := c.GetInt("userID")
	conv, err := h.convRepo.Get(c.Request.Context(), conversationID)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, repositories.ErrConversationNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": "conversation not found"})
		return
	}
	if !conv.HasParticipant(userID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a participant"})
		return
	}

	count, err := h.msgRepo.MarkRead(c.Request.Context(), conversationID, userID)
	if err != nil {
		h.logger.Error("mark read failed", zap.Int("conversation_id", conversationID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not mark read"})
		return
	}

	if count > 0 {
		h.hub.BroadcastRead(conversationID, userID)
		_ = observability.PublishEvent(c.Request.Context(), "messaging.messages_read", observability.EventEnvelope{
			EventType: "messaging",
			EventName: "messages_read",
			Payload: map[string]interface{}{
				"conversation_id": conversationID,
				"reader_id":       userID,
				"count":           count,
			},
		}, nil)
	}

	c.JSON(http.StatusOK, gin.H{"updated": count})
}

func parseConversationID(c *gin.Context) (int, bool) {
	conversationID, err := strconv.Atoi(c.Param("conversation_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversation id"})
		return 0, false
	}
	return conversationID, true
}
