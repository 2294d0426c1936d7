package ws

import (
	"encoding/json"

	"github.com/Lamiaker/sou9i-sub000/internal/models"
)

// Event types shared by both directions of the push channel.
const (
	EventAuthenticate      = "authenticate"
	EventAuthenticated     = "authenticated"
	EventJoinConversation  = "join_conversation"
	EventLeaveConversation = "leave_conversation"
	EventNewMessage        = "new_message"
	EventTyping            = "typing"
	EventMarkRead          = "mark_read"
	EventMessagesRead      = "messages_read"
	EventNotification      = "notification"
	EventError             = "error"
)

// Envelope is the inbound wire format.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type AuthenticatePayload struct {
	Token string `json:"token"`
}

type JoinPayload struct {
	ConversationID int `json:"conversation_id"`
}

type TypingPayload struct {
	ConversationID int  `json:"conversation_id"`
	IsTyping       bool `json:"is_typing"`
}

type MarkReadPayload struct {
	ConversationID int `json:"conversation_id"`
}

func marshalEvent(event Event) ([]byte, error) {
	return json.Marshal(event)
}

// Event is the outbound wire format, broadcast through the hub.
type Event struct {
	Type           string          `json:"type"`
	ConversationID int             `json:"conversation_id,omitempty"`
	UserID         int             `json:"user_id,omitempty"`
	IsTyping       bool            `json:"is_typing"`
	Kind           string          `json:"kind,omitempty"`
	Message        *models.Message `json:"message,omitempty"`
	Reason         string          `json:"reason,omitempty"`
}
