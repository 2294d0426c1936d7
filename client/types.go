// Package client is the Go SDK for the messaging service. It bundles a REST
// client for the authoritative conversation state, a reconnecting websocket
// connection for incremental push events, and a Store that merges both into a
// consistent local view.
package client

import "time"

// Conversation mirrors the server's conversation record.
type Conversation struct {
	ID           int       `json:"id"`
	ListingID    *int      `json:"listing_id"`
	ListingTitle *string   `json:"listing_title"`
	User1ID      int       `json:"user1_id"`
	User2ID      int       `json:"user2_id"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// PeerOf returns the other participant.
func (c Conversation) PeerOf(userID int) int {
	if c.User1ID == userID {
		return c.User2ID
	}
	return c.User1ID
}

// Message mirrors the server's message record.
type Message struct {
	ID             int       `json:"id"`
	ConversationID int       `json:"conversation_id"`
	SenderID       int       `json:"sender_id"`
	Content        string    `json:"content"`
	Read           bool      `json:"read"`
	CreatedAt      time.Time `json:"created_at"`
}

// ConversationSummary is one row of the conversation list.
type ConversationSummary struct {
	ConversationID int       `json:"conversation_id"`
	PeerID         int       `json:"peer_id"`
	ListingID      *int      `json:"listing_id"`
	ListingTitle   *string   `json:"listing_title"`
	LastMessage    *Message  `json:"last_message"`
	UnreadCount    int       `json:"unread_count"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ConversationDetail is the authoritative snapshot of a single conversation.
type ConversationDetail struct {
	Conversation Conversation `json:"conversation"`
	Participants []int        `json:"participants"`
	Messages     []Message    `json:"messages"`
	UnreadCount  int          `json:"unread_count"`
}

// ConversationList is the response of the conversation list endpoint.
type ConversationList struct {
	Conversations []ConversationSummary `json:"conversations"`
	UnreadTotal   int                   `json:"unread_total"`
}

// Event is the outbound server frame on the push channel.
type Event struct {
	Type           string   `json:"type"`
	ConversationID int      `json:"conversation_id,omitempty"`
	UserID         int      `json:"user_id,omitempty"`
	IsTyping       bool     `json:"is_typing"`
	Kind           string   `json:"kind,omitempty"`
	Message        *Message `json:"message,omitempty"`
	Reason         string   `json:"reason,omitempty"`
}

// Event types understood on the push channel.
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
