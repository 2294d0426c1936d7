package models

import "time"

// Conversation is a private thread between exactly two users, optionally tied
// to a marketplace listing. The participant pair is immutable after creation.
type Conversation struct {
	ID           int       `db:"id" json:"id"`
	ListingID    *int      `db:"listing_id" json:"listing_id,omitempty"`
	ListingTitle *string   `db:"listing_title" json:"listing_title,omitempty"`
	User1ID      int       `db:"user1_id" json:"user1_id"`
	User2ID      int       `db:"user2_id" json:"user2_id"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// HasParticipant reports whether the user belongs to the conversation.
func (c Conversation) HasParticipant(userID int) bool {
	return c.User1ID == userID || c.User2ID == userID
}

// PeerOf returns the other participant's id.
func (c Conversation) PeerOf(userID int) int {
	if c.User1ID == userID {
		return c.User2ID
	}
	return c.User1ID
}

// ConversationSummary is the per-user list view of a conversation.
type ConversationSummary struct {
	ConversationID int       `json:"conversation_id"`
	PeerID         int       `json:"peer_id"`
	ListingID      *int      `json:"listing_id,omitempty"`
	ListingTitle   *string   `json:"listing_title,omitempty"`
	LastMessage    *Message  `json:"last_message,omitempty"`
	UnreadCount    int       `json:"unread_count"`
	UpdatedAt      time.Time `json:"updated_at"`
}
