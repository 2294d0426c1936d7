package repositories

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/Lamiaker/sou9i-sub000/internal/models"
)

// MessageRepository defines interactions with the durable message log.
type MessageRepository interface {
	Create(ctx context.Context, conversationID, senderID int, content string) (models.Message, error)
	ListForConversation(ctx context.Context, conversationID int) ([]models.Message, error)
	MarkRead(ctx context.Context, conversationID, readerID int) (int64, error)
	UnreadCount(ctx context.Context, conversationID, userID int) (int, error)
}

// MessageRepo is a sqlx-backed repository.
type MessageRepo struct {
	db *sqlx.DB
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

// Create stores a message in a conversation.
func (r *MessageRepo) Create(ctx context.Context, conversationID, senderID int, content string) (models.Message, error) {
	var msg models.Message
	err := r.db.QueryRowxContext(ctx, `INSERT INTO messages (conversation_id, sender_id, content)
        VALUES ($1, $2, $3)
        RETURNING id, conversation_id, sender_id, content, "read", created_at`, conversationID, senderID, content).
		StructScan(&msg)
	return msg, err
}

// ListForConversation returns all messages of a conversation, oldest first.
func (r *MessageRepo) ListForConversation(ctx context.Context, conversationID int) ([]models.Message, error) {
	var msgs []models.Message
	err := r.db.SelectContext(ctx, &msgs, `SELECT id, conversation_id, sender_id, content, "read", created_at
        FROM messages
        WHERE conversation_id=$1
        ORDER BY created_at ASC, id ASC`, conversationID)
	return msgs, err
}

// MarkRead flags every unread message sent by the other participant as read
// and returns the number of rows changed.
func (r *MessageRepo) MarkRead(ctx context.Context, conversationID, readerID int) (int64, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE messages SET "read" = TRUE
        WHERE conversation_id=$1 AND sender_id<>$2 AND "read" = FALSE`, conversationID, readerID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// UnreadCount returns how many messages the user has not read yet.
func (r *MessageRepo) UnreadCount(ctx context.Context, conversationID, userID int) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM messages
        WHERE conversation_id=$1 AND sender_id<>$2 AND "read" = FALSE`, conversationID, userID)
	return count, err
}
