package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"github.com/Lamiaker/sou9i-sub000/internal/models"
)

var ErrConversationNotFound = errors.New("conversation not found")

// ConversationRepository abstracts conversation persistence.
type ConversationRepository interface {
	FindOrCreate(ctx context.Context, userID, recipientID int, listingTitle string, listingID *int) (models.Conversation, error)
	Get(ctx context.Context, conversationID int) (models.Conversation, error)
	IsParticipant(ctx context.Context, conversationID, userID int) (bool, error)
	ListForUser(ctx context.Context, userID int) ([]models.ConversationSummary, error)
	Touch(ctx context.Context, conversationID int) error
}

// ConversationRepo is a sqlx implementation of ConversationRepository.
type ConversationRepo struct {
	db *sqlx.DB
}

// NewConversationRepo constructs a ConversationRepo.
func NewConversationRepo(db *sqlx.DB) *ConversationRepo {
	return &ConversationRepo{db: db}
}

// FindOrCreate returns the conversation between two users for a listing
// reference, creating it lazily when none exists.
func (r *ConversationRepo) FindOrCreate(ctx context.Context, userID, recipientID int, listingTitle string, listingID *int) (models.Conversation, error) {
	if userID == recipientID {
		return models.Conversation{}, errors.New("cannot start a conversation with yourself")
	}
	user1, user2 := userID, recipientID
	if user1 > user2 {
		user1, user2 = user2, user1
	}

	var conv models.Conversation
	query := `SELECT id, listing_id, listing_title, user1_id, user2_id, created_at, updated_at
        FROM conversations
        WHERE user1_id=$1 AND user2_id=$2 AND listing_id IS NOT DISTINCT FROM $3`
	err := r.db.GetContext(ctx, &conv, query, user1, user2, listingID)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, err
	}

	var title *string
	if listingTitle != "" {
		title = &listingTitle
	}
	insert := `INSERT INTO conversations (listing_id, listing_title, user1_id, user2_id)
        VALUES ($1, $2, $3, $4)
        ON CONFLICT DO NOTHING
        RETURNING id, listing_id, listing_title, user1_id, user2_id, created_at, updated_at`
	err = r.db.QueryRowxContext(ctx, insert, listingID, title, user1, user2).StructScan(&conv)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, err
	}

	// Lost a concurrent insert for the same pair and listing; the winner's
	// row exists now.
	err = r.db.GetContext(ctx, &conv, query, user1, user2, listingID)
	return conv, err
}

// Get fetches a conversation by id.
func (r *ConversationRepo) Get(ctx context.Context, conversationID int) (models.Conversation, error) {
	var conv models.Conversation
	err := r.db.GetContext(ctx, &conv, `SELECT id, listing_id, listing_title, user1_id, user2_id, created_at, updated_at
        FROM conversations WHERE id=$1`, conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, ErrConversationNotFound
	}
	return conv, err
}

// IsParticipant checks whether a user belongs to the conversation.
func (r *ConversationRepo) IsParticipant(ctx context.Context, conversationID, userID int) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM conversations WHERE id=$1 AND (user1_id=$2 OR user2_id=$2))`, conversationID, userID)
	return exists, err
}

// ListForUser returns the user's conversations ordered by recency, each with
// its last message and the user's unread count.
func (r *ConversationRepo) ListForUser(ctx context.Context, userID int) ([]models.ConversationSummary, error) {
	query := `SELECT c.id, c.listing_id, c.listing_title, c.user1_id, c.user2_id, c.updated_at,
            (SELECT COUNT(*) FROM messages m WHERE m.conversation_id = c.id AND m.sender_id <> $1 AND m."read" = FALSE) AS unread_count,
            lm.id, lm.sender_id, lm.content, lm."read", lm.created_at
        FROM conversations c
        LEFT JOIN LATERAL (
            SELECT id, sender_id, content, "read", created_at
            FROM messages
            WHERE conversation_id = c.id
            ORDER BY created_at DESC, id DESC
            LIMIT 1
        ) lm ON TRUE
        WHERE c.user1_id = $1 OR c.user2_id = $1
        ORDER BY c.updated_at DESC`
	rows, err := r.db.QueryxContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []models.ConversationSummary
	for rows.Next() {
		var (
			conv      models.Conversation
			unread    int
			lmID      sql.NullInt64
			lmSender  sql.NullInt64
			lmContent sql.NullString
			lmRead    sql.NullBool
			lmCreated sql.NullTime
		)
		if err := rows.Scan(&conv.ID, &conv.ListingID, &conv.ListingTitle, &conv.User1ID, &conv.User2ID, &conv.UpdatedAt,
			&unread, &lmID, &lmSender, &lmContent, &lmRead, &lmCreated); err != nil {
			return nil, err
		}

		summary := models.ConversationSummary{
			ConversationID: conv.ID,
			PeerID:         conv.PeerOf(userID),
			ListingID:      conv.ListingID,
			ListingTitle:   conv.ListingTitle,
			UnreadCount:    unread,
			UpdatedAt:      conv.UpdatedAt,
		}
		if lmID.Valid {
			summary.LastMessage = &models.Message{
				ID:             int(lmID.Int64),
				ConversationID: conv.ID,
				SenderID:       int(lmSender.Int64),
				Content:        lmContent.String,
				Read:           lmRead.Bool,
				CreatedAt:      lmCreated.Time,
			}
		}
		result = append(result, summary)
	}
	return result, rows.Err()
}

// Touch bumps the conversation's updated_at so list ordering follows activity.
func (r *ConversationRepo) Touch(ctx context.Context, conversationID int) error {
	_, err := r.db.ExecContext(ctx, `UPDATE conversations SET updated_at = NOW() WHERE id=$1`, conversationID)
	return err
}
