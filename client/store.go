package client

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ConversationAPI is the REST surface the store consumes.
type ConversationAPI interface {
	ListConversations(ctx context.Context) (ConversationList, error)
	StartConversation(ctx context.Context, recipientID int, listingID *int, listingTitle string) (Conversation, error)
	GetConversation(ctx context.Context, conversationID int) (ConversationDetail, error)
	CreateMessage(ctx context.Context, conversationID int, content string) (Message, error)
	MarkRead(ctx context.Context, conversationID int) error
}

// PushConn is the websocket surface the store consumes.
type PushConn interface {
	JoinConversation(conversationID int)
	LeaveConversation(conversationID int)
	SendTyping(conversationID int, isTyping bool)
	SendMarkRead(conversationID int)
}

// Store reconciles REST snapshots with push events into one consistent local
// view. REST responses are authoritative; push events are merged
// idempotently by message id, so replaying or racing the two sources always
// converges to the same state.
type Store struct {
	api    ConversationAPI
	conn   PushConn
	userID int
	logger *zap.Logger

	// TypingFunc, when set, is invoked for typing indicators in the
	// selected conversation.
	TypingFunc func(userID int, isTyping bool)

	mu        sync.Mutex
	summaries []ConversationSummary
	selected  int
	detail    *ConversationDetail
	fetchSeq  uint64
}

// NewStore builds a store for the given local identity.
func NewStore(api ConversationAPI, conn PushConn, userID int, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		api:    api,
		conn:   conn,
		userID: userID,
		logger: logger,
	}
}

// Refresh replaces the conversation list with the server's snapshot.
func (s *Store) Refresh(ctx context.Context) error {
	list, err := s.api.ListConversations(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.summaries = list.Conversations
	s.sortSummariesLocked()
	s.mu.Unlock()
	return nil
}

// SelectConversation makes a conversation the open one: it leaves the
// previous room, fetches the authoritative snapshot, replaces the local
// messages with it, joins the room, and marks the conversation read when
// unread messages exist. A select that is superseded by a newer one before
// its fetch returns is discarded.
func (s *Store) SelectConversation(ctx context.Context, conversationID int) error {
	s.mu.Lock()
	if s.selected != 0 && s.selected != conversationID {
		s.conn.LeaveConversation(s.selected)
	}
	s.selected = conversationID
	s.fetchSeq++
	seq := s.fetchSeq
	s.mu.Unlock()

	detail, err := s.api.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.fetchSeq != seq {
		// A newer selection is in flight; this snapshot is stale.
		s.mu.Unlock()
		return nil
	}
	s.detail = &detail
	s.setUnreadLocked(conversationID, 0)
	unread := detail.UnreadCount
	s.mu.Unlock()

	s.conn.JoinConversation(conversationID)
	if unread > 0 {
		if err := s.api.MarkRead(ctx, conversationID); err != nil {
			s.logger.Warn("mark read failed", zap.Int("conversation_id", conversationID), zap.Error(err))
		}
	}
	return nil
}

// CloseConversation leaves the open conversation's room and drops its detail.
func (s *Store) CloseConversation() {
	s.mu.Lock()
	selected := s.selected
	s.selected = 0
	s.detail = nil
	s.fetchSeq++
	s.mu.Unlock()

	if selected != 0 {
		s.conn.LeaveConversation(selected)
	}
}

// StartConversation creates or reuses the conversation with a recipient and
// selects it.
func (s *Store) StartConversation(ctx context.Context, recipientID int, listingID *int, listingTitle string) (int, error) {
	conv, err := s.api.StartConversation(ctx, recipientID, listingID, listingTitle)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	s.upsertSummaryLocked(ConversationSummary{
		ConversationID: conv.ID,
		PeerID:         conv.PeerOf(s.userID),
		ListingID:      conv.ListingID,
		ListingTitle:   conv.ListingTitle,
		UpdatedAt:      conv.UpdatedAt,
	})
	s.mu.Unlock()

	if err := s.SelectConversation(ctx, conv.ID); err != nil {
		return conv.ID, err
	}
	return conv.ID, nil
}

// SendMessage posts a message to the open conversation. Returns false without
// calling the server when the content is blank or no conversation is open.
func (s *Store) SendMessage(ctx context.Context, content string) bool {
	if strings.TrimSpace(content) == "" {
		return false
	}
	s.mu.Lock()
	conversationID := s.selected
	s.mu.Unlock()
	if conversationID == 0 {
		return false
	}

	msg, err := s.api.CreateMessage(ctx, conversationID, content)
	if err != nil {
		s.logger.Error("send message failed", zap.Int("conversation_id", conversationID), zap.Error(err))
		return false
	}

	s.mu.Lock()
	s.mergeMessageLocked(msg)
	s.touchSummaryLocked(conversationID, &msg)
	s.mu.Unlock()
	return true
}

// MarkAsRead marks the conversation read on the server and zeroes the local
// unread counter.
func (s *Store) MarkAsRead(ctx context.Context, conversationID int) error {
	if err := s.api.MarkRead(ctx, conversationID); err != nil {
		return err
	}
	s.mu.Lock()
	s.setUnreadLocked(conversationID, 0)
	s.mu.Unlock()
	return nil
}

// SendTyping forwards a typing indicator for the open conversation.
func (s *Store) SendTyping(isTyping bool) {
	s.mu.Lock()
	conversationID := s.selected
	s.mu.Unlock()
	if conversationID != 0 {
		s.conn.SendTyping(conversationID, isTyping)
	}
}

// Conversations returns a copy of the summary list, most recent first.
func (s *Store) Conversations() []ConversationSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ConversationSummary, len(s.summaries))
	copy(out, s.summaries)
	return out
}

// Messages returns a copy of the open conversation's messages.
func (s *Store) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.detail == nil {
		return nil
	}
	out := make([]Message, len(s.detail.Messages))
	copy(out, s.detail.Messages)
	return out
}

// SelectedConversation returns the open conversation id, 0 when none.
func (s *Store) SelectedConversation() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selected
}

// UnreadTotal sums the unread counters across all conversations.
func (s *Store) UnreadTotal() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, sum := range s.summaries {
		total += sum.UnreadCount
	}
	return total
}

// OnAuthenticated re-joins the open conversation's room. Server-side
// membership does not survive a disconnect, so this is the only place a
// room is re-entered after a reconnect.
func (s *Store) OnAuthenticated() {
	s.mu.Lock()
	selected := s.selected
	s.mu.Unlock()
	if selected != 0 {
		s.conn.JoinConversation(selected)
	}
}

// OnNewMessage merges a pushed message into the open conversation. Duplicates
// of messages already obtained via REST are dropped by id. A peer message
// arriving while its conversation is open is immediately marked read.
func (s *Store) OnNewMessage(conversationID int, msg Message) {
	s.mu.Lock()
	open := s.selected == conversationID && s.detail != nil
	if open {
		s.mergeMessageLocked(msg)
	}
	s.touchSummaryLocked(conversationID, &msg)
	fromPeer := msg.SenderID != s.userID
	s.mu.Unlock()

	if open && fromPeer {
		s.conn.SendMarkRead(conversationID)
	}
}

// OnNotification updates the conversation list for cross-conversation events.
// The unread counter only grows for peer messages in conversations that are
// not currently open.
func (s *Store) OnNotification(kind string, conversationID int, msg *Message) {
	if kind != "new_message" || msg == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.touchSummaryLocked(conversationID, msg)
	if msg.SenderID != s.userID && s.selected != conversationID {
		s.bumpUnreadLocked(conversationID)
	}
}

// OnMessagesRead flips the local user's sent messages to read when the peer
// reads the open conversation.
func (s *Store) OnMessagesRead(conversationID, readerID int) {
	if readerID == s.userID {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.selected != conversationID || s.detail == nil {
		return
	}
	for i := range s.detail.Messages {
		if s.detail.Messages[i].SenderID == s.userID {
			s.detail.Messages[i].Read = true
		}
	}
}

// OnTyping forwards typing indicators for the open conversation.
func (s *Store) OnTyping(conversationID, userID int, isTyping bool) {
	s.mu.Lock()
	open := s.selected == conversationID
	fn := s.TypingFunc
	s.mu.Unlock()

	if open && fn != nil {
		fn(userID, isTyping)
	}
}

// OnDisconnected is informational; the next REST snapshot reconciles any
// events missed while offline.
func (s *Store) OnDisconnected(err error) {
	if err != nil {
		s.logger.Warn("push channel dropped", zap.Error(err))
	}
}

// mergeMessageLocked appends the message unless one with the same id already
// exists.
func (s *Store) mergeMessageLocked(msg Message) {
	if s.detail == nil {
		return
	}
	for _, existing := range s.detail.Messages {
		if existing.ID == msg.ID {
			return
		}
	}
	s.detail.Messages = append(s.detail.Messages, msg)
}

func (s *Store) upsertSummaryLocked(summary ConversationSummary) {
	for i := range s.summaries {
		if s.summaries[i].ConversationID == summary.ConversationID {
			return
		}
	}
	s.summaries = append(s.summaries, summary)
	s.sortSummariesLocked()
}

// touchSummaryLocked refreshes a conversation's last message and recency,
// creating the summary row when the conversation is new to this client.
func (s *Store) touchSummaryLocked(conversationID int, msg *Message) {
	now := time.Now()
	if msg != nil {
		now = msg.CreatedAt
	}
	for i := range s.summaries {
		if s.summaries[i].ConversationID == conversationID {
			if msg != nil {
				s.summaries[i].LastMessage = msg
			}
			s.summaries[i].UpdatedAt = now
			s.sortSummariesLocked()
			return
		}
	}

	summary := ConversationSummary{
		ConversationID: conversationID,
		LastMessage:    msg,
		UpdatedAt:      now,
	}
	if msg != nil && msg.SenderID != s.userID {
		summary.PeerID = msg.SenderID
	}
	s.summaries = append(s.summaries, summary)
	s.sortSummariesLocked()
}

func (s *Store) bumpUnreadLocked(conversationID int) {
	for i := range s.summaries {
		if s.summaries[i].ConversationID == conversationID {
			s.summaries[i].UnreadCount++
			return
		}
	}
}

func (s *Store) setUnreadLocked(conversationID, count int) {
	for i := range s.summaries {
		if s.summaries[i].ConversationID == conversationID {
			s.summaries[i].UnreadCount = count
			return
		}
	}
}

func (s *Store) sortSummariesLocked() {
	sort.SliceStable(s.summaries, func(i, j int) bool {
		return s.summaries[i].UpdatedAt.After(s.summaries[j].UpdatedAt)
	})
}
