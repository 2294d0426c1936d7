package client

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAPI struct {
	mu            sync.Mutex
	details       map[int]ConversationDetail
	list          ConversationList
	markReadCalls []int
	createCalls   int
	nextMessageID int
	getGate       map[int]chan struct{}
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		details:       make(map[int]ConversationDetail),
		nextMessageID: 100,
		getGate:       make(map[int]chan struct{}),
	}
}

func (f *fakeAPI) ListConversations(ctx context.Context) (ConversationList, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.list, nil
}

func (f *fakeAPI) StartConversation(ctx context.Context, recipientID int, listingID *int, listingTitle string) (Conversation, error) {
	return Conversation{ID: 1, User1ID: 1, User2ID: recipientID, UpdatedAt: time.Now()}, nil
}

func (f *fakeAPI) GetConversation(ctx context.Context, conversationID int) (ConversationDetail, error) {
	f.mu.Lock()
	gate := f.getGate[conversationID]
	detail := f.details[conversationID]
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return detail, nil
}

func (f *fakeAPI) CreateMessage(ctx context.Context, conversationID int, content string) (Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	f.nextMessageID++
	return Message{
		ID:             f.nextMessageID,
		ConversationID: conversationID,
		SenderID:       1,
		Content:        content,
		CreatedAt:      time.Now(),
	}, nil
}

func (f *fakeAPI) MarkRead(ctx context.Context, conversationID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markReadCalls = append(f.markReadCalls, conversationID)
	return nil
}

type fakeConn struct {
	mu        sync.Mutex
	joins     []int
	leaves    []int
	markReads []int
}

func (f *fakeConn) JoinConversation(conversationID int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joins = append(f.joins, conversationID)
}

func (f *fakeConn) LeaveConversation(conversationID int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leaves = append(f.leaves, conversationID)
}

func (f *fakeConn) SendTyping(conversationID int, isTyping bool) {}

func (f *fakeConn) SendMarkRead(conversationID int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markReads = append(f.markReads, conversationID)
}

func newTestStore(api *fakeAPI, conn *fakeConn) *Store {
	return NewStore(api, conn, 1, nil)
}

func TestPushDuplicateOfSnapshotIsDropped(t *testing.T) {
	api := newFakeAPI()
	api.details[5] = ConversationDetail{
		Conversation: Conversation{ID: 5, User1ID: 1, User2ID: 2},
		Messages:     []Message{{ID: 7, ConversationID: 5, SenderID: 2, Content: "hi"}},
	}
	store := newTestStore(api, &fakeConn{})

	require.NoError(t, store.SelectConversation(context.Background(), 5))
	store.OnNewMessage(5, Message{ID: 7, ConversationID: 5, SenderID: 2, Content: "hi"})

	require.Len(t, store.Messages(), 1)
}

func TestPushAfterSnapshotAppends(t *testing.T) {
	api := newFakeAPI()
	api.details[5] = ConversationDetail{
		Conversation: Conversation{ID: 5, User1ID: 1, User2ID: 2},
		Messages:     []Message{{ID: 7, ConversationID: 5, SenderID: 2}},
	}
	store := newTestStore(api, &fakeConn{})

	require.NoError(t, store.SelectConversation(context.Background(), 5))
	store.OnNewMessage(5, Message{ID: 8, ConversationID: 5, SenderID: 2})

	msgs := store.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, 8, msgs[1].ID)
}

func TestSendMessageMergesWithLaterPush(t *testing.T) {
	api := newFakeAPI()
	api.details[5] = ConversationDetail{Conversation: Conversation{ID: 5, User1ID: 1, User2ID: 2}}
	store := newTestStore(api, &fakeConn{})
	require.NoError(t, store.SelectConversation(context.Background(), 5))

	require.True(t, store.SendMessage(context.Background(), "hello"))
	msgs := store.Messages()
	require.Len(t, msgs, 1)

	// The room echo of the same persisted message must not duplicate it.
	store.OnNewMessage(5, msgs[0])
	require.Len(t, store.Messages(), 1)
}

func TestStaleFetchDiscarded(t *testing.T) {
	api := newFakeAPI()
	api.details[5] = ConversationDetail{
		Conversation: Conversation{ID: 5, User1ID: 1, User2ID: 2},
		Messages:     []Message{{ID: 1, ConversationID: 5}},
	}
	api.details[6] = ConversationDetail{
		Conversation: Conversation{ID: 6, User1ID: 1, User2ID: 3},
		Messages:     []Message{{ID: 2, ConversationID: 6}},
	}
	gate := make(chan struct{})
	api.getGate[5] = gate
	store := newTestStore(api, &fakeConn{})

	done := make(chan struct{})
	go func() {
		_ = store.SelectConversation(context.Background(), 5)
		close(done)
	}()
	// Let the slow fetch start, then supersede it.
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, store.SelectConversation(context.Background(), 6))
	close(gate)
	<-done

	assert.Equal(t, 6, store.SelectedConversation())
	msgs := store.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, 2, msgs[0].ID)
}

func TestSelectMarksReadWhenUnread(t *testing.T) {
	api := newFakeAPI()
	api.details[5] = ConversationDetail{
		Conversation: Conversation{ID: 5, User1ID: 1, User2ID: 2},
		UnreadCount:  3,
	}
	conn := &fakeConn{}
	store := newTestStore(api, conn)

	require.NoError(t, store.SelectConversation(context.Background(), 5))

	assert.Equal(t, []int{5}, api.markReadCalls)
	assert.Equal(t, []int{5}, conn.joins)
}

func TestSelectSkipsMarkReadWhenNothingUnread(t *testing.T) {
	api := newFakeAPI()
	api.details[5] = ConversationDetail{Conversation: Conversation{ID: 5, User1ID: 1, User2ID: 2}}
	store := newTestStore(api, &fakeConn{})

	require.NoError(t, store.SelectConversation(context.Background(), 5))

	assert.Empty(t, api.markReadCalls)
}

func TestNotificationBumpsUnreadAndResorts(t *testing.T) {
	api := newFakeAPI()
	base := time.Now()
	api.list = ConversationList{Conversations: []ConversationSummary{
		{ConversationID: 5, PeerID: 2, UpdatedAt: base},
		{ConversationID: 6, PeerID: 3, UpdatedAt: base.Add(-time.Hour)},
	}}
	store := newTestStore(api, &fakeConn{})
	require.NoError(t, store.Refresh(context.Background()))

	store.OnNotification("new_message", 6, &Message{
		ID: 9, ConversationID: 6, SenderID: 3, Content: "ping", CreatedAt: base.Add(time.Minute),
	})

	list := store.Conversations()
	require.Len(t, list, 2)
	assert.Equal(t, 6, list[0].ConversationID)
	assert.Equal(t, 1, list[0].UnreadCount)
	assert.Equal(t, 1, store.UnreadTotal())
}

func TestNotificationForOpenConversationDoesNotBumpUnread(t *testing.T) {
	api := newFakeAPI()
	api.list = ConversationList{Conversations: []ConversationSummary{{ConversationID: 5, PeerID: 2, UpdatedAt: time.Now()}}}
	api.details[5] = ConversationDetail{Conversation: Conversation{ID: 5, User1ID: 1, User2ID: 2}}
	store := newTestStore(api, &fakeConn{})
	require.NoError(t, store.Refresh(context.Background()))
	require.NoError(t, store.SelectConversation(context.Background(), 5))

	store.OnNotification("new_message", 5, &Message{ID: 9, ConversationID: 5, SenderID: 2, CreatedAt: time.Now()})

	assert.Equal(t, 0, store.UnreadTotal())
}

func TestNotificationForOwnMessageDoesNotBumpUnread(t *testing.T) {
	api := newFakeAPI()
	api.list = ConversationList{Conversations: []ConversationSummary{{ConversationID: 5, PeerID: 2, UpdatedAt: time.Now()}}}
	store := newTestStore(api, &fakeConn{})
	require.NoError(t, store.Refresh(context.Background()))

	// Another tab of the same user sent this message.
	store.OnNotification("new_message", 5, &Message{ID: 9, ConversationID: 5, SenderID: 1, CreatedAt: time.Now()})

	assert.Equal(t, 0, store.UnreadTotal())
}

func TestMessagesReadFlipsOwnMessagesOnly(t *testing.T) {
	api := newFakeAPI()
	api.details[5] = ConversationDetail{
		Conversation: Conversation{ID: 5, User1ID: 1, User2ID: 2},
		Messages: []Message{
			{ID: 1, ConversationID: 5, SenderID: 1},
			{ID: 2, ConversationID: 5, SenderID: 2},
		},
	}
	store := newTestStore(api, &fakeConn{})
	require.NoError(t, store.SelectConversation(context.Background(), 5))

	store.OnMessagesRead(5, 2)

	msgs := store.Messages()
	assert.True(t, msgs[0].Read)
	assert.False(t, msgs[1].Read)
}

func TestMessagesReadFromSelfIgnored(t *testing.T) {
	api := newFakeAPI()
	api.details[5] = ConversationDetail{
		Conversation: Conversation{ID: 5, User1ID: 1, User2ID: 2},
		Messages:     []Message{{ID: 1, ConversationID: 5, SenderID: 1}},
	}
	store := newTestStore(api, &fakeConn{})
	require.NoError(t, store.SelectConversation(context.Background(), 5))

	store.OnMessagesRead(5, 1)

	assert.False(t, store.Messages()[0].Read)
}

func TestPeerMessageWhileOpenTriggersMarkRead(t *testing.T) {
	api := newFakeAPI()
	api.details[5] = ConversationDetail{Conversation: Conversation{ID: 5, User1ID: 1, User2ID: 2}}
	conn := &fakeConn{}
	store := newTestStore(api, conn)
	require.NoError(t, store.SelectConversation(context.Background(), 5))

	store.OnNewMessage(5, Message{ID: 9, ConversationID: 5, SenderID: 2})

	assert.Equal(t, []int{5}, conn.markReads)
}

func TestSendMessageValidation(t *testing.T) {
	api := newFakeAPI()
	store := newTestStore(api, &fakeConn{})

	assert.False(t, store.SendMessage(context.Background(), "   "))
	assert.False(t, store.SendMessage(context.Background(), "no conversation open"))
	assert.Zero(t, api.createCalls)
}

func TestReauthenticationRejoinsOpenConversation(t *testing.T) {
	api := newFakeAPI()
	api.details[5] = ConversationDetail{Conversation: Conversation{ID: 5, User1ID: 1, User2ID: 2}}
	conn := &fakeConn{}
	store := newTestStore(api, conn)
	require.NoError(t, store.SelectConversation(context.Background(), 5))

	store.OnAuthenticated()

	assert.Equal(t, []int{5, 5}, conn.joins)
}

func TestSelectingNewConversationLeavesPrevious(t *testing.T) {
	api := newFakeAPI()
	api.details[5] = ConversationDetail{Conversation: Conversation{ID: 5, User1ID: 1, User2ID: 2}}
	api.details[6] = ConversationDetail{Conversation: Conversation{ID: 6, User1ID: 1, User2ID: 3}}
	conn := &fakeConn{}
	store := newTestStore(api, conn)

	require.NoError(t, store.SelectConversation(context.Background(), 5))
	require.NoError(t, store.SelectConversation(context.Background(), 6))

	assert.Equal(t, []int{5}, conn.leaves)
	assert.Equal(t, []int{5, 6}, conn.joins)
}
