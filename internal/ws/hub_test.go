package ws

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Lamiaker/sou9i-sub000/internal/models"
)

func newTestChannel(userID int) *Channel {
	ch := NewChannel(nil, zap.NewNop())
	ch.Authenticate(userID)
	return ch
}

func recvEvent(t *testing.T, ch *Channel) Event {
	t.Helper()
	select {
	case payload := <-ch.send:
		var event Event
		require.NoError(t, json.Unmarshal(payload, &event))
		return event
	default:
		t.Fatal("expected a queued event")
		return Event{}
	}
}

func assertNoEvent(t *testing.T, ch *Channel) {
	t.Helper()
	select {
	case payload := <-ch.send:
		t.Fatalf("unexpected event: %s", payload)
	default:
	}
}

func TestJoinIgnoresUnregisteredChannel(t *testing.T) {
	hub := NewHub(zap.NewNop())
	ch := newTestChannel(1)

	hub.Join(5, ch)

	require.Empty(t, hub.rooms)
}

func TestUnregisterLeavesEveryRoom(t *testing.T) {
	hub := NewHub(zap.NewNop())
	ch := newTestChannel(1)
	hub.Register(ch)
	hub.Join(5, ch)
	hub.Join(6, ch)
	require.Len(t, hub.rooms, 2)

	hub.Unregister(ch)

	require.Empty(t, hub.rooms)
	require.Empty(t, hub.userChannels)
}

func TestBroadcastMessageReachesEveryRoomChannel(t *testing.T) {
	hub := NewHub(zap.NewNop())
	sender := newTestChannel(1)
	peerTab1 := newTestChannel(2)
	peerTab2 := newTestChannel(2)
	for _, ch := range []*Channel{sender, peerTab1, peerTab2} {
		hub.Register(ch)
		hub.Join(5, ch)
	}

	hub.BroadcastMessage(models.Message{ID: 9, ConversationID: 5, SenderID: 1, Content: "hi"})

	for _, ch := range []*Channel{sender, peerTab1, peerTab2} {
		event := recvEvent(t, ch)
		require.Equal(t, EventNewMessage, event.Type)
		require.Equal(t, 5, event.ConversationID)
		require.NotNil(t, event.Message)
		require.Equal(t, 9, event.Message.ID)
	}
}

func TestBroadcastReadExcludesReader(t *testing.T) {
	hub := NewHub(zap.NewNop())
	reader := newTestChannel(1)
	readerTab := newTestChannel(1)
	peer := newTestChannel(2)
	for _, ch := range []*Channel{reader, readerTab, peer} {
		hub.Register(ch)
		hub.Join(5, ch)
	}

	hub.BroadcastRead(5, 1)

	event := recvEvent(t, peer)
	require.Equal(t, EventMessagesRead, event.Type)
	require.Equal(t, 1, event.UserID)
	assertNoEvent(t, reader)
	assertNoEvent(t, readerTab)
}

func TestBroadcastTypingExcludesTypist(t *testing.T) {
	hub := NewHub(zap.NewNop())
	typist := newTestChannel(1)
	peer := newTestChannel(2)
	for _, ch := range []*Channel{typist, peer} {
		hub.Register(ch)
		hub.Join(5, ch)
	}

	hub.BroadcastTyping(5, 1, true)

	event := recvEvent(t, peer)
	require.Equal(t, EventTyping, event.Type)
	require.True(t, event.IsTyping)
	assertNoEvent(t, typist)
}

func TestNotifyUserIgnoresRoomMembership(t *testing.T) {
	hub := NewHub(zap.NewNop())
	tab1 := newTestChannel(2)
	tab2 := newTestChannel(2)
	other := newTestChannel(3)
	for _, ch := range []*Channel{tab1, tab2, other} {
		hub.Register(ch)
	}

	hub.NotifyUser(2, Event{Type: EventNotification, Kind: "new_message", ConversationID: 5})

	for _, ch := range []*Channel{tab1, tab2} {
		event := recvEvent(t, ch)
		require.Equal(t, EventNotification, event.Type)
		require.Equal(t, "new_message", event.Kind)
	}
	assertNoEvent(t, other)
}
