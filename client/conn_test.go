package client

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextDelayGrowsAndCaps(t *testing.T) {
	delay := reconnectBaseDelay
	for i := 0; i < 10; i++ {
		delay = nextDelay(delay)
		assert.Greater(t, delay, time.Duration(0))
		assert.LessOrEqual(t, delay, reconnectMaxDelay)
	}
	// After enough doublings the delay hovers near the cap despite jitter.
	assert.Greater(t, delay, reconnectMaxDelay*3/4)
}

func TestEmitsAreNoOpsWhileDisconnected(t *testing.T) {
	conn := NewConn("ws://localhost:0/ws", "token", nil, nil)

	require.False(t, conn.IsConnected())
	conn.JoinConversation(5)
	conn.LeaveConversation(5)
	conn.SendTyping(5, true)
	conn.SendMarkRead(5)
}

func TestConcurrentEmitsAreSerialized(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	conn := NewConn("ws"+strings.TrimPrefix(srv.URL, "http"), "token", nil, nil)
	conn.Connect()
	defer conn.Disconnect()

	require.Eventually(t, conn.IsConnected, 2*time.Second, 10*time.Millisecond)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				conn.SendTyping(5, true)
				conn.JoinConversation(5)
			}
		}()
	}
	wg.Wait()
}

func TestDisconnectIsIdempotent(t *testing.T) {
	conn := NewConn("ws://localhost:0/ws", "token", nil, nil)

	conn.Disconnect()
	conn.Disconnect()
	require.False(t, conn.IsConnected())
	require.False(t, conn.IsAuthenticated())
}
