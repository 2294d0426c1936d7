package ws

import (
	"sync"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSendDuringCloseNeverPanics(t *testing.T) {
	ch := NewChannel(nil, zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				_ = ch.Send([]byte("payload"))
			}
		}()
	}
	ch.Close(websocket.CloseNormalClosure, "")
	wg.Wait()

	require.Error(t, ch.Send([]byte("payload")))
}

func TestSendAfterCloseReturnsError(t *testing.T) {
	ch := NewChannel(nil, zap.NewNop())
	ch.Close(websocket.CloseNormalClosure, "")

	require.Error(t, ch.Send([]byte("x")))
	require.Error(t, ch.SendEvent(Event{Type: EventNotification}))
}

func TestCloseIsIdempotent(t *testing.T) {
	ch := NewChannel(nil, zap.NewNop())
	ch.Close(websocket.CloseNormalClosure, "")
	ch.Close(websocket.CloseGoingAway, "again")
}
