package stream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func startHub(t *testing.T) (*Hub, context.CancelFunc) {
	t.Helper()
	hub := NewHub(zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(cancel)
	return hub, cancel
}

func TestHubBroadcastsToWebsocketClients(t *testing.T) {
	hub, _ := startHub(t)

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c := NewClient(hub, conn)
		if hub.Register(c) {
			go c.WritePump()
			go c.ReadPump()
		}
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	hub.Broadcast(KindAlert, map[string]string{"id": "system:cpu.usage"})

	var msg Message
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, KindAlert, msg.Type)
	assert.Equal(t, map[string]interface{}{"id": "system:cpu.usage"}, msg.Data)
}

func TestSlowClientIsDisconnected(t *testing.T) {
	hub, _ := startHub(t)

	// клиент без WritePump: буфер никто не читает
	c := &Client{hub: hub, send: make(chan Message, 1), logger: hub.logger}
	require.True(t, hub.Register(c))

	hub.Broadcast(KindSnapshot, 1)
	hub.Broadcast(KindSnapshot, 2)

	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestRegisterAfterStop(t *testing.T) {
	hub, cancel := startHub(t)
	cancel()

	c := &Client{hub: hub, send: make(chan Message, 1), logger: hub.logger}
	require.Eventually(t, func() bool { return !hub.Register(c) }, time.Second, 5*time.Millisecond)
	hub.Unregister(c) // не блокирует
}
