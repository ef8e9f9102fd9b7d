package handlers

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialStream(t *testing.T, hub *StreamHub) *websocket.Conn {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/stream", hub.Handle)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) StreamMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg StreamMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestStreamHubLocal(t *testing.T) {
	hub, err := NewStreamHub(nil, nil)
	require.NoError(t, err)
	defer hub.Stop()
	conn := dialStream(t, hub)

	hub.Publish("cycle.phase", map[string]string{"phase": "ingest"})
	msg := readMessage(t, conn)
	assert.Equal(t, "cycle.phase", msg.Type)
	assert.JSONEq(t, `{"phase":"ingest"}`, string(msg.Data))

	require.NoError(t, conn.WriteJSON(StreamRequest{Action: "subscribe", Types: []string{"cycle.finished"}}))
	assert.Equal(t, "subscribed", readMessage(t, conn).Type)

	hub.Publish("cycle.phase", map[string]string{"phase": "exits"})
	hub.Publish("cycle.finished", map[string]string{"status": "completed"})
	msg = readMessage(t, conn)
	assert.Equal(t, "cycle.finished", msg.Type)

	require.NoError(t, conn.WriteJSON(StreamRequest{Action: "ping"}))
	assert.Equal(t, "pong", readMessage(t, conn).Type)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{nope")))
	msg = readMessage(t, conn)
	assert.Equal(t, "error", msg.Type)
}

func TestStreamHubRedisFanOut(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	publisher, err := NewStreamHub(client, nil)
	require.NoError(t, err)
	defer publisher.Stop()
	listener, err := NewStreamHub(client, nil)
	require.NoError(t, err)
	defer listener.Stop()

	conn := dialStream(t, listener)
	publisher.Publish("cycle.finished", map[string]int{"signals": 2})

	msg := readMessage(t, conn)
	assert.Equal(t, "cycle.finished", msg.Type)
	var data map[string]int
	require.NoError(t, json.Unmarshal(msg.Data, &data))
	assert.Equal(t, 2, data["signals"])
}
