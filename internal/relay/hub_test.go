package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/require"

	"github.com/crewdeck/crewchat/internal/realtime"
)

func TestHubRegisterAndUnregister(t *testing.T) {
	h := NewHub(0, nil)
	conn := &websocket.Conn{}

	h.Register("user-1", conn)
	require.Same(t, conn, h.Get("user-1"))
	require.Equal(t, 1, h.Len())

	h.Unregister("user-1", conn)
	require.Nil(t, h.Get("user-1"))
	require.Equal(t, 0, h.Len())
}

func TestHubUnregisterStaleKeepsCurrent(t *testing.T) {
	h := NewHub(0, nil)
	stale := &websocket.Conn{}
	current := &websocket.Conn{}

	h.mu.Lock()
	h.active["user-1"] = current
	h.mu.Unlock()

	h.Unregister("user-1", stale)
	require.Same(t, current, h.Get("user-1"))
}

// socketPair returns the server and client ends of a live WebSocket.
func socketPair(t *testing.T) (server, client *websocket.Conn) {
	t.Helper()
	accepted := make(chan *websocket.Conn, 1)
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		accepted <- conn
		<-release
	}))
	t.Cleanup(ts.Close)
	t.Cleanup(func() { close(release) })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client, _, err := websocket.Dial(ctx, ts.URL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.CloseNow() })

	server = <-accepted
	t.Cleanup(func() { _ = server.CloseNow() })
	return server, client
}

func readRequestID(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var env realtime.Envelope
	require.NoError(t, wsjson.Read(ctx, conn, &env))
	require.Equal(t, realtime.EventAIResponse, env.Event)
	var p realtime.AIResponsePayload
	require.NoError(t, json.Unmarshal(env.Data, &p))
	return p.RequestID
}

func TestHubDeliverQueuesWithoutConnection(t *testing.T) {
	h := NewHub(0, nil)

	queued, err := h.Deliver(context.Background(), "user-1", realtime.EventAIResponse, realtime.AIResponsePayload{RequestID: "req-1"})
	require.NoError(t, err)
	require.True(t, queued)
	require.Equal(t, 1, h.Pending("user-1"))
	require.Equal(t, 0, h.Pending("user-2"))
}

func TestHubDeliverWritesToRegisteredSocket(t *testing.T) {
	h := NewHub(0, nil)
	server, client := socketPair(t)
	h.Register("user-1", server)

	queued, err := h.Deliver(context.Background(), "user-1", realtime.EventAIResponse, realtime.AIResponsePayload{RequestID: "req-1"})
	require.NoError(t, err)
	require.False(t, queued)
	require.Equal(t, "req-1", readRequestID(t, client))
	require.Equal(t, 0, h.Pending("user-1"))
}

func TestHubDeliverQueuesWhenSocketIsDead(t *testing.T) {
	h := NewHub(0, nil)
	server, _ := socketPair(t)
	h.Register("user-1", server)
	require.NoError(t, server.CloseNow())

	queued, err := h.Deliver(context.Background(), "user-1", realtime.EventAIResponse, realtime.AIResponsePayload{RequestID: "req-1"})
	require.NoError(t, err)
	require.True(t, queued)
	require.Equal(t, 1, h.Pending("user-1"))
}

func TestHubFlushWritesQueuedInOrder(t *testing.T) {
	h := NewHub(2, nil)
	ctx := context.Background()
	for _, id := range []string{"req-1", "req-2", "req-3"} {
		_, err := h.Deliver(ctx, "user-1", realtime.EventAIResponse, realtime.AIResponsePayload{RequestID: id})
		require.NoError(t, err)
	}
	require.Equal(t, 2, h.Pending("user-1"))

	server, client := socketPair(t)
	h.Register("user-1", server)
	sent, err := h.Flush(ctx, "user-1", server)
	require.NoError(t, err)
	require.Equal(t, 2, sent)

	require.Equal(t, "req-2", readRequestID(t, client))
	require.Equal(t, "req-3", readRequestID(t, client))
	require.Equal(t, 0, h.Pending("user-1"))

	sent, err = h.Flush(ctx, "user-1", server)
	require.NoError(t, err)
	require.Zero(t, sent)
}

func TestHubFlushFailureKeepsEvents(t *testing.T) {
	h := NewHub(0, nil)
	ctx := context.Background()
	for _, id := range []string{"req-1", "req-2"} {
		_, err := h.Deliver(ctx, "user-1", realtime.EventAIResponse, realtime.AIResponsePayload{RequestID: id})
		require.NoError(t, err)
	}

	server, _ := socketPair(t)
	require.NoError(t, server.CloseNow())

	sent, err := h.Flush(ctx, "user-1", server)
	require.Error(t, err)
	require.Zero(t, sent)
	require.Equal(t, 2, h.Pending("user-1"))
}

func TestHubDropPending(t *testing.T) {
	h := NewHub(0, nil)
	_, err := h.Deliver(context.Background(), "user-1", realtime.EventAIResponse, realtime.AIResponsePayload{})
	require.NoError(t, err)

	h.DropPending("user-1")
	require.Equal(t, 0, h.Pending("user-1"))
}

func TestHubConcurrentAccess(t *testing.T) {
	h := NewHub(0, nil)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := range 500 {
			h.Register("user-"+strconv.Itoa(i), &websocket.Conn{})
		}
	}()
	go func() {
		defer wg.Done()
		for i := range 500 {
			h.Get("user-" + strconv.Itoa(i))
		}
	}()
	wg.Wait()
	require.Equal(t, 500, h.Len())
}

func TestSendErrorLogsThroughServerLogger(t *testing.T) {
	var logs bytes.Buffer
	s := &Server{logger: slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))}
	server, _ := socketPair(t)
	require.NoError(t, server.CloseNow())

	s.sendError(context.Background(), server, "authenticate first")
	require.Contains(t, logs.String(), "Failed to send socket error")
}
