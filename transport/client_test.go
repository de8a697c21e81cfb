package transport

import (
	"context"
	"encoding/json"
	"errors"
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

type fakeBackend struct {
	t        *testing.T
	upgrader websocket.Upgrader
	authSeen string
	mu       sync.Mutex
}

func (f *fakeBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.authSeen = r.Header.Get("Authorization")
	f.mu.Unlock()

	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	for {
		var req rpcRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		switch req.Method {
		case "ping":
			_ = conn.WriteJSON(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": map[string]string{"pong": "ok"}})
		case "fail":
			_ = conn.WriteJSON(map[string]any{"jsonrpc": "2.0", "id": req.ID, "error": map[string]any{"code": -32000, "message": "boom"}})
		case "stream_chat":
			for i := 0; i < 3; i++ {
				_ = conn.WriteJSON(map[string]any{"jsonrpc": "2.0", "method": "stream_event", "params": map[string]int{"seq": i}})
			}
			_ = conn.WriteJSON(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": nil})
		case "hang":
		case "drop":
			return
		}
	}
}

func startBackend(t *testing.T) (*fakeBackend, string) {
	t.Helper()
	fb := &fakeBackend{t: t}
	srv := httptest.NewServer(fb)
	t.Cleanup(srv.Close)
	return fb, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestClientCallRoundTrip(t *testing.T) {
	fb, url := startBackend(t)
	client, err := Dial(context.Background(), Config{URL: url, Token: "secret"}, nil, nil)
	require.NoError(t, err)
	defer client.Close()

	raw, err := client.Call(context.Background(), "ping", map[string]string{"x": "y"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"pong":"ok"}`, string(raw))

	fb.mu.Lock()
	assert.Equal(t, "Bearer secret", fb.authSeen)
	fb.mu.Unlock()
}

func TestClientSurfacesRPCErrors(t *testing.T) {
	_, url := startBackend(t)
	client, err := Dial(context.Background(), Config{URL: url}, nil, nil)
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Call(context.Background(), "fail", nil)
	var rpcErr *RPCError
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, -32000, rpcErr.Code)
	assert.Equal(t, "boom", rpcErr.Message)
}

func TestClientDeliversNotificationsInOrder(t *testing.T) {
	_, url := startBackend(t)

	var mu sync.Mutex
	var seqs []int
	client, err := Dial(context.Background(), Config{URL: url}, func(method string, params json.RawMessage) {
		assert.Equal(t, "stream_event", method)
		var p struct{ Seq int }
		assert.NoError(t, json.Unmarshal(params, &p))
		mu.Lock()
		seqs = append(seqs, p.Seq)
		mu.Unlock()
	}, nil)
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Call(context.Background(), "stream_chat", nil)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 2}, seqs)
}

func TestClientCallTimeout(t *testing.T) {
	_, url := startBackend(t)
	client, err := Dial(context.Background(), Config{URL: url, CallTimeout: 50 * time.Millisecond}, nil, nil)
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Call(context.Background(), "hang", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClientFailsPendingOnDisconnect(t *testing.T) {
	_, url := startBackend(t)
	client, err := Dial(context.Background(), Config{URL: url}, nil, nil)
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Call(context.Background(), "drop", nil)
	assert.ErrorIs(t, err, ErrNotConnected)

	select {
	case <-client.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("read loop did not stop")
	}

	_, err = client.Call(context.Background(), "ping", nil)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestDialRequiresURL(t *testing.T) {
	_, err := Dial(context.Background(), Config{}, nil, nil)
	assert.Error(t, err)
}
