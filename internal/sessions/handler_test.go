package sessions

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"sensorguard-cloud/internal/auth"
)

func withUser(userID string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next(w, r.WithContext(auth.WithIdentity(r.Context(), auth.RoleViewer, userID)))
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func TestHandler_WebSocketDelivery(t *testing.T) {
	registry := NewRegistry()
	handler, err := NewHandler(registry, zap.NewNop())
	require.NoError(t, err)

	server := httptest.NewServer(withUser("u1", handler.ServeWebSocket))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	waitFor(t, func() bool { return len(registry.Lookup("u1")) == 1 })
	conn := registry.Lookup("u1")[0]
	require.NoError(t, conn.Send(context.Background(), []byte(`{"event_id":"e1"}`)))

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := client.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"event_id":"e1"}`, string(payload))

	require.NoError(t, client.Close())
	waitFor(t, func() bool { return registry.Count() == 0 })
}

func TestHandler_StreamDelivery(t *testing.T) {
	registry := NewRegistry()
	handler, err := NewHandler(registry, zap.NewNop(), WithHeartbeat(time.Hour))
	require.NoError(t, err)

	server := httptest.NewServer(withUser("u2", handler.ServeStream))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "event: ready\n", line)

	waitFor(t, func() bool { return len(registry.Lookup("u2")) == 1 })
	require.NoError(t, registry.Lookup("u2")[0].Send(context.Background(), []byte(`{"event_id":"e2"}`)))

	for {
		line, err = reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "data: {\"event_id\"") {
			break
		}
	}
	assert.Equal(t, "data: {\"event_id\":\"e2\"}\n", line)

	cancel()
	waitFor(t, func() bool { return registry.Count() == 0 })
}

func TestHandler_RejectsAnonymous(t *testing.T) {
	handler, err := NewHandler(NewRegistry(), nil)
	require.NoError(t, err)
	resp := httptest.NewRecorder()
	handler.ServeStream(resp, httptest.NewRequest(http.MethodGet, "/api/v1/alarms/stream", nil))
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
}

func TestOutbox_SendAfterCloseAndTimeout(t *testing.T) {
	box := newOutbox("c1", 1)
	require.NoError(t, box.Send(context.Background(), []byte("1")))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, box.Send(ctx, []byte("2")), context.DeadlineExceeded)

	box.Close()
	box.Close()
	assert.ErrorIs(t, box.Send(context.Background(), []byte("3")), ErrConnectionClosed)
}
