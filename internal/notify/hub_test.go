package notify

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/connsync/internal/connection"
	"github.com/kimhsiao/connsync/internal/models"
	"github.com/kimhsiao/connsync/internal/sync/queue"
)

func startHub(t *testing.T, allowed []string) (*Hub, string) {
	t.Helper()
	hub := NewHub()
	srv := httptest.NewServer(hub.Handler(allowed))
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, hub *Hub, url string) *websocket.Conn {
	t.Helper()
	before := hub.ClientCount()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.Eventually(t, func() bool { return hub.ClientCount() == before+1 }, 2*time.Second, 5*time.Millisecond)
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var env Envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	return env
}

func TestHub_Broadcast(t *testing.T) {
	hub, url := startHub(t, nil)
	a := dial(t, hub, url)
	b := dial(t, hub, url)

	hub.Broadcast("custom.event", map[string]interface{}{"answer": 42})

	for _, conn := range []*websocket.Conn{a, b} {
		env := readEnvelope(t, conn)
		assert.Equal(t, "custom.event", env.Type)
		assert.EqualValues(t, 42, env.Data["answer"])
		assert.NotZero(t, env.Timestamp)
	}
}

func TestHub_subscriptionFilter(t *testing.T) {
	hub, url := startHub(t, nil)
	conn := dial(t, hub, url)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"action": "subscribe",
		"events": []string{EventBadgeUpdated},
	}))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ack map[string]interface{}
	require.NoError(t, conn.ReadJSON(&ack))
	assert.Equal(t, "subscribe_ack", ack["action"])

	hub.BroadcastChange(connection.Change{ConnectionID: "c1", PendingRequestsCount: 3})

	env := readEnvelope(t, conn)
	assert.Equal(t, EventBadgeUpdated, env.Type)
	assert.EqualValues(t, 3, env.Data["pending_requests_count"])
}

func TestHub_ping(t *testing.T) {
	hub, url := startHub(t, nil)
	conn := dial(t, hub, url)

	require.NoError(t, conn.WriteJSON(map[string]string{"action": "ping"}))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var pong map[string]interface{}
	require.NoError(t, conn.ReadJSON(&pong))
	assert.Equal(t, "pong", pong["action"])
}

func TestHub_rejectsForeignOrigin(t *testing.T) {
	_, url := startHub(t, []string{"https://app.example.com"})

	header := http.Header{"Origin": []string{"https://evil.example.com"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header.Set("Origin", "https://app.example.com")
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	conn.Close()

	header.Set("Origin", "http://localhost:3000")
	conn, _, err = websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	conn.Close()
}

func TestHub_FollowQueue(t *testing.T) {
	hub, url := startHub(t, nil)
	conn := dial(t, hub, url)

	q, err := queue.New(nil, queue.DefaultConfig())
	require.NoError(t, err)
	defer q.Close()

	cancel := hub.FollowQueue(q)
	defer cancel()

	op, err := q.AddOperation(models.OperationCreate, models.EntityConnection, "c1", []byte(`{}`))
	require.NoError(t, err)

	env := readEnvelope(t, conn)
	assert.Equal(t, EventOperationAdded, env.Type)
	assert.Equal(t, op.ID, env.Data["operation_id"])
	assert.Equal(t, "c1", env.Data["entity_id"])
	assert.Equal(t, string(models.OperationCreate), env.Data["operation_type"])
}

func TestHub_BroadcastChange_badgeOnlyOnMove(t *testing.T) {
	hub, url := startHub(t, nil)
	conn := dial(t, hub, url)

	state := models.Syncing()
	hub.BroadcastChange(connection.Change{ConnectionID: "c1", SyncState: &state, PendingRequestsCount: 1})
	hub.BroadcastChange(connection.Change{ConnectionID: "c2", Removed: true, PendingRequestsCount: 1})

	var types []string
	for i := 0; i < 3; i++ {
		types = append(types, readEnvelope(t, conn).Type)
	}
	assert.Equal(t, []string{EventConnectionChanged, EventBadgeUpdated, EventConnectionChanged}, types)
}

func TestHub_Close(t *testing.T) {
	hub, url := startHub(t, nil)
	conn := dial(t, hub, url)

	hub.Close()
	assert.Equal(t, 0, hub.ClientCount())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)

	// Broadcasting after close must not block.
	hub.Broadcast("late", nil)
}
