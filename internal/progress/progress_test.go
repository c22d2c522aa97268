package progress

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rowsync/internal/conflict"
	"github.com/roach88/rowsync/internal/orchestrator"
)

func dial(t *testing.T, ctx context.Context, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })

	msg := read(t, ctx, conn)
	require.Equal(t, MessageTypeHello, msg.Type)
	return conn
}

func read(t *testing.T, ctx context.Context, conn *websocket.Conn) Message {
	t.Helper()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestHookBroadcastsToEveryClient(t *testing.T) {
	b := New()
	defer b.Close()
	srv := httptest.NewServer(b)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c1 := dial(t, ctx, wsURL(srv))
	c2 := dial(t, ctx, wsURL(srv))
	assert.Equal(t, 2, b.ClientCount())

	hook := b.Hook()
	hook(ctx, orchestrator.Event{
		Stage:     orchestrator.StageChangesApplyingLocal,
		SessionID: "s1",
		Scope:     "default",
		Role:      conflict.RoleClient,
		Time:      time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Table:     "orders",
		Totals:    orchestrator.Totals{Downloaded: 3, Applied: 2},
	})
	hook(ctx, orchestrator.Event{Stage: orchestrator.StageFailed, SessionID: "s1", Err: errors.New("boom")})

	for _, conn := range []*websocket.Conn{c1, c2} {
		msg := read(t, ctx, conn)
		assert.Equal(t, MessageTypeStage, msg.Type)
		var data StageData
		require.NoError(t, json.Unmarshal(msg.Data, &data))
		assert.Equal(t, "s1", data.SessionID)
		assert.Equal(t, orchestrator.StageChangesApplyingLocal, data.Stage)
		assert.Equal(t, "orders", data.Table)
		assert.Equal(t, 2, data.Totals.Applied)

		msg = read(t, ctx, conn)
		assert.Equal(t, MessageTypeFailed, msg.Type)
		require.NoError(t, json.Unmarshal(msg.Data, &data))
		assert.Equal(t, "boom", data.Error)
	}
}

func TestDisconnectedClientIsRemoved(t *testing.T) {
	b := New()
	defer b.Close()
	srv := httptest.NewServer(b)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn := dial(t, ctx, wsURL(srv))
	require.Equal(t, 1, b.ClientCount())
	conn.Close(websocket.StatusNormalClosure, "bye")

	assert.Eventually(t, func() bool { return b.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestServeStopsWithContext(t *testing.T) {
	b := New()
	defer b.Close()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Serve(ctx, ln) }()

	dctx, dcancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer dcancel()
	dial(t, dctx, "ws://"+ln.Addr().String()+"/ws")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
}
