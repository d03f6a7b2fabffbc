package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/internal/audit"
	"github.com/xiaot623/gogo/internal/config"
	"github.com/xiaot623/gogo/internal/hub"
	"github.com/xiaot623/gogo/internal/policy"
	"github.com/xiaot623/gogo/internal/protocol"
	"github.com/xiaot623/gogo/internal/service"
	"github.com/xiaot623/gogo/internal/testutil"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.APIKey = "secret"
	cfg.CancelGrace = 100 * time.Millisecond
	cfg.ControlRatePerSec = 0
	return cfg
}

func newTestServer(t *testing.T, cfg *config.Config, gen *testutil.ScriptedGenerator) *httptest.Server {
	t.Helper()
	db := testutil.NewTestSQLiteStore(t)
	registry := hub.NewRegistry(db)
	engine, err := policy.NewDefaultEngine(context.Background())
	require.NoError(t, err)
	svc := service.New(db, registry, gen, engine, audit.NewSink(db), cfg)

	e := echo.New()
	NewServer(cfg, registry, svc).Register(e)
	srv := httptest.NewServer(e)
	t.Cleanup(func() {
		srv.Close()
		gen.Release()
		svc.Shutdown()
		require.Eventually(t, func() bool { return svc.LiveRunCount() == 0 }, 3*time.Second, 5*time.Millisecond)
	})
	return srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(v))
}

// readUntil reads frames until one of type want arrives and returns every
// frame read.
func readUntil(t *testing.T, conn *websocket.Conn, want string) []map[string]any {
	t.Helper()
	var frames []map[string]any
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var m map[string]any
		require.NoError(t, json.Unmarshal(data, &m))
		frames = append(frames, m)
		if m["type"] == want {
			return frames
		}
	}
}

func hello(t *testing.T, conn *websocket.Conn, sessionID string) {
	t.Helper()
	send(t, conn, map[string]any{"type": protocol.TypeHello, "session_id": sessionID, "api_key": "secret"})
	frames := readUntil(t, conn, protocol.TypeHelloAck)
	assert.Equal(t, sessionID, frames[len(frames)-1]["session_id"])
}

func TestHelloRejectsBadAPIKey(t *testing.T) {
	srv := newTestServer(t, testConfig(), &testutil.ScriptedGenerator{})
	conn := dial(t, srv)

	send(t, conn, map[string]any{"type": protocol.TypeHello, "api_key": "wrong"})
	frames := readUntil(t, conn, protocol.TypeError)
	assert.Equal(t, protocol.ErrorCodeUnauthorized, frames[0]["code"])
}

func TestCommandsRequireHello(t *testing.T) {
	srv := newTestServer(t, testConfig(), &testutil.ScriptedGenerator{})
	conn := dial(t, srv)

	send(t, conn, map[string]any{"type": protocol.TypeUserMessage, "content": "hi"})
	frames := readUntil(t, conn, protocol.TypeError)
	assert.Equal(t, protocol.ErrorCodeSessionRequired, frames[0]["code"])
}

func TestUserMessageStreamsRun(t *testing.T) {
	srv := newTestServer(t, testConfig(), &testutil.ScriptedGenerator{Chunks: []string{"a", "b"}})
	conn := dial(t, srv)
	hello(t, conn, "s1")

	send(t, conn, map[string]any{"type": protocol.TypeUserMessage, "content": "hi", "command_id": "u1", "request_id": "req-1"})
	frames := readUntil(t, conn, "message.end")

	var ack map[string]any
	var seqs []float64
	for _, f := range frames {
		if f["type"] == protocol.TypeUserMessageAck {
			ack = f
		}
		if seq, ok := f["seq"].(float64); ok {
			seqs = append(seqs, seq)
		}
	}
	require.NotNil(t, ack)
	assert.Equal(t, "accepted", ack["status"])
	assert.Equal(t, "req-1", ack["request_id"])
	assert.Equal(t, []float64{1, 2, 3, 4}, seqs)
}

func TestResumeAfterReconnect(t *testing.T) {
	srv := newTestServer(t, testConfig(), &testutil.ScriptedGenerator{Chunks: []string{"a", "b"}})

	first := dial(t, srv)
	hello(t, first, "s1")
	send(t, first, map[string]any{"type": protocol.TypeUserMessage, "content": "hi"})
	frames := readUntil(t, first, "message.end")
	runID := frames[len(frames)-1]["run_id"]
	require.NoError(t, first.Close())

	second := dial(t, srv)
	hello(t, second, "s1")
	send(t, second, map[string]any{"type": protocol.TypeResume, "run_id": runID, "last_seq": 1})
	frames = readUntil(t, second, protocol.TypeResumeStatus)

	require.Len(t, frames, 4)
	for i, f := range frames[:3] {
		assert.Equal(t, float64(i+2), f["seq"])
	}
	status := frames[3]
	assert.Equal(t, "replayed", status["status"])
	assert.Equal(t, float64(1), status["from_seq"])
	assert.Equal(t, float64(4), status["to_seq"])
	assert.Equal(t, float64(3), status["replayed_count"])
}

func TestStopOverWebSocket(t *testing.T) {
	gen := &testutil.ScriptedGenerator{Chunks: []string{"a"}, Hold: true}
	srv := newTestServer(t, testConfig(), gen)
	conn := dial(t, srv)
	hello(t, conn, "s1")

	send(t, conn, map[string]any{"type": protocol.TypeUserMessage, "content": "hi"})
	readUntil(t, conn, "message.delta")

	send(t, conn, map[string]any{"type": protocol.TypeStop, "command_id": "c1"})
	frames := readUntil(t, conn, "message.cancelled")

	var ack map[string]any
	for _, f := range frames {
		if f["type"] == protocol.TypeControlAck {
			ack = f
		}
	}
	require.NotNil(t, ack)
	assert.Equal(t, "accepted", ack["status"])
	assert.Equal(t, "c1", frames[len(frames)-1]["by_command_id"])
}

func TestControlRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.ControlRatePerSec = 0.001
	cfg.ControlBurst = 1
	srv := newTestServer(t, cfg, &testutil.ScriptedGenerator{})
	conn := dial(t, srv)
	hello(t, conn, "s1")

	send(t, conn, map[string]any{"type": protocol.TypeStop, "command_id": "c1"})
	frames := readUntil(t, conn, protocol.TypeControlAck)
	assert.Equal(t, "no_active_run", frames[len(frames)-1]["reason"])

	send(t, conn, map[string]any{"type": protocol.TypeStop, "command_id": "c2"})
	frames = readUntil(t, conn, protocol.TypeError)
	assert.Equal(t, protocol.ErrorCodeRateLimited, frames[len(frames)-1]["code"])
}
