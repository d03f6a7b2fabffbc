package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/internal/audit"
	"github.com/xiaot623/gogo/internal/config"
	"github.com/xiaot623/gogo/internal/domain"
	"github.com/xiaot623/gogo/internal/hub"
	"github.com/xiaot623/gogo/internal/policy"
	"github.com/xiaot623/gogo/internal/repository"
	"github.com/xiaot623/gogo/internal/service"
	"github.com/xiaot623/gogo/internal/testutil"
)

func newTestHandler(t *testing.T, gen *testutil.ScriptedGenerator) (*echo.Echo, *service.Service, *store.SQLStore) {
	t.Helper()
	db := testutil.NewTestSQLiteStore(t)
	registry := hub.NewRegistry(db)
	engine, err := policy.NewDefaultEngine(context.Background())
	require.NoError(t, err)
	cfg := &config.Config{CancelGrace: 100 * time.Millisecond, RunTimeout: 10 * time.Second}
	svc := service.New(db, registry, gen, engine, audit.NewSink(db), cfg)
	t.Cleanup(func() {
		gen.Release()
		svc.Shutdown()
		require.Eventually(t, func() bool { return svc.LiveRunCount() == 0 }, 3*time.Second, 5*time.Millisecond)
	})
	return NewInternalServer(svc, registry), svc, db
}

func do(e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func waitIdle(t *testing.T, svc *service.Service) {
	t.Helper()
	require.Eventually(t, func() bool { return svc.LiveRunCount() == 0 }, 3*time.Second, 5*time.Millisecond)
}

func TestHealth(t *testing.T) {
	e, _, _ := newTestHandler(t, &testutil.ScriptedGenerator{})

	rec := do(e, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"healthy"`)
}

func TestMetricsEndpoint(t *testing.T) {
	e, _, _ := newTestHandler(t, &testutil.ScriptedGenerator{})

	rec := do(e, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "gogo_live_runs")
}

func TestSubmitMessageAndInspectRun(t *testing.T) {
	e, svc, _ := newTestHandler(t, &testutil.ScriptedGenerator{Chunks: []string{"a", "b"}})

	rec := do(e, http.MethodPost, "/v1/sessions/s1/messages", `{"command_id":"u1","content":"hi"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var ack domain.ControlAck
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ack))
	assert.Equal(t, domain.AckStatusAccepted, ack.Status)
	waitIdle(t, svc)

	rec = do(e, http.MethodGet, "/v1/sessions/s1/run", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var run struct {
		Run domain.RunRecord `json:"run"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.Equal(t, ack.RunID, run.Run.RunID)
	assert.Equal(t, domain.RunStatusCompleted, run.Run.Status)

	rec = do(e, http.MethodGet, "/v1/sessions/s1/runs/"+ack.RunID+"/events?after_seq=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var events struct {
		Events []domain.Event `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	require.Len(t, events.Events, 2)
	assert.Equal(t, int64(3), events.Events[0].Seq)
	assert.Equal(t, domain.EventTypeMessageEnd, events.Events[1].Type)

	rec = do(e, http.MethodGet, "/v1/sessions/s1/runs/"+ack.RunID+"/events?after_seq=-1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(e, http.MethodGet, "/v1/sessions/s1/messages", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"content":"ab"`)
}

func TestGetRunNotFound(t *testing.T) {
	e, _, _ := newTestHandler(t, &testutil.ScriptedGenerator{})

	rec := do(e, http.MethodGet, "/v1/sessions/nobody/run", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestResumeEndpoint(t *testing.T) {
	e, svc, _ := newTestHandler(t, &testutil.ScriptedGenerator{Chunks: []string{"a"}})

	rec := do(e, http.MethodPost, "/v1/sessions/s1/messages", `{"content":"hi"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	waitIdle(t, svc)

	rec = do(e, http.MethodPost, "/v1/sessions/s1/resume", `{"last_seq":1}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var res struct {
		Status        domain.ResumeStatus `json:"status"`
		ToSeq         int64               `json:"to_seq"`
		ReplayedCount int                 `json:"replayed_count"`
		Events        []domain.Event      `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, domain.ResumeStatusReplayed, res.Status)
	assert.Equal(t, int64(3), res.ToSeq)
	assert.Len(t, res.Events, 2)

	rec = do(e, http.MethodPost, "/v1/sessions/other/resume", `{"last_seq":0}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"not_found"`)
}

func TestCancelRunEndpoint(t *testing.T) {
	gen := &testutil.ScriptedGenerator{Hold: true}
	e, svc, db := newTestHandler(t, gen)

	handle, err := svc.StartRun(context.Background(), &domain.StartRunRequest{SessionID: "s1", Content: "hi"})
	require.NoError(t, err)

	rec := do(e, http.MethodPost, "/internal/runs/"+handle.RunID+"/cancel", `{"reason":"operator"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), domain.ReasonMissingCommandID)

	rec = do(e, http.MethodPost, "/internal/runs/run_missing/cancel", `{"command_id":"ops-0"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), domain.ReasonNoActiveRun)

	body := `{"command_id":"ops-1","reason":"operator"}`
	rec = do(e, http.MethodPost, "/internal/runs/"+handle.RunID+"/cancel", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	first := rec.Body.String()
	waitIdle(t, svc)

	rec = do(e, http.MethodPost, "/internal/runs/"+handle.RunID+"/cancel", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, first, rec.Body.String())

	state, err := db.GetRunState(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCancelled, state.Status)
	assert.Equal(t, "operator", state.Reason)
}

func TestStopEndpointRejection(t *testing.T) {
	e, _, _ := newTestHandler(t, &testutil.ScriptedGenerator{})

	rec := do(e, http.MethodPost, "/v1/sessions/s1/stop", `{"command_id":"c1"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	var ack domain.ControlAck
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ack))
	assert.Equal(t, domain.ReasonNoActiveRun, ack.Reason)
}
