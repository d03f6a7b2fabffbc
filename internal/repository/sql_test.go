package store

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xiaot623/gogo/internal/domain"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	store, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seedRun(t *testing.T, store *SQLStore, sessionID, runID string, status domain.RunStatus) {
	t.Helper()
	err := store.UpsertRunState(context.Background(), &domain.RunRecord{
		SessionID: sessionID,
		RunID:     runID,
		MessageID: "msg_" + runID,
		Status:    status,
	})
	require.NoError(t, err)
}

func appendN(t *testing.T, store *SQLStore, sessionID, runID string, n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		err := store.AppendEvent(context.Background(), &domain.EventRecord{
			SessionID: sessionID,
			RunID:     runID,
			Seq:       int64(i),
			Type:      domain.EventTypeMessageDelta,
			Payload:   json.RawMessage(fmt.Sprintf(`{"seq":%d}`, i)),
		})
		require.NoError(t, err)
	}
}

func TestSQLStoreRunStateUpsert(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	got, err := store.GetRunState(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, got)

	seedRun(t, store, "s1", "r1", domain.RunStatusActive)
	seedRun(t, store, "s1", "r2", domain.RunStatusActive)

	got, err = store.GetRunState(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "r2", got.RunID)
	assert.Equal(t, "msg_r2", got.MessageID)
	assert.Equal(t, int64(0), got.LastSeq)

	// Status updates are scoped to the run that currently owns the row.
	require.NoError(t, store.UpdateRunStatus(ctx, "s1", "r1", domain.RunStatusFailed, "stale"))
	got, _ = store.GetRunState(ctx, "s1")
	assert.Equal(t, domain.RunStatusActive, got.Status)

	require.NoError(t, store.UpdateRunStatus(ctx, "s1", "r2", domain.RunStatusCompleted, ""))
	got, _ = store.GetRunState(ctx, "s1")
	assert.Equal(t, domain.RunStatusCompleted, got.Status)
	assert.Empty(t, got.Reason)
}

func TestSQLStoreAppendAdvancesLastSeq(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedRun(t, store, "s1", "r1", domain.RunStatusStreaming)

	appendN(t, store, "s1", "r1", 3)

	got, err := store.GetRunState(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.LastSeq)

	// Rewriting an earlier seq replaces the row and never moves last_seq backwards.
	err = store.AppendEvent(ctx, &domain.EventRecord{
		SessionID: "s1", RunID: "r1", Seq: 2,
		Type:    domain.EventTypeMessageDelta,
		Payload: json.RawMessage(`{"rewritten":true}`),
	})
	require.NoError(t, err)

	got, _ = store.GetRunState(ctx, "s1")
	assert.Equal(t, int64(3), got.LastSeq)

	events, err := store.ListEvents(ctx, "s1", "r1", 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.JSONEq(t, `{"rewritten":true}`, string(events[1].Payload))
}

func TestSQLStoreListEventsAfterSeq(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedRun(t, store, "s1", "r1", domain.RunStatusStreaming)
	appendN(t, store, "s1", "r1", 5)
	appendN(t, store, "s1", "other", 2)

	events, err := store.ListEvents(ctx, "s1", "r1", 2)
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, ev := range events {
		assert.Equal(t, int64(i+3), ev.Seq)
		assert.Equal(t, "r1", ev.RunID)
	}

	events, err = store.ListEvents(ctx, "s1", "r1", 5)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestSQLStoreInterrupt(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedRun(t, store, "s1", "r1", domain.RunStatusActive)
	seedRun(t, store, "s2", "r2", domain.RunStatusStreaming)
	seedRun(t, store, "s3", "r3", domain.RunStatusCompleted)

	n, err := store.InterruptActiveRuns(ctx, domain.ReasonProcessRestarted)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	for _, sid := range []string{"s1", "s2"} {
		got, err := store.GetRunState(ctx, sid)
		require.NoError(t, err)
		assert.Equal(t, domain.RunStatusInterrupted, got.Status)
		assert.Equal(t, domain.ReasonProcessRestarted, got.Reason)
	}
	got, _ := store.GetRunState(ctx, "s3")
	assert.Equal(t, domain.RunStatusCompleted, got.Status)

	changed, err := store.InterruptRun(ctx, "s3", "r3", domain.ReasonResumeNoBuffer)
	require.NoError(t, err)
	assert.False(t, changed)

	seedRun(t, store, "s4", "r4", domain.RunStatusActive)
	changed, err = store.InterruptRun(ctx, "s4", "r4", domain.ReasonResumeNoBuffer)
	require.NoError(t, err)
	assert.True(t, changed)
}

func TestSQLStoreFindRunSession(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedRun(t, store, "s1", "r1", domain.RunStatusCompleted)

	sid, err := store.FindRunSession(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "s1", sid)

	// r0 is no longer the session's current run but its events remain.
	require.NoError(t, store.AppendEvent(ctx, &domain.EventRecord{
		SessionID: "s1", RunID: "r0", Seq: 1, Type: domain.EventTypeRunStarted, Payload: json.RawMessage(`{}`),
	}))
	sid, err = store.FindRunSession(ctx, "r0")
	require.NoError(t, err)
	assert.Equal(t, "s1", sid)

	sid, err = store.FindRunSession(ctx, "r_unknown")
	require.NoError(t, err)
	assert.Empty(t, sid)
}

func TestSQLStoreCommandLedger(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	result, err := store.GetCommandResult(ctx, "s1", "c1")
	require.NoError(t, err)
	assert.Nil(t, result)

	cmd := &domain.Command{
		SessionID: "s1",
		CommandID: "c1",
		Type:      domain.CommandTypeStop,
		Payload:   json.RawMessage(`{"reason":"user_stop"}`),
	}
	require.NoError(t, store.SaveCommand(ctx, cmd))
	// Duplicate inserts are not an error.
	require.NoError(t, store.SaveCommand(ctx, cmd))

	result, err = store.GetCommandResult(ctx, "s1", "c1")
	require.NoError(t, err)
	assert.Nil(t, result, "undecided command has no result")

	first := json.RawMessage(`{"command_id":"c1","status":"accepted"}`)
	require.NoError(t, store.SaveCommandResult(ctx, "s1", "c1", first))
	require.NoError(t, store.SaveCommandResult(ctx, "s1", "c1", json.RawMessage(`{"status":"rejected"}`)))

	result, err = store.GetCommandResult(ctx, "s1", "c1")
	require.NoError(t, err)
	assert.Equal(t, string(first), string(result))

	// Command ids are scoped per session.
	result, err = store.GetCommandResult(ctx, "s2", "c1")
	require.NoError(t, err)
	assert.Nil(t, result)
}

func TestSQLStoreMessagesSupersede(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	original := &domain.Message{
		MessageID: "m1",
		SessionID: "s1",
		Role:      domain.RoleUser,
		Content:   "hello",
		CreatedAt: time.Now(),
	}
	require.NoError(t, store.CreateMessage(ctx, original))

	got, err := store.GetMessage(ctx, "m1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, domain.MessageStatusActive, got.Status)
	assert.Equal(t, 1, got.Revision)

	replacement := &domain.Message{
		MessageID:       "m2",
		SessionID:       "s1",
		Role:            domain.RoleUser,
		Content:         "hello again",
		ParentMessageID: "m1",
		Revision:        2,
		CreatedAt:       time.Now(),
	}
	require.NoError(t, store.SupersedeMessage(ctx, "m1", replacement))

	got, _ = store.GetMessage(ctx, "m1")
	assert.Equal(t, domain.MessageStatusSuperseded, got.Status)

	active, err := store.ListMessages(ctx, "s1", false)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "m2", active[0].MessageID)
	assert.Equal(t, "m1", active[0].ParentMessageID)

	all, err := store.ListMessages(ctx, "s1", true)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	// A superseded message cannot be superseded again, and the replacement is not written.
	err = store.SupersedeMessage(ctx, "m1", &domain.Message{MessageID: "m3", SessionID: "s1", Role: domain.RoleUser, Content: "x"})
	assert.ErrorIs(t, err, ErrMessageNotActive)
	missing, err := store.GetMessage(ctx, "m3")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestSQLStoreAuditEvents(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	err := store.CreateAuditEvent(ctx, &domain.AuditEvent{
		ID:        "a1",
		Timestamp: time.Now(),
		SessionID: "s1",
		Actor:     domain.ActorUser,
		EventType: domain.AuditStopRequested,
		RunID:     "r1",
		Reason:    domain.ReasonUserStop,
		Payload:   json.RawMessage(`{"command_id":"c1"}`),
	})
	require.NoError(t, err)

	events, err := store.ListAuditEvents(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, domain.AuditStopRequested, events[0].EventType)
	assert.Equal(t, "r1", events[0].RunID)
	assert.Empty(t, events[0].TargetMessageID)
}

func TestSQLStorePruneKeepsOpenRuns(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	old := time.Now().Add(-48 * time.Hour)

	seedRun(t, store, "s1", "done", domain.RunStatusCompleted)
	seedRun(t, store, "s2", "live", domain.RunStatusStreaming)
	for _, ev := range []domain.EventRecord{
		{SessionID: "s1", RunID: "done", Seq: 1, Type: domain.EventTypeRunStarted, Payload: json.RawMessage(`{}`), CreatedAt: old},
		{SessionID: "s2", RunID: "live", Seq: 1, Type: domain.EventTypeRunStarted, Payload: json.RawMessage(`{}`), CreatedAt: old},
		{SessionID: "s1", RunID: "done", Seq: 2, Type: domain.EventTypeMessageEnd, Payload: json.RawMessage(`{}`)},
	} {
		ev := ev
		require.NoError(t, store.AppendEvent(ctx, &ev))
	}
	require.NoError(t, store.SaveCommand(ctx, &domain.Command{SessionID: "s1", CommandID: "c1", Type: domain.CommandTypeStop, CreatedAt: old}))

	res, err := store.PruneBefore(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Events)
	assert.Equal(t, int64(1), res.Commands)

	events, _ := store.ListEvents(ctx, "s1", "done", 0)
	require.Len(t, events, 1)
	assert.Equal(t, int64(2), events[0].Seq)

	events, _ = store.ListEvents(ctx, "s2", "live", 0)
	assert.Len(t, events, 1)
}
