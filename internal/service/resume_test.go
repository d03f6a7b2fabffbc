package service

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/internal/domain"
	"github.com/xiaot623/gogo/internal/testutil"
)

func collect(out *[]domain.EventRecord) ReplayFunc {
	return func(ev domain.EventRecord) error {
		*out = append(*out, ev)
		return nil
	}
}

func seedPersistedRun(t *testing.T, f *fixture, runID string, status domain.RunStatus, n int) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.UpsertRunState(ctx, &domain.RunRecord{SessionID: "s1", RunID: runID, Status: status}))
	for i := 1; i <= n; i++ {
		require.NoError(t, f.store.AppendEvent(ctx, &domain.EventRecord{
			SessionID: "s1",
			RunID:     runID,
			Seq:       int64(i),
			Type:      domain.EventTypeMessageDelta,
			Payload:   json.RawMessage(fmt.Sprintf(`{"type":"message.delta","seq":%d}`, i)),
		}))
	}
}

func TestResumeReplaysMissedEvents(t *testing.T) {
	f := newFixture(t, &testutil.ScriptedGenerator{Chunks: []string{"a", "b"}})
	handle := f.start(t, "hi")
	f.channel.WaitFor(t, domain.EventTypeMessageEnd, waitTimeout)
	f.waitReleased(t)

	var replayed []domain.EventRecord
	res, err := f.svc.Resume(context.Background(), &domain.ResumeRequest{SessionID: "s1", RunID: handle.RunID, LastSeq: 1}, collect(&replayed))
	require.NoError(t, err)

	assert.Equal(t, domain.ResumeStatusReplayed, res.Status)
	assert.Equal(t, int64(1), res.FromSeq)
	assert.Equal(t, int64(4), res.ToSeq)
	assert.Equal(t, 3, res.ReplayedCount)
	require.Len(t, replayed, 3)
	for i, ev := range replayed {
		assert.Equal(t, int64(i+2), ev.Seq)
	}

	// The replayed payloads are the frames that were streamed live.
	frames := f.channel.Frames()
	for i, ev := range replayed {
		assert.JSONEq(t, string(frames[i+1]), string(ev.Payload))
	}
}

func TestResumeAfterTerminalIsNoop(t *testing.T) {
	f := newFixture(t, &testutil.ScriptedGenerator{Chunks: []string{"a"}})
	f.start(t, "hi")
	end := f.channel.WaitFor(t, domain.EventTypeMessageEnd, waitTimeout)
	f.waitReleased(t)

	res, err := f.svc.Resume(context.Background(), &domain.ResumeRequest{SessionID: "s1", LastSeq: end.Seq}, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.ResumeStatusNoop, res.Status)
	assert.Empty(t, res.Reason)
}

func TestResumeNotFoundAndMismatch(t *testing.T) {
	f := newFixture(t, &testutil.ScriptedGenerator{})
	ctx := context.Background()

	res, err := f.svc.Resume(ctx, &domain.ResumeRequest{SessionID: "s1"}, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.ResumeStatusNotFound, res.Status)

	seedPersistedRun(t, f, "run_a", domain.RunStatusCompleted, 2)
	res, err = f.svc.Resume(ctx, &domain.ResumeRequest{SessionID: "s1", RunID: "run_b"}, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.ResumeStatusRequiredRetry, res.Status)
	assert.Equal(t, domain.ReasonRunIDMismatchOrMissing, res.Reason)
	assert.Equal(t, "run_a", res.RunID)
}

func TestResumeOpenRunWithoutTailIsInterrupted(t *testing.T) {
	f := newFixture(t, &testutil.ScriptedGenerator{})
	ctx := context.Background()
	seedPersistedRun(t, f, "run_a", domain.RunStatusActive, 3)

	res, err := f.svc.Resume(ctx, &domain.ResumeRequest{SessionID: "s1", RunID: "run_a", LastSeq: 3}, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.ResumeStatusRequiredRetry, res.Status)
	assert.Equal(t, domain.ReasonResumeNoBuffer, res.Reason)

	state, err := f.store.GetRunState(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusInterrupted, state.Status)
	assert.Equal(t, domain.ReasonResumeNoBuffer, state.Reason)

	// Asking again reports the interruption.
	res, err = f.svc.Resume(ctx, &domain.ResumeRequest{SessionID: "s1", RunID: "run_a", LastSeq: 3}, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.ResumeStatusRequiredRetry, res.Status)
	assert.Equal(t, domain.ReasonRunInterrupted, res.Reason)
}

func TestResumeInterruptedRunStillReplaysTail(t *testing.T) {
	f := newFixture(t, &testutil.ScriptedGenerator{})
	ctx := context.Background()
	seedPersistedRun(t, f, "run_a", domain.RunStatusStreaming, 4)
	_, err := f.svc.Recover(ctx)
	require.NoError(t, err)

	var replayed []domain.EventRecord
	res, err := f.svc.Resume(ctx, &domain.ResumeRequest{SessionID: "s1", LastSeq: 2}, collect(&replayed))
	require.NoError(t, err)
	assert.Equal(t, domain.ResumeStatusReplayed, res.Status)
	assert.Equal(t, int64(4), res.ToSeq)
	assert.Len(t, replayed, 2)
}

func TestResumeLiveRun(t *testing.T) {
	f := newFixture(t, &testutil.ScriptedGenerator{Chunks: []string{"a"}, Hold: true})
	ctx := context.Background()
	handle := f.start(t, "hi")
	delta := f.channel.WaitFor(t, domain.EventTypeMessageDelta, waitTimeout)

	res, err := f.svc.Resume(ctx, &domain.ResumeRequest{SessionID: "s1", RunID: handle.RunID, LastSeq: delta.Seq}, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.ResumeStatusNoop, res.Status)
	assert.Equal(t, domain.ReasonRunInProgress, res.Reason)

	state, err := f.store.GetRunState(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, state.Status.IsOpen())

	var replayed []domain.EventRecord
	res, err = f.svc.Resume(ctx, &domain.ResumeRequest{SessionID: "s1", RunID: handle.RunID}, collect(&replayed))
	require.NoError(t, err)
	assert.Equal(t, domain.ResumeStatusReplayed, res.Status)
	assert.Len(t, replayed, 2)

	f.gen.Release()
	f.channel.WaitFor(t, domain.EventTypeMessageEnd, waitTimeout)
}
