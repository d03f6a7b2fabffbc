package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/internal/domain"
	"github.com/xiaot623/gogo/internal/testutil"
)

func userMessage(t *testing.T, f *fixture) *domain.Message {
	t.Helper()
	msgs, err := f.store.ListMessages(context.Background(), "s1", false)
	require.NoError(t, err)
	for i := range msgs {
		if msgs[i].Role == domain.RoleUser {
			return &msgs[i]
		}
	}
	t.Fatalf("no user message stored")
	return nil
}

func TestEditResendSupersedesAndStartsRun(t *testing.T) {
	f := newFixture(t, &testutil.ScriptedGenerator{Chunks: []string{"ok"}})
	ctx := context.Background()

	f.start(t, "first try")
	f.channel.WaitFor(t, domain.EventTypeMessageEnd, waitTimeout)
	f.waitReleased(t)
	target := userMessage(t, f)

	cmd := &domain.EditResendCommand{SessionID: "s1", CommandID: "e1", TargetMessageID: target.MessageID, NewContent: "second try"}
	ack, err := f.svc.HandleEditResend(ctx, cmd)
	require.NoError(t, err)
	require.True(t, ack.Accepted(), "reason: %s", ack.Reason)
	assert.NotEmpty(t, ack.RunID)

	superseded := f.channel.WaitFor(t, domain.EventTypeMessageSuperseded, waitTimeout)
	assert.Equal(t, target.MessageID, superseded.TargetMessageID)
	assert.Equal(t, 2, superseded.Revision)
	assert.Zero(t, superseded.Seq)
	f.waitReleased(t)

	old, err := f.store.GetMessage(ctx, target.MessageID)
	require.NoError(t, err)
	assert.Equal(t, domain.MessageStatusSuperseded, old.Status)

	replacement, err := f.store.GetMessage(ctx, superseded.NewMessageID)
	require.NoError(t, err)
	require.NotNil(t, replacement)
	assert.Equal(t, "second try", replacement.Content)
	assert.Equal(t, target.MessageID, replacement.ParentMessageID)

	calls := f.gen.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "second try", calls[1].Content)
	for _, h := range calls[1].History {
		assert.NotEqual(t, "first try", h.Content)
	}

	state, err := f.store.GetRunState(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, ack.RunID, state.RunID)

	audits, err := f.store.ListAuditEvents(ctx, "s1")
	require.NoError(t, err)
	var found bool
	for _, a := range audits {
		if a.EventType == domain.AuditMessageSuperseded {
			found = true
			assert.NotEmpty(t, a.ContentHashBefore)
			assert.NotEqual(t, a.ContentHashBefore, a.ContentHashAfter)
		}
	}
	assert.True(t, found)

	// A retry returns the recorded ack without superseding again.
	again, err := f.svc.HandleEditResend(ctx, cmd)
	require.NoError(t, err)
	assert.Equal(t, ack, again)
	assert.Len(t, f.gen.Calls(), 2)
}

func TestEditResendPreemptsLiveRun(t *testing.T) {
	f := newFixture(t, &testutil.ScriptedGenerator{Chunks: []string{"partial"}, Hold: true})
	ctx := context.Background()

	first := f.start(t, "first try")
	f.channel.WaitFor(t, domain.EventTypeMessageDelta, waitTimeout)
	target := userMessage(t, f)

	ack, err := f.svc.HandleEditResend(ctx, &domain.EditResendCommand{
		SessionID: "s1", CommandID: "e1", TargetMessageID: target.MessageID, NewContent: "second try",
	})
	require.NoError(t, err)
	require.True(t, ack.Accepted(), "reason: %s", ack.Reason)
	assert.NotEqual(t, first.RunID, ack.RunID)

	var cancelled *domain.Event
	for _, ev := range f.channel.Events() {
		if ev.Type == domain.EventTypeMessageCancelled {
			ev := ev
			cancelled = &ev
		}
	}
	require.NotNil(t, cancelled)
	assert.Equal(t, first.RunID, cancelled.RunID)
	assert.Equal(t, domain.ReasonEditResendPreempt, cancelled.CancelReason)
	assert.Equal(t, "e1", cancelled.ByCommandID)

	live := f.svc.LiveRun("s1")
	require.NotNil(t, live)
	assert.Equal(t, ack.RunID, live.RunID)
}

func TestEditResendRejections(t *testing.T) {
	f := newFixture(t, &testutil.ScriptedGenerator{Chunks: []string{"ok"}})
	ctx := context.Background()
	f.start(t, "hello")
	f.channel.WaitFor(t, domain.EventTypeMessageEnd, waitTimeout)
	f.waitReleased(t)
	target := userMessage(t, f)

	var assistantID string
	msgs, err := f.store.ListMessages(ctx, "s1", false)
	require.NoError(t, err)
	for _, m := range msgs {
		if m.Role == domain.RoleAssistant {
			assistantID = m.MessageID
		}
	}
	require.NotEmpty(t, assistantID)

	tests := []struct {
		name   string
		cmd    *domain.EditResendCommand
		reason string
	}{
		{"missing command id", &domain.EditResendCommand{SessionID: "s1", TargetMessageID: target.MessageID, NewContent: "x"}, domain.ReasonMissingCommandID},
		{"unknown target", &domain.EditResendCommand{SessionID: "s1", CommandID: "e1", TargetMessageID: "msg_nope", NewContent: "x"}, domain.ReasonTargetNotFound},
		{"other session", &domain.EditResendCommand{SessionID: "s2", CommandID: "e2", TargetMessageID: target.MessageID, NewContent: "x"}, domain.ReasonTargetNotInSession},
		{"assistant target", &domain.EditResendCommand{SessionID: "s1", CommandID: "e3", TargetMessageID: assistantID, NewContent: "x"}, domain.ReasonTargetNotUserMessage},
		{"empty content", &domain.EditResendCommand{SessionID: "s1", CommandID: "e4", TargetMessageID: target.MessageID, NewContent: " "}, domain.ReasonEmptyContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ack, err := f.svc.HandleEditResend(ctx, tt.cmd)
			require.NoError(t, err)
			assert.Equal(t, domain.AckStatusRejected, ack.Status)
			assert.Equal(t, tt.reason, ack.Reason)
		})
	}

	ack, err := f.svc.HandleEditResend(ctx, &domain.EditResendCommand{SessionID: "s1", CommandID: "e5", TargetMessageID: target.MessageID, NewContent: "edited"})
	require.NoError(t, err)
	require.True(t, ack.Accepted())
	f.waitReleased(t)

	ack, err = f.svc.HandleEditResend(ctx, &domain.EditResendCommand{SessionID: "s1", CommandID: "e6", TargetMessageID: target.MessageID, NewContent: "edited again"})
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonTargetSuperseded, ack.Reason)
}
