package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xiaot623/gogo/internal/domain"
)

func newEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewDefaultEngine(context.Background())
	require.NoError(t, err)
	return e
}

func TestCheckStop(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	tests := []struct {
		scope  string
		allow  bool
		reason string
	}{
		{scope: "", allow: true},
		{scope: "run", allow: true},
		{scope: "session", allow: false, reason: domain.ReasonUnsupportedScope},
	}
	for _, tt := range tests {
		t.Run("scope="+tt.scope, func(t *testing.T) {
			d, err := e.CheckStop(ctx, &domain.StopCommand{SessionID: "s1", CommandID: "c1", Scope: tt.scope})
			require.NoError(t, err)
			assert.Equal(t, tt.allow, d.Allow)
			assert.Equal(t, tt.reason, d.Reason)
		})
	}
}

func TestCheckEditResend(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	userMsg := &domain.Message{MessageID: "m1", SessionID: "s1", Role: domain.RoleUser, Status: domain.MessageStatusActive}

	tests := []struct {
		name    string
		target  *domain.Message
		content string
		allow   bool
		reason  string
	}{
		{name: "valid", target: userMsg, content: "new text", allow: true},
		{name: "missing target", target: nil, content: "x", reason: domain.ReasonTargetNotFound},
		{
			name:    "other session",
			target:  &domain.Message{MessageID: "m1", SessionID: "s2", Role: domain.RoleUser, Status: domain.MessageStatusActive},
			content: "x",
			reason:  domain.ReasonTargetNotInSession,
		},
		{
			name:    "assistant message",
			target:  &domain.Message{MessageID: "m1", SessionID: "s1", Role: domain.RoleAssistant, Status: domain.MessageStatusActive},
			content: "x",
			reason:  domain.ReasonTargetNotUserMessage,
		},
		{
			name:    "already superseded",
			target:  &domain.Message{MessageID: "m1", SessionID: "s1", Role: domain.RoleUser, Status: domain.MessageStatusSuperseded},
			content: "x",
			reason:  domain.ReasonTargetSuperseded,
		},
		{name: "blank content", target: userMsg, content: "   ", reason: domain.ReasonEmptyContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := &domain.EditResendCommand{SessionID: "s1", CommandID: "c1", TargetMessageID: "m1", NewContent: tt.content}
			d, err := e.CheckEditResend(ctx, cmd, tt.target)
			require.NoError(t, err)
			assert.Equal(t, tt.allow, d.Allow)
			assert.Equal(t, tt.reason, d.Reason)
		})
	}
}

func TestNewEngineRejectsInvalidPolicy(t *testing.T) {
	_, err := NewEngine(context.Background(), "package control_policy\n\ndecision = {")
	assert.Error(t, err)
}
