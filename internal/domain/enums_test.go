package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRunStateIsLive(t *testing.T) {
	tests := []struct {
		state RunState
		live  bool
	}{
		{RunStateRunning, true},
		{RunStateCancelling, true},
		{RunStateCancelled, false},
		{RunStateCompleted, false},
		{RunStateFailed, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.live, tt.state.IsLive(), tt.state)
	}
}

func TestRunStatusClassification(t *testing.T) {
	tests := []struct {
		status   RunStatus
		open     bool
		terminal bool
	}{
		{RunStatusActive, true, false},
		{RunStatusStreaming, true, false},
		{RunStatusCompleted, false, true},
		{RunStatusCancelled, false, true},
		{RunStatusFailed, false, true},
		{RunStatusInterrupted, false, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.open, tt.status.IsOpen(), tt.status)
		assert.Equal(t, tt.terminal, tt.status.IsTerminal(), tt.status)
	}
}
