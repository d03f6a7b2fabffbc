package service

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/xiaot623/gogo/internal/domain"
)

// RunContext is the in-memory state of one live run.
type RunContext struct {
	SessionID string
	RunID     string
	MessageID string
	CommandID string
	StartedAt time.Time

	mu           sync.Mutex
	state        domain.RunState
	byCommandID  string
	cancelReason string

	cancelRequested    atomic.Bool
	cancelAcknowledged atomic.Bool
	finalizerStarted   atomic.Bool
	hardKilled         atomic.Bool

	// emitMu serializes seq assignment, persistence and delivery.
	emitMu    sync.Mutex
	seq       int64
	terminal  bool
	streaming bool
	content   strings.Builder

	// Task handle of the execution goroutine.
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	released    chan struct{}
	releaseOnce sync.Once
}

func newRunContext(sessionID, commandID string, timeout time.Duration) *RunContext {
	var ctx context.Context
	var cancel context.CancelFunc
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), timeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}
	return &RunContext{
		SessionID: sessionID,
		RunID:     "run_" + uuid.New().String(),
		MessageID: "msg_" + uuid.New().String(),
		CommandID: commandID,
		StartedAt: time.Now(),
		state:     domain.RunStateRunning,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		released:  make(chan struct{}),
	}
}

// State returns the current state.
func (rc *RunContext) State() domain.RunState {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.state
}

// Seq returns the last emitted seq.
func (rc *RunContext) Seq() int64 {
	rc.emitMu.Lock()
	defer rc.emitMu.Unlock()
	return rc.seq
}

// Released is closed once the run has left the live-run table.
func (rc *RunContext) Released() <-chan struct{} {
	return rc.released
}

// Done is closed once the execution goroutine has returned.
func (rc *RunContext) Done() <-chan struct{} {
	return rc.done
}

// CancelRequested reports whether a stop was accepted for this run.
func (rc *RunContext) CancelRequested() bool {
	return rc.cancelRequested.Load()
}

// Snapshot returns a copy of the run's coordination state.
func (rc *RunContext) Snapshot() RunSnapshot {
	rc.mu.Lock()
	state := rc.state
	rc.mu.Unlock()
	return RunSnapshot{
		SessionID:       rc.SessionID,
		RunID:           rc.RunID,
		MessageID:       rc.MessageID,
		State:           state,
		Seq:             rc.Seq(),
		CancelRequested: rc.cancelRequested.Load(),
		StartedAt:       rc.StartedAt,
	}
}

// RunSnapshot is a point-in-time view of a live run.
type RunSnapshot struct {
	SessionID       string          `json:"session_id"`
	RunID           string          `json:"run_id"`
	MessageID       string          `json:"message_id"`
	State           domain.RunState `json:"state"`
	Seq             int64           `json:"seq"`
	CancelRequested bool            `json:"cancel_requested"`
	StartedAt       time.Time       `json:"started_at"`
}
