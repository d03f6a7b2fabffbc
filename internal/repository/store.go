// Package store defines the storage interface and its SQL implementation.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/xiaot623/gogo/internal/domain"
)

// ErrMessageNotActive is returned when a supersede targets a message that is
// missing or already superseded.
var ErrMessageNotActive = errors.New("message is not active")

// Store defines the interface for data persistence.
type Store interface {
	// Run state operations
	UpsertRunState(ctx context.Context, run *domain.RunRecord) error
	GetRunState(ctx context.Context, sessionID string) (*domain.RunRecord, error)
	UpdateRunStatus(ctx context.Context, sessionID, runID string, status domain.RunStatus, reason string) error
	InterruptRun(ctx context.Context, sessionID, runID, reason string) (bool, error)
	InterruptActiveRuns(ctx context.Context, reason string) (int64, error)
	FindRunSession(ctx context.Context, runID string) (string, error)

	// Event log operations
	AppendEvent(ctx context.Context, event *domain.EventRecord) error
	ListEvents(ctx context.Context, sessionID, runID string, afterSeq int64) ([]domain.EventRecord, error)

	// Command ledger operations
	GetCommandResult(ctx context.Context, sessionID, commandID string) (json.RawMessage, error)
	SaveCommand(ctx context.Context, cmd *domain.Command) error
	SaveCommandResult(ctx context.Context, sessionID, commandID string, result json.RawMessage) error

	// Audit operations
	CreateAuditEvent(ctx context.Context, event *domain.AuditEvent) error
	ListAuditEvents(ctx context.Context, sessionID string) ([]domain.AuditEvent, error)

	// Message operations
	CreateMessage(ctx context.Context, message *domain.Message) error
	GetMessage(ctx context.Context, messageID string) (*domain.Message, error)
	ListMessages(ctx context.Context, sessionID string, includeSuperseded bool) ([]domain.Message, error)
	SupersedeMessage(ctx context.Context, targetID string, replacement *domain.Message) error

	// Retention
	PruneBefore(ctx context.Context, cutoff time.Time) (*PruneResult, error)

	// Lifecycle
	Close() error
}

// PruneResult counts the rows removed by one retention pass.
type PruneResult struct {
	Events   int64
	Commands int64
	Audits   int64
}
