package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/xiaot623/gogo/internal/domain"
	"github.com/xiaot623/gogo/internal/logger"
	"github.com/xiaot623/gogo/internal/metrics"
)

// replayCommand returns the recorded ack of a decided command, or nil.
func (s *Service) replayCommand(ctx context.Context, sessionID, commandID string) (*domain.ControlAck, error) {
	raw, err := s.store.GetCommandResult(ctx, sessionID, commandID)
	if err != nil {
		return nil, fmt.Errorf("lookup command result: %w", err)
	}
	if raw == nil {
		return nil, nil
	}
	var ack domain.ControlAck
	if err := json.Unmarshal(raw, &ack); err != nil {
		return nil, fmt.Errorf("decode command result: %w", err)
	}
	return &ack, nil
}

// saveCommand records that a command was received. Duplicates are ignored.
func (s *Service) saveCommand(ctx context.Context, sessionID, commandID string, cmdType domain.CommandType, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal command payload: %w", err)
	}
	return s.store.SaveCommand(ctx, &domain.Command{
		SessionID: sessionID,
		CommandID: commandID,
		Type:      cmdType,
		Payload:   raw,
		CreatedAt: time.Now(),
	})
}

// saveResult records ack as the command's outcome. A failed write is logged:
// the ack has already been decided and is still returned to the caller.
func (s *Service) saveResult(ctx context.Context, sessionID string, ack *domain.ControlAck) {
	raw, err := json.Marshal(ack)
	if err == nil {
		err = s.store.SaveCommandResult(ctx, sessionID, ack.CommandID, raw)
	}
	if err != nil {
		logger.From(ctx).Error("failed to save command result", "command_id", ack.CommandID, "error", err)
	}
}

func rejected(commandID, reason string) *domain.ControlAck {
	return &domain.ControlAck{CommandID: commandID, Status: domain.AckStatusRejected, Reason: reason}
}

// SubmitUserMessage starts a run for a user turn. When the request carries a
// command id a retried submission returns the first accepted ack instead of
// starting a second run. A concurrent_stream rejection is not recorded, so
// the same command may be retried once the session is free.
func (s *Service) SubmitUserMessage(ctx context.Context, req *domain.StartRunRequest) (*domain.ControlAck, error) {
	if req.CommandID != "" {
		unlock := s.lockCommand(req.SessionID, req.CommandID)
		defer unlock()
		ctx = logger.WithCommand(ctx, req.CommandID)

		prev, err := s.replayCommand(ctx, req.SessionID, req.CommandID)
		if err != nil {
			return nil, err
		}
		if prev != nil {
			metrics.RecordControl(string(domain.CommandTypeUserMessage), "replayed")
			return prev, nil
		}
	}

	handle, err := s.StartRun(ctx, req)
	if err != nil {
		if reason, ok := domain.RejectionReason(err); ok {
			metrics.RecordControl(string(domain.CommandTypeUserMessage), string(domain.AckStatusRejected))
			return rejected(req.CommandID, reason), nil
		}
		return nil, err
	}

	ack := &domain.ControlAck{
		CommandID: req.CommandID,
		Status:    domain.AckStatusAccepted,
		RunID:     handle.RunID,
		MessageID: handle.MessageID,
	}
	if req.CommandID != "" {
		if err := s.saveCommand(ctx, req.SessionID, req.CommandID, domain.CommandTypeUserMessage, map[string]any{
			"content_length": len(req.Content),
		}); err != nil {
			logger.From(ctx).Error("failed to save command", "error", err)
		}
		s.saveResult(ctx, req.SessionID, ack)
	}
	metrics.RecordControl(string(domain.CommandTypeUserMessage), string(ack.Status))
	return ack, nil
}
