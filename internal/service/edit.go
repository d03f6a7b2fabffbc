package service

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/google/uuid"
	"github.com/xiaot623/gogo/internal/audit"
	"github.com/xiaot623/gogo/internal/domain"
	"github.com/xiaot623/gogo/internal/logger"
	"github.com/xiaot623/gogo/internal/metrics"
	"github.com/xiaot623/gogo/internal/repository"
)

// HandleEditResend supersedes a user message with new content and starts a
// run for the replacement. A live run in the session is cancelled first.
func (s *Service) HandleEditResend(ctx context.Context, cmd *domain.EditResendCommand) (*domain.ControlAck, error) {
	ctx, span := s.tracer.Start(ctx, "service.HandleEditResend", trace.WithAttributes(
		attribute.String("session_id", cmd.SessionID),
		attribute.String("command_id", cmd.CommandID),
		attribute.String("target_message_id", cmd.TargetMessageID),
	))
	defer span.End()

	if cmd.CommandID == "" {
		metrics.RecordControl(string(domain.CommandTypeEditResend), string(domain.AckStatusRejected))
		return rejected("", domain.ReasonMissingCommandID), nil
	}

	unlock := s.lockCommand(cmd.SessionID, cmd.CommandID)
	defer unlock()
	ctx = logger.WithCommand(logger.WithSession(ctx, cmd.SessionID), cmd.CommandID)

	prev, err := s.replayCommand(ctx, cmd.SessionID, cmd.CommandID)
	if err != nil {
		return nil, err
	}
	if prev != nil {
		metrics.RecordControl(string(domain.CommandTypeEditResend), "replayed")
		return prev, nil
	}
	if err := s.saveCommand(ctx, cmd.SessionID, cmd.CommandID, domain.CommandTypeEditResend, cmd); err != nil {
		return nil, err
	}

	ack, record, err := s.editResend(ctx, cmd)
	if err != nil {
		return nil, err
	}
	if record {
		s.saveResult(ctx, cmd.SessionID, ack)
	}
	metrics.RecordControl(string(domain.CommandTypeEditResend), string(ack.Status))
	span.SetAttributes(attribute.String("status", string(ack.Status)), attribute.String("reason", ack.Reason))
	return ack, nil
}

// editResend decides the command. record is false for outcomes that depend on
// transient session state, which a retry of the same command may resolve.
func (s *Service) editResend(ctx context.Context, cmd *domain.EditResendCommand) (ack *domain.ControlAck, record bool, err error) {
	log := logger.From(ctx)

	target, err := s.store.GetMessage(ctx, cmd.TargetMessageID)
	if err != nil {
		return nil, false, err
	}
	decision, err := s.policyEngine.CheckEditResend(ctx, cmd, target)
	if err != nil {
		log.Error("edit policy evaluation failed", "error", err)
		return rejected(cmd.CommandID, reasonPolicyError), false, nil
	}
	if !decision.Allow {
		return rejected(cmd.CommandID, decision.Reason), true, nil
	}
	if target == nil {
		return rejected(cmd.CommandID, domain.ReasonTargetNotFound), true, nil
	}

	if !s.preempt(ctx, cmd.SessionID, cmd.CommandID) {
		log.Warn("live run did not release in time for edit-and-resend")
		return rejected(cmd.CommandID, domain.ReasonPreemptTimeout), false, nil
	}

	replacement := &domain.Message{
		MessageID:       "msg_" + uuid.New().String(),
		SessionID:       cmd.SessionID,
		Role:            domain.RoleUser,
		Content:         cmd.NewContent,
		Status:          domain.MessageStatusActive,
		ParentMessageID: target.MessageID,
		Revision:        target.Revision + 1,
		CreatedAt:       time.Now(),
	}
	if err := s.store.SupersedeMessage(ctx, target.MessageID, replacement); err != nil {
		if errors.Is(err, store.ErrMessageNotActive) {
			return rejected(cmd.CommandID, domain.ReasonTargetSuperseded), true, nil
		}
		return nil, false, err
	}

	before, _ := audit.ContentHash(target.Content)
	after, _ := audit.ContentHash(cmd.NewContent)
	reason := cmd.Reason
	if reason == "" {
		reason = domain.ReasonEditResendPreempt
	}
	s.audit.Record(ctx, &domain.AuditEvent{
		SessionID:         cmd.SessionID,
		Actor:             domain.ActorUser,
		EventType:         domain.AuditMessageSuperseded,
		TargetMessageID:   target.MessageID,
		ContentHashBefore: before,
		ContentHashAfter:  after,
		Reason:            reason,
		Payload: audit.Payload(map[string]any{
			"command_id":     cmd.CommandID,
			"new_message_id": replacement.MessageID,
			"revision":       replacement.Revision,
		}),
	})

	ev := domain.NewEvent(domain.EventTypeMessageSuperseded, cmd.SessionID)
	ev.TargetMessageID = target.MessageID
	ev.NewMessageID = replacement.MessageID
	ev.Revision = replacement.Revision
	if err := s.registry.Send(ctx, cmd.SessionID, ev); err != nil {
		log.Error("failed to send message.superseded", "error", err)
	}

	handle, err := s.StartRun(ctx, &domain.StartRunRequest{
		SessionID:      cmd.SessionID,
		Content:        cmd.NewContent,
		CommandID:      cmd.CommandID,
		InputMessageID: replacement.MessageID,
	})
	if err != nil {
		if reason, ok := domain.RejectionReason(err); ok {
			// Another run claimed the session after the preemption.
			return rejected(cmd.CommandID, reason), false, nil
		}
		return nil, false, err
	}

	log.Info("message superseded", "target_message_id", target.MessageID, "new_message_id", replacement.MessageID, "run_id", handle.RunID)
	return &domain.ControlAck{
		CommandID: cmd.CommandID,
		Status:    domain.AckStatusAccepted,
		RunID:     handle.RunID,
		MessageID: handle.MessageID,
	}, true, nil
}

// preempt cancels the session's live run, if any, and waits for it to leave
// the live-run table. It reports whether the session is free.
func (s *Service) preempt(ctx context.Context, sessionID, commandID string) bool {
	rc := s.LiveRun(sessionID)
	if rc == nil {
		return true
	}
	s.stopRun(ctx, sessionID, rc.RunID, commandID, domain.ReasonEditResendPreempt, domain.ActorUser)

	timer := time.NewTimer(s.config.CancelGrace + preemptSlack)
	defer timer.Stop()
	select {
	case <-rc.Released():
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}
