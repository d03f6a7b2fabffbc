package service

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/xiaot623/gogo/internal/audit"
	"github.com/xiaot623/gogo/internal/domain"
	"github.com/xiaot623/gogo/internal/logger"
	"github.com/xiaot623/gogo/internal/metrics"
)

const reasonPolicyError = "policy_error"

// RequestStop handles a control.stop command. Every outcome is reported as an
// ack; the error return is reserved for store failures.
func (s *Service) RequestStop(ctx context.Context, cmd *domain.StopCommand) (*domain.ControlAck, error) {
	ctx, span := s.tracer.Start(ctx, "service.RequestStop", trace.WithAttributes(
		attribute.String("session_id", cmd.SessionID),
		attribute.String("command_id", cmd.CommandID),
	))
	defer span.End()

	if cmd.CommandID == "" {
		metrics.RecordControl(string(domain.CommandTypeStop), string(domain.AckStatusRejected))
		return rejected("", domain.ReasonMissingCommandID), nil
	}

	ack, err := s.ledgerStop(ctx, cmd, domain.ActorUser)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("status", string(ack.Status)), attribute.String("reason", ack.Reason))
	return ack, nil
}

// ledgerStop answers a stop command from the ledger or decides and records it.
func (s *Service) ledgerStop(ctx context.Context, cmd *domain.StopCommand, actor string) (*domain.ControlAck, error) {
	unlock := s.lockCommand(cmd.SessionID, cmd.CommandID)
	defer unlock()
	ctx = logger.WithCommand(logger.WithSession(ctx, cmd.SessionID), cmd.CommandID)

	prev, err := s.replayCommand(ctx, cmd.SessionID, cmd.CommandID)
	if err != nil {
		return nil, err
	}
	if prev != nil {
		metrics.RecordControl(string(domain.CommandTypeStop), "replayed")
		return prev, nil
	}
	if err := s.saveCommand(ctx, cmd.SessionID, cmd.CommandID, domain.CommandTypeStop, cmd); err != nil {
		return nil, err
	}

	ack := s.decideStop(ctx, cmd, actor)
	if ack.Reason != reasonPolicyError {
		// A policy evaluation failure is retried rather than remembered.
		s.saveResult(ctx, cmd.SessionID, ack)
	}
	metrics.RecordControl(string(domain.CommandTypeStop), string(ack.Status))
	return ack, nil
}

func (s *Service) decideStop(ctx context.Context, cmd *domain.StopCommand, actor string) *domain.ControlAck {
	decision, err := s.policyEngine.CheckStop(ctx, cmd)
	if err != nil {
		logger.From(ctx).Error("stop policy evaluation failed", "error", err)
		return rejected(cmd.CommandID, reasonPolicyError)
	}
	if !decision.Allow {
		return rejected(cmd.CommandID, decision.Reason)
	}

	reason := cmd.Reason
	if reason == "" {
		reason = domain.ReasonUserStop
	}
	rc, rejectReason := s.stopRun(ctx, cmd.SessionID, cmd.RunID, cmd.CommandID, reason, actor)
	if rc == nil {
		return rejected(cmd.CommandID, rejectReason)
	}
	return &domain.ControlAck{
		CommandID: cmd.CommandID,
		Status:    domain.AckStatusAccepted,
		RunID:     rc.RunID,
		MessageID: rc.MessageID,
	}
}

// CancelRun is the out-of-band form of control.stop and shares its command
// ledger. When sessionID is empty the session is resolved from the run.
func (s *Service) CancelRun(ctx context.Context, sessionID, runID, commandID, reason string) (*domain.ControlAck, error) {
	ctx, span := s.tracer.Start(ctx, "service.CancelRun", trace.WithAttributes(
		attribute.String("run_id", runID),
		attribute.String("command_id", commandID),
	))
	defer span.End()

	if commandID == "" {
		metrics.RecordControl(string(domain.CommandTypeStop), string(domain.AckStatusRejected))
		return rejected("", domain.ReasonMissingCommandID), nil
	}
	if sessionID == "" {
		if rc := s.liveRunByID(runID); rc != nil {
			sessionID = rc.SessionID
		} else {
			sid, err := s.store.FindRunSession(ctx, runID)
			if err != nil {
				return nil, err
			}
			if sid == "" {
				// No session to key the ledger on.
				metrics.RecordControl(string(domain.CommandTypeStop), string(domain.AckStatusRejected))
				return rejected(commandID, domain.ReasonNoActiveRun), nil
			}
			sessionID = sid
		}
	}

	ack, err := s.ledgerStop(ctx, &domain.StopCommand{
		SessionID: sessionID,
		CommandID: commandID,
		RunID:     runID,
		Reason:    reason,
	}, domain.ActorSystem)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("status", string(ack.Status)), attribute.String("reason", ack.Reason))
	return ack, nil
}

// stopRun moves the session's live run to cancelling and starts its
// finalizer. A run that is already cancelling is reported as accepted. On
// rejection it returns a nil run and the reason.
func (s *Service) stopRun(ctx context.Context, sessionID, runID, commandID, reason, actor string) (*RunContext, string) {
	rc := s.LiveRun(sessionID)
	if rc == nil {
		return nil, domain.ReasonNoActiveRun
	}
	if runID != "" && runID != rc.RunID {
		return nil, domain.ReasonRunIDMismatch
	}

	rc.mu.Lock()
	switch rc.state {
	case domain.RunStateCancelling:
		rc.mu.Unlock()
		return rc, ""
	case domain.RunStateRunning:
		rc.state = domain.RunStateCancelling
		rc.byCommandID = commandID
		rc.cancelReason = reason
		rc.cancelRequested.Store(true)
	default:
		// Finished between the lookup and the lock.
		rc.mu.Unlock()
		return nil, domain.ReasonNoActiveRun
	}
	rc.mu.Unlock()

	ctx = logger.WithRun(ctx, sessionID, rc.RunID)
	s.audit.Record(ctx, &domain.AuditEvent{
		SessionID: sessionID,
		Actor:     actor,
		EventType: domain.AuditStopRequested,
		RunID:     rc.RunID,
		Reason:    reason,
		Payload:   audit.Payload(map[string]string{"command_id": commandID}),
	})
	logger.From(ctx).Info("stop requested", "reason", reason)

	s.startFinalizer(rc)
	return rc, ""
}

// startFinalizer waits for the run's task to observe the stop. If it has
// not returned within the grace period the task is hard-killed and the
// run is finished on its behalf.
func (s *Service) startFinalizer(rc *RunContext) {
	if !rc.finalizerStarted.CompareAndSwap(false, true) {
		return
	}
	grace := s.config.CancelGrace
	go func() {
		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-rc.done:
			// The task returned and routed itself through finish.
			return
		case <-rc.released:
			return
		case <-timer.C:
		}

		rc.hardKilled.Store(true)
		rc.cancel()
		logger.From(logger.WithRun(context.Background(), rc.SessionID, rc.RunID)).Warn(
			"run did not stop within grace period, hard-killing", "grace", grace)
		s.finishCancelled(rc, true)
	}()
}
