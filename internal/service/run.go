package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/google/uuid"
	"github.com/xiaot623/gogo/internal/adapter/llm"
	"github.com/xiaot623/gogo/internal/audit"
	"github.com/xiaot623/gogo/internal/domain"
	"github.com/xiaot623/gogo/internal/logger"
	"github.com/xiaot623/gogo/internal/metrics"
)

// StartRun starts a run for one user turn and returns without waiting for it.
// It returns a *domain.RejectionError with reason concurrent_stream when the
// session already has a live run.
func (s *Service) StartRun(ctx context.Context, req *domain.StartRunRequest) (*domain.RunHandle, error) {
	ctx, span := s.tracer.Start(ctx, "service.StartRun", trace.WithAttributes(
		attribute.String("session_id", req.SessionID),
	))
	defer span.End()

	if req.SessionID == "" {
		return nil, fmt.Errorf("session_id is required")
	}
	if req.InputMessageID == "" && strings.TrimSpace(req.Content) == "" {
		return nil, domain.Reject(domain.ReasonEmptyContent)
	}

	rc := newRunContext(req.SessionID, req.CommandID, s.config.RunTimeout)
	if !s.claim(rc) {
		rc.cancel()
		span.SetAttributes(attribute.String("rejected", domain.ReasonConcurrentStream))
		return nil, domain.Reject(domain.ReasonConcurrentStream)
	}
	span.SetAttributes(attribute.String("run_id", rc.RunID))
	log := logger.From(logger.WithRun(ctx, rc.SessionID, rc.RunID))

	genReq, err := s.prepareRun(ctx, rc, req)
	if err != nil {
		s.abortStart(rc, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	metrics.RunsStarted.Inc()
	s.audit.Record(ctx, &domain.AuditEvent{
		SessionID: rc.SessionID,
		Actor:     domain.ActorUser,
		EventType: domain.AuditRunStarted,
		RunID:     rc.RunID,
		Payload:   audit.Payload(map[string]string{"command_id": req.CommandID, "message_id": rc.MessageID}),
	})
	log.Info("run started", "message_id", rc.MessageID)

	go s.execute(rc, genReq)

	return &domain.RunHandle{
		SessionID: rc.SessionID,
		RunID:     rc.RunID,
		MessageID: rc.MessageID,
	}, nil
}

// prepareRun persists the run's initial state and emits run.started.
func (s *Service) prepareRun(ctx context.Context, rc *RunContext, req *domain.StartRunRequest) (*llm.GenerateRequest, error) {
	wctx, cancel := s.writeContext()
	defer cancel()

	if err := s.store.UpsertRunState(wctx, &domain.RunRecord{
		SessionID: rc.SessionID,
		RunID:     rc.RunID,
		MessageID: rc.MessageID,
		Status:    domain.RunStatusActive,
		UpdatedAt: time.Now(),
	}); err != nil {
		return nil, err
	}

	inputID := req.InputMessageID
	content := req.Content
	var metadata json.RawMessage
	if len(req.Metadata) > 0 {
		metadata = audit.Payload(req.Metadata)
	}
	if inputID == "" {
		inputID = "msg_" + uuid.New().String()
		if err := s.store.CreateMessage(wctx, &domain.Message{
			MessageID: inputID,
			SessionID: rc.SessionID,
			RunID:     rc.RunID,
			Role:      domain.RoleUser,
			Content:   req.Content,
			Status:    domain.MessageStatusActive,
			Revision:  1,
			CreatedAt: time.Now(),
			Metadata:  metadata,
		}); err != nil {
			return nil, fmt.Errorf("store user message: %w", err)
		}
	} else if content == "" {
		msg, err := s.store.GetMessage(wctx, inputID)
		if err != nil {
			return nil, err
		}
		if msg == nil {
			return nil, domain.Reject(domain.ReasonTargetNotFound)
		}
		content = msg.Content
	}

	history, err := s.history(wctx, rc.SessionID, inputID)
	if err != nil {
		logger.From(ctx).Warn("failed to load history", "error", err)
	}

	started := domain.NewEvent(domain.EventTypeRunStarted, rc.SessionID)
	started.Metadata = map[string]any{"input_message_id": inputID}
	if req.CommandID != "" {
		started.Metadata["command_id"] = req.CommandID
	}
	rc.emitMu.Lock()
	_, err = s.emitLocked(rc, started)
	rc.emitMu.Unlock()
	if err != nil {
		return nil, err
	}

	return &llm.GenerateRequest{
		SessionID: rc.SessionID,
		RunID:     rc.RunID,
		Content:   content,
		History:   history,
		Metadata:  req.Metadata,
	}, nil
}

// history returns the session's active messages before the input message.
func (s *Service) history(ctx context.Context, sessionID, inputID string) ([]llm.Message, error) {
	msgs, err := s.store.ListMessages(ctx, sessionID, false)
	if err != nil {
		return nil, err
	}
	out := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.MessageID == inputID {
			continue
		}
		out = append(out, llm.Message{Role: m.Role, Content: m.Content})
	}
	if len(out) > historyLimit {
		out = out[len(out)-historyLimit:]
	}
	return out, nil
}

// abortStart undoes a claim whose initial persistence failed.
func (s *Service) abortStart(rc *RunContext, cause error) {
	rc.mu.Lock()
	rc.state = domain.RunStateFailed
	rc.mu.Unlock()
	rc.cancelAcknowledged.Store(true)
	rc.cancel()
	close(rc.done)

	wctx, cancel := s.writeContext()
	defer cancel()
	if _, ok := domain.RejectionReason(cause); !ok {
		if err := s.store.UpdateRunStatus(wctx, rc.SessionID, rc.RunID, domain.RunStatusFailed, cause.Error()); err != nil {
			logger.From(logger.WithRun(wctx, rc.SessionID, rc.RunID)).Error("failed to persist failed status", "error", err)
		}
	}
	s.release(rc)
}

// execute runs the generation and finishes the run. It owns rc.done.
func (s *Service) execute(rc *RunContext, req *llm.GenerateRequest) {
	ctx, span := s.tracer.Start(rc.ctx, "service.execute", trace.WithAttributes(
		attribute.String("session_id", rc.SessionID),
		attribute.String("run_id", rc.RunID),
	))
	defer span.End()
	defer close(rc.done)
	defer rc.cancel()
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("generation panicked: %v", r)
			span.RecordError(err)
			s.finish(rc, nil, err)
		}
	}()

	result, err := s.generator.Generate(ctx, req, func(chunk llm.Chunk) error {
		if rc.cancelRequested.Load() {
			return llm.ErrStopRequested
		}
		return s.emitDelta(rc, chunk.Text)
	})
	if err != nil && !errors.Is(err, llm.ErrStopRequested) {
		span.RecordError(err)
	}
	s.finish(rc, result, err)
}

// finish routes a returned generation to its terminal path.
func (s *Service) finish(rc *RunContext, result *llm.Result, err error) {
	rc.mu.Lock()
	switch {
	case rc.state == domain.RunStateCancelling:
		rc.mu.Unlock()
		s.finishCancelled(rc, rc.hardKilled.Load())
		return
	case !rc.state.IsLive():
		// Another path already finished the run.
		rc.mu.Unlock()
		return
	case err != nil:
		rc.state = domain.RunStateFailed
	default:
		rc.state = domain.RunStateCompleted
	}
	rc.mu.Unlock()

	if err != nil {
		s.finishFailed(rc, err)
		return
	}
	s.finishCompleted(rc, result)
}

// emitDelta emits one message.delta. The first delta moves the persisted
// status to streaming.
func (s *Service) emitDelta(rc *RunContext, text string) error {
	if text == "" {
		return nil
	}
	rc.emitMu.Lock()
	defer rc.emitMu.Unlock()

	ev := domain.NewEvent(domain.EventTypeMessageDelta, rc.SessionID)
	ev.Delta = text
	ev.Content = rc.content.String() + text
	emitted, err := s.emitLocked(rc, ev)
	if err != nil {
		return err
	}
	if !emitted {
		return llm.ErrStopRequested
	}
	rc.content.WriteString(text)

	if !rc.streaming {
		rc.streaming = true
		wctx, cancel := s.writeContext()
		defer cancel()
		if err := s.store.UpdateRunStatus(wctx, rc.SessionID, rc.RunID, domain.RunStatusStreaming, ""); err != nil {
			return fmt.Errorf("persist streaming status: %w", err)
		}
	}
	return nil
}

// emitLocked assigns the next seq to ev, persists it and delivers it.
// Nothing is emitted after a terminal event. rc.emitMu must be held.
// A persistence failure leaves seq unchanged.
func (s *Service) emitLocked(rc *RunContext, ev *domain.Event) (bool, error) {
	if rc.terminal {
		return false, nil
	}
	ev.SessionID = rc.SessionID
	ev.RunID = rc.RunID
	ev.MessageID = rc.MessageID
	ev.Seq = rc.seq + 1

	wctx, cancel := s.writeContext()
	defer cancel()
	if err := s.registry.Send(wctx, rc.SessionID, ev); err != nil {
		logger.From(logger.WithRun(wctx, rc.SessionID, rc.RunID)).Error("failed to persist event",
			"type", ev.Type, "seq", ev.Seq, "error", err)
		return false, err
	}
	rc.seq = ev.Seq
	if ev.IsTerminal() {
		rc.terminal = true
	}
	return true, nil
}

// emitTerminal emits a terminal event, forcing the run's stream closed even
// when persistence fails.
func (s *Service) emitTerminal(rc *RunContext, ev *domain.Event) (string, error) {
	rc.emitMu.Lock()
	defer rc.emitMu.Unlock()
	if ev.Type == domain.EventTypeMessageEnd {
		if ev.Metadata == nil {
			ev.Metadata = map[string]any{}
		}
		ev.Metadata["total_seq"] = rc.seq + 1
	}
	content := rc.content.String()
	if ev.Content == "" && ev.Type != domain.EventTypeMessageError {
		ev.Content = content
	}
	_, err := s.emitLocked(rc, ev)
	rc.terminal = true
	return ev.Content, err
}

func (s *Service) finishCompleted(rc *RunContext, result *llm.Result) {
	log := logger.From(logger.WithRun(context.Background(), rc.SessionID, rc.RunID))

	end := domain.NewEvent(domain.EventTypeMessageEnd, rc.SessionID)
	end.Metadata = map[string]any{}
	if result != nil {
		for k, v := range result.Metadata {
			end.Metadata[k] = v
		}
		rc.emitMu.Lock()
		if rc.content.Len() == 0 {
			end.Content = result.Content
		}
		rc.emitMu.Unlock()
	}

	content, err := s.emitTerminal(rc, end)
	wctx, cancel := s.writeContext()
	defer cancel()
	if err != nil {
		if uerr := s.store.UpdateRunStatus(wctx, rc.SessionID, rc.RunID, domain.RunStatusFailed, err.Error()); uerr != nil {
			log.Error("failed to persist failed status", "error", uerr)
		}
		s.recordFinished(rc, string(domain.RunStatusFailed))
		s.release(rc)
		return
	}

	if err := s.store.CreateMessage(wctx, &domain.Message{
		MessageID: rc.MessageID,
		SessionID: rc.SessionID,
		RunID:     rc.RunID,
		Role:      domain.RoleAssistant,
		Content:   content,
		Status:    domain.MessageStatusActive,
		Revision:  1,
		CreatedAt: time.Now(),
		Metadata:  audit.Payload(end.Metadata),
	}); err != nil {
		log.Error("failed to store assistant message", "error", err)
	}
	if err := s.store.UpdateRunStatus(wctx, rc.SessionID, rc.RunID, domain.RunStatusCompleted, ""); err != nil {
		log.Error("failed to persist completed status", "error", err)
	}

	s.recordFinished(rc, string(domain.RunStatusCompleted))
	log.Info("run completed", "seq", end.Seq)
	s.release(rc)
}

func (s *Service) finishFailed(rc *RunContext, cause error) {
	log := logger.From(logger.WithRun(context.Background(), rc.SessionID, rc.RunID))
	log.Error("run failed", "error", cause)

	ev := domain.NewEvent(domain.EventTypeMessageError, rc.SessionID)
	ev.Content = "Sorry, something went wrong while generating a response."
	ev.Metadata = map[string]any{
		"code": errorCode(cause),
		"role": domain.RoleAssistant,
	}
	if _, err := s.emitTerminal(rc, ev); err != nil {
		log.Error("failed to persist message.error", "error", err)
	}

	wctx, cancel := s.writeContext()
	defer cancel()
	if err := s.store.UpdateRunStatus(wctx, rc.SessionID, rc.RunID, domain.RunStatusFailed, cause.Error()); err != nil {
		log.Error("failed to persist failed status", "error", err)
	}

	s.recordFinished(rc, string(domain.RunStatusFailed))
	s.release(rc)
}

// finishCancelled emits message.cancelled at most once per run and
// releases the run. It reports whether this call emitted it.
func (s *Service) finishCancelled(rc *RunContext, hardKill bool) bool {
	if !rc.cancelAcknowledged.CompareAndSwap(false, true) {
		return false
	}
	rc.mu.Lock()
	rc.state = domain.RunStateCancelled
	byCommandID := rc.byCommandID
	reason := rc.cancelReason
	rc.mu.Unlock()

	ctx := logger.WithCommand(logger.WithRun(context.Background(), rc.SessionID, rc.RunID), byCommandID)
	log := logger.From(ctx)

	ev := domain.NewEvent(domain.EventTypeMessageCancelled, rc.SessionID)
	ev.ByCommandID = byCommandID
	ev.CancelReason = reason
	ev.HardKill = &hardKill
	partial, err := s.emitTerminal(rc, ev)
	if err != nil {
		log.Error("failed to persist message.cancelled", "error", err)
	}

	wctx, cancel := s.writeContext()
	defer cancel()
	if err := s.store.UpdateRunStatus(wctx, rc.SessionID, rc.RunID, domain.RunStatusCancelled, reason); err != nil {
		log.Error("failed to persist cancelled status", "error", err)
	}
	if partial != "" {
		if err := s.store.CreateMessage(wctx, &domain.Message{
			MessageID: rc.MessageID,
			SessionID: rc.SessionID,
			RunID:     rc.RunID,
			Role:      domain.RoleAssistant,
			Content:   partial,
			Status:    domain.MessageStatusActive,
			Revision:  1,
			CreatedAt: time.Now(),
			Metadata:  audit.Payload(map[string]any{"cancelled": true, "cancel_reason": reason}),
		}); err != nil {
			log.Error("failed to store partial assistant message", "error", err)
		}
	}

	if hardKill {
		metrics.HardKills.Inc()
	}
	s.audit.Record(ctx, &domain.AuditEvent{
		SessionID: rc.SessionID,
		Actor:     domain.ActorSystem,
		EventType: domain.AuditStopEffective,
		RunID:     rc.RunID,
		Reason:    reason,
		Payload:   audit.Payload(map[string]any{"command_id": byCommandID, "hard_kill": hardKill, "seq": ev.Seq}),
	})
	s.recordFinished(rc, string(domain.RunStatusCancelled))
	log.Info("run cancelled", "hard_kill", hardKill)
	s.release(rc)
	return true
}

func (s *Service) recordFinished(rc *RunContext, outcome string) {
	metrics.RecordRunFinished(outcome, time.Since(rc.StartedAt).Seconds())
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "run_timeout"
	case errors.Is(err, context.Canceled):
		return "run_aborted"
	default:
		return "generation_failed"
	}
}
