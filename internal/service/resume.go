package service

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/xiaot623/gogo/internal/audit"
	"github.com/xiaot623/gogo/internal/domain"
	"github.com/xiaot623/gogo/internal/logger"
	"github.com/xiaot623/gogo/internal/metrics"
)

// ReplayFunc pushes one replayed event to the resuming client.
type ReplayFunc func(ev domain.EventRecord) error

// Resume reports what a reconnecting client missed and replays it through
// replay in seq order. replay may be nil, in which case the events are only
// returned in the result.
//
// While the run is live in this process the replay happens under the run's
// emission lock, so no live event is delivered between replayed ones.
// Clients drop events whose seq they have already seen.
func (s *Service) Resume(ctx context.Context, req *domain.ResumeRequest, replay ReplayFunc) (*domain.ResumeResult, error) {
	ctx, span := s.tracer.Start(ctx, "service.Resume", trace.WithAttributes(
		attribute.String("session_id", req.SessionID),
		attribute.String("run_id", req.RunID),
		attribute.Int64("last_seq", req.LastSeq),
	))
	defer span.End()

	res, err := s.resume(logger.WithSession(ctx, req.SessionID), req, replay)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	metrics.RecordResume(string(res.Status))
	span.SetAttributes(attribute.String("status", string(res.Status)), attribute.Int("replayed", res.ReplayedCount))
	return res, nil
}

func (s *Service) resume(ctx context.Context, req *domain.ResumeRequest, replay ReplayFunc) (*domain.ResumeResult, error) {
	state, err := s.store.GetRunState(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	if state == nil {
		return &domain.ResumeResult{Status: domain.ResumeStatusNotFound, FromSeq: req.LastSeq, ToSeq: req.LastSeq}, nil
	}
	runID := req.RunID
	if runID == "" {
		runID = state.RunID
	}
	if runID != state.RunID {
		return &domain.ResumeResult{
			Status:  domain.ResumeStatusRequiredRetry,
			Reason:  domain.ReasonRunIDMismatchOrMissing,
			RunID:   state.RunID,
			FromSeq: req.LastSeq,
			ToSeq:   req.LastSeq,
		}, nil
	}

	if rc := s.LiveRun(req.SessionID); rc != nil && rc.RunID == runID {
		rc.emitMu.Lock()
		res, err := s.replayTail(ctx, req, runID, replay)
		rc.emitMu.Unlock()
		if err != nil || res != nil {
			return res, err
		}
		return &domain.ResumeResult{
			Status:  domain.ResumeStatusNoop,
			Reason:  domain.ReasonRunInProgress,
			RunID:   runID,
			FromSeq: req.LastSeq,
			ToSeq:   req.LastSeq,
		}, nil
	}

	res, err := s.replayTail(ctx, req, runID, replay)
	if err != nil || res != nil {
		return res, err
	}
	return s.resolveEmptyTail(ctx, req, state)
}

// replayTail lists and replays events after the client's watermark. It
// returns nil when there are none.
func (s *Service) replayTail(ctx context.Context, req *domain.ResumeRequest, runID string, replay ReplayFunc) (*domain.ResumeResult, error) {
	events, err := s.store.ListEvents(ctx, req.SessionID, runID, req.LastSeq)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	if len(events) == 0 {
		return nil, nil
	}
	if events[0].Seq > req.LastSeq+1 {
		// Retention removed part of what the client missed.
		return eventsPruned(req, runID), nil
	}
	if replay != nil {
		for _, ev := range events {
			if err := replay(ev); err != nil {
				// The client went away again; it will resume from its new watermark.
				logger.From(ctx).Debug("replay interrupted", "seq", ev.Seq, "error", err)
				break
			}
		}
	}
	return &domain.ResumeResult{
		Status:        domain.ResumeStatusReplayed,
		RunID:         runID,
		FromSeq:       req.LastSeq,
		ToSeq:         events[len(events)-1].Seq,
		ReplayedCount: len(events),
		Events:        events,
	}, nil
}

// resolveEmptyTail decides the outcome for a run that is not live here and
// has nothing past the client's watermark.
func (s *Service) resolveEmptyTail(ctx context.Context, req *domain.ResumeRequest, state *domain.RunRecord) (*domain.ResumeResult, error) {
	res := &domain.ResumeResult{RunID: state.RunID, FromSeq: req.LastSeq, ToSeq: req.LastSeq}

	if state.Status.IsOpen() {
		changed, err := s.store.InterruptRun(ctx, state.SessionID, state.RunID, domain.ReasonResumeNoBuffer)
		if err != nil {
			return nil, err
		}
		if changed {
			s.audit.Record(logger.WithRun(ctx, state.SessionID, state.RunID), &domain.AuditEvent{
				SessionID: state.SessionID,
				Actor:     domain.ActorSystem,
				EventType: domain.AuditRunInterrupted,
				RunID:     state.RunID,
				Reason:    domain.ReasonResumeNoBuffer,
				Payload:   audit.Payload(map[string]int64{"last_seq": req.LastSeq}),
			})
			res.Status = domain.ResumeStatusRequiredRetry
			res.Reason = domain.ReasonResumeNoBuffer
			return res, nil
		}
		// The status moved under us; decide from the current row.
		if state, err = s.store.GetRunState(ctx, state.SessionID); err != nil {
			return nil, err
		}
		if state == nil || state.RunID != res.RunID {
			res.Status = domain.ResumeStatusRequiredRetry
			res.Reason = domain.ReasonRunIDMismatchOrMissing
			return res, nil
		}
	}

	switch {
	case req.LastSeq < state.LastSeq:
		return eventsPruned(req, state.RunID), nil
	case state.Status == domain.RunStatusInterrupted:
		res.Status = domain.ResumeStatusRequiredRetry
		res.Reason = domain.ReasonRunInterrupted
	case state.Status.IsTerminal():
		res.Status = domain.ResumeStatusNoop
	default:
		res.Status = domain.ResumeStatusRequiredRetry
		res.Reason = domain.ReasonResumeNoBuffer
	}
	return res, nil
}

func eventsPruned(req *domain.ResumeRequest, runID string) *domain.ResumeResult {
	return &domain.ResumeResult{
		Status:  domain.ResumeStatusRequiredRetry,
		Reason:  domain.ReasonEventsPruned,
		RunID:   runID,
		FromSeq: req.LastSeq,
		ToSeq:   req.LastSeq,
	}
}
