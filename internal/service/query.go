package service

import (
	"context"

	"github.com/xiaot623/gogo/internal/domain"
)

// GetRunState returns the session's persisted run state.
func (s *Service) GetRunState(ctx context.Context, sessionID string) (*domain.RunRecord, error) {
	state, err := s.store.GetRunState(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if state == nil {
		return nil, domain.ErrNotFound
	}
	return state, nil
}

// ListEvents returns a run's persisted events after afterSeq.
func (s *Service) ListEvents(ctx context.Context, sessionID, runID string, afterSeq int64) ([]domain.EventRecord, error) {
	return s.store.ListEvents(ctx, sessionID, runID, afterSeq)
}

// ListMessages returns the session's conversation, optionally including
// superseded revisions.
func (s *Service) ListMessages(ctx context.Context, sessionID string, includeSuperseded bool) ([]domain.Message, error) {
	return s.store.ListMessages(ctx, sessionID, includeSuperseded)
}

// ListAuditEvents returns the session's audit trail.
func (s *Service) ListAuditEvents(ctx context.Context, sessionID string) ([]domain.AuditEvent, error) {
	return s.store.ListAuditEvents(ctx, sessionID)
}
