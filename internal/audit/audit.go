// Package audit records forensic lifecycle events.
// Records are write-only: nothing reads them to make control decisions.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
	"github.com/xiaot623/gogo/internal/domain"
	"github.com/xiaot623/gogo/internal/logger"
)

// Writer persists audit events.
type Writer interface {
	CreateAuditEvent(ctx context.Context, event *domain.AuditEvent) error
}

// Sink writes audit events to a store and the structured log.
type Sink struct {
	store   Writer
	timeout time.Duration
}

// NewSink creates a Sink. store may be nil, in which case events are only logged.
func NewSink(store Writer) *Sink {
	return &Sink{store: store, timeout: 5 * time.Second}
}

// Record fills in the id and timestamp of ev and writes it.
// Failures are logged and never returned.
func (s *Sink) Record(ctx context.Context, ev *domain.AuditEvent) {
	if ev.ID == "" {
		ev.ID = "aud_" + uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	if ev.SessionID != "" && logger.SessionID(ctx) == "" {
		ctx = logger.WithSession(ctx, ev.SessionID)
	}
	if ev.RunID != "" && logger.RunID(ctx) == "" {
		ctx = logger.WithRun(ctx, logger.SessionID(ctx), ev.RunID)
	}
	log := logger.From(ctx).With("audit", ev.EventType, "actor", ev.Actor)
	if ev.Reason != "" {
		log = log.With("reason", ev.Reason)
	}
	log.Info("audit event")

	if s == nil || s.store == nil {
		return
	}
	// Detach from the caller so a cancelled request does not drop the record.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()
	if err := s.store.CreateAuditEvent(wctx, ev); err != nil {
		slog.Error("failed to write audit event", "event_type", ev.EventType, "session_id", ev.SessionID, "error", err)
	}
}

// Payload marshals v for AuditEvent.Payload. Marshal errors yield nil.
func Payload(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}

// ContentHash returns the sha256 hex digest of the RFC 8785 canonical form of
// {"content": content}.
func ContentHash(content string) (string, error) {
	raw, err := json.Marshal(map[string]string{"content": content})
	if err != nil {
		return "", err
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
