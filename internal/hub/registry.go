// Package hub maps sessions to their live channel and persists run events
// before they are delivered.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/xiaot623/gogo/internal/domain"
	"github.com/xiaot623/gogo/internal/metrics"
)

// Channel is a duplex connection that can receive outbound messages.
type Channel interface {
	Deliver(data []byte) error
	Close() error
}

// EventLog durably appends run events.
type EventLog interface {
	AppendEvent(ctx context.Context, event *domain.EventRecord) error
}

// Registry holds at most one channel per session.
type Registry struct {
	log EventLog

	mu       sync.RWMutex
	channels map[string]Channel
}

// NewRegistry creates a Registry that appends sequenced events to log.
func NewRegistry(log EventLog) *Registry {
	return &Registry{
		log:      log,
		channels: make(map[string]Channel),
	}
}

// Connect attaches ch to sessionID, replacing and closing any previous channel.
func (r *Registry) Connect(sessionID string, ch Channel) {
	r.mu.Lock()
	prev, existed := r.channels[sessionID]
	r.channels[sessionID] = ch
	r.mu.Unlock()

	if !existed {
		metrics.ConnectedSessions.Inc()
	}
	if existed && prev != ch {
		_ = prev.Close()
	}
	slog.Debug("channel connected", "session_id", sessionID, "replaced", existed)
}

// Disconnect detaches and closes the session's channel.
func (r *Registry) Disconnect(sessionID string) {
	r.mu.Lock()
	ch, ok := r.channels[sessionID]
	delete(r.channels, sessionID)
	r.mu.Unlock()

	if ok {
		metrics.ConnectedSessions.Dec()
		_ = ch.Close()
		slog.Debug("channel disconnected", "session_id", sessionID)
	}
}

// Release detaches ch only if it is still the session's channel.
// The caller keeps ownership of ch.
func (r *Registry) Release(sessionID string, ch Channel) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.channels[sessionID]; ok && cur == ch {
		delete(r.channels, sessionID)
		metrics.ConnectedSessions.Dec()
		return true
	}
	return false
}

// Connected reports whether sessionID has an attached channel.
func (r *Registry) Connected(sessionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.channels[sessionID]
	return ok
}

// Count returns the number of attached sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}

// Send persists ev when it belongs to a run's stream and then pushes it to
// the session's channel. Only persistence errors are returned.
func (r *Registry) Send(ctx context.Context, sessionID string, ev *domain.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if ev.IsSequenced() {
		rec := &domain.EventRecord{
			SessionID: sessionID,
			RunID:     ev.RunID,
			Seq:       ev.Seq,
			Type:      ev.Type,
			Payload:   data,
			CreatedAt: time.Now(),
		}
		if err := r.log.AppendEvent(ctx, rec); err != nil {
			return fmt.Errorf("persist %s seq %d: %w", ev.Type, ev.Seq, err)
		}
		metrics.EventsAppended.WithLabelValues(string(ev.Type)).Inc()
	}

	r.Deliver(sessionID, data)
	return nil
}

// SendJSON pushes a message that is not part of a run's stream.
func (r *Registry) SendJSON(sessionID string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	r.Deliver(sessionID, data)
	return nil
}

// Deliver writes data to the session's channel. A failed write detaches the
// channel. It reports whether the data was handed to a channel.
func (r *Registry) Deliver(sessionID string, data []byte) bool {
	r.mu.RLock()
	ch, ok := r.channels[sessionID]
	r.mu.RUnlock()
	if !ok {
		return false
	}

	if err := ch.Deliver(data); err != nil {
		metrics.DeliveryFailures.Inc()
		slog.Debug("delivery failed, detaching channel", "session_id", sessionID, "error", err)
		if r.Release(sessionID, ch) {
			_ = ch.Close()
		}
		return false
	}
	return true
}
