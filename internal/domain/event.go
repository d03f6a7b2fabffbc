package domain

import "time"

// Event is an outbound message pushed to a session's channel.
// Events that belong to a run's stream carry SessionID, RunID, MessageID and Seq.
type Event struct {
	Type      EventType      `json:"type"`
	Ts        int64          `json:"ts"`
	SessionID string         `json:"session_id"`
	RunID     string         `json:"run_id,omitempty"`
	MessageID string         `json:"message_id,omitempty"`
	Seq       int64          `json:"seq,omitempty"`
	Delta     string         `json:"delta,omitempty"`
	Content   string         `json:"content,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`

	// message.cancelled
	ByCommandID  string `json:"by_command_id,omitempty"`
	CancelReason string `json:"cancel_reason,omitempty"`
	HardKill     *bool  `json:"hard_kill,omitempty"`

	// message.superseded
	TargetMessageID string `json:"target_message_id,omitempty"`
	NewMessageID    string `json:"new_message_id,omitempty"`
	Revision        int    `json:"revision,omitempty"`
}

// NewEvent returns an event stamped with the current time.
func NewEvent(eventType EventType, sessionID string) *Event {
	return &Event{
		Type:      eventType,
		Ts:        time.Now().UnixMilli(),
		SessionID: sessionID,
	}
}

// IsSequenced reports whether the event belongs to a run's persisted stream.
func (e *Event) IsSequenced() bool {
	return e.RunID != "" && e.Seq > 0
}

// IsTerminal reports whether the event ends a run's stream.
func (e *Event) IsTerminal() bool {
	switch e.Type {
	case EventTypeMessageEnd, EventTypeMessageCancelled, EventTypeMessageError:
		return true
	}
	return false
}
