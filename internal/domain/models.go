package domain

import (
	"encoding/json"
	"time"
)

// RunRecord is the persisted projection of a session's current run.
// There is at most one row per session.
type RunRecord struct {
	SessionID string    `json:"session_id"`
	RunID     string    `json:"run_id"`
	MessageID string    `json:"message_id"`
	Status    RunStatus `json:"status"`
	LastSeq   int64     `json:"last_seq"`
	Reason    string    `json:"reason,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EventRecord is one persisted row of a run's event log.
type EventRecord struct {
	SessionID string          `json:"session_id"`
	RunID     string          `json:"run_id"`
	Seq       int64           `json:"seq"`
	Type      EventType       `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// Command is a Command Ledger entry keyed by (SessionID, CommandID).
type Command struct {
	SessionID string          `json:"session_id"`
	CommandID string          `json:"command_id"`
	Type      CommandType     `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// AuditEvent is a forensic record. It is never read for control decisions.
type AuditEvent struct {
	ID                string          `json:"id"`
	Timestamp         time.Time       `json:"timestamp"`
	SessionID         string          `json:"session_id"`
	Actor             string          `json:"actor"`
	EventType         string          `json:"event_type"`
	RunID             string          `json:"run_id,omitempty"`
	TargetMessageID   string          `json:"target_message_id,omitempty"`
	ContentHashBefore string          `json:"content_hash_before,omitempty"`
	ContentHashAfter  string          `json:"content_hash_after,omitempty"`
	Reason            string          `json:"reason,omitempty"`
	Payload           json.RawMessage `json:"payload,omitempty"`
}

// Message is a stored conversation message.
type Message struct {
	MessageID       string          `json:"message_id"`
	SessionID       string          `json:"session_id"`
	RunID           string          `json:"run_id,omitempty"`
	Role            string          `json:"role"`
	Content         string          `json:"content"`
	Status          MessageStatus   `json:"status"`
	ParentMessageID string          `json:"parent_message_id,omitempty"`
	Revision        int             `json:"revision"`
	CreatedAt       time.Time       `json:"created_at"`
	Metadata        json.RawMessage `json:"metadata,omitempty"`
}
