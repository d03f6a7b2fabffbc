// Package protocol defines the WebSocket message protocol between clients and
// the run coordinator.
package protocol

import (
	"time"

	"github.com/xiaot623/gogo/internal/domain"
)

// Message types from client to server
const (
	TypeHello       = "hello"
	TypeUserMessage = "user_message"
	TypeStop        = "control.stop"
	TypeEditResend  = "control.edit_resend"
	TypeResume      = "resume"
)

// Message types from server to client. Run stream events use the
// domain.EventType values.
const (
	TypeHelloAck       = "hello_ack"
	TypeUserMessageAck = "user_message.ack"
	TypeControlAck     = "control.ack"
	TypeResumeStatus   = "resume.status"
	TypeError          = "error"
)

// BaseMessage contains common fields for all messages.
type BaseMessage struct {
	Type      string `json:"type"`
	Ts        int64  `json:"ts"`
	RequestID string `json:"request_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	RunID     string `json:"run_id,omitempty"`
}

// NewBase returns a BaseMessage stamped with the current time.
func NewBase(msgType, sessionID string) BaseMessage {
	return BaseMessage{Type: msgType, Ts: time.Now().UnixMilli(), SessionID: sessionID}
}

// HelloMessage is sent by client to establish connection.
type HelloMessage struct {
	BaseMessage
	APIKey     string            `json:"api_key,omitempty"`
	ClientMeta map[string]string `json:"client_meta,omitempty"`
}

// HelloAckMessage is sent after a successful hello.
type HelloAckMessage struct {
	BaseMessage
}

// UserMessage starts a new turn.
type UserMessage struct {
	BaseMessage
	CommandID string         `json:"command_id,omitempty"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// StopMessage requests cancellation of the live run.
type StopMessage struct {
	BaseMessage
	CommandID string `json:"command_id"`
	Reason    string `json:"reason,omitempty"`
	Scope     string `json:"scope,omitempty"`
}

// EditResendMessage replaces a prior user message and reruns from it.
type EditResendMessage struct {
	BaseMessage
	CommandID       string `json:"command_id"`
	TargetMessageID string `json:"target_message_id"`
	NewContent      string `json:"new_content"`
	Reason          string `json:"reason,omitempty"`
}

// ResumeMessage asks for the events missed since last_seq.
type ResumeMessage struct {
	BaseMessage
	LastSeq int64 `json:"last_seq"`
}

// AckMessage acknowledges a user message or control command.
type AckMessage struct {
	BaseMessage
	CommandID string           `json:"command_id"`
	Status    domain.AckStatus `json:"status"`
	MessageID string           `json:"message_id,omitempty"`
	Reason    string           `json:"reason,omitempty"`
}

// NewAck wraps a service acknowledgment.
func NewAck(msgType, sessionID, requestID string, ack *domain.ControlAck) AckMessage {
	base := NewBase(msgType, sessionID)
	base.RequestID = requestID
	base.RunID = ack.RunID
	return AckMessage{
		BaseMessage: base,
		CommandID:   ack.CommandID,
		Status:      ack.Status,
		MessageID:   ack.MessageID,
		Reason:      ack.Reason,
	}
}

// ResumeStatusMessage closes a resume exchange.
type ResumeStatusMessage struct {
	BaseMessage
	Status        domain.ResumeStatus `json:"status"`
	Reason        string              `json:"reason,omitempty"`
	FromSeq       int64               `json:"from_seq"`
	ToSeq         int64               `json:"to_seq"`
	ReplayedCount int                 `json:"replayed_count"`
}

// NewResumeStatus wraps a resume result.
func NewResumeStatus(sessionID, requestID string, res *domain.ResumeResult) ResumeStatusMessage {
	base := NewBase(TypeResumeStatus, sessionID)
	base.RequestID = requestID
	base.RunID = res.RunID
	return ResumeStatusMessage{
		BaseMessage:   base,
		Status:        res.Status,
		Reason:        res.Reason,
		FromSeq:       res.FromSeq,
		ToSeq:         res.ToSeq,
		ReplayedCount: res.ReplayedCount,
	}
}

// ErrorMessage is sent when a message cannot be handled.
type ErrorMessage struct {
	BaseMessage
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes
const (
	ErrorCodeInvalidMessage  = "invalid_message"
	ErrorCodeUnauthorized    = "unauthorized"
	ErrorCodeSessionRequired = "session_required"
	ErrorCodeRateLimited     = "rate_limited"
	ErrorCodeInternalError   = "internal_error"
)
