// Package domain defines the core domain models for the run coordinator.
package domain

// RunState is the in-memory state of a live run.
type RunState string

const (
	RunStateRunning    RunState = "running"
	RunStateCancelling RunState = "cancelling"
	RunStateCancelled  RunState = "cancelled"
	RunStateCompleted  RunState = "completed"
	RunStateFailed     RunState = "failed"
)

// IsLive reports whether the state still owns the session's live-run slot.
func (s RunState) IsLive() bool {
	return s == RunStateRunning || s == RunStateCancelling
}

// RunStatus is the persisted status of a session's current run.
type RunStatus string

const (
	RunStatusActive      RunStatus = "active"
	RunStatusStreaming   RunStatus = "streaming"
	RunStatusCompleted   RunStatus = "completed"
	RunStatusCancelled   RunStatus = "cancelled"
	RunStatusFailed      RunStatus = "failed"
	RunStatusInterrupted RunStatus = "interrupted"
)

// IsOpen reports whether a persisted run has not reached any end state.
func (s RunStatus) IsOpen() bool {
	return s == RunStatusActive || s == RunStatusStreaming
}

// IsTerminal reports whether a persisted run finished with a terminal event.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusCancelled, RunStatusFailed:
		return true
	}
	return false
}

// EventType is the type of an outbound stream event.
type EventType string

const (
	EventTypeRunStarted        EventType = "run.started"
	EventTypeMessageDelta      EventType = "message.delta"
	EventTypeMessageEnd        EventType = "message.end"
	EventTypeMessageCancelled  EventType = "message.cancelled"
	EventTypeMessageError      EventType = "message.error"
	EventTypeMessageSuperseded EventType = "message.superseded"
)

// CommandType identifies the kind of an idempotent command.
type CommandType string

const (
	CommandTypeUserMessage CommandType = "user_message"
	CommandTypeStop        CommandType = "control.stop"
	CommandTypeEditResend  CommandType = "control.edit_resend"
)

// AckStatus is the outcome reported by a control acknowledgment.
type AckStatus string

const (
	AckStatusAccepted AckStatus = "accepted"
	AckStatusRejected AckStatus = "rejected"
)

// ResumeStatus is the outcome of a resume request.
type ResumeStatus string

const (
	ResumeStatusNotFound      ResumeStatus = "not_found"
	ResumeStatusRequiredRetry ResumeStatus = "required_retry"
	ResumeStatusReplayed      ResumeStatus = "replayed"
	ResumeStatusNoop          ResumeStatus = "noop"
)

// MessageStatus is the lifecycle status of a stored conversation message.
type MessageStatus string

const (
	MessageStatusActive     MessageStatus = "active"
	MessageStatusSuperseded MessageStatus = "superseded"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Machine-readable reason codes.
const (
	ReasonConcurrentStream       = "concurrent_stream"
	ReasonNoActiveRun            = "no_active_run"
	ReasonRunIDMismatch          = "run_id_mismatch"
	ReasonMissingCommandID       = "missing_command_id"
	ReasonUnsupportedScope       = "unsupported_scope"
	ReasonEditResendPreempt      = "edit_resend_preempt"
	ReasonUserStop               = "user_stop"
	ReasonRunIDMismatchOrMissing = "run_id_mismatch_or_missing"
	ReasonResumeNoBuffer         = "resume_no_buffer"
	ReasonProcessRestarted       = "process_restarted"
	ReasonRunInProgress          = "run_in_progress"
	ReasonRunInterrupted         = "run_interrupted"
	ReasonEventsPruned           = "events_pruned"
	ReasonTargetNotFound         = "target_not_found"
	ReasonTargetNotInSession     = "target_not_in_session"
	ReasonTargetNotUserMessage   = "target_not_user_message"
	ReasonTargetSuperseded       = "target_already_superseded"
	ReasonEmptyContent           = "empty_content"
	ReasonPreemptTimeout         = "preempt_timeout"
)

// Audit event types.
const (
	AuditStopRequested     = "stop_requested"
	AuditStopEffective     = "stop_effective"
	AuditMessageSuperseded = "message_superseded"
	AuditRunStarted        = "run_started"
	AuditRunInterrupted    = "run_interrupted"
)

// Audit actors.
const (
	ActorUser   = "user"
	ActorSystem = "system"
)
