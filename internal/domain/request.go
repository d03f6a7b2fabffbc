package domain

// StartRunRequest starts a run for one user turn.
type StartRunRequest struct {
	SessionID string         `json:"session_id"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CommandID string         `json:"command_id,omitempty"`
	// InputMessageID refers to an already stored user message. When empty the
	// content is stored as a new user message.
	InputMessageID string `json:"input_message_id,omitempty"`
}

// RunHandle identifies an accepted run.
type RunHandle struct {
	SessionID string `json:"session_id"`
	RunID     string `json:"run_id"`
	MessageID string `json:"message_id"`
}

// StopCommand requests cancellation of the session's live run.
type StopCommand struct {
	SessionID string `json:"session_id"`
	CommandID string `json:"command_id"`
	RunID     string `json:"run_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Scope     string `json:"scope,omitempty"`
}

// EditResendCommand supersedes a prior user message and starts a new run for
// the replacement content.
type EditResendCommand struct {
	SessionID       string `json:"session_id"`
	CommandID       string `json:"command_id"`
	TargetMessageID string `json:"target_message_id"`
	NewContent      string `json:"new_content"`
	Reason          string `json:"reason,omitempty"`
}

// ControlAck is the acknowledgment returned for every control command.
type ControlAck struct {
	CommandID string    `json:"command_id"`
	Status    AckStatus `json:"status"`
	RunID     string    `json:"run_id,omitempty"`
	MessageID string    `json:"message_id,omitempty"`
	Reason    string    `json:"reason,omitempty"`
}

// Accepted reports whether the command was accepted.
func (a *ControlAck) Accepted() bool {
	return a.Status == AckStatusAccepted
}

// ResumeRequest asks for the events a reconnecting client missed.
type ResumeRequest struct {
	SessionID string `json:"session_id"`
	RunID     string `json:"run_id,omitempty"`
	LastSeq   int64  `json:"last_seq"`
}

// ResumeResult reports the outcome of a resume request.
type ResumeResult struct {
	Status        ResumeStatus  `json:"status"`
	Reason        string        `json:"reason,omitempty"`
	RunID         string        `json:"run_id,omitempty"`
	FromSeq       int64         `json:"from_seq"`
	ToSeq         int64         `json:"to_seq"`
	ReplayedCount int           `json:"replayed_count"`
	Events        []EventRecord `json:"-"`
}
