package domain

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by lookups that find nothing.
var ErrNotFound = errors.New("not found")

// RejectionError is a command that was refused for a machine-readable reason.
// It is reported to clients as a rejected acknowledgment, never as an error text.
type RejectionError struct {
	Reason string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("rejected: %s", e.Reason)
}

// Reject returns a RejectionError for reason.
func Reject(reason string) error {
	return &RejectionError{Reason: reason}
}

// RejectionReason extracts the reason code if err is a rejection.
func RejectionReason(err error) (string, bool) {
	var rej *RejectionError
	if errors.As(err, &rej) {
		return rej.Reason, true
	}
	return "", false
}
