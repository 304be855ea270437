package worker

import "fmt"

// TerminalError marks a job failure that must never be retried: the payload
// is permanently malformed or the template deployment is broken. The runner
// dead-letters these immediately.
type TerminalError struct {
	Stage string
	Err   error
}

func (e *TerminalError) Error() string {
	return fmt.Sprintf("terminal failure at %s: %v", e.Stage, e.Err)
}

func (e *TerminalError) Unwrap() error { return e.Err }

// RetryableError marks a transient failure, in practice always a transport
// error. The runner maps it onto the queue's delayed retry mechanism.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("retryable failure: %v", e.Err)
}

func (e *RetryableError) Unwrap() error { return e.Err }

// Result is the explicit outcome of one job attempt. Exactly one of Success,
// Terminal and Retryable is set unless the job was skipped by recipient
// preferences.
type Result struct {
	NotificationID string
	UserID         string
	Email          string

	Success   bool
	MessageID string
	Skipped   bool

	Terminal  *TerminalError
	Retryable *RetryableError
}
