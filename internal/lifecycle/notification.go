package lifecycle

import (
	"encoding/json"
	"time"
)

// Status enumerates the notification lifecycle states.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusQueued     Status = "QUEUED"
	StatusProcessing Status = "PROCESSING"
	StatusSent       Status = "SENT"
	StatusDelivered  Status = "DELIVERED"
	StatusFailed     Status = "FAILED"
	StatusBounced    Status = "BOUNCED"
	StatusCancelled  Status = "CANCELLED"
)

// Channel and type constants used by the email pipeline.
const (
	ChannelEmail = "email"

	TypeEmailVerification = "email_verification"
	TypePasswordReset     = "password_reset"
)

// Notification is the persistent record of one dispatch attempt lifecycle.
// It is owned exclusively by the lifecycle service and mutated only through
// UpdateStatus.
type Notification struct {
	ID           string            `json:"id"`
	UserID       string            `json:"user_id"`
	Type         string            `json:"type"`
	Channel      string            `json:"channel"`
	Priority     string            `json:"priority,omitempty"`
	Recipient    string            `json:"recipient"`
	Subject      string            `json:"subject,omitempty"`
	TemplateID   string            `json:"template_id,omitempty"`
	Payload      json.RawMessage   `json:"payload,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Status       Status            `json:"status"`
	JobID        string            `json:"job_id,omitempty"`
	ExternalID   string            `json:"external_id,omitempty"`
	AttemptCount int               `json:"attempt_count"`
	MaxAttempts  int               `json:"max_attempts"`

	NextRetryAt   *time.Time `json:"next_retry_at,omitempty"`
	ScheduledFor  *time.Time `json:"scheduled_for,omitempty"`
	QueuedAt      *time.Time `json:"queued_at,omitempty"`
	ProcessingAt  *time.Time `json:"processing_at,omitempty"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	SentAt        *time.Time `json:"sent_at,omitempty"`
	DeliveredAt   *time.Time `json:"delivered_at,omitempty"`
	FailedAt      *time.Time `json:"failed_at,omitempty"`

	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	ErrorStack   string `json:"error_stack,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Terminal reports whether no further automatic transition can occur for the
// record: SENT and DELIVERED and CANCELLED always, FAILED and BOUNCED once
// the retry budget is exhausted.
func (n *Notification) Terminal() bool {
	switch n.Status {
	case StatusSent, StatusDelivered, StatusCancelled:
		return true
	case StatusFailed, StatusBounced:
		return n.AttemptCount >= n.MaxAttempts
	default:
		return false
	}
}

// Retryable reports whether the record is eligible for replay at the given
// instant: FAILED with budget remaining and no future nextRetryAt.
func (n *Notification) Retryable(now time.Time) bool {
	if n.Status != StatusFailed {
		return false
	}
	if n.AttemptCount >= n.MaxAttempts {
		return false
	}
	if n.NextRetryAt != nil && n.NextRetryAt.After(now) {
		return false
	}
	return true
}

// Template is a versioned, named markup document kept in the catalog. At
// most one version per code is active at a time.
type Template struct {
	ID           string    `json:"id"`
	Code         string    `json:"code"`
	Name         string    `json:"name"`
	Channel      string    `json:"channel"`
	Type         string    `json:"type"`
	Subject      string    `json:"subject,omitempty"`
	BodyTemplate string    `json:"body_template"`
	Variables    []string  `json:"variables,omitempty"`
	Version      int       `json:"version"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Stats aggregates notification counts for the stats query.
type Stats struct {
	Total     int            `json:"total"`
	ByStatus  map[Status]int `json:"by_status"`
	ByChannel map[string]int `json:"by_channel"`
	ByType    map[string]int `json:"by_type"`
}
