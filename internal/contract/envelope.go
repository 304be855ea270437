package contract

import "time"

// EventType identifies the kind of cross-service event an envelope carries.
// The set is closed: an envelope with any other value is rejected at the
// boundary before business logic sees it.
type EventType string

const (
	EmailVerificationRequested EventType = "EmailVerificationRequested"
	PasswordResetRequested     EventType = "PasswordResetRequested"
	EmailVerificationSent      EventType = "EmailVerificationSent"
	EmailVerificationFailed    EventType = "EmailVerificationFailed"
	PasswordResetSent          EventType = "PasswordResetSent"
	PasswordResetFailed        EventType = "PasswordResetFailed"
)

// Envelope is the canonical wire message wrapped around every payload that
// crosses the service boundary.
type Envelope struct {
	EventID      string    `json:"eventId"`
	EventType    EventType `json:"eventType"`
	EventVersion int       `json:"eventVersion"`
	OccurredAt   time.Time `json:"occurredAt"`
	Producer     string    `json:"producer"`
	Payload      Payload   `json:"payload"`
}

// Payload is implemented by every event payload variant. Variants are closed
// shapes: adding a field requires bumping the event version in the registry.
type Payload interface {
	validate() error
}

// VerificationPayload carries the data needed to send an email verification
// message to a freshly registered user.
type VerificationPayload struct {
	UserID           string    `json:"userId"`
	Email            string    `json:"email"`
	Username         string    `json:"username"`
	Token            string    `json:"token"`
	VerificationLink string    `json:"verificationLink"`
	ExpiresAt        time.Time `json:"expiresAt"`
	Locale           string    `json:"locale,omitempty"`
}

// PasswordResetPayload carries the data needed to send a password reset
// message.
type PasswordResetPayload struct {
	UserID    string    `json:"userId"`
	Email     string    `json:"email"`
	Username  string    `json:"username"`
	Token     string    `json:"token"`
	ResetLink string    `json:"resetLink"`
	ExpiresAt time.Time `json:"expiresAt"`
	Locale    string    `json:"locale,omitempty"`
}

// SentAck acknowledges a successful delivery back to the producing service.
type SentAck struct {
	UserID    string `json:"userId"`
	Email     string `json:"email"`
	MessageID string `json:"messageId"`
}

// FailedAck reports a terminal delivery failure back to the producing service.
type FailedAck struct {
	UserID      string `json:"userId"`
	Email       string `json:"email"`
	ErrorReason string `json:"errorReason"`
}

// Recipient extracts the addressee of a request payload. It reports ok=false
// for acknowledgement payloads, which are not dispatchable requests.
func Recipient(env *Envelope) (userID, email, username string, ok bool) {
	switch p := env.Payload.(type) {
	case *VerificationPayload:
		return p.UserID, p.Email, p.Username, true
	case *PasswordResetPayload:
		return p.UserID, p.Email, p.Username, true
	default:
		return "", "", "", false
	}
}
