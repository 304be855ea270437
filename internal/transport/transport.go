package transport

import (
	"context"
	"fmt"
)

// Message is the rendered email handed to a transport for delivery.
type Message struct {
	To       string
	ToName   string
	Subject  string
	HTMLBody string
	TextBody string
	Headers  map[string]string
}

// Receipt reports a successful send. MessageID is the transport's message
// identifier and is recorded as the notification's external id.
type Receipt struct {
	MessageID string
}

// Error normalizes transport failures. HTTP failures carry the response
// status; SMTP and network level failures carry the underlying error with a
// zero status code. Raw errors never leak past the adapter boundary.
type Error struct {
	StatusCode int
	StatusText string
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("transport error: %d %s", e.StatusCode, e.StatusText)
	}
	if e.Err != nil {
		return fmt.Sprintf("transport error: %v", e.Err)
	}
	return "transport error: " + e.StatusText
}

func (e *Error) Unwrap() error { return e.Err }

// Transport delivers one rendered message per call. Implementations perform
// exactly one outbound network call and never retry: retry policy belongs to
// the caller. A hung send must be bounded by the context deadline or the
// adapter's configured request timeout.
type Transport interface {
	Send(ctx context.Context, msg *Message) (*Receipt, error)
}
