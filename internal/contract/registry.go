package contract

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/example/notification-dispatch/internal/util"
)

var (
	// ErrUnknownEventType is returned for event types outside the closed set.
	ErrUnknownEventType = errors.New("unknown event type")
	// ErrUnsupportedVersion is returned when eventVersion is not registered
	// for the event type. Unknown versions are rejected, never coerced.
	ErrUnsupportedVersion = errors.New("unsupported event version")
	// ErrInvalidEnvelope wraps structural failures of the outer envelope.
	ErrInvalidEnvelope = errors.New("invalid envelope")
	// ErrInvalidPayload wraps field-level payload validation failures.
	ErrInvalidPayload = errors.New("invalid payload")
)

// registry maps each event type to the payload constructors for every
// supported version. Adding a field to a payload means registering a new
// version here, not widening an existing shape.
var registry = map[EventType]map[int]func() Payload{
	EmailVerificationRequested: {1: func() Payload { return &VerificationPayload{} }},
	PasswordResetRequested:     {1: func() Payload { return &PasswordResetPayload{} }},
	EmailVerificationSent:      {1: func() Payload { return &SentAck{} }},
	EmailVerificationFailed:    {1: func() Payload { return &FailedAck{} }},
	PasswordResetSent:          {1: func() Payload { return &SentAck{} }},
	PasswordResetFailed:        {1: func() Payload { return &FailedAck{} }},
}

// wireEnvelope defers payload decoding until the event type and version have
// been resolved against the registry.
type wireEnvelope struct {
	EventID      string          `json:"eventId"`
	EventType    EventType       `json:"eventType"`
	EventVersion int             `json:"eventVersion"`
	OccurredAt   string          `json:"occurredAt"`
	Producer     string          `json:"producer"`
	Payload      json.RawMessage `json:"payload"`
}

// Validate parses and strictly validates a raw wire message. When expected is
// non-empty the envelope's event type must match it; consumers bound to a
// queue pass the event type that queue carries. Malformed input is rejected,
// never coerced.
func Validate(expected EventType, raw []byte) (*Envelope, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty message", ErrInvalidEnvelope)
	}

	var wire wireEnvelope
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&wire); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrInvalidEnvelope, err)
	}

	if wire.EventType == "" {
		return nil, fmt.Errorf("%w: eventType is required", ErrInvalidEnvelope)
	}
	versions, ok := registry[wire.EventType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, wire.EventType)
	}
	if expected != "" && wire.EventType != expected {
		return nil, fmt.Errorf("%w: expected %q, got %q", ErrInvalidEnvelope, expected, wire.EventType)
	}
	newPayload, ok := versions[wire.EventVersion]
	if !ok {
		return nil, fmt.Errorf("%w: %s v%d", ErrUnsupportedVersion, wire.EventType, wire.EventVersion)
	}

	if wire.EventID == "" {
		return nil, fmt.Errorf("%w: eventId is required", ErrInvalidEnvelope)
	}
	if wire.Producer == "" {
		return nil, fmt.Errorf("%w: producer is required", ErrInvalidEnvelope)
	}
	occurredAt, err := util.ParseRFC3339(wire.OccurredAt)
	if err != nil {
		return nil, fmt.Errorf("%w: occurredAt: %v", ErrInvalidEnvelope, err)
	}
	if len(wire.Payload) == 0 {
		return nil, fmt.Errorf("%w: payload is required", ErrInvalidEnvelope)
	}

	payload := newPayload()
	payloadDec := json.NewDecoder(bytes.NewReader(wire.Payload))
	payloadDec.DisallowUnknownFields()
	if err := payloadDec.Decode(payload); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrInvalidPayload, err)
	}
	if err := payload.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	return &Envelope{
		EventID:      wire.EventID,
		EventType:    wire.EventType,
		EventVersion: wire.EventVersion,
		OccurredAt:   occurredAt,
		Producer:     wire.Producer,
		Payload:      payload,
	}, nil
}

// Serialize is the structural inverse of Validate: for any valid envelope e,
// Validate(e.EventType, Serialize(e)) returns a value equal to e. Invalid
// envelopes are refused rather than written to the wire.
func Serialize(e *Envelope) ([]byte, error) {
	if e == nil {
		return nil, fmt.Errorf("%w: nil envelope", ErrInvalidEnvelope)
	}
	versions, ok := registry[e.EventType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, e.EventType)
	}
	if _, ok := versions[e.EventVersion]; !ok {
		return nil, fmt.Errorf("%w: %s v%d", ErrUnsupportedVersion, e.EventType, e.EventVersion)
	}
	if e.EventID == "" {
		return nil, fmt.Errorf("%w: eventId is required", ErrInvalidEnvelope)
	}
	if e.Producer == "" {
		return nil, fmt.Errorf("%w: producer is required", ErrInvalidEnvelope)
	}
	if e.OccurredAt.IsZero() {
		return nil, fmt.Errorf("%w: occurredAt is required", ErrInvalidEnvelope)
	}
	if e.Payload == nil {
		return nil, fmt.Errorf("%w: payload is required", ErrInvalidEnvelope)
	}
	if err := e.Payload.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	return json.Marshal(e)
}

// SupportedVersions reports the registered versions for an event type in
// ascending order. Used by operational tooling and tests.
func SupportedVersions(et EventType) []int {
	versions, ok := registry[et]
	if !ok {
		return nil
	}
	out := make([]int, 0, len(versions))
	for v := range versions {
		out = append(out, v)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j] < out[j-1]; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}
