package worker

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/example/notification-dispatch/internal/contract"
	"github.com/example/notification-dispatch/internal/queue"
)

// producerName identifies this service in outbound envelopes.
const producerName = "notification-dispatch"

// ackTypes maps a request event type to its acknowledgement event types.
var ackTypes = map[contract.EventType]struct {
	sent   contract.EventType
	failed contract.EventType
}{
	contract.EmailVerificationRequested: {contract.EmailVerificationSent, contract.EmailVerificationFailed},
	contract.PasswordResetRequested:     {contract.PasswordResetSent, contract.PasswordResetFailed},
}

// AckPublisher reports delivery outcomes back to producing services as
// enveloped events on the acknowledgement queue.
type AckPublisher struct {
	queue    *queue.Queue
	ackQueue string
	logger   zerolog.Logger
	now      func() time.Time
}

// NewAckPublisher constructs a publisher for the named acknowledgement queue.
func NewAckPublisher(q *queue.Queue, ackQueue string, logger zerolog.Logger) (*AckPublisher, error) {
	if q == nil {
		return nil, errors.New("ack publisher: queue dependency is required")
	}
	if ackQueue == "" {
		return nil, errors.New("ack publisher: queue name is required")
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &AckPublisher{queue: q, ackQueue: ackQueue, logger: logger, now: time.Now}, nil
}

// PublishSent acknowledges a successful delivery.
func (a *AckPublisher) PublishSent(ctx context.Context, requestType contract.EventType, userID, email, messageID string) error {
	types, ok := ackTypes[requestType]
	if !ok {
		return fmt.Errorf("ack publisher: no acknowledgement types for %q", requestType)
	}
	return a.publish(ctx, types.sent, &contract.SentAck{
		UserID:    userID,
		Email:     email,
		MessageID: messageID,
	})
}

// PublishFailed reports a terminal delivery failure.
func (a *AckPublisher) PublishFailed(ctx context.Context, requestType contract.EventType, userID, email, reason string) error {
	types, ok := ackTypes[requestType]
	if !ok {
		return fmt.Errorf("ack publisher: no acknowledgement types for %q", requestType)
	}
	return a.publish(ctx, types.failed, &contract.FailedAck{
		UserID:      userID,
		Email:       email,
		ErrorReason: reason,
	})
}

func (a *AckPublisher) publish(ctx context.Context, eventType contract.EventType, payload contract.Payload) error {
	env := &contract.Envelope{
		EventID:      uuid.NewString(),
		EventType:    eventType,
		EventVersion: 1,
		OccurredAt:   a.now().UTC(),
		Producer:     producerName,
		Payload:      payload,
	}

	raw, err := contract.Serialize(env)
	if err != nil {
		return fmt.Errorf("ack publisher: serialize %s: %w", eventType, err)
	}

	job := queue.NewJob(a.ackQueue, raw, 1)
	if err := a.queue.Enqueue(ctx, a.ackQueue, job); err != nil {
		return fmt.Errorf("ack publisher: enqueue %s: %w", eventType, err)
	}

	a.logger.Debug().Str("event_type", string(eventType)).Str("event_id", env.EventID).Msg("acknowledgement published")
	return nil
}
