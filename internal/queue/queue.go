package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const dequeueBlock = 5 * time.Second

// Job wraps one serialized envelope with the retry metadata the queue
// runtime needs. The payload itself is opaque to the queue.
type Job struct {
	ID             string          `json:"id"`
	Queue          string          `json:"queue"`
	NotificationID string          `json:"notification_id,omitempty"`
	Attempt        int             `json:"attempt"`
	MaxAttempts    int             `json:"max_attempts"`
	EnqueuedAt     time.Time       `json:"enqueued_at"`
	Payload        json.RawMessage `json:"payload"`
}

// NewJob constructs a job carrying the supplied payload.
func NewJob(queueName string, payload []byte, maxAttempts int) *Job {
	return &Job{
		ID:          uuid.NewString(),
		Queue:       queueName,
		MaxAttempts: maxAttempts,
		EnqueuedAt:  time.Now().UTC(),
		Payload:     payload,
	}
}

// deadLetter is the record written to a queue's dead letter list.
type deadLetter struct {
	Job      *Job      `json:"job"`
	Reason   string    `json:"reason"`
	FailedAt time.Time `json:"failed_at"`
}

// Queue is a Redis list backed job queue with a ZSET delayed set for retry
// and scheduled jobs and a dead letter list per queue name.
type Queue struct {
	client  *redis.Client
	logger  zerolog.Logger
	monitor *Monitor
}

// New constructs a queue over the supplied Redis client. The monitor is
// optional; when present, connection level failures observed by queue
// operations are reported to it.
func New(client *redis.Client, monitor *Monitor, logger zerolog.Logger) (*Queue, error) {
	if client == nil {
		return nil, errors.New("queue: redis client is required")
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &Queue{client: client, logger: logger, monitor: monitor}, nil
}

func listKey(name string) string    { return "queue:" + name }
func delayedKey(name string) string { return "queue:" + name + ":delayed" }
func deadKey(name string) string    { return "queue:" + name + ":dead" }

// Enqueue pushes a job onto the named queue.
func (q *Queue) Enqueue(ctx context.Context, name string, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue: marshal job: %w", err)
	}
	if err := q.client.LPush(ctx, listKey(name), data).Err(); err != nil {
		q.reportError(err)
		return fmt.Errorf("queue: enqueue %s: %w", name, err)
	}
	return nil
}

// EnqueueDelayed schedules a job to become visible after the supplied delay.
func (q *Queue) EnqueueDelayed(ctx context.Context, name string, job *Job, delay time.Duration) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue: marshal job: %w", err)
	}
	readyAt := float64(time.Now().Add(delay).UnixMilli())
	if err := q.client.ZAdd(ctx, delayedKey(name), redis.Z{Score: readyAt, Member: data}).Err(); err != nil {
		q.reportError(err)
		return fmt.Errorf("queue: enqueue delayed %s: %w", name, err)
	}
	return nil
}

// Dequeue blocks for a bounded interval waiting for a job. It returns
// (nil, nil) when the wait elapses so callers can re-check their context.
func (q *Queue) Dequeue(ctx context.Context, name string) (*Job, error) {
	res, err := q.client.BRPop(ctx, dequeueBlock, listKey(name)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		q.reportError(err)
		return nil, fmt.Errorf("queue: dequeue %s: %w", name, err)
	}
	if len(res) < 2 {
		return nil, nil
	}

	var job Job
	if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
		q.logger.Error().Str("queue", name).Err(err).Msg("discarding undecodable job")
		return nil, nil
	}
	return &job, nil
}

// DeadLetter moves a job onto the queue's dead letter list.
func (q *Queue) DeadLetter(ctx context.Context, name string, job *Job, reason string) error {
	data, err := json.Marshal(deadLetter{Job: job, Reason: reason, FailedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("queue: marshal dead letter: %w", err)
	}
	if err := q.client.LPush(ctx, deadKey(name), data).Err(); err != nil {
		q.reportError(err)
		return fmt.Errorf("queue: dead letter %s: %w", name, err)
	}
	return nil
}

// RunDelayedMover promotes due jobs from the delayed set onto the live list
// until the context is cancelled. ZRem before LPush guarantees each member
// is promoted by at most one mover.
func (q *Queue) RunDelayedMover(ctx context.Context, name string, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := q.promoteDue(ctx, name); err != nil && !errors.Is(err, context.Canceled) {
				q.logger.Warn().Str("queue", name).Err(err).Msg("delayed mover pass failed")
			}
		}
	}
}

func (q *Queue) promoteDue(ctx context.Context, name string) error {
	now := fmt.Sprintf("%d", time.Now().UnixMilli())
	members, err := q.client.ZRangeByScore(ctx, delayedKey(name), &redis.ZRangeBy{
		Min: "-inf", Max: now, Count: 100,
	}).Result()
	if err != nil {
		q.reportError(err)
		return err
	}

	for _, member := range members {
		removed, err := q.client.ZRem(ctx, delayedKey(name), member).Result()
		if err != nil {
			q.reportError(err)
			return err
		}
		if removed == 0 {
			continue
		}
		if err := q.client.LPush(ctx, listKey(name), member).Err(); err != nil {
			q.reportError(err)
			return err
		}
	}
	return nil
}

func (q *Queue) reportError(err error) {
	if q.monitor != nil {
		q.monitor.ReportError(err)
	}
}
