package dispatch

import (
	"context"
	"time"

	"github.com/example/notification-dispatch/internal/lifecycle"
	"github.com/example/notification-dispatch/internal/queue"
)

const defaultSweepInterval = 30 * time.Second

// RunScheduledSweeper periodically submits PENDING notifications whose
// scheduled time has elapsed. Runs until the context is cancelled.
func (d *Dispatcher) RunScheduledSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.sweepScheduled(ctx)
		}
	}
}

func (d *Dispatcher) sweepScheduled(ctx context.Context) {
	due, err := d.lifecycle.FindScheduledReady(ctx)
	if err != nil {
		d.logger.Warn().Err(err).Msg("scheduled sweep query failed")
		return
	}

	for _, notif := range due {
		proc := d.routeFor(notif.Type)
		if proc == nil {
			d.logger.Error().
				Str("notification_id", notif.ID).
				Str("type", notif.Type).
				Msg("scheduled notification has no route, cancelling")
			if _, err := d.lifecycle.UpdateStatus(ctx, notif.ID, lifecycle.StatusCancelled, lifecycle.TransitionContext{}); err != nil {
				d.logger.Warn().Str("notification_id", notif.ID).Err(err).Msg("failed to cancel unroutable notification")
			}
			continue
		}

		log := d.logger.With().Str("notification_id", notif.ID).Str("type", notif.Type).Logger()
		if _, err := d.submit(ctx, log, notif, proc); err != nil {
			log.Warn().Err(err).Msg("scheduled submission failed")
		}
	}
}

// RunReplaySweeper periodically re-queues FAILED notifications that still
// have attempt budget once their backoff has elapsed. It covers records
// whose retry jobs were lost, including ones failed during synchronous
// fallback. Runs until the context is cancelled.
func (d *Dispatcher) RunReplaySweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.sweepRetryable(ctx)
		}
	}
}

func (d *Dispatcher) sweepRetryable(ctx context.Context) {
	if !d.monitor.Available() {
		return
	}

	retryable, err := d.lifecycle.FindRetryable(ctx)
	if err != nil {
		d.logger.Warn().Err(err).Msg("replay sweep query failed")
		return
	}

	for _, notif := range retryable {
		proc := d.routeFor(notif.Type)
		if proc == nil {
			continue
		}
		spec := proc.Spec()

		job := queue.NewJob(spec.QueueName, notif.Payload, notif.MaxAttempts)
		job.NotificationID = notif.ID
		job.Attempt = notif.AttemptCount
		if err := d.queue.Enqueue(ctx, spec.QueueName, job); err != nil {
			d.logger.Warn().Str("notification_id", notif.ID).Err(err).Msg("replay enqueue failed")
			return
		}

		if _, err := d.lifecycle.UpdateStatus(ctx, notif.ID, lifecycle.StatusQueued, lifecycle.TransitionContext{JobID: job.ID}); err != nil {
			d.logger.Warn().Str("notification_id", notif.ID).Err(err).Msg("replayed but failed to mark notification queued")
			continue
		}
		d.logger.Info().
			Str("notification_id", notif.ID).
			Str("job_id", job.ID).
			Int("attempt_count", notif.AttemptCount).
			Msg("failed notification replayed onto queue")
	}
}

// RunRetention periodically purges aged terminal records. Runs until the
// context is cancelled.
func (d *Dispatcher) RunRetention(ctx context.Context, interval time.Duration, days int) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.lifecycle.DeleteOlderThan(ctx, days); err != nil {
				d.logger.Warn().Err(err).Msg("retention cleanup failed")
			}
		}
	}
}
