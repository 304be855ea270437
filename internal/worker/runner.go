package worker

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"reflect"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/example/notification-dispatch/internal/lifecycle"
	"github.com/example/notification-dispatch/internal/queue"
)

// Config contains the runtime settings the runner relies on to orchestrate
// processing, retries and dead-lettering for one queue.
type Config struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	Concurrency int
}

// Runner owns the consume loop for one processor: dequeue, process, map the
// explicit outcome onto the queue's retry mechanism. Exactly one runner
// instance consumes a given queue name in a deployment.
type Runner struct {
	cfg       Config
	queue     *queue.Queue
	processor *Processor
	lifecycle *lifecycle.Service
	acks      *AckPublisher
	logger    zerolog.Logger

	sem *semaphore.Weighted
	wg  sync.WaitGroup

	randMu sync.Mutex
	rnd    *rand.Rand
}

// NewRunner constructs a runner for the supplied processor.
func NewRunner(cfg Config, q *queue.Queue, processor *Processor, lc *lifecycle.Service, acks *AckPublisher, logger zerolog.Logger) (*Runner, error) {
	if cfg.MaxAttempts < 1 {
		return nil, errors.New("runner: max attempts must be >= 1")
	}
	if cfg.Concurrency < 1 {
		return nil, errors.New("runner: concurrency must be >= 1")
	}
	if q == nil {
		return nil, errors.New("runner: queue dependency is required")
	}
	if processor == nil {
		return nil, errors.New("runner: processor dependency is required")
	}
	if lc == nil {
		return nil, errors.New("runner: lifecycle dependency is required")
	}

	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	logger = logger.With().Str("component", "runner").Str("queue", processor.Spec().QueueName).Logger()

	return &Runner{
		cfg:       cfg,
		queue:     q,
		processor: processor,
		lifecycle: lc,
		acks:      acks,
		logger:    logger,
		sem:       semaphore.NewWeighted(int64(cfg.Concurrency)),
		rnd:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// Run consumes the processor's queue until the context is cancelled. The
// delayed-set mover for retried jobs runs alongside the consume loop.
func (r *Runner) Run(ctx context.Context) error {
	name := r.processor.Spec().QueueName
	go r.queue.RunDelayedMover(ctx, name, time.Second)

	r.logger.Info().Msg("runner started")
	for {
		if err := ctx.Err(); err != nil {
			r.wg.Wait()
			return err
		}

		job, err := r.queue.Dequeue(ctx, name)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				r.wg.Wait()
				return ctx.Err()
			}
			r.logger.Warn().Err(err).Msg("dequeue failed, backing off")
			if !r.wait(ctx, time.Second) {
				r.wg.Wait()
				return ctx.Err()
			}
			continue
		}
		if job == nil {
			continue
		}

		if err := r.sem.Acquire(ctx, 1); err != nil {
			r.wg.Wait()
			return err
		}

		r.wg.Add(1)
		go func(job *queue.Job) {
			defer r.wg.Done()
			defer r.sem.Release(1)
			r.handle(ctx, job)
		}(job)
	}
}

func (r *Runner) handle(ctx context.Context, job *queue.Job) {
	res := r.processor.Process(ctx, job)

	switch {
	case res.Success, res.Skipped:
		return

	case res.Terminal != nil:
		r.deadLetter(ctx, job, res.Terminal.Error())

	case res.Retryable != nil:
		r.retry(ctx, job, res)

	default:
		// A processor must classify every outcome; treat silence as terminal.
		r.logger.Error().Str("job_id", job.ID).Msg("processor returned unclassified outcome")
		r.deadLetter(ctx, job, "unclassified outcome")
	}
}

func (r *Runner) retry(ctx context.Context, job *queue.Job, res *Result) {
	maxAttempts := job.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = r.cfg.MaxAttempts
	}

	attempted := job.Attempt + 1
	if attempted >= maxAttempts {
		r.logger.Warn().
			Str("job_id", job.ID).
			Int("attempts", attempted).
			Msg("retry budget exhausted, dead lettering job")
		r.deadLetter(ctx, job, res.Retryable.Error())
		if r.acks != nil && res.Email != "" {
			if err := r.acks.PublishFailed(ctx, r.processor.Spec().EventType, res.UserID, res.Email, res.Retryable.Error()); err != nil {
				r.logger.Warn().Err(err).Msg("failed to publish failure acknowledgement")
			}
		}
		return
	}

	backoff := r.computeBackoff(attempted)
	retryJob := *job
	retryJob.Attempt = attempted
	retryJob.NotificationID = res.NotificationID

	if err := r.queue.EnqueueDelayed(ctx, r.processor.Spec().QueueName, &retryJob, backoff); err != nil {
		r.logger.Error().Str("job_id", job.ID).Err(err).Msg("failed to requeue job for retry")
		return
	}

	if res.NotificationID != "" {
		_, err := r.lifecycle.UpdateStatus(ctx, res.NotificationID, lifecycle.StatusQueued, lifecycle.TransitionContext{JobID: retryJob.ID})
		if err != nil {
			r.logger.Warn().Str("notification_id", res.NotificationID).Err(err).Msg("failed to mark notification re-queued")
		}
	}

	r.logger.Info().
		Str("job_id", job.ID).
		Int("attempt", attempted).
		Dur("backoff", backoff).
		Msg("job scheduled for retry")
}

func (r *Runner) deadLetter(ctx context.Context, job *queue.Job, reason string) {
	if err := r.queue.DeadLetter(ctx, r.processor.Spec().QueueName, job, reason); err != nil {
		r.logger.Error().Str("job_id", job.ID).Err(err).Msg("failed to dead letter job")
	}
}

func (r *Runner) computeBackoff(attempt int) time.Duration {
	if r.cfg.BaseBackoff <= 0 {
		return 0
	}

	multiplier := math.Pow(2, float64(attempt-1))
	raw := time.Duration(float64(r.cfg.BaseBackoff) * multiplier)
	if r.cfg.MaxBackoff > 0 && raw > r.cfg.MaxBackoff {
		raw = r.cfg.MaxBackoff
	}

	return r.fullJitter(raw)
}

func (r *Runner) fullJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}

	r.randMu.Lock()
	defer r.randMu.Unlock()

	n := r.rnd.Int63n(int64(max) + 1)
	return time.Duration(n)
}

func (r *Runner) wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
