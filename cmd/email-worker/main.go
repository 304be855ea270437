package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/example/notification-dispatch/internal/config"
	"github.com/example/notification-dispatch/internal/lifecycle"
	"github.com/example/notification-dispatch/internal/logger"
	"github.com/example/notification-dispatch/internal/queue"
	"github.com/example/notification-dispatch/internal/template"
	"github.com/example/notification-dispatch/internal/transport"
	"github.com/example/notification-dispatch/internal/worker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fail("config load", err)
	}

	baseLogger, err := logger.New(cfg.App.Env, cfg.App.LogLevel)
	if err != nil {
		fail("logger init", err)
	}
	log := baseLogger.With().Str("service", "email-worker").Logger()

	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer func() {
		if err := client.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close redis client")
		}
	}()

	monitor, err := queue.NewMonitor(client, cfg.Redis, log.With().Str("component", "monitor").Logger())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create queue monitor")
	}
	monitor.Start(ctx)

	q, err := queue.New(client, monitor, log.With().Str("component", "queue").Logger())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create queue")
	}

	store, err := lifecycle.NewRedisStore(client)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create notification store")
	}
	lc, err := lifecycle.NewService(store, lifecycle.AllowAll{}, log.With().Str("component", "lifecycle").Logger())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create lifecycle service")
	}

	renderer, err := template.NewRenderer(
		template.NewDirStore(cfg.Templates.Dir),
		log.With().Str("component", "renderer").Logger(),
		template.WithLocale(cfg.Templates.Locale),
		template.WithTimezone(cfg.Templates.Timezone),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create template renderer")
	}

	kind, err := config.Transport()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid transport selection")
	}
	var sender transport.Transport
	switch kind {
	case config.TransportAPI:
		sender, err = transport.NewAPITransport(cfg.EmailAPI, log.With().Str("component", "api-transport").Logger())
	default:
		sender, err = transport.NewSMTPTransport(cfg.SMTP, log.With().Str("component", "smtp-transport").Logger())
	}
	if err != nil {
		log.Fatal().Err(err).Str("transport", string(kind)).Msg("failed to initialise email transport")
	}
	log.Info().Str("transport", string(kind)).Msg("email transport selected")

	acks, err := worker.NewAckPublisher(q, cfg.Queues.Ack, log.With().Str("component", "ack-publisher").Logger())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create ack publisher")
	}

	deps := worker.Dependencies{
		Renderer:  renderer,
		Transport: sender,
		Lifecycle: lc,
		Acks:      acks,
		Logger:    log.With().Str("component", "processor").Logger(),
		Now:       time.Now,
	}

	runnerCfg := worker.Config{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseBackoff: time.Duration(cfg.Retry.BaseBackoffSeconds) * time.Second,
		MaxBackoff:  time.Duration(cfg.Retry.MaxBackoffSeconds) * time.Second,
		Concurrency: cfg.Retry.WorkerConcurrency,
	}

	specs := []worker.Spec{
		worker.VerificationSpec(cfg.Queues.Verification),
		worker.PasswordResetSpec(cfg.Queues.PasswordReset),
	}

	errCh := make(chan error, len(specs))
	for _, spec := range specs {
		processor, err := worker.NewProcessor(spec, deps)
		if err != nil {
			log.Fatal().Err(err).Str("queue", spec.QueueName).Msg("failed to create processor")
		}
		runner, err := worker.NewRunner(runnerCfg, q, processor, lc, acks, log.With().Str("component", "runner").Logger())
		if err != nil {
			log.Fatal().Err(err).Str("queue", spec.QueueName).Msg("failed to create runner")
		}

		go func(runner *worker.Runner, queueName string) {
			if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("runner %s: %w", queueName, err)
				return
			}
			errCh <- nil
		}(runner, spec.QueueName)
	}

	log.Info().
		Str("verification_queue", cfg.Queues.Verification).
		Str("password_reset_queue", cfg.Queues.PasswordReset).
		Msg("email worker started")

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("runner terminated with error")
		}
	}
}

func fail(stage string, err error) {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	logger.Fatal().Err(err).Str("stage", stage).Msg("email worker init failed")
}
