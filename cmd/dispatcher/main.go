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
	"github.com/example/notification-dispatch/internal/dispatch"
	"github.com/example/notification-dispatch/internal/lifecycle"
	"github.com/example/notification-dispatch/internal/logger"
	"github.com/example/notification-dispatch/internal/queue"
	"github.com/example/notification-dispatch/internal/server"
	"github.com/example/notification-dispatch/internal/template"
	"github.com/example/notification-dispatch/internal/transport"
	"github.com/example/notification-dispatch/internal/worker"
)

const sweepInterval = 30 * time.Second

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
	log := baseLogger.With().Str("service", "dispatcher").Logger()

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

	sender, err := buildTransport(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise email transport")
	}

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
	verification, err := worker.NewProcessor(worker.VerificationSpec(cfg.Queues.Verification), deps)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create verification processor")
	}
	passwordReset, err := worker.NewProcessor(worker.PasswordResetSpec(cfg.Queues.PasswordReset), deps)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create password reset processor")
	}

	dispatcher, err := dispatch.NewDispatcher(q, monitor, lc, []*worker.Processor{verification, passwordReset}, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create dispatcher")
	}

	go dispatcher.RunScheduledSweeper(ctx, sweepInterval)
	go dispatcher.RunReplaySweeper(ctx, sweepInterval)
	go dispatcher.RunRetention(ctx, time.Hour, cfg.Retention.Days)

	srv, err := server.New(cfg.App, dispatcher, lc, monitor, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create http server")
	}

	log.Info().Int("port", cfg.App.Port).Msg("dispatcher started")
	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("http server terminated with error")
	}
}

func buildTransport(cfg *config.Config, log zerolog.Logger) (transport.Transport, error) {
	kind, err := config.Transport()
	if err != nil {
		return nil, err
	}
	switch kind {
	case config.TransportAPI:
		return transport.NewAPITransport(cfg.EmailAPI, log.With().Str("component", "api-transport").Logger())
	default:
		return transport.NewSMTPTransport(cfg.SMTP, log.With().Str("component", "smtp-transport").Logger())
	}
}

func fail(stage string, err error) {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	logger.Fatal().Err(err).Str("stage", stage).Msg("dispatcher init failed")
}
