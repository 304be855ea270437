package queue

import (
	"context"
	"errors"
	"reflect"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/example/notification-dispatch/internal/config"
)

const probeInterval = 5 * time.Second

// Status is the monitor snapshot exposed to health check consumers.
type Status struct {
	Connected bool   `json:"connected"`
	Host      string `json:"host"`
	Port      int    `json:"port"`
	Attempts  int    `json:"attempts"`
}

// Monitor tracks availability of the queue backend. It is the single source
// of truth deciding whether a dispatch request goes through the queue or
// falls back to synchronous sending. Reads never block: Available returns
// the last known state.
type Monitor struct {
	client *redis.Client
	logger zerolog.Logger

	host          string
	port          int
	maxRetries    int
	retryDelay    time.Duration
	maxRetryDelay time.Duration

	connected  atomic.Bool
	attempts   atomic.Int64
	downLogged atomic.Bool
}

// NewMonitor constructs a monitor owning the supplied connection handle.
func NewMonitor(client *redis.Client, cfg config.RedisConfig, logger zerolog.Logger) (*Monitor, error) {
	if client == nil {
		return nil, errors.New("monitor: redis client is required")
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	retryDelay := time.Duration(cfg.RetryDelayMs) * time.Millisecond
	if retryDelay <= 0 {
		retryDelay = 500 * time.Millisecond
	}
	maxRetryDelay := time.Duration(cfg.MaxRetryDelayMs) * time.Millisecond
	if maxRetryDelay < retryDelay {
		maxRetryDelay = retryDelay
	}
	maxRetries := cfg.MaxConnRetries
	if maxRetries < 1 {
		maxRetries = 1
	}

	return &Monitor{
		client:        client,
		logger:        logger,
		host:          cfg.Host,
		port:          cfg.Port,
		maxRetries:    maxRetries,
		retryDelay:    retryDelay,
		maxRetryDelay: maxRetryDelay,
	}, nil
}

// Start performs the bounded startup connect and then launches the
// background probe loop. It returns once the initial connect has either
// succeeded or exhausted its retry budget; the service starts either way
// and callers fall back to synchronous sending while unavailable.
func (m *Monitor) Start(ctx context.Context) {
	m.connectWithRetry(ctx)
	go m.probeLoop(ctx)
}

// Available reports the last known state without blocking.
func (m *Monitor) Available() bool {
	return m.connected.Load()
}

// CurrentStatus returns a snapshot for external health check consumers.
func (m *Monitor) CurrentStatus() Status {
	return Status{
		Connected: m.connected.Load(),
		Host:      m.host,
		Port:      m.port,
		Attempts:  int(m.attempts.Load()),
	}
}

// ReportError lets collaborators surface connection level failures observed
// during queue operations so the monitor flips immediately instead of
// waiting for the next probe. Cancelled or deadline-bounded calls and empty
// reads say nothing about the backend and are ignored.
func (m *Monitor) ReportError(err error) {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, redis.Nil) {
		return
	}
	m.markDown(err)
}

// connectWithRetry applies linear backoff capped at maxRetryDelay across at
// most maxRetries attempts. After the final failure the monitor settles into
// the unavailable state and logs once.
func (m *Monitor) connectWithRetry(ctx context.Context) {
	for attempt := 1; attempt <= m.maxRetries; attempt++ {
		m.attempts.Store(int64(attempt))
		if err := m.ping(ctx); err == nil {
			m.markUp()
			m.logger.Info().
				Str("host", m.host).
				Int("port", m.port).
				Int("attempt", attempt).
				Msg("queue backend connected")
			return
		}

		if attempt == m.maxRetries {
			break
		}

		delay := m.retryDelay * time.Duration(attempt)
		if delay > m.maxRetryDelay {
			delay = m.maxRetryDelay
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}

	m.markDown(errors.New("initial connection attempts exhausted"))
}

func (m *Monitor) probeLoop(ctx context.Context) {
	ticker := time.NewTicker(probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.ping(ctx); err != nil {
				m.markDown(err)
				continue
			}
			m.markUp()
		}
	}
}

func (m *Monitor) ping(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return m.client.Ping(probeCtx).Err()
}

func (m *Monitor) markUp() {
	if m.connected.CompareAndSwap(false, true) {
		if m.downLogged.Swap(false) {
			m.logger.Info().Str("host", m.host).Int("port", m.port).Msg("queue backend reconnected, resuming async dispatch")
		}
	}
}

// markDown flips to unavailable and logs once, not on every subsequent
// probe, to avoid flooding the logs while the backend stays down.
func (m *Monitor) markDown(err error) {
	m.connected.Store(false)
	if m.downLogged.CompareAndSwap(false, true) {
		m.logger.Warn().
			Str("host", m.host).
			Int("port", m.port).
			Err(err).
			Msg("queue backend unavailable, dispatch falls back to synchronous sending")
	}
}
