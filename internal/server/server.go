package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/example/notification-dispatch/internal/config"
	"github.com/example/notification-dispatch/internal/dispatch"
	"github.com/example/notification-dispatch/internal/lifecycle"
	"github.com/example/notification-dispatch/internal/queue"
)

const shutdownTimeout = 10 * time.Second

// Server exposes the dispatch API and the health endpoint over HTTP.
type Server struct {
	httpServer *http.Server
	dispatcher *dispatch.Dispatcher
	lifecycle  *lifecycle.Service
	monitor    *queue.Monitor
	logger     zerolog.Logger
}

// New constructs the HTTP server and registers all routes.
func New(cfg config.AppConfig, d *dispatch.Dispatcher, lc *lifecycle.Service, monitor *queue.Monitor, logger zerolog.Logger) (*Server, error) {
	if d == nil {
		return nil, errors.New("server: dispatcher dependency is required")
	}
	if lc == nil {
		return nil, errors.New("server: lifecycle dependency is required")
	}
	if monitor == nil {
		return nil, errors.New("server: monitor dependency is required")
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	logger = logger.With().Str("component", "http").Logger()

	if cfg.Env != "development" {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		dispatcher: d,
		lifecycle:  lc,
		monitor:    monitor,
		logger:     logger,
	}

	engine := gin.New()
	engine.Use(s.requestLogger(), gin.Recovery())

	engine.GET("/health", s.handleHealth)

	api := engine.Group("/api/v1")
	{
		api.POST("/notifications", s.handleDispatch)
		api.GET("/notifications/stats", s.handleStats)
		api.GET("/notifications/:id", s.handleGet)
		api.POST("/notifications/:id/cancel", s.handleCancel)
		api.POST("/templates", s.handleSaveTemplate)
		api.GET("/templates/:code", s.handleGetTemplate)
	}

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           engine,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

// Handler exposes the route tree.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Run serves HTTP until the context is cancelled, then drains in-flight
// requests within the shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.httpServer.Addr).Msg("http server listening")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	s.logger.Info().Msg("http server stopped")
	return <-errCh
}

// requestLogger logs one line per request in the service's structured format.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		event := s.logger.Info()
		if c.Writer.Status() >= http.StatusInternalServerError {
			event = s.logger.Error()
		}
		event.
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("http request")
	}
}
