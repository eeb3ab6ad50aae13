// Package server exposes the scheduler's admin HTTP API.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/pulsecron/errors"
	"github.com/teranos/pulsecron/pulse/async"
	"github.com/teranos/pulsecron/pulse/schedule"
)

// ShutdownTimeout bounds how long Shutdown waits for in-flight requests
const ShutdownTimeout = 10 * time.Second

// Server serves job management and health over HTTP.
type Server struct {
	manager  *schedule.Manager
	health   *schedule.HealthProbe
	ticker   *schedule.Ticker        // optional, enables /api/stats
	handlers *async.HandlerRegistry // optional, validates handler refs
	logger   *zap.SugaredLogger

	httpServer *http.Server
}

// Option configures the Server.
type Option func(*Server)

// WithTicker exposes the ticker's counters on /api/stats.
func WithTicker(t *schedule.Ticker) Option {
	return func(s *Server) {
		s.ticker = t
	}
}

// WithHandlers rejects one-time jobs whose handler type is not registered.
func WithHandlers(r *async.HandlerRegistry) Option {
	return func(s *Server) {
		s.handlers = r
	}
}

// New creates a server over the job manager and health probe.
func New(manager *schedule.Manager, health *schedule.HealthProbe, log *zap.SugaredLogger, opts ...Option) *Server {
	s := &Server{
		manager: manager,
		health:  health,
		logger:  log.Named("server"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Serve accepts connections on ln until Shutdown is called.
func (s *Server) Serve(ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	s.logger.Infow("HTTP server listening", "addr", ln.Addr().String())
	err := s.httpServer.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// ListenAndServe listens on the given port and serves until Shutdown.
func (s *Server) ListenAndServe(port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return errors.Wrapf(err, "failed to listen on port %d", port)
	}
	return s.Serve(ln)
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return errors.Wrap(err, "http server shutdown")
	}
	s.logger.Infow("HTTP server stopped")
	return nil
}
