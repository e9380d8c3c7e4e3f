// Package admin implements the relay's ambient ops surface: liveness,
// readiness, and Prometheus metrics. The operator-facing tenant/domain/
// DKIM/queue-management API that the teacher's dashboard also served is
// out of scope here — this relay treats that surface as an external
// collaborator (see the control-plane contracts), not something this
// process exposes itself.
package admin

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fenilsonani/mailoutd/internal/logging"
	"github.com/fenilsonani/mailoutd/internal/queue"
)

// Server serves the relay's ambient operations endpoints.
type Server struct {
	db           *sql.DB
	queue        *queue.RedisQueue
	logger       *logging.Logger
	httpServer   *http.Server
	shutdownOnce sync.Once
	startTime    time.Time
}

// NewServer creates the ops server. db and queue are used only to back
// the health/readiness checks; queue may be nil if the relay is running
// without Redis configured.
func NewServer(db *sql.DB, q *queue.RedisQueue, logger *logging.Logger) *Server {
	return &Server{
		db:        db,
		queue:     q,
		logger:    logger,
		startTime: time.Now(),
	}
}

// Start serves the ops endpoints on listen until a shutdown signal arrives
// or the context is cancelled via Shutdown.
func (s *Server) Start(listen string) error {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.Handle("GET /metrics", promhttp.Handler())

	handler := s.withPanicRecovery(mux)
	handler = s.withSecurityHeaders(handler)
	handler = s.withRequestLogging(handler)

	s.httpServer = &http.Server{
		Addr:              listen,
		Handler:           handler,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("Starting admin ops server", "listen", listen)

	serverErr := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case sig := <-sigChan:
		s.logger.Info("Received shutdown signal", "signal", sig.String())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	}
}

// Shutdown gracefully stops the ops server.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		s.logger.Info("Shutting down admin ops server")
		if s.httpServer != nil {
			if shutdownErr := s.httpServer.Shutdown(ctx); shutdownErr != nil {
				s.logger.Error("Error shutting down HTTP server", "error", shutdownErr.Error())
				err = shutdownErr
			}
		}
		s.logger.Info("Admin ops server shutdown complete")
	})
	return err
}
