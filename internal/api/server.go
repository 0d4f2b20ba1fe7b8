//
//
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/radio-control/radiocore/internal/auth"
	"github.com/radio-control/radiocore/internal/command"
	"github.com/radio-control/radiocore/internal/config"
)

// Version is reported by the health endpoint.
const Version = "1.0.0"

// Server represents the HTTP API server.
type Server struct {
	mu             sync.Mutex
	httpServer     *http.Server
	telemetryHub   TelemetryPort
	orchestrator   command.OrchestratorPort
	radioManager   RadioReadPort
	timing         config.Source
	authMiddleware *auth.Middleware
	logger         *slog.Logger
	startTime      time.Time
	retryAfter     time.Duration
	readTimeout    time.Duration
	idleTimeout    time.Duration
}

// NewServer creates an API server. Without SetAuth every route is open.
func NewServer(telemetryHub TelemetryPort, orchestrator command.OrchestratorPort, radioManager RadioReadPort, timing config.Source) *Server {
	if timing == nil {
		timing = config.LoadCBTimingBaseline()
	}
	return &Server{
		telemetryHub: telemetryHub,
		orchestrator: orchestrator,
		radioManager: radioManager,
		timing:       timing,
		logger:       slog.Default(),
		startTime:    time.Now(),
		retryAfter:   time.Second,
		readTimeout:  15 * time.Second,
		idleTimeout:  120 * time.Second,
	}
}

// SetAuth protects every route but health with m.
func (s *Server) SetAuth(m *auth.Middleware) {
	s.authMiddleware = m
}

// SetLogger sets the server logger.
func (s *Server) SetLogger(l *slog.Logger) {
	s.logger = l
}

// SetRetryAfter sets the Retry-After hint sent with BUSY responses.
func (s *Server) SetRetryAfter(d time.Duration) {
	s.retryAfter = d
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

// Start listens on addr and serves until Stop. There is no write timeout
// since telemetry streams are long-lived.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ln)
}

// Serve serves on ln until Stop.
func (s *Server) Serve(ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.readTimeout,
		IdleTimeout:       s.idleTimeout,
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}
	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()
	s.logger.Info("api listening", slog.String("addr", ln.Addr().String()))

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Stop gracefully stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}
