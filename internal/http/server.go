// Package http provides the local control API of a playback session and the
// raw media stream endpoint for a host player.
package http

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/konstantinmiller/dashp2p/internal/http/middleware"
)

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	// Host is the address to bind to (default: "127.0.0.1").
	Host string
	// Port is the port to listen on. 0 picks a free port.
	Port int
	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout time.Duration
	// IdleTimeout is the maximum amount of time to wait for the next request.
	IdleTimeout time.Duration
	// ShutdownTimeout is the maximum duration to wait for active connections to close.
	ShutdownTimeout time.Duration
	// AllowedOrigins lists the browser origins that may pull the stream.
	// Empty allows any origin.
	AllowedOrigins []string
}

// DefaultServerConfig returns a ServerConfig with sensible defaults.
// Writes have no deadline because /stream lasts as long as playback.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:            "127.0.0.1",
		Port:            8090,
		ReadTimeout:     30 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

// Server represents the HTTP server.
type Server struct {
	config     ServerConfig
	router     *chi.Mux
	api        huma.API
	httpServer *http.Server
	logger     *slog.Logger
	ready      chan string
}

// NewServer creates a new HTTP server with the given configuration.
// The version parameter is used in the OpenAPI document.
func NewServer(config ServerConfig, logger *slog.Logger, version string) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if version == "" {
		version = "dev"
	}

	router := chi.NewRouter()

	router.Use(chimiddleware.RealIP)
	router.Use(middleware.RequestID)
	router.Use(middleware.AccessLog(logger))
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.PlayerCORS(config.AllowedOrigins...))
	router.Use(middleware.SkipCompressionForStream(chimiddleware.Compress(5)))

	humaConfig := huma.DefaultConfig("dashp2p API", version)
	humaConfig.Info.Description = "Playback session status and control"

	return &Server{
		config: config,
		router: router,
		api:    humachi.New(router, humaConfig),
		logger: logger,
		ready:  make(chan string, 1),
	}
}

// API returns the Huma API instance for registering operations.
func (s *Server) API() huma.API {
	return s.api
}

// Router returns the Chi router for registering additional routes.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Ready delivers the bound address once the listener is open.
func (s *Server) Ready() <-chan string {
	return s.ready
}

// ListenAndServe starts the server and shuts it down gracefully when ctx is
// cancelled. It blocks until the server has stopped.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := net.JoinHostPort(s.config.Host, fmt.Sprint(s.config.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	s.httpServer = &http.Server{
		Handler:     s.router,
		ReadTimeout: s.config.ReadTimeout,
		IdleTimeout: s.config.IdleTimeout,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	s.logger.Info("starting HTTP server", slog.String("address", ln.Addr().String()))
	s.ready <- ln.Addr().String()

	errChan := make(chan error, 1)
	go func() {
		errChan <- s.httpServer.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		return s.shutdown()
	case err := <-errChan:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serving: %w", err)
	}
}

func (s *Server) shutdown() error {
	s.logger.Info("shutting down HTTP server", slog.Duration("timeout", s.config.ShutdownTimeout))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}

	s.logger.Info("HTTP server stopped")
	return nil
}
