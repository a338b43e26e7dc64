// Package server is the raepkgd HTTP front: a chi router over the
// repository directory with request logging, rate limiting, and optional
// basic auth.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/raeenos/raepkg/internal/auth"
	"github.com/raeenos/raepkg/internal/config"
	"github.com/raeenos/raepkg/internal/server/middleware"
	"github.com/raeenos/raepkg/internal/storage"
)

// requestsPerMinute bounds one client's requests. A transaction downloads
// one archive per request, so the budget leaves room for large installs.
const requestsPerMinute = 600

// HandlerSet is the daemon's route table, assembled by the command layer
// so handlers stay decoupled from the server wiring.
type HandlerSet struct {
	Index          http.HandlerFunc
	IndexOptions   http.HandlerFunc
	IndexSignature http.HandlerFunc
	Archive        http.HandlerFunc
	Health         http.HandlerFunc
}

// Server serves one repository directory over HTTP.
type Server struct {
	config        *config.DaemonConfig
	logger        *slog.Logger
	dir           *storage.Dir
	authenticator auth.Authenticator
	httpServer    *http.Server
	handlers      HandlerSet
}

// NewServer creates a server over the repository directory.
func NewServer(cfg *config.DaemonConfig, logger *slog.Logger, dir *storage.Dir, authenticator auth.Authenticator) *Server {
	return &Server{
		config:        cfg,
		logger:        logger,
		dir:           dir,
		authenticator: authenticator,
	}
}

// SetHandlers installs the route table.
func (s *Server) SetHandlers(handlers HandlerSet) {
	s.handlers = handlers
}

// Start runs the server until SIGINT/SIGTERM or a listen failure.
func (s *Server) Start() error {
	router := s.Router()

	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
	s.httpServer = &http.Server{
		Addr:        addr,
		Handler:     router,
		ReadTimeout: 10 * time.Second,
		// Archive downloads can be large and clients slow; the write
		// timeout covers the whole response.
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("Starting server",
		"host", s.config.Server.Host,
		"port", s.config.Server.Port,
		"repository", s.config.Repo.Name,
		"root", s.dir.Root(),
		"auth_type", s.config.Auth.Type)

	serverErr := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	case sig := <-quit:
		s.logger.Info("Shutdown signal received", "signal", sig.String())
		return s.Shutdown()
	}
}

// Shutdown drains in-flight requests, bounded by a 30 second grace period.
func (s *Server) Shutdown() error {
	s.logger.Info("Initiating graceful shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("Server shutdown failed", "error", err)
		return err
	}

	s.logger.Info("Server stopped gracefully")
	return nil
}

// Router builds the route tree. Exported so tests can serve it in-process.
func (s *Server) Router() *chi.Mux {
	router := chi.NewRouter()

	router.Use(middleware.Logging(s.logger))
	router.Use(middleware.NewRateLimiter(requestsPerMinute))
	router.Use(middleware.CORS())

	// Health stays outside auth so probes never need credentials.
	if s.handlers.Health != nil {
		router.Get("/health", s.handlers.Health)
	}

	router.Group(func(r chi.Router) {
		r.Use(middleware.RequireAuth(s.authenticator, s.logger))

		if s.handlers.Index != nil {
			r.Get("/"+storage.IndexFile, s.handlers.Index)
		}
		if s.handlers.IndexOptions != nil {
			r.Options("/"+storage.IndexFile, s.handlers.IndexOptions)
		}
		if s.handlers.IndexSignature != nil {
			r.Get("/"+storage.IndexSigFile, s.handlers.IndexSignature)
		}
		if s.handlers.Archive != nil {
			r.Get("/"+storage.ArchiveSubdir+"/{archive}", s.handlers.Archive)
		}
	})

	return router
}
