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

	"github.com/marcogenualdo/session-sync/internal/auth"
	"github.com/marcogenualdo/session-sync/internal/cache"
	"github.com/marcogenualdo/session-sync/internal/config"
	"github.com/marcogenualdo/session-sync/internal/metrics"
	"github.com/marcogenualdo/session-sync/internal/users"
)

type Server struct {
	cfg        config.Config
	cache      cache.Cache
	users      users.Directory
	sessions   *auth.SessionManager
	metrics    *metrics.Metrics
	version    string
	logger     *slog.Logger
	httpServer *http.Server
}

func New(cfg config.Config, c cache.Cache, verifier auth.Verifier, directory users.Directory, version string, logger *slog.Logger) (*Server, error) {
	sessions := auth.NewSessionManager(verifier, c, auth.ManagerConfig{
		TTL:              cfg.Server.SessionTTL,
		ReverifyInterval: cfg.Server.ReverifyInterval,
		RotateAfter:      cfg.Server.RotateAfter,
		BindFingerprint:  cfg.Server.BindFingerprint,
	}, logger)

	return &Server{
		cfg:      cfg,
		cache:    c,
		users:    directory,
		sessions: sessions,
		metrics:  metrics.New(),
		version:  version,
		logger:   logger,
	}, nil
}

// Handler builds the routed handler without starting a listener.
func (s *Server) Handler() (http.Handler, error) {
	return s.setupRoutes()
}

func (s *Server) Start() error {
	router, err := s.setupRoutes()
	if err != nil {
		return fmt.Errorf("failed to setup routes: %w", err)
	}

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      s.cfg.Backend.Timeout + 5*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server",
			"host", s.cfg.Server.Host,
			"port", s.cfg.Server.Port,
			"base_url", s.cfg.Server.BaseURL,
			"identity", s.cfg.Identity.Type,
		)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return err
	case sig := <-sigChan:
		s.logger.Info("received shutdown signal", "signal", sig)
		return s.Shutdown()
	}
}

func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s.logger.Info("shutting down server")

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Error("error during server shutdown", "error", err)
			return err
		}
	}

	if err := s.cache.Close(); err != nil {
		s.logger.Error("error closing cache", "error", err)
	}

	if err := s.users.Close(); err != nil {
		s.logger.Error("error closing user directory", "error", err)
	}

	s.logger.Info("server shutdown complete")
	return nil
}
