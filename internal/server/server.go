package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/brainrot/internal/common"
	"github.com/ternarybob/brainrot/internal/interfaces"
	"github.com/ternarybob/brainrot/internal/pipeline"
	"github.com/ternarybob/brainrot/internal/services/scheduler"
)

// Pipeline is the part of the coordinator the status server reads
type Pipeline interface {
	Stats() pipeline.Stats
	Store() *pipeline.JobStore
}

// Deps are the components the status server reports on. Archive and
// Scheduler may be nil.
type Deps struct {
	Pipeline  Pipeline
	Archive   interfaces.JobArchive
	Scheduler *scheduler.Service
}

// Server is the read-only status HTTP server
type Server struct {
	deps    Deps
	config  common.ServerConfig
	logger  arbor.ILogger
	started time.Time
	router  http.Handler
	server  *http.Server
}

// New creates the server and its routes
func New(deps Deps, config common.ServerConfig, logger arbor.ILogger) *Server {
	s := &Server{
		deps:    deps,
		config:  config,
		logger:  logger,
		started: time.Now(),
	}
	s.router = s.setupRoutes()

	s.server = &http.Server{
		Addr:         s.addr(),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) addr() string {
	return fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown is called
func (s *Server) Start() error {
	s.logger.Info().Str("address", s.addr()).Msg("Status server starting")

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	s.logger.Info().Msg("Status server stopped")
	return nil
}
