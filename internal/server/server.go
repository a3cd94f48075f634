// Package server exposes the queue runtime over an admin HTTP API: enqueue,
// inspect, abort, and a WebSocket change-event subscription, plus the
// system routes (health, version, config, diagnostics) every deployment of
// this service carries regardless of domain.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/bobmcallan/taskqueue/internal/common"
	"github.com/bobmcallan/taskqueue/internal/queue"
)

// Server is the admin HTTP API: an http.Server wired against a single
// queue.Runtime/Storage pair and the subscription manager that backs its
// WebSocket feed.
type Server struct {
	config  *common.Config
	logger  *common.Logger
	storage queue.Storage
	runtime *queue.Runtime
	jobHub  *JobHub

	httpServer   *http.Server
	shutdownChan chan struct{}
	startupTime  time.Time
}

// SetShutdownChannel registers a channel the /api/shutdown handler signals
// in non-production environments.
func (s *Server) SetShutdownChannel(ch chan struct{}) { s.shutdownChan = ch }

// NewServer builds the admin HTTP API around an already-started queue
// runtime and its storage backend.
func NewServer(config *common.Config, logger *common.Logger, storage queue.Storage, runtime *queue.Runtime, manager *queue.Manager) *Server {
	s := &Server{
		config:      config,
		logger:      logger,
		storage:     storage,
		runtime:     runtime,
		jobHub:      NewJobHub(manager, logger),
		startupTime: time.Now(),
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	handler := applyMiddleware(mux, logger, config, false)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", config.Server.Host, config.Server.Port),
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 300 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the wrapped HTTP handler, useful for httptest-backed tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start blocks serving HTTP until the server is shut down.
func (s *Server) Start() error {
	s.logger.Info().
		Str("addr", s.httpServer.Addr).
		Msg("starting admin HTTP API")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
