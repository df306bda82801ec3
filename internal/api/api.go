// Package api provides HTTP handlers and the main API server logic for RelayDesk.
//
// It exposes RESTful endpoints for inbound conversation events, agent pulls,
// conversation monitoring, queue statistics, and flow/queue/agent provisioning.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/relaydesk/relaydesk/internal/flow"
	"github.com/relaydesk/relaydesk/internal/queue"
	"github.com/relaydesk/relaydesk/internal/store"
)

// DefaultAddr is the default listen address for the API server.
const DefaultAddr = ":8080"

// DefaultTimeout bounds how long one request may spend reading or writing.
const DefaultTimeout = 30 * time.Second

// Opts holds configuration options for the API server.
type Opts struct {
	Addr    string
	Timeout time.Duration
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithTimeout sets the HTTP read and write timeouts.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) { o.Timeout = d }
}

// Server wires the flow engine, queue dispatcher, and pull service behind
// HTTP endpoints.
type Server struct {
	store      store.Store
	engine     *flow.Engine
	dispatcher *queue.Dispatcher
	pull       *queue.PullService
	httpServer *http.Server
}

// NewServer creates an API server over the given collaborators.
func NewServer(st store.Store, engine *flow.Engine, dispatcher *queue.Dispatcher, pull *queue.PullService, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr, Timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}

	s := &Server{store: st, engine: engine, dispatcher: dispatcher, pull: pull}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /conversations", s.createConversationHandler)
	mux.HandleFunc("GET /conversations/{id}", s.getConversationHandler)
	mux.HandleFunc("POST /conversations/{id}/close", s.closeConversationHandler)
	mux.HandleFunc("POST /events", s.eventHandler)
	mux.HandleFunc("POST /agents/pull", s.pullHandler)
	mux.HandleFunc("POST /agents", s.saveAgentHandler)
	mux.HandleFunc("POST /queues", s.saveQueueHandler)
	mux.HandleFunc("GET /queues/{id}/stats", s.queueStatsHandler)
	mux.HandleFunc("POST /flows", s.saveFlowHandler)

	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      mux,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	}
	return s
}

// Run starts the HTTP server and blocks until it stops.
func (s *Server) Run() error {
	slog.Info("Server.Run: RelayDesk API listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server failed: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the routing mux for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}
