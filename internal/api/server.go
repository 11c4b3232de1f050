// Package api runs the operator HTTP/WebSocket surface: status and journal
// reads, trading enable/disable, the emergency stop, a live event stream,
// and Prometheus metrics.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"daytrader/internal/config"
	"daytrader/internal/engine"
	"daytrader/internal/events"
	"daytrader/internal/journal"
)

// Controller is the engine surface the API drives.
type Controller interface {
	Snapshot() engine.Status
	EnableTrading()
	DisableTrading()
	EmergencyStop(ctx context.Context)
}

// Server runs the operator HTTP API.
type Server struct {
	cfg      config.APIConfig
	handlers *Handlers
	hub      *Hub
	bus      *events.Bus
	server   *http.Server
	logger   *slog.Logger
}

// NewServer creates an API server over the engine, bus, and journal.
func NewServer(cfg config.APIConfig, ctrl Controller, bus *events.Bus, jnl *journal.Journal, logger *slog.Logger) *Server {
	hub := NewHub(logger)
	handlers := NewHandlers(ctrl, jnl, hub, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", handlers.HandleHealth)
	mux.HandleFunc("GET /api/status", handlers.HandleStatus)
	mux.HandleFunc("POST /api/trading/enable", handlers.HandleEnable)
	mux.HandleFunc("POST /api/trading/disable", handlers.HandleDisable)
	mux.HandleFunc("POST /api/emergency-stop", handlers.HandleEmergencyStop)
	mux.HandleFunc("GET /api/journal/recent", handlers.HandleJournalRecent)
	mux.HandleFunc("GET /ws", handlers.HandleWebSocket)
	mux.Handle("GET /metrics", promhttp.Handler())

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		cfg:      cfg,
		handlers: handlers,
		hub:      hub,
		bus:      bus,
		server:   server,
		logger:   logger.With("component", "api-server"),
	}
}

// Start runs the hub, the bus consumer, and the HTTP listener. Blocks until
// the server stops.
func (s *Server) Start() error {
	go s.hub.Run()
	go s.consumeEvents()

	s.logger.Info("api server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() error {
	s.logger.Info("stopping api server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// consumeEvents relays bus events to connected websocket clients.
func (s *Server) consumeEvents() {
	ch, cancel := s.bus.Subscribe()
	defer cancel()
	for evt := range ch {
		s.hub.BroadcastEvent(evt)
	}
}
