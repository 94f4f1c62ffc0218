// server.go wires the facade's routes and relays bus traffic to the hub.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"liqhunter/internal/bus"
)

// Server runs the HTTP/WebSocket facade.
type Server struct {
	engine   Engine
	hub      *Hub
	handlers *Handlers
	server   *http.Server
	bus      *bus.Bus
	logger   *slog.Logger
}

// NewServer creates the facade on the given port. metricsHandler serves
// the Prometheus registry.
func NewServer(port int, engine Engine, errors ErrorStore, b *bus.Bus, metricsHandler http.Handler, logger *slog.Logger) *Server {
	hub := NewHub(logger)
	handlers := NewHandlers(engine, errors, hub, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", handlers.HandleHealth)
	mux.HandleFunc("GET /api/snapshot", handlers.HandleSnapshot)
	mux.HandleFunc("GET /positions", handlers.HandlePositions)
	mux.HandleFunc("GET /liquidations", handlers.HandleLiquidations)
	mux.HandleFunc("GET /vwap/{symbol}", handlers.HandleVWAP)
	mux.HandleFunc("GET /symbols/{symbol}", handlers.HandleSymbol)
	mux.HandleFunc("GET /income", handlers.HandleIncome)
	mux.HandleFunc("GET /errors", handlers.HandleErrors)
	mux.HandleFunc("POST /errors/test", handlers.HandleErrorsTest)
	mux.HandleFunc("DELETE /errors", handlers.HandleErrorsClear)
	mux.HandleFunc("/ws", handlers.HandleWebSocket)
	mux.Handle("GET /metrics", metricsHandler)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		engine:   engine,
		hub:      hub,
		handlers: handlers,
		server:   server,
		bus:      b,
		logger:   logger.With("component", "api-server"),
	}
}

// Start runs the hub, the bus relay, and the listener. Blocks until the
// server is shut down.
func (s *Server) Start() error {
	go s.hub.Run()
	go s.relayBus()

	s.logger.Info("api server starting", "addr", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop gracefully stops the server.
func (s *Server) Stop() error {
	s.logger.Info("stopping api server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// relayBus forwards every internal topic to WebSocket clients.
func (s *Server) relayBus() {
	events, cancel := s.bus.Subscribe(
		bus.TopicLiquidation,
		bus.TopicThreshold,
		bus.TopicVWAP,
		bus.TopicPosition,
		bus.TopicOrder,
		bus.TopicError,
	)
	defer cancel()

	for msg := range events {
		s.hub.BroadcastEvent(Event{Type: msg.Topic, Data: msg.Payload})
	}
}
