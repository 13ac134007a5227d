// Package api serves the status surface: liveness, health, positions,
// trade readback, the emergency stop, a websocket event stream, and
// prometheus metrics.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"council-trader/internal/config"
	"council-trader/internal/control"
)

// Server runs the HTTP/WebSocket status API.
type Server struct {
	hub    *Hub
	events <-chan Event
	server *http.Server
	logger *slog.Logger
}

func NewServer(
	cfg config.APIConfig,
	brokerName string,
	provider StatusProvider,
	trades TradeReader,
	stop *control.EmergencyStop,
	events <-chan Event,
	logger *slog.Logger,
) *Server {
	hub := NewHub(logger)
	handlers := NewHandlers(cfg, brokerName, provider, trades, stop, hub, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", handlers.HandleHealth)
	mux.HandleFunc("/api/status", handlers.HandleStatus)
	mux.HandleFunc("/api/positions", handlers.HandlePositions)
	mux.HandleFunc("/api/trades", handlers.HandleTrades)
	mux.HandleFunc("/api/emergency-stop", handlers.HandleEmergencyStop)
	mux.HandleFunc("/ws", handlers.HandleWebSocket)
	mux.Handle("/metrics", promhttp.Handler())

	return &Server{
		hub:    hub,
		events: events,
		server: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      mux,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger.With("component", "api-server"),
	}
}

// Start runs the hub, the event pump, and the listener. Blocks until the
// listener stops; a clean Shutdown returns nil.
func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)
	go s.pumpEvents(ctx)

	s.logger.Info("status api listening", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Stop drains in-flight requests and closes the listener.
func (s *Server) Stop() error {
	s.logger.Info("stopping status api")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// pumpEvents forwards engine decision events to websocket subscribers.
func (s *Server) pumpEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-s.events:
			if !ok {
				return
			}
			s.hub.Broadcast(evt)
		}
	}
}
