package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"

	"council-trader/internal/config"
	"council-trader/internal/control"
)

const (
	defaultTradeLimit = 50
	maxTradeLimit     = 200
)

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	cfg      config.APIConfig
	broker   string
	provider StatusProvider
	trades   TradeReader
	stop     *control.EmergencyStop
	hub      *Hub
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

func NewHandlers(
	cfg config.APIConfig,
	brokerName string,
	provider StatusProvider,
	trades TradeReader,
	stop *control.EmergencyStop,
	hub *Hub,
	logger *slog.Logger,
) *Handlers {
	h := &Handlers{
		cfg:      cfg,
		broker:   brokerName,
		provider: provider,
		trades:   trades,
		stop:     stop,
		hub:      hub,
		logger:   logger.With("component", "api-handlers"),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return isOriginAllowed(r.Header.Get("Origin"), cfg, r.Host)
		},
	}
	return h
}

// HandleHealth is the liveness probe.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

// HandleStatus returns the engine health block plus process uptime.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.status())
}

// HandlePositions returns the most recent position snapshot.
func (h *Handlers) HandlePositions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.provider.Positions())
}

// HandleTrades returns the newest trades, ?limit=N capped at 200.
func (h *Handlers) HandleTrades(w http.ResponseWriter, r *http.Request) {
	limit := defaultTradeLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	if limit > maxTradeLimit {
		limit = maxTradeLimit
	}

	trades, err := h.trades.Recent(limit)
	if err != nil {
		h.logger.Error("trade readback failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, trades)
}

// HandleEmergencyStop flips the emergency stop. Engaging it makes the next
// tick flatten the book and blocks entries until disengaged.
func (h *Handlers) HandleEmergencyStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body struct {
		Engaged *bool `json:"engaged"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Engaged == nil {
		http.Error(w, `body must be {"engaged":bool}`, http.StatusBadRequest)
		return
	}

	h.stop.Set(*body.Engaged)
	if *body.Engaged {
		h.logger.Warn("emergency stop engaged via api")
	} else {
		h.logger.Info("emergency stop released via api")
	}
	writeJSON(w, map[string]bool{"engaged": *body.Engaged})
}

// HandleWebSocket upgrades the connection and seeds it with a status event.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := newWSClient(h.hub, conn)

	hello, err := json.Marshal(Event{Type: "status", Data: h.status()})
	if err != nil {
		return
	}
	select {
	case client.send <- hello:
	default:
	}
}

func (h *Handlers) status() Status {
	return Status{
		Health:  h.provider.Health(),
		Broker:  h.broker,
		UptimeS: h.provider.Uptime().Seconds(),
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// isOriginAllowed gates websocket upgrades. No origin header (curl, native
// clients) and same-host or localhost pages are always fine; anything else
// must appear in the allowlist, where "*" opens the door to everyone.
func isOriginAllowed(origin string, cfg config.APIConfig, reqHost string) bool {
	if origin == "" {
		return true
	}
	for _, allowed := range cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}

	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if strings.EqualFold(u.Host, reqHost) {
		return true
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}
