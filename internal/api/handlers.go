// handlers.go implements the REST endpoints of the facade.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Bound to localhost in production configs
		return true
	},
}

// Handlers holds all HTTP handler dependencies.
type Handlers struct {
	engine Engine
	errors ErrorStore
	hub    *Hub
	logger *slog.Logger
}

// NewHandlers creates a new handlers instance.
func NewHandlers(engine Engine, errors ErrorStore, hub *Hub, logger *slog.Logger) *Handlers {
	return &Handlers{
		engine: engine,
		errors: errors,
		hub:    hub,
		logger: logger.With("component", "api-handlers"),
	}
}

func (h *Handlers) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

// HandleHealth returns a simple health check response.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, map[string]string{"status": "ok"})
}

// HandleSnapshot returns the current engine state.
func (h *Handlers) HandleSnapshot(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, h.engine.Snapshot())
}

// HandlePositions returns the live position snapshot.
func (h *Handlers) HandlePositions(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, h.engine.Positions())
}

// HandleLiquidations returns recent liquidation events, newest first.
func (h *Handlers) HandleLiquidations(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			http.Error(w, "limit must be 1..1000", http.StatusBadRequest)
			return
		}
		limit = n
	}
	h.writeJSON(w, h.engine.RecentLiquidations(limit))
}

// HandleVWAP returns the current VWAP snapshot for one symbol.
func (h *Handlers) HandleVWAP(w http.ResponseWriter, r *http.Request) {
	symbol := r.PathValue("symbol")
	snap, ok := h.engine.VWAP(symbol)
	if !ok {
		http.Error(w, "no vwap for symbol", http.StatusNotFound)
		return
	}
	h.writeJSON(w, snap)
}

// HandleSymbol returns the precision filters and current price.
func (h *Handlers) HandleSymbol(w http.ResponseWriter, r *http.Request) {
	symbol := r.PathValue("symbol")
	detail, err := h.engine.SymbolDetail(r.Context(), symbol)
	if err != nil {
		h.logger.Error("symbol detail failed", "symbol", symbol, "error", err)
		http.Error(w, "symbol lookup failed", http.StatusBadGateway)
		return
	}
	h.writeJSON(w, detail)
}

// HandleIncome aggregates realized income over a named range.
func (h *Handlers) HandleIncome(w http.ResponseWriter, r *http.Request) {
	var span time.Duration
	rng := r.URL.Query().Get("range")
	switch rng {
	case "", "24h":
		rng, span = "24h", 24*time.Hour
	case "7d":
		span = 7 * 24 * time.Hour
	case "30d":
		span = 30 * 24 * time.Hour
	default:
		http.Error(w, "range must be 24h, 7d, or 30d", http.StatusBadRequest)
		return
	}

	summary, err := h.engine.Income(r.Context(), time.Now().Add(-span))
	if err != nil {
		h.logger.Error("income query failed", "error", err)
		http.Error(w, "income query failed", http.StatusBadGateway)
		return
	}
	summary.Range = rng
	h.writeJSON(w, summary)
}

// HandleErrors returns recent persisted errors.
func (h *Handlers) HandleErrors(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	recs, err := h.errors.Recent(limit)
	if err != nil {
		http.Error(w, "error log unavailable", http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, recs)
}

// HandleErrorsTest generates a synthetic error for development.
func (h *Handlers) HandleErrorsTest(w http.ResponseWriter, r *http.Request) {
	h.errors.ReportTest()
	w.WriteHeader(http.StatusAccepted)
	h.writeJSON(w, map[string]string{"status": "generated"})
}

// HandleErrorsClear deletes all persisted errors.
func (h *Handlers) HandleErrorsClear(w http.ResponseWriter, r *http.Request) {
	if err := h.errors.Clear(); err != nil {
		http.Error(w, "clear failed", http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, map[string]string{"status": "cleared"})
}

// HandleWebSocket upgrades the connection and registers the client.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(h.hub, conn)

	// Seed the client with the full state before the event stream.
	evt := Event{Type: "snapshot", Timestamp: time.Now(), Data: h.engine.Snapshot()}
	data, err := json.Marshal(evt)
	if err != nil {
		h.logger.Error("failed to marshal initial snapshot", "error", err)
		return
	}
	select {
	case client.send <- data:
	default:
		h.logger.Warn("failed to send initial snapshot to client")
	}
}
