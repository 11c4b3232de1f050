package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"

	"daytrader/internal/events"
	"daytrader/internal/journal"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Operator API binds to localhost; origin checks add nothing there.
		return true
	},
}

// Handlers holds all HTTP handler dependencies.
type Handlers struct {
	ctrl    Controller
	journal *journal.Journal
	hub     *Hub
	logger  *slog.Logger
}

// NewHandlers creates a handlers instance.
func NewHandlers(ctrl Controller, jnl *journal.Journal, hub *Hub, logger *slog.Logger) *Handlers {
	return &Handlers{
		ctrl:    ctrl,
		journal: jnl,
		hub:     hub,
		logger:  logger.With("component", "api-handlers"),
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// HandleHealth returns a simple liveness response.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

// HandleStatus returns the engine's operator snapshot.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.ctrl.Snapshot())
}

// HandleEnable re-arms trading.
func (h *Handlers) HandleEnable(w http.ResponseWriter, r *http.Request) {
	h.ctrl.EnableTrading()
	writeJSON(w, map[string]bool{"trading_enabled": h.ctrl.Snapshot().TradingEnabled})
}

// HandleDisable pauses new entries.
func (h *Handlers) HandleDisable(w http.ResponseWriter, r *http.Request) {
	h.ctrl.DisableTrading()
	writeJSON(w, map[string]bool{"trading_enabled": h.ctrl.Snapshot().TradingEnabled})
}

// HandleEmergencyStop flattens everything and latches trading off.
func (h *Handlers) HandleEmergencyStop(w http.ResponseWriter, r *http.Request) {
	h.logger.Warn("emergency stop requested", "remote", r.RemoteAddr)
	h.ctrl.EmergencyStop(r.Context())
	writeJSON(w, map[string]string{"status": "stopped"})
}

// HandleJournalRecent returns the newest journal entries. ?limit= caps the
// count, default 100.
func (h *Handlers) HandleJournalRecent(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	rows, err := h.journal.Recent(r.Context(), limit)
	if err != nil {
		h.logger.Error("journal read failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, rows)
}

// HandleWebSocket upgrades the connection and streams bus events. The first
// frame is a full status snapshot.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(h.hub, conn)

	snapshot := events.Event{Type: "status_snapshot", Payload: h.ctrl.Snapshot()}
	data, err := json.Marshal(snapshot)
	if err != nil {
		h.logger.Error("snapshot marshal failed", "error", err)
		return
	}
	select {
	case client.send <- data:
	default:
		h.logger.Warn("initial snapshot dropped, client backed up")
	}
}
