package notify

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

// Hub is the point-to-point websocket transport: each owner subscribes on
// their own channel and receives only their jobs' events.
type Hub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu   sync.RWMutex
	subs map[string]map[*websocket.Conn]*sync.Mutex
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		subs: make(map[string]map[*websocket.Conn]*sync.Mutex),
	}
}

// Subscribe upgrades the request and registers the connection under the
// owner id in the route. The connection is held until the peer closes it.
func (h *Hub) Subscribe(w http.ResponseWriter, r *http.Request) {
	ownerID := chi.URLParam(r, "owner")
	if ownerID == "" {
		http.Error(w, "missing owner", http.StatusBadRequest)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "owner", ownerID, "error", err)
		return
	}

	h.mu.Lock()
	if h.subs[ownerID] == nil {
		h.subs[ownerID] = make(map[*websocket.Conn]*sync.Mutex)
	}
	h.subs[ownerID][conn] = &sync.Mutex{}
	h.mu.Unlock()

	// Drain reads so we notice the peer going away.
	go func() {
		defer h.drop(ownerID, conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (h *Hub) Emit(ownerID, event string, payload map[string]any) {
	msg := map[string]any{"event": event, "payload": payload}

	h.mu.RLock()
	conns := make(map[*websocket.Conn]*sync.Mutex, len(h.subs[ownerID]))
	for c, mu := range h.subs[ownerID] {
		conns[c] = mu
	}
	h.mu.RUnlock()

	for conn, mu := range conns {
		mu.Lock()
		err := conn.WriteJSON(msg)
		mu.Unlock()
		if err != nil {
			h.drop(ownerID, conn)
		}
	}
}

func (h *Hub) drop(ownerID string, conn *websocket.Conn) {
	h.mu.Lock()
	if set, ok := h.subs[ownerID]; ok {
		delete(set, conn)
		if len(set) == 0 {
			delete(h.subs, ownerID)
		}
	}
	h.mu.Unlock()
	conn.Close()
}
