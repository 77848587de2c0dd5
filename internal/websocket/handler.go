package websocket

import (
	"net/http"
	"slices"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/mediafetch/mediafetch/internal/download"
)

// SnapshotFunc returns the current state of a task, if known.
type SnapshotFunc func(taskID string) (download.Snapshot, bool)

// Handler upgrades HTTP requests to websocket clients of a Hub.
type Handler struct {
	hub      *Hub
	lookup   SnapshotFunc
	upgrader websocket.Upgrader
}

// NewHandler creates a websocket handler. Browser origins are checked against
// allowedOrigins; "*" or an empty list accepts any origin.
func NewHandler(hub *Hub, lookup SnapshotFunc, allowedOrigins []string) *Handler {
	h := &Handler{hub: hub, lookup: lookup}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || len(allowedOrigins) == 0 || slices.Contains(allowedOrigins, "*") {
				return true
			}
			return slices.Contains(allowedOrigins, origin)
		},
	}
	return h
}

// ServeWS handles GET /ws[?task_id=a,b]. task_id=* subscribes to every task.
// More tasks can be added later by sending {"action":"subscribe","task_id":"..."}.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.hub.log.Warn(r.Context(), "websocket upgrade failed", map[string]any{"error": err.Error()})
		return
	}

	client := newClient(h.hub, conn)
	if !h.hub.join(client) {
		conn.Close()
		return
	}

	go client.writePump()
	for _, id := range strings.Split(r.URL.Query().Get("task_id"), ",") {
		if id = strings.TrimSpace(id); id != "" {
			h.subscribe(client, id)
		}
	}
	go client.readPump(h.subscribe)
}

// subscribe registers interest in taskID and replays its current snapshot so
// the client never waits for the next change to learn the state.
func (h *Handler) subscribe(c *Client, taskID string) {
	h.hub.watch(c, taskID)
	if taskID == allTasks || h.lookup == nil {
		return
	}
	if snap, ok := h.lookup(taskID); ok {
		h.hub.Publish(snap)
	}
}
