// Package websocket pushes task snapshots to subscribed browser clients.
package websocket

import (
	"context"
	"encoding/json"
	"sync/atomic"

	"github.com/mediafetch/mediafetch/internal/download"
	"github.com/mediafetch/mediafetch/internal/logger"
	"github.com/mediafetch/mediafetch/internal/metrics"
)

// allTasks subscribes a client to every task.
const allTasks = "*"

// Message is the frame sent to clients on every task change.
type Message struct {
	Type string            `json:"type"`
	Task download.Snapshot `json:"task"`
}

type subscription struct {
	client *Client
	taskID string
}

// Hub maintains the set of active clients and routes task snapshots to the
// clients subscribed to them. All maps are owned by the Run goroutine.
type Hub struct {
	clients map[*Client]struct{}
	subs    map[string]map[*Client]struct{}

	register   chan *Client
	unregister chan *Client
	subscribe  chan subscription
	broadcast  chan download.Snapshot
	done       chan struct{}

	connected atomic.Int64
	metrics   *metrics.Metrics
	log       *logger.Logger
}

// NewHub creates a new Hub instance.
func NewHub(m *metrics.Metrics) *Hub {
	if m == nil {
		m = metrics.Default()
	}
	return &Hub{
		clients:    make(map[*Client]struct{}),
		subs:       make(map[string]map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		subscribe:  make(chan subscription),
		broadcast:  make(chan download.Snapshot, 1024),
		done:       make(chan struct{}),
		metrics:    m,
		log:        logger.Default().WithComponent("websocket"),
	}
}

// Run starts the hub's main loop and returns when ctx is done, closing every
// client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				h.drop(c)
			}
			return

		case c := <-h.register:
			h.clients[c] = struct{}{}
			h.connected.Add(1)
			h.metrics.IncWSConnections()

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				h.drop(c)
			}

		case s := <-h.subscribe:
			if _, ok := h.clients[s.client]; !ok {
				continue
			}
			if h.subs[s.taskID] == nil {
				h.subs[s.taskID] = make(map[*Client]struct{})
			}
			h.subs[s.taskID][s.client] = struct{}{}
			s.client.tasks[s.taskID] = struct{}{}

		case snap := <-h.broadcast:
			h.deliver(snap)
		}
	}
}

func (h *Hub) deliver(snap download.Snapshot) {
	targets := len(h.subs[snap.ID]) + len(h.subs[allTasks])
	if targets == 0 {
		return
	}
	payload, err := json.Marshal(Message{Type: "task", Task: snap})
	if err != nil {
		h.log.Error(context.Background(), "failed to encode task message", err)
		return
	}
	seen := make(map[*Client]struct{}, targets)
	for _, key := range []string{snap.ID, allTasks} {
		for c := range h.subs[key] {
			if _, dup := seen[c]; dup {
				continue
			}
			seen[c] = struct{}{}
			select {
			case c.send <- payload:
				h.metrics.IncCounter("websocket_messages_total")
			default:
				// Client's buffer is full, close the connection
				h.drop(c)
			}
		}
	}
	if snap.State.Terminal() {
		for c := range h.subs[snap.ID] {
			delete(c.tasks, snap.ID)
		}
		delete(h.subs, snap.ID)
	}
}

func (h *Hub) drop(c *Client) {
	for id := range c.tasks {
		if subs := h.subs[id]; subs != nil {
			delete(subs, c)
			if len(subs) == 0 {
				delete(h.subs, id)
			}
		}
	}
	delete(h.clients, c)
	close(c.send)
	h.connected.Add(-1)
	h.metrics.DecWSConnections()
}

// Publish queues snap for delivery without blocking. It is safe to use as an
// orchestrator listener; snapshots are dropped when the hub is saturated.
func (h *Hub) Publish(snap download.Snapshot) {
	select {
	case h.broadcast <- snap:
	default:
		h.metrics.IncCounter("websocket_messages_total", "result", "dropped")
	}
}

// Feed forwards snapshots from ch until it closes or ctx is done.
func (h *Hub) Feed(ctx context.Context, ch <-chan download.Snapshot) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-ch:
			if !ok {
				return
			}
			h.Publish(snap)
		}
	}
}

// TotalClients returns the number of connected clients.
func (h *Hub) TotalClients() int {
	return int(h.connected.Load())
}

func (h *Hub) join(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) leave(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *Hub) watch(c *Client, taskID string) {
	select {
	case h.subscribe <- subscription{client: c, taskID: taskID}:
	case <-h.done:
	}
}
