package server

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/taskwire/taskwire/internal/task"
)

// Hub fans task state changes out to connected WebSocket clients.
type Hub struct {
	logger    *slog.Logger
	upgrader  websocket.Upgrader
	broadcast chan task.Task

	mu      sync.Mutex
	clients map[*websocket.Conn]bool
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		broadcast: make(chan task.Task, 64),
		clients:   make(map[*websocket.Conn]bool),
	}
}

// Broadcast queues a task update for all clients. Updates are dropped when
// the queue is full rather than blocking the dispatch path.
func (h *Hub) Broadcast(t task.Task) {
	select {
	case h.broadcast <- t:
	default:
		h.logger.Debug("dropping task update, broadcast queue full", "url", t.URL)
	}
}

// Run delivers queued updates until ctx is cancelled, then closes all
// client connections.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case t := <-h.broadcast:
			h.send(t)
		}
	}
}

func (h *Hub) send(t task.Task) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for conn := range h.clients {
		if err := conn.WriteJSON(t); err != nil {
			h.logger.Debug("dropping websocket client", "error", err)
			delete(h.clients, conn)
			conn.Close()
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for conn := range h.clients {
		conn.Close()
		delete(h.clients, conn)
	}
}

// ServeWS upgrades an HTTP request to a WebSocket subscription.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	h.mu.Lock()
	h.clients[conn] = true
	count := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("websocket client connected", "clients", count)

	// Reader goroutine detects disconnection; clients do not send data.
	go func() {
		defer func() {
			h.mu.Lock()
			delete(h.clients, conn)
			h.mu.Unlock()
			conn.Close()
			h.logger.Info("websocket client disconnected")
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}
