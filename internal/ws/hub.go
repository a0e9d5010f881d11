// Package ws pushes cache store events (alert transitions, source
// degradation) to connected dashboard clients over websockets, so the UI
// can react without polling the summary endpoint.
package ws

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/solwatch/solwatch/internal/cache"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The dashboard is same-deployment; cross-origin embedding is fine.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub fans one event stream out to all connected clients.
type Hub struct {
	events <-chan cache.Event
	logger *log.Logger

	mu      sync.Mutex
	clients map[*websocket.Conn]bool
}

// NewHub builds a hub over the store's event channel.
func NewHub(events <-chan cache.Event, logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.Default()
	}
	return &Hub{
		events:  events,
		logger:  logger,
		clients: make(map[*websocket.Conn]bool),
	}
}

// Run broadcasts events until the context is cancelled, then closes every
// client connection.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case ev, ok := <-h.events:
			if !ok {
				h.closeAll()
				return
			}
			h.broadcast(ev)
		}
	}
}

func (h *Hub) broadcast(ev cache.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		h.logger.Printf("[ws] marshal event: %v", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			// Dead client; drop it and move on.
			conn.Close()
			delete(h.clients, conn)
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

// Serve upgrades an HTTP request to a websocket and registers the client.
// The read loop exists only to notice disconnects; clients send nothing.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("[ws] upgrade: %v", err)
		return
	}

	h.mu.Lock()
	h.clients[conn] = true
	h.mu.Unlock()

	go func() {
		defer func() {
			h.mu.Lock()
			delete(h.clients, conn)
			h.mu.Unlock()
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// ClientCount reports connected clients, for the health endpoint.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}
