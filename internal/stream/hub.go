// Package stream fans alerts out to websocket subscribers. The hub mirrors
// what travels on the alerts topic so operators can watch rule decisions
// and confirmed exploits live.
package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/cerberus-defense/cerberus/internal/bus"
	"github.com/cerberus-defense/cerberus/internal/evidence"
	"github.com/cerberus-defense/cerberus/internal/policy"
)

// Hub manages the websocket clients of one process. Broadcast never blocks;
// when the queue is full the alert is dropped for streaming purposes only,
// the bus copy is unaffected.
type Hub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan policy.Alert
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.RWMutex
	upgrader   websocket.Upgrader
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan policy.Alert, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Run pumps registrations and broadcasts until the context ends. Call it in
// its own goroutine.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				client.Close()
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			slog.Info("Alert stream client connected", "total", total)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.Close()
			}
			total := len(h.clients)
			h.mu.Unlock()
			slog.Info("Alert stream client disconnected", "total", total)

		case alert := <-h.broadcast:
			h.mu.RLock()
			stale := make([]*websocket.Conn, 0)
			for client := range h.clients {
				if err := client.WriteJSON(alert); err != nil {
					slog.Warn("Alert stream write failed", "error", err)
					stale = append(stale, client)
				}
			}
			h.mu.RUnlock()
			for _, client := range stale {
				h.mu.Lock()
				if _, ok := h.clients[client]; ok {
					delete(h.clients, client)
					client.Close()
				}
				h.mu.Unlock()
			}
		}
	}
}

// Attach subscribes the hub to the alerts topic so every alert published on
// the bus reaches connected websocket clients.
func (h *Hub) Attach(ctx context.Context, b bus.Bus, group string) (bus.Subscription, error) {
	if group == "" {
		group = "alert-stream"
	}
	return b.Subscribe(ctx, evidence.TopicAlerts, group, bus.StartLatest,
		func(_ context.Context, ev bus.Event) error {
			var alert policy.Alert
			if err := json.Unmarshal(ev.Payload, &alert); err != nil {
				return err
			}
			h.Broadcast(alert)
			return nil
		})
}

// Broadcast queues an alert for delivery to all connected clients.
func (h *Hub) Broadcast(alert policy.Alert) {
	select {
	case h.broadcast <- alert:
	default:
		slog.Warn("Alert stream queue full, dropping", "type", alert.Type)
	}
}

// HandleWebSocket upgrades the request and keeps the connection registered
// until the peer goes away.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("Websocket upgrade failed", "error", err)
		return
	}

	h.register <- conn

	go func() {
		defer func() { h.unregister <- conn }()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// ClientCount reports how many websocket clients are connected.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
