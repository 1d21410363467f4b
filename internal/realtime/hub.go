// Package realtime fans the daemon's poll-cycle and notification events
// out to connected dashboard clients over websocket, the way the teacher's
// agenthub.Hub fans agent frames out to connected UIs.
package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/dispatchd/dispatchd/internal/daemon"
	"github.com/dispatchd/dispatchd/internal/events"
	"github.com/dispatchd/dispatchd/internal/logging"
)

// Message is one frame sent from the hub to a client. Type distinguishes
// the three event kinds the daemon publishes; the keepalive uses
// websocket ping/pong control frames, not Messages.
type Message struct {
	Type      string    `json:"type"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Hub tracks connected dashboard clients and broadcasts daemon events to
// all of them. It has no notion of per-client subscriptions: every
// connected client receives every event, matching the single-tenant
// control surface the daemon exposes over HTTP.
type Hub struct {
	clientsMu sync.RWMutex
	clients   map[string]*Client

	register   chan *Client
	unregister chan *Client

	upgrader websocket.Upgrader
}

// NewHub creates a Hub. Call Run to start its event loop and Subscribe to
// wire it to a daemon's event subject.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		register:   make(chan *Client, 1),
		unregister: make(chan *Client, 1),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Run drives the hub's register/unregister loop until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case c := <-h.register:
			h.addClient(c)
		case c := <-h.unregister:
			h.removeClient(c)
		}
	}
}

func (h *Hub) addClient(c *Client) {
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()
	h.clients[c.ID] = c
}

func (h *Hub) removeClient(c *Client) {
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()
	if existing, ok := h.clients[c.ID]; ok && existing == c {
		delete(h.clients, c.ID)
		c.Close()
	}
}

func (h *Hub) closeAll() {
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()
	for id, c := range h.clients {
		c.Close()
		delete(h.clients, id)
	}
}

// ClientCount returns the number of connected dashboard clients.
func (h *Hub) ClientCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

// Broadcast sends msg to every connected client, skipping any whose send
// buffer is full rather than blocking the caller.
func (h *Hub) Broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		logging.Errorf("realtime: marshal broadcast message: %v", err)
		return
	}

	h.clientsMu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.clientsMu.RUnlock()

	for _, c := range clients {
		select {
		case c.send <- data:
		default:
			logging.Warnf("realtime: client %s send buffer full, dropping event", c.ID)
		}
	}
}

// Subscribe wires the hub to a daemon's event subject so every poll
// start, poll completion, and notification is broadcast to connected
// clients as it happens.
func (h *Hub) Subscribe(s *events.Subject) {
	events.Subscribe(s, events.TopicPollStart, func(ctx context.Context, pollType daemon.PollType) error {
		h.Broadcast(Message{Type: "poll:start", Payload: pollType, Timestamp: time.Now()})
		return nil
	})
	events.Subscribe(s, events.TopicPollComplete, func(ctx context.Context, result daemon.PollResult) error {
		h.Broadcast(Message{Type: "poll:complete", Payload: result, Timestamp: time.Now()})
		return nil
	})
	events.Subscribe(s, events.TopicDaemonNotification, func(ctx context.Context, n daemon.Notification) error {
		h.Broadcast(Message{Type: "notification", Payload: n, Timestamp: time.Now()})
		return nil
	})
}

// ServeWS upgrades an HTTP request to a websocket connection and
// registers the resulting client with the hub.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	client := newClient(conn, h, uuid.NewString())
	h.register <- client

	go client.writePump()
	go client.readPump()
	return nil
}
