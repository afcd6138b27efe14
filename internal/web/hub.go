package web

import (
	"sync"

	"github.com/google/uuid"

	"github.com/steelthread/foreman/internal/events"
	"github.com/steelthread/foreman/internal/metrics"
)

// Hub fans scheduler events out to connected SSE clients.
// It runs an event loop in a separate goroutine; with zero clients a
// broadcast is a single channel hop and a no-op.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}

	register   chan *Client
	unregister chan *Client
	broadcast  chan events.Event

	done chan struct{}
}

// Client is one connected event stream consumer.
type Client struct {
	id     string
	events chan events.Event
}

// NewClient creates a client with a fresh ID and a buffered queue.
func NewClient() *Client {
	return &Client{
		id:     uuid.NewString(),
		events: make(chan events.Event, 256),
	}
}

// NewHub creates a hub. Call Run in a goroutine to start it.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan events.Event, 64),
		done:       make(chan struct{}),
	}
}

// Run processes register, unregister and broadcast operations until
// Stop is called.
func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for client := range h.clients {
				close(client.events)
			}
			h.clients = make(map[*Client]struct{})
			h.mu.Unlock()
			metrics.SSESubscribers.Set(0)
			return
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.SSESubscribers.Set(float64(n))
		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.events)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.SSESubscribers.Set(float64(n))
		case event := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients {
				select {
				case client.events <- event:
				default:
					// Slow client, drop the event for it
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Stop shuts the hub down and disconnects every client.
func (h *Hub) Stop() {
	close(h.done)
}

// Register adds a client to the fan-out set.
func (h *Hub) Register(c *Client) {
	h.register <- c
}

// Unregister removes a client and closes its queue.
func (h *Hub) Unregister(c *Client) {
	h.unregister <- c
}

// HandleEvent is the bus subscription entry point.
func (h *Hub) HandleEvent(e events.Event) {
	select {
	case h.broadcast <- e:
	case <-h.done:
	}
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
