// Package observer fans execution events out to websocket subscribers.
package observer

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/smilemakc/stepflow/internal/application/engine"
)

// Hub manages subscriber connections and broadcasts execution events. It
// implements engine.Notifier; a slow subscriber is dropped rather than
// blocking the engine.
type Hub struct {
	mu         sync.RWMutex
	clients    map[*Client]bool
	byWorkflow map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	events     chan engine.ExecutionEvent
	done       chan struct{}

	logger zerolog.Logger
}

// NewHub creates a hub; call Run in a goroutine.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		byWorkflow: make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		events:     make(chan engine.ExecutionEvent, 256),
		done:       make(chan struct{}),
		logger:     logger.With().Str("component", "observer_hub").Logger(),
	}
}

// Notify implements engine.Notifier. Never blocks: when the buffer is full
// the event is dropped.
func (h *Hub) Notify(event engine.ExecutionEvent) {
	select {
	case h.events <- event:
	default:
		h.logger.Warn().Str("type", string(event.Type)).Msg("event buffer full, dropping")
	}
}

// Run is the hub's main loop.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		case event := <-h.events:
			h.broadcast(event)
		case <-h.done:
			return
		}
	}
}

// Close stops the hub loop and disconnects every client.
func (h *Hub) Close() {
	close(h.done)
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		client.close()
	}
}

func (h *Hub) addClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client] = true
	if client.workflowID != "" {
		if h.byWorkflow[client.workflowID] == nil {
			h.byWorkflow[client.workflowID] = make(map[*Client]bool)
		}
		h.byWorkflow[client.workflowID][client] = true
	}
	h.logger.Debug().Str("workflow_id", client.workflowID).Msg("observer connected")
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.clients[client] {
		return
	}
	delete(h.clients, client)
	if client.workflowID != "" {
		delete(h.byWorkflow[client.workflowID], client)
		if len(h.byWorkflow[client.workflowID]) == 0 {
			delete(h.byWorkflow, client.workflowID)
		}
	}
	client.close()
}

func (h *Hub) broadcast(event engine.ExecutionEvent) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		if client.workflowID == "" || client.workflowID == event.WorkflowID {
			targets = append(targets, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range targets {
		if !client.send(event) {
			h.Unregister(client)
		}
	}
}

// Register queues a new subscriber.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister queues a subscriber removal.
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}
