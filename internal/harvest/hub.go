package harvest

import (
	"sync"

	"github.com/codefionn/captchaharvester/internal/logger"
	"github.com/codefionn/captchaharvester/internal/metrics"
)

// Hub maintains the set of connected requesters
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	quit       chan struct{}
	done       chan struct{}
	stopOnce   sync.Once
	log        *logger.Logger
}

// NewHub creates a new hub
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
		log:        log,
	}
}

// Run processes registrations until Stop is called. On stop every
// connection is closed after its queued frames are written.
func (h *Hub) Run() {
	h.log.Debug("WebSocket hub started")
	defer close(h.done)

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			metrics.ConnectionOpened()
			h.log.Debug("Client registered: %s", client.ID)

		case client := <-h.unregister:
			h.remove(client)

		case <-h.quit:
			h.mu.Lock()
			clients := h.clients
			h.clients = make(map[*Client]bool)
			h.mu.Unlock()
			for client := range clients {
				client.closeSend()
				metrics.ConnectionClosed()
			}
			h.log.Debug("WebSocket hub stopped, closed %d connections", len(clients))
			return
		}
	}
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	_, ok := h.clients[client]
	delete(h.clients, client)
	h.mu.Unlock()

	client.closeSend()
	if ok {
		metrics.ConnectionClosed()
		h.log.Debug("Client unregistered: %s", client.ID)
	}
}

// Stop closes every connection and stops the hub
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.quit) })
	<-h.done
}

// Register adds a client. It reports false once the hub has stopped.
func (h *Hub) Register(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.quit:
		return false
	}
}

// Unregister removes a client and stops its write pump
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.quit:
		client.closeSend()
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
