package realtime

import (
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/isoforge/isoforge-backend/internal/platform/logger"
)

// Event is one wire message for an attached websocket viewer. The writer
// marshals it as a single JSON object.
type Event = map[string]interface{}

// Client is one attached viewer. All writes to its socket go through
// Outbound so one goroutine owns the connection.
type Client struct {
	ID       uuid.UUID
	Channels map[string]bool
	Outbound chan Event
	done     chan struct{}
	closed   bool // guarded by the hub mutex
}

// Done closes when the hub has released the client.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Hub fans events out to clients by channel name. The health socket runs on
// it; task sockets carry their own Redis subscription instead.
type Hub struct {
	mu            sync.RWMutex
	log           *logger.Logger
	subscriptions map[string]map[*Client]bool
}

func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		log:           log.With("component", "WSHub"),
		subscriptions: make(map[string]map[*Client]bool),
	}
}

func (hub *Hub) NewClient() *Client {
	return &Client{
		ID:       uuid.New(),
		Channels: make(map[string]bool),
		Outbound: make(chan Event, 16),
		done:     make(chan struct{}),
	}
}

func (hub *Hub) AddChannel(client *Client, channel string) {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	channel = strings.TrimSpace(channel)
	if channel == "" || client.closed {
		return
	}

	client.Channels[channel] = true

	clients, exists := hub.subscriptions[channel]
	if !exists {
		clients = make(map[*Client]bool)
		hub.subscriptions[channel] = clients
	}
	clients[client] = true

	hub.log.Debug("WS client subscribed", "clientID", client.ID, "channel", channel)
}

func (hub *Hub) RemoveChannel(client *Client, channel string) {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	channel = strings.TrimSpace(channel)
	if channel == "" {
		return
	}
	delete(client.Channels, channel)

	if subMap, ok := hub.subscriptions[channel]; ok {
		delete(subMap, client)
		if len(subMap) == 0 {
			delete(hub.subscriptions, channel)
		}
	}
	hub.log.Debug("WS client unsubscribed from channel", "clientID", client.ID, "channel", channel)
}

func (hub *Hub) RemoveClient(client *Client) {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	hub.detachLocked(client)
	hub.log.Debug("WS client unsubscribed from all channels", "clientID", client.ID)
}

func (hub *Hub) detachLocked(client *Client) {
	for ch := range client.Channels {
		if subMap, ok := hub.subscriptions[ch]; ok {
			delete(subMap, client)
			if len(subMap) == 0 {
				delete(hub.subscriptions, ch)
			}
		}
	}
	client.Channels = make(map[string]bool)
}

// Broadcast delivers event to every client on channel. Slow clients are
// skipped rather than blocking the forwarder.
func (hub *Hub) Broadcast(channel string, event Event) {
	hub.mu.RLock()
	defer hub.mu.RUnlock()

	if channel == "" {
		return
	}
	clientsMap, ok := hub.subscriptions[channel]
	if !ok {
		return
	}
	for c := range clientsMap {
		select {
		case c.Outbound <- event:
		default:
			hub.log.Warn("Dropping WS event; outbound buffer full", "clientID", c.ID, "channel", channel)
		}
	}
}

// Send queues event for one client. Returns false when the client is closed
// or its buffer is full. The read lock orders the send against CloseClient,
// which closes Outbound under the write lock, so a send racing a close can
// never hit the closed channel.
func (hub *Hub) Send(client *Client, event Event) bool {
	hub.mu.RLock()
	defer hub.mu.RUnlock()

	if client.closed {
		return false
	}
	select {
	case client.Outbound <- event:
		return true
	default:
		hub.log.Warn("Dropping WS event; outbound buffer full", "clientID", client.ID)
		return false
	}
}

// CloseClient detaches the client and closes its channels, all inside one
// write-locked section. Safe to call from both the terminal-event path and
// the handler's deferred cleanup, and safe against concurrent Send and
// Broadcast.
func (hub *Hub) CloseClient(client *Client) {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	hub.detachLocked(client)
	if client.closed {
		return
	}
	client.closed = true
	close(client.done)
	close(client.Outbound)
}
