// Package relay fans feed events out to downstream websocket clients.
package relay

import (
	"context"
	"sync"

	"marketfeed/internal/core"
)

const (
	clientBuffer = 256
	hubQueue     = 1024
)

// Client is one downstream connection. An empty topic filter receives every topic.
type Client struct {
	id     string
	topics []string
	out    chan Message

	mu     sync.Mutex
	closed bool
}

// NewClient creates a client interested in topics
func NewClient(id string, topics ...string) *Client {
	return &Client{id: id, topics: topics, out: make(chan Message, clientBuffer)}
}

func (c *Client) ID() string { return c.id }

// Wants reports whether the client's filter accepts topic
func (c *Client) Wants(topic string) bool {
	if len(c.topics) == 0 || topic == "" {
		return true
	}
	for _, t := range c.topics {
		if t == topic {
			return true
		}
	}
	return false
}

// Send queues msg without blocking and reports whether it was accepted
func (c *Client) Send(msg Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.out <- msg:
		return true
	default:
		return false
	}
}

// Messages returns the outgoing queue; it is closed with the client
func (c *Client) Messages() <-chan Message {
	return c.out
}

// Close is idempotent
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.out)
	}
}

// Hub indexes clients by topic and delivers queued messages to the interested ones.
// Registration is synchronous; only delivery runs on the Run goroutine.
type Hub struct {
	mu       sync.RWMutex
	stopped  bool
	clients  map[*Client]struct{}
	wildcard map[*Client]struct{}
	byTopic  map[string]map[*Client]struct{}

	queue  chan Message
	logger core.ILogger
}

func NewHub(logger core.ILogger) *Hub {
	return &Hub{
		clients:  make(map[*Client]struct{}),
		wildcard: make(map[*Client]struct{}),
		byTopic:  make(map[string]map[*Client]struct{}),
		queue:    make(chan Message, hubQueue),
		logger:   logger.WithField("component", "relay_hub"),
	}
}

// Run delivers queued messages until ctx is done, then closes every client.
// A hub is not reusable once Run has returned.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case msg := <-h.queue:
			h.deliver(msg)
		}
	}
}

func (h *Hub) deliver(msg Message) {
	for _, c := range h.audience(msg.Topic) {
		if !c.Send(msg) {
			droppedMessages.WithLabelValues("slow_client").Inc()
			h.logger.Warn("Client too slow, disconnecting", "client_id", c.id, "topic", msg.Topic)
			h.Unregister(c)
		}
	}
}

// audience snapshots the clients a message for topic goes to
func (h *Hub) audience(topic string) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if topic == "" {
		out := make([]*Client, 0, len(h.clients))
		for c := range h.clients {
			out = append(out, c)
		}
		return out
	}
	out := make([]*Client, 0, len(h.wildcard)+len(h.byTopic[topic]))
	for c := range h.wildcard {
		out = append(out, c)
	}
	for c := range h.byTopic[topic] {
		out = append(out, c)
	}
	return out
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	h.stopped = true
	for c := range h.clients {
		c.Close()
	}
	h.clients = make(map[*Client]struct{})
	h.wildcard = make(map[*Client]struct{})
	h.byTopic = make(map[string]map[*Client]struct{})
	h.mu.Unlock()

	activeConnections.Set(0)
}

// Register adds client. It fails once the hub has stopped or ctx is done.
func (h *Hub) Register(ctx context.Context, client *Client) bool {
	if ctx.Err() != nil {
		return false
	}

	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return false
	}
	h.clients[client] = struct{}{}
	if len(client.topics) == 0 {
		h.wildcard[client] = struct{}{}
	}
	for _, t := range client.topics {
		set, ok := h.byTopic[t]
		if !ok {
			set = make(map[*Client]struct{})
			h.byTopic[t] = set
		}
		set[client] = struct{}{}
	}
	n := len(h.clients)
	h.mu.Unlock()

	activeConnections.Set(float64(n))
	h.logger.Info("Client registered", "client_id", client.id, "topics", client.topics, "total_clients", n)
	return true
}

// Unregister removes and closes client; unknown clients are ignored
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	_, ok := h.clients[client]
	if ok {
		delete(h.clients, client)
		delete(h.wildcard, client)
		for _, t := range client.topics {
			if set := h.byTopic[t]; set != nil {
				delete(set, client)
				if len(set) == 0 {
					delete(h.byTopic, t)
				}
			}
		}
	}
	n := len(h.clients)
	h.mu.Unlock()

	client.Close()
	if ok {
		activeConnections.Set(float64(n))
		h.logger.Info("Client unregistered", "client_id", client.id, "total_clients", n)
	}
}

// Broadcast queues msg, dropping it when the queue is full
func (h *Hub) Broadcast(msg Message) bool {
	select {
	case h.queue <- msg:
		return true
	default:
		droppedMessages.WithLabelValues("hub_full").Inc()
		h.logger.Warn("Broadcast queue full, dropping message", "topic", msg.Topic)
		return false
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Audience returns how many clients a message on topic would reach
func (h *Hub) Audience(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if topic == "" {
		return len(h.clients)
	}
	return len(h.wildcard) + len(h.byTopic[topic])
}
