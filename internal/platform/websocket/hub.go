// Package websocket fans out dispatch events to connected dashboards. Each
// connection is registered under a fixed set of topics ("user:<id>",
// "role:<role>") and receives every event published to those topics.
package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Event is the envelope for every server-to-client message.
type Event struct {
	Type      string          `json:"type"`
	Topic     string          `json:"topic,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewEvent marshals payload into an Event.
func NewEvent(eventType, topic string, payload interface{}) (Event, error) {
	ev := Event{Type: eventType, Topic: topic, Timestamp: time.Now().UTC()}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Event{}, fmt.Errorf("marshal %s event: %w", eventType, err)
		}
		ev.Data = data
	}
	return ev, nil
}

func UserTopic(userID string) string { return "user:" + userID }
func RoleTopic(role string) string   { return "role:" + role }

// EventPublisher defines the interface for publishing events to subscribers.
type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
}

// Conn abstracts a WebSocket connection for testability.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Client represents a single WebSocket connection.
type Client struct {
	ID     string
	Topics []string
	Send   chan []byte
	hub    *Hub
	conn   Conn
}

// NewClient builds a client for conn; it is not registered until Register.
func (h *Hub) NewClient(conn Conn, topics []string) *Client {
	return &Client{
		ID:     uuid.NewString(),
		Topics: topics,
		Send:   make(chan []byte, 256),
		hub:    h,
		conn:   conn,
	}
}

// Emit queues a JSON event for this client only. It reports false when the
// client is gone or its buffer is full.
func (c *Client) Emit(eventType string, payload interface{}) bool {
	ev, err := NewEvent(eventType, "", payload)
	if err != nil {
		c.hub.logger.Error().Err(err).Str("client_id", c.ID).Msg("websocket: emit")
		return false
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return false
	}
	return c.hub.sendTo(c, data)
}

// Hub tracks clients and their topic subscriptions.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{} // topic -> set of clients
	all     map[*Client]struct{}
	logger  zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
		all:     make(map[*Client]struct{}),
		logger:  logger,
	}
}

// Register adds a client to the hub and subscribes it to its topics.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.all[client] = struct{}{}
	for _, topic := range client.Topics {
		if h.clients[topic] == nil {
			h.clients[topic] = make(map[*Client]struct{})
		}
		h.clients[topic][client] = struct{}{}
	}
}

// Unregister removes a client from the hub and closes its Send channel.
// Calling it twice is harmless.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}
	for _, topic := range client.Topics {
		if subscribers, ok := h.clients[topic]; ok {
			delete(subscribers, client)
			if len(subscribers) == 0 {
				delete(h.clients, topic)
			}
		}
	}
	delete(h.all, client)
	close(client.Send)
}

// sendTo holds the read lock so Send cannot be closed mid-send.
func (h *Hub) sendTo(client *Client, data []byte) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if _, ok := h.all[client]; !ok {
		return false
	}
	select {
	case client.Send <- data:
		return true
	default:
		h.logger.Warn().Str("client_id", client.ID).Msg("websocket: client buffer full, dropping message")
		return false
	}
}

// Broadcast sends an event to all clients subscribed to topic and returns
// how many accepted it.
func (h *Hub) Broadcast(topic string, event Event) int {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error().Err(err).Str("topic", topic).Msg("websocket: failed to marshal event")
		return 0
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for client := range h.clients[topic] {
		select {
		case client.Send <- data:
			delivered++
		default:
			// Client buffer full; skip to avoid blocking.
		}
	}
	return delivered
}

// Publish implements EventPublisher.
func (h *Hub) Publish(_ context.Context, event Event) error {
	if event.Topic == "" {
		return fmt.Errorf("event topic is required")
	}
	h.Broadcast(event.Topic, event)
	return nil
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

// TopicCount returns the number of clients subscribed to a specific topic.
func (h *Hub) TopicCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[topic])
}

// ---------------------------------------------------------------------------
// Connection serving
// ---------------------------------------------------------------------------

const pingInterval = 30 * time.Second

// NewUpgrader accepts browser origins listed in allowed ("*" allows any).
// Requests without an Origin header come from non-browser clients and are
// always accepted.
func NewUpgrader(allowed []string) *gorillawebsocket.Upgrader {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[o] = struct{}{}
	}
	return &gorillawebsocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			if _, ok := set["*"]; ok {
				return true
			}
			_, ok := set[origin]
			return ok
		},
	}
}

// Upgrade switches the request to a WebSocket connection.
func Upgrade(c echo.Context, upgrader *gorillawebsocket.Upgrader) (Conn, error) {
	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return nil, err
	}
	return &gorillaConnAdapter{ws}, nil
}

// Serve registers client, pumps outbound messages in the background and
// feeds inbound frames to onMessage until the connection drops. The client is
// unregistered and the connection closed before Serve returns.
func (h *Hub) Serve(client *Client, onMessage func(data []byte)) {
	h.Register(client)
	done := make(chan struct{})
	go h.writePump(client, done)

	defer func() {
		h.Unregister(client)
		<-done
		client.conn.Close()
	}()

	for {
		_, message, err := client.conn.ReadMessage()
		if err != nil {
			return
		}
		onMessage(message)
	}
}

// writePump drains Send until Unregister closes it, pinging while idle.
func (h *Hub) writePump(client *Client, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case message, ok := <-client.Send:
			if !ok {
				_ = client.conn.WriteMessage(gorillawebsocket.CloseMessage,
					gorillawebsocket.FormatCloseMessage(gorillawebsocket.CloseNormalClosure, ""))
				client.conn.Close()
				return
			}
			if err := client.conn.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
				// unblock the read loop so Serve can unregister
				client.conn.Close()
				drain(client.Send)
				return
			}
		case <-ticker.C:
			if err := client.conn.WriteMessage(gorillawebsocket.PingMessage, nil); err != nil {
				client.conn.Close()
				drain(client.Send)
				return
			}
		}
	}
}

func drain(ch <-chan []byte) {
	for range ch {
	}
}

// Close flushes messages already queued, sends a close frame and drops the
// connection. Serve returns shortly after.
func (c *Client) Close() {
	c.hub.Unregister(c)
}

// gorillaConnAdapter wraps a gorilla/websocket.Conn to satisfy the Conn interface.
type gorillaConnAdapter struct {
	conn *gorillawebsocket.Conn
}

func (a *gorillaConnAdapter) ReadMessage() (int, []byte, error) {
	return a.conn.ReadMessage()
}

func (a *gorillaConnAdapter) WriteMessage(messageType int, data []byte) error {
	return a.conn.WriteMessage(messageType, data)
}

func (a *gorillaConnAdapter) Close() error {
	return a.conn.Close()
}
