package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

func newTestClient(hub *Hub, id string, topics ...string) *Client {
	return &Client{
		ID:     id,
		Topics: topics,
		Send:   make(chan []byte, 256),
		hub:    hub,
	}
}

// fakeConn feeds inbound frames from a channel and records writes.
type fakeConn struct {
	in     chan []byte
	mu     sync.Mutex
	writes [][]byte
	types  []int
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 16), closed: make(chan struct{})}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case msg := <-f.in:
		return gorillawebsocket.TextMessage, msg, nil
	case <-f.closed:
		return 0, nil, errors.New("closed")
	}
}

func (f *fakeConn) WriteMessage(mt int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.types = append(f.types, mt)
	f.writes = append(f.writes, data)
	return nil
}

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) textWrites() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for i, w := range f.writes {
		if f.types[i] == gorillawebsocket.TextMessage {
			out = append(out, string(w))
		}
	}
	return out
}

func TestHub_RegisterClient(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	hub.Register(newTestClient(hub, "client-1", UserTopic("u1")))

	if hub.ClientCount() != 1 {
		t.Fatalf("expected 1 client, got %d", hub.ClientCount())
	}
	if hub.TopicCount("user:u1") != 1 {
		t.Fatalf("expected 1 client on user:u1, got %d", hub.TopicCount("user:u1"))
	}
}

func TestHub_UnregisterClient(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	client := newTestClient(hub, "client-2", RoleTopic("police"))

	hub.Register(client)
	hub.Unregister(client)
	hub.Unregister(client)

	if hub.ClientCount() != 0 {
		t.Fatalf("expected 0 clients, got %d", hub.ClientCount())
	}
	if hub.TopicCount("role:police") != 0 {
		t.Fatalf("expected 0 clients on role:police, got %d", hub.TopicCount("role:police"))
	}
	if _, ok := <-client.Send; ok {
		t.Fatal("expected Send channel to be closed")
	}
}

func TestHub_BroadcastToTopic(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	hospital := newTestClient(hub, "h", RoleTopic("hospital"))
	police := newTestClient(hub, "p", RoleTopic("police"))
	hub.Register(hospital)
	hub.Register(police)

	ev, err := NewEvent("notice", RoleTopic("hospital"), map[string]string{"title": "Incoming"})
	if err != nil {
		t.Fatalf("new event: %v", err)
	}
	if n := hub.Broadcast(ev.Topic, ev); n != 1 {
		t.Fatalf("expected 1 delivery, got %d", n)
	}

	select {
	case msg := <-hospital.Send:
		var received Event
		if err := json.Unmarshal(msg, &received); err != nil {
			t.Fatalf("failed to unmarshal event: %v", err)
		}
		if received.Type != "notice" || received.Topic != "role:hospital" {
			t.Fatalf("unexpected event: %+v", received)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive event")
	}

	select {
	case <-police.Send:
		t.Fatal("non-subscriber should not have received event")
	default:
	}
}

func TestHub_BroadcastToEmptyTopic(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	if n := hub.Broadcast("user:nobody", Event{Type: "notice"}); n != 0 {
		t.Fatalf("expected 0 deliveries, got %d", n)
	}
}

func TestHub_BroadcastSkipsFullBuffer(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	slow := &Client{ID: "slow", Topics: []string{"role:admin"}, Send: make(chan []byte, 1), hub: hub}
	hub.Register(slow)

	hub.Broadcast("role:admin", Event{Type: "a"})
	if n := hub.Broadcast("role:admin", Event{Type: "b"}); n != 0 {
		t.Fatalf("expected full buffer to be skipped, got %d deliveries", n)
	}
}

func TestHub_PublishRequiresTopic(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	if err := hub.Publish(context.Background(), Event{Type: "notice"}); err == nil {
		t.Fatal("expected error for event without topic")
	}
}

func TestHub_PublishBroadcastsToSubscribers(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	c := newTestClient(hub, "c", UserTopic("u1"), RoleTopic("ambulance"))
	hub.Register(c)

	var pub EventPublisher = hub
	ev, _ := NewEvent("notice", UserTopic("u1"), nil)
	if err := pub.Publish(context.Background(), ev); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(c.Send) != 1 {
		t.Fatalf("expected 1 queued message, got %d", len(c.Send))
	}
}

func TestClient_EmitAfterUnregister(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	c := newTestClient(hub, "c", UserTopic("u1"))
	hub.Register(c)

	if !c.Emit("view", map[string]int{"n": 1}) {
		t.Fatal("expected emit to succeed while registered")
	}
	hub.Unregister(c)
	if c.Emit("view", map[string]int{"n": 2}) {
		t.Fatal("expected emit to fail after unregister")
	}
}

func TestHub_ConcurrentRegisterUnregister(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := newTestClient(hub, "c", RoleTopic("police"))
			hub.Register(c)
			hub.Broadcast("role:police", Event{Type: "fleet"})
			c.Emit("view", nil)
			hub.Unregister(c)
		}()
	}
	wg.Wait()

	if hub.ClientCount() != 0 {
		t.Fatalf("expected 0 clients, got %d", hub.ClientCount())
	}
}

func TestHub_ServeRoutesInboundAndFlushesOnClose(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	conn := newFakeConn()
	client := hub.NewClient(conn, []string{UserTopic("u1")})

	received := make(chan string, 4)
	served := make(chan struct{})
	go func() {
		hub.Serve(client, func(data []byte) { received <- string(data) })
		close(served)
	}()

	conn.in <- []byte(`{"action":"ping"}`)
	select {
	case msg := <-received:
		if msg != `{"action":"ping"}` {
			t.Fatalf("unexpected inbound message %q", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("inbound message was not delivered")
	}

	client.Emit("redirect", map[string]string{"to": "/login"})
	client.Close()

	select {
	case <-served:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after Close")
	}

	writes := conn.textWrites()
	if len(writes) != 1 || !strings.Contains(writes[0], `"type":"redirect"`) {
		t.Fatalf("expected queued redirect to be flushed, got %v", writes)
	}
	if hub.ClientCount() != 0 {
		t.Fatalf("expected client to be unregistered, got %d", hub.ClientCount())
	}
}

func TestNewUpgrader_CheckOrigin(t *testing.T) {
	up := NewUpgrader([]string{"http://localhost:3000"})

	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"http://localhost:3000", true},
		{"http://evil.example", false},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if tt.origin != "" {
			req.Header.Set("Origin", tt.origin)
		}
		if got := up.CheckOrigin(req); got != tt.want {
			t.Errorf("origin %q: got %v, want %v", tt.origin, got, tt.want)
		}
	}

	if !NewUpgrader([]string{"*"}).CheckOrigin(httptest.NewRequest(http.MethodGet, "/ws", nil)) {
		t.Error("expected wildcard to allow any origin")
	}
}

func TestUpgrade_FullRoundTrip(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	upgrader := NewUpgrader([]string{"*"})

	e := echo.New()
	e.GET("/ws", func(c echo.Context) error {
		conn, err := Upgrade(c, upgrader)
		if err != nil {
			return err
		}
		client := hub.NewClient(conn, []string{RoleTopic("admin")})
		hub.Serve(client, func([]byte) {})
		return nil
	})

	server := httptest.NewServer(e)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	conn, resp, err := gorillawebsocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to dial websocket: %v", err)
	}
	defer conn.Close()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected 101, got %d", resp.StatusCode)
	}

	deadline := time.Now().Add(time.Second)
	for hub.TopicCount("role:admin") == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	ev, _ := NewEvent("notice", RoleTopic("admin"), map[string]string{"title": "New registration"})
	hub.Broadcast(ev.Topic, ev)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var received Event
	if err := conn.ReadJSON(&received); err != nil {
		t.Fatalf("failed to read event: %v", err)
	}
	if received.Type != "notice" {
		t.Fatalf("expected notice, got %s", received.Type)
	}
}
