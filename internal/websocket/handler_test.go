package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"hallpass/pkg/types"
)

// mockAuthenticator maps the token query parameter to an identity
type mockAuthenticator struct {
	tokens map[string]string
}

func (m *mockAuthenticator) Authenticate(r *http.Request) (string, error) {
	token := r.URL.Query().Get("token")
	if token == "" {
		return "", ErrMissingCredentials
	}
	identity, ok := m.tokens[token]
	if !ok {
		return "", ErrInvalidCredentials
	}
	return identity, nil
}

// recordingFrameHandler echoes an ack for each frame and remembers who sent it
type recordingFrameHandler struct {
	mu     sync.Mutex
	frames []string
	from   []string
}

func (h *recordingFrameHandler) HandleFrame(ctx context.Context, conn *Connection, data []byte) {
	h.mu.Lock()
	h.frames = append(h.frames, string(data))
	h.from = append(h.from, conn.GetIdentity())
	h.mu.Unlock()
	_ = conn.WriteJSON(types.Event{Type: types.EventAck, ID: "echo"})
}

func (h *recordingFrameHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.frames)
}

func setupTestHandler(t *testing.T) (*httptest.Server, *Registry, *recordingFrameHandler) {
	t.Helper()
	registry := NewRegistry()
	frames := &recordingFrameHandler{}
	auth := &mockAuthenticator{tokens: map[string]string{"good": "teacher@school.es"}}
	handler := NewHandler(registry, auth, frames, DefaultHandlerConfig(), nil)

	server := httptest.NewServer(http.HandlerFunc(handler.HandleWebSocket))
	t.Cleanup(server.Close)
	return server, registry, frames
}

func dial(t *testing.T, server *httptest.Server, token string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "?token=" + token
	return websocket.DefaultDialer.Dial(url, nil)
}

func readEvent(t *testing.T, conn *websocket.Conn) types.Event {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var event types.Event
	if err := conn.ReadJSON(&event); err != nil {
		t.Fatalf("Failed to read event: %v", err)
	}
	return event
}

func TestHandler_RejectsBadCredentials(t *testing.T) {
	server, registry, _ := setupTestHandler(t)

	tests := []struct {
		name       string
		token      string
		wantStatus int
	}{
		{"missing token", "", http.StatusBadRequest},
		{"unknown token", "forged", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, resp, err := dial(t, server, tt.token)
			if err == nil {
				t.Fatal("Dial should fail")
			}
			if resp == nil || resp.StatusCode != tt.wantStatus {
				t.Errorf("Expected status %d, got %v", tt.wantStatus, resp)
			}
		})
	}

	if registry.GetStats()["total_connections"] != 0 {
		t.Error("Rejected clients must not be registered")
	}
}

func TestHandler_ConnectionRegistrationAndFrames(t *testing.T) {
	server, registry, frames := setupTestHandler(t)

	conn, _, err := dial(t, server, "good")
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}

	hello := readEvent(t, conn)
	if hello.Type != types.EventSystem {
		t.Errorf("Expected system hello, got %+v", hello)
	}
	var payload map[string]string
	if err := json.Unmarshal(hello.Data, &payload); err != nil || payload["event"] != "connected" {
		t.Errorf("Unexpected hello payload %s", hello.Data)
	}
	if registry.GetStats()["total_connections"] != 1 {
		t.Error("Connection should be registered after upgrade")
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"op":"read","id":"1","path":"classes"}`)); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}
	if ack := readEvent(t, conn); ack.Type != types.EventAck {
		t.Errorf("Expected ack, got %+v", ack)
	}
	if frames.count() != 1 || frames.from[0] != "teacher@school.es" {
		t.Errorf("Frame handler should see one frame from the authenticated identity")
	}

	_ = conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for registry.GetStats()["total_connections"] != 0 {
		if time.Now().After(deadline) {
			t.Fatal("Connection should be unregistered after the client disconnects")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHandler_ConcurrentConnections(t *testing.T) {
	server, registry, _ := setupTestHandler(t)

	var wg sync.WaitGroup
	conns := make(chan *websocket.Conn, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, _, err := dial(t, server, "good")
			if err != nil {
				t.Errorf("Dial failed: %v", err)
				return
			}
			conns <- conn
		}()
	}
	wg.Wait()
	close(conns)

	for conn := range conns {
		readEvent(t, conn)
		defer conn.Close()
	}
	if got := registry.GetStats()["total_connections"]; got != 10 {
		t.Errorf("Expected 10 connections, got %d", got)
	}
}

func TestHandler_HeartbeatPing(t *testing.T) {
	registry := NewRegistry()
	auth := &mockAuthenticator{tokens: map[string]string{"good": "teacher@school.es"}}
	config := HandlerConfig{PingInterval: 50 * time.Millisecond, ReadTimeout: time.Second, MaxFrameSize: 1024}
	handler := NewHandler(registry, auth, &recordingFrameHandler{}, config, nil)
	server := httptest.NewServer(http.HandlerFunc(handler.HandleWebSocket))
	defer server.Close()

	conn, _, err := dial(t, server, "good")
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	pinged := make(chan struct{}, 1)
	conn.SetPingHandler(func(string) error {
		select {
		case pinged <- struct{}{}:
		default:
		}
		return nil
	})

	// Ping handlers only run inside a read call
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	select {
	case <-pinged:
	case <-time.After(2 * time.Second):
		t.Error("Expected a heartbeat ping")
	}
}
