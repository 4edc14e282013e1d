package websocket

import (
	"fmt"
	"sync"
	"testing"
)

func newAuthenticatedConnection(t *testing.T, identity string) *Connection {
	t.Helper()
	wsConn, _ := createTestWebSocketConnection(t)
	conn := NewConnection(wsConn)
	t.Cleanup(func() { _ = conn.Close() })
	if err := conn.SetCredentials(identity); err != nil {
		t.Fatalf("SetCredentials failed: %v", err)
	}
	return conn
}

func TestRegistry_RegisterConnectionValidation(t *testing.T) {
	registry := NewRegistry()

	if err := registry.RegisterConnection(nil); err != ErrNilConnection {
		t.Errorf("Expected ErrNilConnection, got %v", err)
	}

	wsConn, _ := createTestWebSocketConnection(t)
	unauthenticated := NewConnection(wsConn)
	defer unauthenticated.Close()
	if err := registry.RegisterConnection(unauthenticated); err != ErrConnectionNotAuthenticated {
		t.Errorf("Expected ErrConnectionNotAuthenticated, got %v", err)
	}
}

func TestRegistry_SameIdentityKeepsBothConnections(t *testing.T) {
	registry := NewRegistry()
	first := newAuthenticatedConnection(t, "teacher@school.es")
	second := newAuthenticatedConnection(t, "teacher@school.es")

	for _, conn := range []*Connection{first, second} {
		if err := registry.RegisterConnection(conn); err != nil {
			t.Fatalf("RegisterConnection failed: %v", err)
		}
	}

	stats := registry.GetStats()
	if stats["total_connections"] != 2 || stats["active_identities"] != 1 {
		t.Errorf("Unexpected stats: %v", stats)
	}
	if _, ok := registry.GetConnection(first.GetID()); !ok {
		t.Error("First connection should still be registered")
	}
}

func TestRegistry_SubscriptionLifecycle(t *testing.T) {
	registry := NewRegistry()
	conn := newAuthenticatedConnection(t, "teacher@school.es")

	if err := registry.Subscribe(conn.GetID(), "s1", "students"); err != ErrUnknownConnection {
		t.Errorf("Subscribe before register should fail, got %v", err)
	}
	if err := registry.RegisterConnection(conn); err != nil {
		t.Fatalf("RegisterConnection failed: %v", err)
	}

	mustSubscribe := func(subID, path string) {
		if err := registry.Subscribe(conn.GetID(), subID, path); err != nil {
			t.Fatalf("Subscribe(%s, %s) failed: %v", subID, path, err)
		}
	}
	mustSubscribe("classes", "classes")
	mustSubscribe("students", "students")
	mustSubscribe("records", "records/1A")

	tests := []struct {
		changed []string
		want    []string
	}{
		{[]string{"classes"}, []string{"classes"}},
		{[]string{"students/1A/ana"}, []string{"students"}},
		{[]string{"records"}, []string{"records"}},
		{[]string{"records/1B/x/2024-03-01"}, nil},
		{[]string{"classes", "records/1A/ana/2024-03-01"}, []string{"classes", "records"}},
		{[]string{""}, []string{"classes", "records", "students"}},
	}
	for _, tt := range tests {
		matches := registry.MatchSubscriptions(tt.changed)
		if len(matches) != len(tt.want) {
			t.Errorf("MatchSubscriptions(%v) = %d matches, want %v", tt.changed, len(matches), tt.want)
			continue
		}
		for i, m := range matches {
			if m.ID != tt.want[i] || m.Conn != conn {
				t.Errorf("MatchSubscriptions(%v)[%d] = %s, want %s", tt.changed, i, m.ID, tt.want[i])
			}
		}
	}

	if !registry.Unsubscribe(conn.GetID(), "classes") {
		t.Error("Unsubscribe should report an existing subscription")
	}
	if registry.Unsubscribe(conn.GetID(), "classes") {
		t.Error("Second Unsubscribe should report nothing removed")
	}

	registry.UnregisterConnection(conn)
	if got := registry.MatchSubscriptions([]string{""}); len(got) != 0 {
		t.Errorf("Unregister should drop subscriptions, got %d", len(got))
	}
	registry.UnregisterConnection(conn)
}

func TestRegistry_SubscriptionLimit(t *testing.T) {
	registry := NewRegistry()
	conn := newAuthenticatedConnection(t, "teacher@school.es")
	if err := registry.RegisterConnection(conn); err != nil {
		t.Fatalf("RegisterConnection failed: %v", err)
	}

	for i := 0; i < MaxSubscriptionsPerConnection; i++ {
		if err := registry.Subscribe(conn.GetID(), fmt.Sprintf("s%d", i), "classes"); err != nil {
			t.Fatalf("Subscribe %d failed: %v", i, err)
		}
	}
	if err := registry.Subscribe(conn.GetID(), "overflow", "classes"); err != ErrTooManySubscriptions {
		t.Errorf("Expected ErrTooManySubscriptions, got %v", err)
	}
	// Re-pointing an existing subscription is not a new one
	if err := registry.Subscribe(conn.GetID(), "s0", "students"); err != nil {
		t.Errorf("Replacing a subscription should succeed: %v", err)
	}
}

func TestRegistry_ConcurrentRegistrationAndMatching(t *testing.T) {
	registry := NewRegistry()
	conns := make([]*Connection, 10)
	for i := range conns {
		conns[i] = newAuthenticatedConnection(t, fmt.Sprintf("user%d@school.es", i))
	}

	var wg sync.WaitGroup
	for _, conn := range conns {
		wg.Add(2)
		go func(c *Connection) {
			defer wg.Done()
			if err := registry.RegisterConnection(c); err != nil {
				t.Errorf("RegisterConnection failed: %v", err)
				return
			}
			_ = registry.Subscribe(c.GetID(), "classes", "classes")
		}(conn)
		go func() {
			defer wg.Done()
			_ = registry.MatchSubscriptions([]string{"classes"})
		}()
	}
	wg.Wait()

	if got := len(registry.MatchSubscriptions([]string{"classes"})); got != 10 {
		t.Errorf("Expected 10 matches, got %d", got)
	}
}

func TestRegistry_CloseAll(t *testing.T) {
	registry := NewRegistry()
	first := newAuthenticatedConnection(t, "a@school.es")
	second := newAuthenticatedConnection(t, "b@school.es")
	for _, conn := range []*Connection{first, second} {
		if err := registry.RegisterConnection(conn); err != nil {
			t.Fatalf("RegisterConnection failed: %v", err)
		}
	}

	if closed := registry.CloseAll(); closed != 2 {
		t.Errorf("Expected 2 closed connections, got %d", closed)
	}
	for _, conn := range []*Connection{first, second} {
		select {
		case <-conn.Done():
		default:
			t.Errorf("Connection %s should be closed", conn.GetID())
		}
	}
}
