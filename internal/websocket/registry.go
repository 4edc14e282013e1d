package websocket

import (
	"sort"
	"sync"

	"hallpass/pkg/types"
)

// MaxSubscriptionsPerConnection bounds the listeners one client may hold
const MaxSubscriptionsPerConnection = 64

// Subscription is one client listener matched against a change
type Subscription struct {
	Conn *Connection
	ID   string
	Path string
}

// Registry manages WebSocket connections and their path subscriptions
// ARCHITECTURAL DISCOVERY: Pure connection management without store logic
// maintains clean separation between connection tracking and value delivery
type Registry struct {
	mu            sync.RWMutex                 // TECHNICAL DISCOVERY: RWMutex optimizes for read-heavy fan-out lookups
	connections   map[string]*Connection       // connID -> Connection
	subscriptions map[string]map[string]string // connID -> subscription ID -> path
}

// NewRegistry creates a new connection registry
func NewRegistry() *Registry {
	return &Registry{
		connections:   make(map[string]*Connection),
		subscriptions: make(map[string]map[string]string),
	}
}

// RegisterConnection adds an authenticated connection
// FUNCTIONAL DISCOVERY: One identity may hold many connections (several browser
// tabs or a CLI next to a UI), so nothing is replaced on register
func (r *Registry) RegisterConnection(conn *Connection) error {
	if conn == nil {
		return ErrNilConnection
	}
	if !conn.IsAuthenticated() {
		return ErrConnectionNotAuthenticated
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.connections[conn.GetID()] = conn
	return nil
}

// UnregisterConnection removes a connection and every subscription it holds
// FUNCTIONAL DISCOVERY: Idempotent operation safe for concurrent unregistration
func (r *Registry) UnregisterConnection(conn *Connection) {
	if conn == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id := conn.GetID()
	if registered, exists := r.connections[id]; !exists || registered != conn {
		return
	}
	delete(r.connections, id)
	delete(r.subscriptions, id)
}

// GetConnection returns a registered connection by ID
func (r *Registry) GetConnection(connID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, exists := r.connections[connID]
	return conn, exists
}

// Subscribe records that connID listens to path under subID, replacing any
// previous path for the same subID
func (r *Registry) Subscribe(connID, subID, path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.connections[connID]; !exists {
		return ErrUnknownConnection
	}
	subs := r.subscriptions[connID]
	if subs == nil {
		subs = make(map[string]string)
		r.subscriptions[connID] = subs
	}
	if _, exists := subs[subID]; !exists && len(subs) >= MaxSubscriptionsPerConnection {
		return ErrTooManySubscriptions
	}
	subs[subID] = path
	return nil
}

// Unsubscribe removes a subscription, reporting whether it existed
func (r *Registry) Unsubscribe(connID, subID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs, exists := r.subscriptions[connID]
	if !exists {
		return false
	}
	if _, exists := subs[subID]; !exists {
		return false
	}
	delete(subs, subID)
	if len(subs) == 0 {
		delete(r.subscriptions, connID)
	}
	return true
}

// SubscriptionPath returns the path subID of connID listens to
func (r *Registry) SubscriptionPath(connID, subID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	path, exists := r.subscriptions[connID][subID]
	return path, exists
}

// MatchSubscriptions returns every subscription whose path overlaps any changed path
// TECHNICAL DISCOVERY: Results are sorted by connection and subscription ID so
// each client sees pushes in a stable order
func (r *Registry) MatchSubscriptions(changed []string) []Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matches []Subscription
	for connID, subs := range r.subscriptions {
		conn := r.connections[connID]
		if conn == nil {
			continue
		}
		for subID, path := range subs {
			for _, c := range changed {
				if types.PathsOverlap(path, c) {
					matches = append(matches, Subscription{Conn: conn, ID: subID, Path: path})
					break
				}
			}
		}
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Conn.GetID() != matches[j].Conn.GetID() {
			return matches[i].Conn.GetID() < matches[j].Conn.GetID()
		}
		return matches[i].ID < matches[j].ID
	})
	return matches
}

// GetStats returns registry statistics for monitoring and debugging
func (r *Registry) GetStats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	identities := make(map[string]bool)
	for _, conn := range r.connections {
		identities[conn.GetIdentity()] = true
	}
	total := 0
	for _, subs := range r.subscriptions {
		total += len(subs)
	}

	return map[string]int{
		"total_connections":    len(r.connections),
		"active_identities":    len(identities),
		"active_subscriptions": total,
	}
}

// CloseAll closes every registered connection; read pumps then unregister them
// TECHNICAL DISCOVERY: http.Server.Shutdown does not touch hijacked connections
func (r *Registry) CloseAll() int {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.connections))
	for _, conn := range r.connections {
		conns = append(conns, conn)
	}
	r.mu.RUnlock()

	for _, conn := range conns {
		_ = conn.Close()
	}
	return len(conns)
}
