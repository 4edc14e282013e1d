package remote

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"

	"hallpass/internal/store"
	"hallpass/pkg/interfaces"
	"hallpass/pkg/types"
)

// Op is one mutation accepted by a MemoryStore
type Op struct {
	Op    string
	Paths []string
}

type memorySub struct {
	path    string
	onValue func(json.RawMessage)
	onError func(error)
}

// MemoryStore is an in-process RemoteStore with the same storage semantics as the server
// FUNCTIONAL DISCOVERY: Deliveries run synchronously on the writing goroutine unless
// held, which lets callers script exactly when an echo arrives
type MemoryStore struct {
	mu        sync.Mutex
	tree      store.Tree
	subs      map[string]*memorySub
	listeners map[string]func(bool)
	connected bool
	held      bool
	queue     []func()
	ops       []Op
	failNext  error
}

var _ interfaces.RemoteStore = (*MemoryStore)(nil)

// NewMemoryStore returns a connected, empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tree:      store.Tree{},
		subs:      make(map[string]*memorySub),
		listeners: make(map[string]func(bool)),
		connected: true,
	}
}

// ReadOnce returns the current value at path
func (m *MemoryStore) ReadOnce(_ context.Context, path string) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return nil, &types.TransportError{Op: types.OpRead, Path: path, Err: types.ErrOffline}
	}
	return m.tree.Read(path)
}

// Write overwrites the subtree at path
func (m *MemoryStore) Write(_ context.Context, path string, value any) error {
	return m.apply(types.OpWrite, path, map[string]any{path: value})
}

// Merge applies every update atomically
func (m *MemoryStore) Merge(_ context.Context, updates map[string]any) error {
	return m.apply(types.OpMerge, "", updates)
}

// Delete removes the subtree at path
func (m *MemoryStore) Delete(_ context.Context, path string) error {
	return m.apply(types.OpDelete, path, map[string]any{path: nil})
}

func (m *MemoryStore) apply(op, path string, updates map[string]any) error {
	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return &types.TransportError{Op: op, Path: path, Err: types.ErrOffline}
	}
	if err := m.failNext; err != nil {
		m.failNext = nil
		m.mu.Unlock()
		return &types.TransportError{Op: op, Path: path, Err: err}
	}

	changed, err := m.tree.Apply(updates)
	if err != nil {
		m.mu.Unlock()
		return &types.TransportError{Op: op, Path: path, Err: err}
	}
	m.ops = append(m.ops, Op{Op: op, Paths: changed})

	var deliveries []func()
	for _, sub := range m.subs {
		for _, p := range changed {
			if types.PathsOverlap(sub.path, p) {
				deliveries = append(deliveries, m.valueDelivery(sub))
				break
			}
		}
	}
	m.schedule(deliveries)
	return nil
}

// valueDelivery snapshots the value now so a held delivery carries what was committed
func (m *MemoryStore) valueDelivery(sub *memorySub) func() {
	value, err := m.tree.Read(sub.path)
	return func() {
		if !m.isLive(sub) {
			return
		}
		if err != nil {
			if sub.onError != nil {
				sub.onError(&types.TransportError{Op: types.OpSubscribe, Path: sub.path, Err: err})
			}
			return
		}
		sub.onValue(value)
	}
}

// schedule runs deliveries now, or queues them while held; called with mu held, returns unlocked
func (m *MemoryStore) schedule(deliveries []func()) {
	if m.held {
		m.queue = append(m.queue, deliveries...)
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	for _, deliver := range deliveries {
		deliver()
	}
}

func (m *MemoryStore) isLive(sub *memorySub) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.subs {
		if s == sub {
			return true
		}
	}
	return false
}

// Subscribe delivers the current value, then the full value after every overlapping change
func (m *MemoryStore) Subscribe(path string, onValue func(json.RawMessage), onError func(error)) func() {
	id := uuid.NewString()
	sub := &memorySub{path: path, onValue: onValue, onError: onError}

	m.mu.Lock()
	m.subs[id] = sub
	m.schedule([]func(){m.valueDelivery(sub)})

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
		})
	}
}

// OnConnectivity registers fn for SetConnected transitions
func (m *MemoryStore) OnConnectivity(fn func(bool)) func() {
	id := uuid.NewString()
	m.mu.Lock()
	m.listeners[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// Connected reports the simulated connectivity
func (m *MemoryStore) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// SetConnected simulates a connectivity change; subscriptions survive going offline
func (m *MemoryStore) SetConnected(connected bool) {
	m.mu.Lock()
	if m.connected == connected {
		m.mu.Unlock()
		return
	}
	m.connected = connected
	listeners := make([]func(bool), 0, len(m.listeners))
	for _, fn := range m.listeners {
		listeners = append(listeners, fn)
	}
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(connected)
	}
}

// Hold queues deliveries instead of running them
func (m *MemoryStore) Hold() {
	m.mu.Lock()
	m.held = true
	m.mu.Unlock()
}

// DeliverNext runs the oldest queued delivery and reports whether there was one
func (m *MemoryStore) DeliverNext() bool {
	m.mu.Lock()
	if len(m.queue) == 0 {
		m.mu.Unlock()
		return false
	}
	next := m.queue[0]
	m.queue = m.queue[1:]
	m.mu.Unlock()

	next()
	return true
}

// Release stops holding and flushes the queue in order
func (m *MemoryStore) Release() {
	m.mu.Lock()
	m.held = false
	m.mu.Unlock()
	for m.DeliverNext() {
	}
}

// Pending returns the number of queued deliveries
func (m *MemoryStore) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// FailNext makes the next mutation fail with err wrapped in a TransportError
func (m *MemoryStore) FailNext(err error) {
	m.mu.Lock()
	m.failNext = err
	m.mu.Unlock()
}

// Ops returns the accepted mutations in order
func (m *MemoryStore) Ops() []Op {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Op(nil), m.ops...)
}

// Subscriptions returns the number of live subscriptions
func (m *MemoryStore) Subscriptions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}
