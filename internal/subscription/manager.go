package subscription

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"hallpass/internal/cache"
	"hallpass/pkg/interfaces"
)

// State is the lifecycle position of a Manager
type State int

const (
	StateIdle State = iota
	StateSubscribing
	StateLoaded
	StateTornDown
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSubscribing:
		return "subscribing"
	case StateLoaded:
		return "loaded"
	case StateTornDown:
		return "torn_down"
	default:
		return "unknown"
	}
}

// Option customizes a Manager
type Option func(*Manager)

// WithErrorHandler receives subscription failures and malformed values
func WithErrorHandler(fn func(path string, err error)) Option {
	return func(m *Manager) { m.onError = fn }
}

// Manager owns the subscriptions that feed the cache
// ARCHITECTURAL DISCOVERY: Every Start opens a new generation; callbacks from an
// older generation are dropped, so a value for a previous user can never land in
// the cache after Stop or a restart
type Manager struct {
	store  interfaces.RemoteStore
	cache  *cache.Cache
	logger *zap.Logger

	mu            sync.Mutex
	generation    uint64
	unsubscribers []func()
	state         State
	initialFired  bool
	onError       func(path string, err error)
}

// New creates an idle manager feeding c from store
func New(store interfaces.RemoteStore, c *cache.Cache, logger *zap.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{store: store, cache: c, logger: logger}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start subscribes to every mirrored path after tearing down any previous run.
// onInitialLoad fires once, when every path has delivered; onUpdate fires for each
// later delivery with the path that changed. Either may be nil.
func (m *Manager) Start(onUpdate func(path string), onInitialLoad func()) {
	// STEP 1: Tear down the previous generation
	m.mu.Lock()
	previous := m.teardownLocked()
	generation := m.generation
	m.state = StateSubscribing
	m.mu.Unlock()
	for _, unsubscribe := range previous {
		unsubscribe()
	}

	// STEP 2: Subscribe without holding the lock, adapters may deliver synchronously
	unsubscribers := make([]func(), 0, len(cache.Paths))
	for _, path := range cache.Paths {
		path := path
		unsubscribers = append(unsubscribers, m.store.Subscribe(path,
			func(raw json.RawMessage) { m.deliver(generation, path, raw, onUpdate, onInitialLoad) },
			func(err error) { m.fail(generation, path, err) },
		))
	}

	// STEP 3: Keep the handles unless Stop or Start ran meanwhile
	m.mu.Lock()
	if m.generation != generation {
		m.mu.Unlock()
		for _, unsubscribe := range unsubscribers {
			unsubscribe()
		}
		return
	}
	m.unsubscribers = unsubscribers
	m.mu.Unlock()

	m.logger.Debug("subscriptions started", zap.Uint64("generation", generation))
}

func (m *Manager) deliver(generation uint64, path string, raw json.RawMessage, onUpdate func(string), onInitialLoad func()) {
	m.mu.Lock()
	if m.generation != generation {
		m.mu.Unlock()
		m.logger.Debug("dropping stale delivery", zap.String("path", path))
		return
	}
	if err := m.cache.Apply(path, raw); err != nil {
		m.mu.Unlock()
		m.report(path, err)
		return
	}

	initial := false
	if !m.initialFired {
		if !m.cache.IsLoaded() {
			m.mu.Unlock()
			return
		}
		m.initialFired = true
		m.state = StateLoaded
		initial = true
	}
	m.mu.Unlock()

	if initial {
		m.logger.Info("initial data loaded")
		if onInitialLoad != nil {
			onInitialLoad()
		}
		return
	}
	if onUpdate != nil {
		onUpdate(path)
	}
}

func (m *Manager) fail(generation uint64, path string, err error) {
	m.mu.Lock()
	stale := m.generation != generation
	m.mu.Unlock()
	if !stale {
		m.report(path, err)
	}
}

func (m *Manager) report(path string, err error) {
	m.logger.Warn("subscription error", zap.String("path", path), zap.Error(err))
	if m.onError != nil {
		m.onError(path, err)
	}
}

// Stop cancels every subscription and clears the cache
func (m *Manager) Stop() {
	m.mu.Lock()
	unsubscribers := m.teardownLocked()
	m.state = StateTornDown
	m.mu.Unlock()

	for _, unsubscribe := range unsubscribers {
		unsubscribe()
	}
	m.logger.Debug("subscriptions stopped")
}

// teardownLocked invalidates the current generation and resets the cache
func (m *Manager) teardownLocked() []func() {
	unsubscribers := m.unsubscribers
	m.unsubscribers = nil
	m.generation++
	m.initialFired = false
	m.cache.Reset()
	return unsubscribers
}

// State returns the lifecycle position
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// OnConnectivity surfaces the adapter connectivity signal; it never touches the cache
func (m *Manager) OnConnectivity(fn func(connected bool)) func() {
	return m.store.OnConnectivity(fn)
}

// Connected reports the adapter connectivity
func (m *Manager) Connected() bool {
	return m.store.Connected()
}
