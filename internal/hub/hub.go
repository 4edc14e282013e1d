package hub

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"hallpass/internal/websocket"
	"hallpass/pkg/interfaces"
	"hallpass/pkg/types"
)

// Hub pushes fresh values to subscribers after every committed write
// ARCHITECTURAL DISCOVERY: Central coordination point for all change fan-out
// maintains clean separation between frame handling and value delivery
type Hub struct {
	// FUNCTIONAL DISCOVERY: Buffered channel absorbs write bursts (a roster import
	// or a wipe) without blocking the store's writer
	changeChannel   chan []string
	currentChannel  chan currentRequest
	wakeChannel     chan struct{}
	shutdownChannel chan struct{}

	// overflow holds paths published while changeChannel was full
	pendingMu sync.Mutex
	pending   map[string]bool

	registry *websocket.Registry
	store    interfaces.DocumentStore
	logger   *zap.Logger

	running bool
	mu      sync.RWMutex
}

// NewHub creates a new hub
func NewHub(registry *websocket.Registry, store interfaces.DocumentStore, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		changeChannel:   make(chan []string, 1000),
		currentChannel:  make(chan currentRequest, 100),
		wakeChannel:     make(chan struct{}, 1),
		shutdownChannel: make(chan struct{}),
		pending:         make(map[string]bool),
		registry:        registry,
		store:           store,
		logger:          logger,
	}
}

// Start begins hub processing
// FUNCTIONAL DISCOVERY: Single hub goroutine keeps pushes for one subscription in commit order
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return ErrHubAlreadyRunning
	}
	h.running = true
	h.mu.Unlock()

	h.logger.Info("starting change hub")

	go h.run(ctx)

	return nil
}

// Stop gracefully shuts down the hub
func (h *Hub) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.running {
		return ErrHubNotRunning
	}
	h.running = false

	h.logger.Info("stopping change hub")

	select {
	case <-h.shutdownChannel:
	default:
		close(h.shutdownChannel)
	}

	return nil
}

// Publish queues changed paths for fan-out, suitable as the store commit hook
// TECHNICAL DISCOVERY: Non-blocking send prevents a slow client from stalling writes;
// on a full channel the paths are parked in the pending set, which the loop folds
// into its next batch, so the final value of every path is still pushed
func (h *Hub) Publish(paths []string) error {
	h.mu.RLock()
	if !h.running {
		h.mu.RUnlock()
		return ErrHubNotRunning
	}
	h.mu.RUnlock()

	select {
	case h.changeChannel <- paths:
		return nil
	default:
	}

	h.pendingMu.Lock()
	for _, p := range paths {
		h.pending[p] = true
	}
	h.pendingMu.Unlock()
	select {
	case h.wakeChannel <- struct{}{}:
	default:
	}
	h.logger.Debug("change channel full, notification parked", zap.Strings("paths", paths))
	return nil
}

// currentRequest asks the loop for the present value of one subscription
type currentRequest struct {
	conn  *websocket.Connection
	subID string
	path  string
}

// SendCurrent queues the present value of a new subscription for delivery
// FUNCTIONAL DISCOVERY: Reads and pushes for every subscription happen on the hub
// goroutine one after another, so the first value can never arrive after a newer push
func (h *Hub) SendCurrent(ctx context.Context, conn *websocket.Connection, subID, path string) error {
	h.mu.RLock()
	if !h.running {
		h.mu.RUnlock()
		return ErrHubNotRunning
	}
	h.mu.RUnlock()

	select {
	case h.currentChannel <- currentRequest{conn: conn, subID: subID, path: path}:
		return nil
	case <-h.shutdownChannel:
		return ErrHubNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is the main hub processing loop
func (h *Hub) run(ctx context.Context) {
	defer h.logger.Debug("hub processing stopped")

	for {
		select {
		case paths := <-h.changeChannel:
			h.handleChange(ctx, h.coalesce(paths))

		case <-h.wakeChannel:
			h.handleChange(ctx, h.coalesce(nil))

		case req := <-h.currentChannel:
			h.handleCurrent(ctx, req)

		case <-h.shutdownChannel:
			return

		case <-ctx.Done():
			return
		}
	}
}

// coalesce folds every queued notification and the pending set into one batch
// ARCHITECTURAL DISCOVERY: Subscribers receive full values, so ten queued
// commits under the same path need only one read and one push
func (h *Hub) coalesce(first []string) []string {
	seen := make(map[string]bool, len(first))
	var paths []string
	add := func(batch []string) {
		for _, p := range batch {
			if !seen[p] {
				seen[p] = true
				paths = append(paths, p)
			}
		}
	}
	add(first)
drain:
	for {
		select {
		case more := <-h.changeChannel:
			add(more)
		default:
			break drain
		}
	}

	h.pendingMu.Lock()
	parked := make([]string, 0, len(h.pending))
	for p := range h.pending {
		parked = append(parked, p)
	}
	h.pending = make(map[string]bool)
	h.pendingMu.Unlock()
	sort.Strings(parked)
	add(parked)
	return paths
}

// handleCurrent reads and sends the value of one subscription if it is still registered
func (h *Hub) handleCurrent(ctx context.Context, req currentRequest) {
	if path, ok := h.registry.SubscriptionPath(req.conn.GetID(), req.subID); !ok || path != req.path {
		return
	}

	event := types.Event{Type: types.EventValue, ID: req.subID, Path: req.path, Timestamp: time.Now()}
	value, err := h.store.ReadOnce(ctx, req.path)
	if err != nil {
		h.logger.Error("failed to read subscribed path", zap.String("path", req.path), zap.Error(err))
		event.Type = types.EventError
		event.Error = err.Error()
	} else {
		event.Data = value
	}
	if err := req.conn.WriteJSON(event); err != nil {
		h.logger.Debug("failed to send current value",
			zap.String("connection_id", req.conn.GetID()),
			zap.String("subscription", req.subID),
			zap.Error(err))
	}
}

// handleChange reads each affected subscription path once and pushes it
func (h *Hub) handleChange(ctx context.Context, paths []string) {
	subs := h.registry.MatchSubscriptions(paths)
	if len(subs) == 0 {
		return
	}

	values := make(map[string]json.RawMessage)
	failures := make(map[string]error)
	for _, sub := range subs {
		if _, done := values[sub.Path]; done {
			continue
		}
		if _, failed := failures[sub.Path]; failed {
			continue
		}
		value, err := h.store.ReadOnce(ctx, sub.Path)
		if err != nil {
			h.logger.Error("failed to read changed path", zap.String("path", sub.Path), zap.Error(err))
			failures[sub.Path] = err
			continue
		}
		values[sub.Path] = value
	}

	now := time.Now()
	for _, sub := range subs {
		event := types.Event{Type: types.EventValue, ID: sub.ID, Path: sub.Path, Data: values[sub.Path], Timestamp: now}
		if err, failed := failures[sub.Path]; failed {
			event = types.Event{Type: types.EventError, ID: sub.ID, Path: sub.Path, Error: err.Error(), Timestamp: now}
		}
		if err := sub.Conn.WriteJSON(event); err != nil {
			h.logger.Debug("failed to push value",
				zap.String("connection_id", sub.Conn.GetID()),
				zap.String("subscription", sub.ID),
				zap.Error(err))
		}
	}
}
