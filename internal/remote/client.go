package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"hallpass/pkg/interfaces"
	"hallpass/pkg/types"
)

// Config holds websocket client settings
type Config struct {
	URL            string        `json:"url"`
	Token          string        `json:"-"`
	RequestTimeout time.Duration `json:"request_timeout"`
	ReconnectMin   time.Duration `json:"reconnect_min"`
	ReconnectMax   time.Duration `json:"reconnect_max"`
}

// DefaultConfig returns client settings for a local server
func DefaultConfig() Config {
	return Config{
		URL:            "ws://localhost:8080/ws",
		RequestTimeout: 10 * time.Second,
		ReconnectMin:   500 * time.Millisecond,
		ReconnectMax:   30 * time.Second,
	}
}

type subscription struct {
	path    string
	onValue func(json.RawMessage)
	onError func(error)
}

type reply struct {
	data json.RawMessage
	err  error
}

// Client implements interfaces.RemoteStore over the websocket wire protocol
// ARCHITECTURAL DISCOVERY: One reader goroutine decodes events, one dispatcher
// goroutine runs callbacks in arrival order, so a callback may issue its own
// requests without stalling the reader
type Client struct {
	cfg    Config
	logger *zap.Logger
	dialer *websocket.Dialer

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	closed    bool
	pending   map[string]chan reply
	subs      map[string]*subscription
	listeners map[uint64]func(bool)
	nextID    uint64

	writeMu  sync.Mutex // TECHNICAL: gorilla allows one concurrent writer
	dispatch chan func()
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

var _ interfaces.RemoteStore = (*Client)(nil)

// Dial connects to the server and keeps the connection alive until Close
// FUNCTIONAL DISCOVERY: The first connection is synchronous so callers learn about
// a wrong URL or token immediately; later drops are retried in the background
func Dial(ctx context.Context, cfg Config, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	defaults := DefaultConfig()
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaults.RequestTimeout
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = defaults.ReconnectMin
	}
	if cfg.ReconnectMax < cfg.ReconnectMin {
		cfg.ReconnectMax = defaults.ReconnectMax
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:       cfg,
		logger:    logger,
		dialer:    &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		pending:   make(map[string]chan reply),
		subs:      make(map[string]*subscription),
		listeners: make(map[uint64]func(bool)),
		dispatch:  make(chan func(), 1024),
		ctx:       runCtx,
		cancel:    cancel,
	}

	conn, err := c.connect(ctx)
	if err != nil {
		cancel()
		return nil, &types.TransportError{Op: "dial", Err: err}
	}
	c.attach(conn)

	c.wg.Add(2)
	go c.dispatchLoop()
	go c.run(conn)

	return c, nil
}

func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	conn, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %s: %w", c.cfg.URL, resp.Status, err)
		}
		return nil, fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}
	return conn, nil
}

// attach makes conn current, resubscribes every live subscription and reports online
func (c *Client) attach(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.connected = true
	frames := make([]types.Frame, 0, len(c.subs))
	for id, sub := range c.subs {
		frames = append(frames, types.Frame{Op: types.OpSubscribe, ID: id, Path: sub.path})
	}
	c.mu.Unlock()

	for _, frame := range frames {
		if err := c.send(frame); err != nil {
			c.logger.Warn("resubscribe failed", zap.String("path", frame.Path), zap.Error(err))
		}
	}
	c.notifyConnectivity(true)
}

// detach fails every pending request and reports offline
func (c *Client) detach(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.connected = false
	pending := c.pending
	c.pending = make(map[string]chan reply)
	c.mu.Unlock()

	_ = conn.Close()
	for _, ch := range pending {
		ch <- reply{err: ErrConnectionLost}
	}
	c.notifyConnectivity(false)
}

// run owns the connection lifecycle: read until failure, then reconnect with backoff
func (c *Client) run(conn *websocket.Conn) {
	defer c.wg.Done()

	for {
		err := c.readLoop(conn)
		c.detach(conn)
		if c.ctx.Err() != nil {
			return
		}
		c.logger.Warn("connection lost, reconnecting", zap.Error(err))

		conn = c.reconnect()
		if conn == nil {
			return
		}
		c.attach(conn)
		c.logger.Info("reconnected", zap.String("url", c.cfg.URL))
	}
}

func (c *Client) reconnect() *websocket.Conn {
	delay := c.cfg.ReconnectMin
	for {
		select {
		case <-time.After(delay):
		case <-c.ctx.Done():
			return nil
		}

		dialCtx, cancel := context.WithTimeout(c.ctx, 10*time.Second)
		conn, err := c.connect(dialCtx)
		cancel()
		if err == nil {
			return conn
		}
		c.logger.Debug("reconnect attempt failed", zap.Duration("delay", delay), zap.Error(err))

		delay *= 2
		if delay > c.cfg.ReconnectMax {
			delay = c.cfg.ReconnectMax
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		var event types.Event
		if err := conn.ReadJSON(&event); err != nil {
			return err
		}
		c.handleEvent(event)
	}
}

func (c *Client) handleEvent(event types.Event) {
	c.mu.Lock()
	waiter, isRequest := c.pending[event.ID]
	if isRequest {
		delete(c.pending, event.ID)
	}
	sub := c.subs[event.ID]
	c.mu.Unlock()

	switch {
	case isRequest && event.Type == types.EventError:
		waiter <- reply{err: fmt.Errorf("%w: %s", ErrRejected, event.Error)}
	case isRequest:
		waiter <- reply{data: event.Data}
	case sub != nil && event.Type == types.EventValue:
		data := event.Data
		if len(data) == 0 {
			data = types.NullJSON
		}
		c.enqueue(func() { c.deliverValue(event.ID, sub, data) })
	case sub != nil && event.Type == types.EventError:
		err := &types.TransportError{Op: "subscribe", Path: sub.path, Err: fmt.Errorf("%w: %s", ErrRejected, event.Error)}
		c.enqueue(func() { c.deliverError(event.ID, sub, err) })
	case event.Type == types.EventSystem:
		c.logger.Debug("system event", zap.ByteString("data", event.Data))
	}
}

// deliverValue skips callbacks for subscriptions cancelled after the event was queued
func (c *Client) deliverValue(id string, sub *subscription, data json.RawMessage) {
	c.mu.Lock()
	live := c.subs[id] == sub
	c.mu.Unlock()
	if live {
		sub.onValue(data)
	}
}

func (c *Client) deliverError(id string, sub *subscription, err error) {
	c.mu.Lock()
	live := c.subs[id] == sub
	c.mu.Unlock()
	if live && sub.onError != nil {
		sub.onError(err)
	}
}

func (c *Client) enqueue(fn func()) {
	select {
	case c.dispatch <- fn:
	case <-c.ctx.Done():
	}
}

func (c *Client) dispatchLoop() {
	defer c.wg.Done()
	for {
		select {
		case fn := <-c.dispatch:
			fn()
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Client) notifyConnectivity(connected bool) {
	c.mu.Lock()
	listeners := make([]func(bool), 0, len(c.listeners))
	for _, fn := range c.listeners {
		listeners = append(listeners, fn)
	}
	c.mu.Unlock()

	for _, fn := range listeners {
		fn := fn
		c.enqueue(func() { fn(connected) })
	}
}

func (c *Client) send(frame types.Frame) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return types.ErrOffline
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return err
	}
	return conn.WriteJSON(frame)
}

// request sends frame and waits for its ack or error
func (c *Client) request(ctx context.Context, frame types.Frame) (json.RawMessage, error) {
	frame.ID = uuid.NewString()
	fail := func(err error) error {
		return &types.TransportError{Op: frame.Op, Path: frame.Path, Err: err}
	}

	waiter := make(chan reply, 1)
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return nil, fail(ErrClientClosed)
	case !c.connected:
		c.mu.Unlock()
		return nil, fail(types.ErrOffline)
	}
	c.pending[frame.ID] = waiter
	c.mu.Unlock()

	cleanup := func() {
		c.mu.Lock()
		delete(c.pending, frame.ID)
		c.mu.Unlock()
	}

	if err := c.send(frame); err != nil {
		cleanup()
		return nil, fail(err)
	}

	timer := time.NewTimer(c.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case r := <-waiter:
		if r.err != nil {
			return nil, fail(r.err)
		}
		return r.data, nil
	case <-timer.C:
		cleanup()
		return nil, fail(ErrRequestTimeout)
	case <-ctx.Done():
		cleanup()
		return nil, fail(ctx.Err())
	}
}

// ReadOnce fetches the current value at path
func (c *Client) ReadOnce(ctx context.Context, path string) (json.RawMessage, error) {
	data, err := c.request(ctx, types.Frame{Op: types.OpRead, Path: path})
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return types.NullJSON, nil
	}
	return data, nil
}

// Write overwrites the subtree at path, nil deletes
func (c *Client) Write(ctx context.Context, path string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode value for %s: %w", path, err)
	}
	_, err = c.request(ctx, types.Frame{Op: types.OpWrite, Path: path, Value: raw})
	return err
}

// Merge applies every update atomically
func (c *Client) Merge(ctx context.Context, updates map[string]any) error {
	encoded := make(map[string]json.RawMessage, len(updates))
	for path, value := range updates {
		raw, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("failed to encode value for %s: %w", path, err)
		}
		encoded[path] = raw
	}
	_, err := c.request(ctx, types.Frame{Op: types.OpMerge, Updates: encoded})
	return err
}

// Delete removes the subtree at path
func (c *Client) Delete(ctx context.Context, path string) error {
	_, err := c.request(ctx, types.Frame{Op: types.OpDelete, Path: path})
	return err
}

// Subscribe registers callbacks for path; while offline the subscription is
// sent on the next successful reconnect
func (c *Client) Subscribe(path string, onValue func(json.RawMessage), onError func(error)) func() {
	id := uuid.NewString()
	sub := &subscription{path: path, onValue: onValue, onError: onError}

	c.mu.Lock()
	c.subs[id] = sub
	connected := c.connected
	c.mu.Unlock()

	if connected {
		if err := c.send(types.Frame{Op: types.OpSubscribe, ID: id, Path: path}); err != nil {
			c.logger.Debug("subscribe deferred until reconnect", zap.String("path", path), zap.Error(err))
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			connected := c.connected
			c.mu.Unlock()
			if connected {
				_ = c.send(types.Frame{Op: types.OpUnsubscribe, ID: id})
			}
		})
	}
}

// OnConnectivity registers fn for online/offline transitions
func (c *Client) OnConnectivity(fn func(connected bool)) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

// Connected reports the last known connectivity state
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Close stops reconnecting and releases the connection
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	c.cancel()
	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = conn.Close()
	}
	c.wg.Wait()
	return nil
}
