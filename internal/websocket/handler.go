package websocket

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"hallpass/pkg/types"
)

// WebSocket upgrader with production-ready settings
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// FUNCTIONAL DISCOVERY: Allow all origins, access is gated by the bearer token
		return true
	},
	HandshakeTimeout: 10 * time.Second,
}

// Authenticator resolves the actor identity of an upgrade request
type Authenticator interface {
	Authenticate(r *http.Request) (identity string, err error)
}

// FrameHandler processes one client frame read from a connection
// ARCHITECTURAL DISCOVERY: Interface defined here so the router can depend on
// this package without this package depending on the router
type FrameHandler interface {
	HandleFrame(ctx context.Context, conn *Connection, data []byte)
}

// HandlerConfig tunes heartbeat timing
type HandlerConfig struct {
	PingInterval time.Duration
	ReadTimeout  time.Duration
	MaxFrameSize int64
}

// DefaultHandlerConfig returns the production heartbeat timing
// TECHNICAL DISCOVERY: 60-second read deadline with 30-second ping interval
func DefaultHandlerConfig() HandlerConfig {
	return HandlerConfig{
		PingInterval: 30 * time.Second,
		ReadTimeout:  60 * time.Second,
		MaxFrameSize: 1 << 20,
	}
}

// Handler manages WebSocket connections and authentication
type Handler struct {
	registry *Registry
	auth     Authenticator
	frames   FrameHandler
	config   HandlerConfig
	logger   *zap.Logger
}

// NewHandler creates a new WebSocket handler with dependency injection
func NewHandler(registry *Registry, auth Authenticator, frames FrameHandler, config HandlerConfig, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		registry: registry,
		auth:     auth,
		frames:   frames,
		config:   config,
		logger:   logger,
	}
}

// HandleWebSocket authenticates, upgrades and registers a client connection
// ARCHITECTURAL DISCOVERY: Multi-stage validation (auth -> WebSocket -> registration)
// prevents invalid connections from consuming resources
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	identity, err := h.auth.Authenticate(r)
	if err != nil {
		status := http.StatusUnauthorized
		if errors.Is(err, ErrMissingCredentials) {
			status = http.StatusBadRequest
		}
		http.Error(w, "Authentication failed: "+err.Error(), status)
		return
	}
	if !types.IsValidIdentity(identity) {
		http.Error(w, "Invalid identity", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	wsConn := NewConnection(conn)
	if err := wsConn.SetCredentials(identity); err != nil {
		h.logger.Warn("failed to set credentials", zap.Error(err))
		_ = wsConn.Close()
		return
	}

	if err := h.registry.RegisterConnection(wsConn); err != nil {
		h.logger.Warn("failed to register connection", zap.Error(err))
		_ = wsConn.Close()
		return
	}

	h.logger.Info("connection registered",
		zap.String("connection_id", wsConn.GetID()),
		zap.String("identity", identity))

	// FUNCTIONAL DISCOVERY: Explicit hello lets clients flip to online only once
	// the server is ready to take frames
	hello := types.Event{
		Type:      types.EventSystem,
		Data:      []byte(`{"event":"connected"}`),
		Timestamp: time.Now(),
	}
	if err := wsConn.WriteJSON(hello); err != nil {
		h.logger.Warn("failed to send hello", zap.Error(err))
	}

	go h.handleConnection(wsConn)
}

// handleConnection manages the connection lifecycle with heartbeat monitoring
// ARCHITECTURAL DISCOVERY: One read pump per connection; frames are handled in
// arrival order so a client's writes apply in the order it sent them
func (h *Handler) handleConnection(conn *Connection) {
	defer func() {
		h.registry.UnregisterConnection(conn)
		_ = conn.Close()
		h.logger.Info("connection closed", zap.String("connection_id", conn.GetID()))
	}()

	conn.conn.SetReadLimit(h.config.MaxFrameSize)
	if err := conn.conn.SetReadDeadline(time.Now().Add(h.config.ReadTimeout)); err != nil {
		h.logger.Warn("failed to set read deadline", zap.Error(err))
		return
	}
	conn.conn.SetPongHandler(func(string) error {
		return conn.conn.SetReadDeadline(time.Now().Add(h.config.ReadTimeout))
	})

	ticker := time.NewTicker(h.config.PingInterval)
	defer ticker.Stop()

	go func() {
		for {
			select {
			case <-ticker.C:
				if err := conn.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(10*time.Second)); err != nil {
					return
				}
			case <-conn.ctx.Done():
				return
			}
		}
	}()

	for {
		messageType, data, err := conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket read error", zap.Error(err))
			}
			return
		}

		if messageType == websocket.TextMessage {
			h.frames.HandleFrame(conn.ctx, conn, data)
		}
	}
}
