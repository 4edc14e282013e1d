package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"hallpass/internal/store"
	"hallpass/internal/websocket"
	"hallpass/pkg/interfaces"
	"hallpass/pkg/types"
)

// ValueSender delivers the present value of a new subscription in order with
// the change pushes for it
type ValueSender interface {
	SendCurrent(ctx context.Context, conn *websocket.Connection, subID, path string) error
}

// Router dispatches client frames to the document store
// ARCHITECTURAL DISCOVERY: Pure request handling without connection lifecycle,
// change fan-out stays in the hub so a write here never blocks on other clients
type Router struct {
	registry    *websocket.Registry
	store       interfaces.DocumentStore
	values      ValueSender
	rateLimiter *RateLimiter
	validate    *validator.Validate
	logger      *zap.Logger
}

// NewRouter creates a new frame router; values is normally the change hub and
// may be nil when nothing else pushes to subscribers
// FUNCTIONAL DISCOVERY: Dependency injection enables testing with mock stores
func NewRouter(registry *websocket.Registry, store interfaces.DocumentStore, values ValueSender, rateLimiter *RateLimiter, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		registry:    registry,
		store:       store,
		values:      values,
		rateLimiter: rateLimiter,
		validate:    validator.New(),
		logger:      logger,
	}
}

// RateLimiter exposes the limiter so the application can run its cleanup
func (r *Router) RateLimiter() *RateLimiter {
	return r.rateLimiter
}

// HandleFrame implements websocket.FrameHandler
func (r *Router) HandleFrame(ctx context.Context, conn *websocket.Connection, data []byte) {
	var frame types.Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		r.reply(conn, errorEvent("", "", fmt.Errorf("%w: %v", ErrMalformedFrame, err)))
		return
	}

	if err := r.RouteFrame(ctx, conn, &frame); err != nil {
		r.logger.Debug("frame rejected",
			zap.String("connection_id", conn.GetID()),
			zap.String("op", frame.Op),
			zap.String("path", frame.Path),
			zap.Error(err))
		r.reply(conn, errorEvent(frame.ID, frame.Path, err))
	}
}

// RouteFrame validates and executes one frame, replying on success
// ARCHITECTURAL DISCOVERY: The returned error becomes the error event for the frame
func (r *Router) RouteFrame(ctx context.Context, conn *websocket.Connection, frame *types.Frame) error {
	if !conn.IsAuthenticated() {
		return ErrNotAuthenticated
	}
	if err := r.ValidateFrame(frame); err != nil {
		return err
	}

	path, err := types.NormalizePath(frame.Path)
	if err != nil {
		return err
	}

	switch frame.Op {
	case types.OpSubscribe:
		return r.handleSubscribe(ctx, conn, frame.ID, path)

	case types.OpUnsubscribe:
		r.registry.Unsubscribe(conn.GetID(), frame.ID)
		r.reply(conn, types.Event{Type: types.EventAck, ID: frame.ID, Path: path, Timestamp: time.Now()})
		return nil

	case types.OpRead:
		value, err := r.store.ReadOnce(ctx, path)
		if err != nil {
			return err
		}
		r.reply(conn, types.Event{Type: types.EventAck, ID: frame.ID, Path: path, Data: value, Timestamp: time.Now()})
		return nil

	default:
		return r.handleWrite(ctx, conn, frame, path)
	}
}

// ValidateFrame checks the frame shape and op-specific payload
func (r *Router) ValidateFrame(frame *types.Frame) error {
	if err := r.validate.Struct(frame); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("%w: field %s failed %s", ErrInvalidFrame, verrs[0].Field(), verrs[0].Tag())
		}
		return fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}

	switch frame.Op {
	case types.OpWrite:
		if len(frame.Value) == 0 {
			return ErrMissingValue
		}
	case types.OpMerge:
		if frame.Updates == nil {
			return ErrMissingUpdates
		}
	}
	return nil
}

// handleSubscribe registers the listener then sends the current value
// FUNCTIONAL DISCOVERY: Register first, read second, so a write committed in
// between is either in the read or triggers a push afterwards. The read goes
// through the hub so it cannot overtake a newer push
func (r *Router) handleSubscribe(ctx context.Context, conn *websocket.Connection, subID, path string) error {
	if err := r.registry.Subscribe(conn.GetID(), subID, path); err != nil {
		return err
	}
	if r.values != nil {
		return r.values.SendCurrent(ctx, conn, subID, path)
	}

	value, err := r.store.ReadOnce(ctx, path)
	if err != nil {
		return err
	}

	r.reply(conn, types.Event{Type: types.EventValue, ID: subID, Path: path, Data: value, Timestamp: time.Now()})
	return nil
}

// handleWrite applies write, merge and delete frames attributed to the connection identity
func (r *Router) handleWrite(ctx context.Context, conn *websocket.Connection, frame *types.Frame, path string) error {
	identity := conn.GetIdentity()

	// TECHNICAL DISCOVERY: Rate limiting applied per identity before the writer queue
	if !r.rateLimiter.Allow(identity) {
		return ErrRateLimitExceeded
	}

	ctx = store.WithIdentity(ctx, identity)

	var err error
	switch frame.Op {
	case types.OpWrite:
		err = r.store.Write(ctx, path, frame.Value)
	case types.OpDelete:
		err = r.store.Delete(ctx, path)
	case types.OpMerge:
		updates := make(map[string]any, len(frame.Updates))
		// Update keys are relative to the frame path, the store trims the leading slash at root
		for p, raw := range frame.Updates {
			updates[types.JoinPath(path, p)] = raw
		}
		err = r.store.Merge(ctx, updates)
	}
	if err != nil {
		return err
	}

	r.logger.Debug("write applied",
		zap.String("identity", identity),
		zap.String("op", frame.Op),
		zap.String("path", path))

	r.reply(conn, types.Event{Type: types.EventAck, ID: frame.ID, Path: path, Timestamp: time.Now()})
	return nil
}

func (r *Router) reply(conn *websocket.Connection, event types.Event) {
	if err := conn.WriteJSON(event); err != nil {
		r.logger.Debug("failed to reply",
			zap.String("connection_id", conn.GetID()),
			zap.Error(err))
	}
}

func errorEvent(id, path string, err error) types.Event {
	return types.Event{
		Type:      types.EventError,
		ID:        id,
		Path:      path,
		Error:     err.Error(),
		Timestamp: time.Now(),
	}
}
