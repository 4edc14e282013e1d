package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"hallpass/internal/store"
	"hallpass/internal/websocket"
	"hallpass/pkg/interfaces"
	"hallpass/pkg/types"
)

// maxBodyBytes bounds PUT bodies, a full roster fits comfortably
const maxBodyBytes = 1 << 20

// Registry interface to avoid tight coupling to websocket.Registry implementation
type Registry interface {
	GetStats() map[string]int
}

// ARCHITECTURAL DISCOVERY: HTTP API layer serves as pure interface between external clients and the store
// Clean separation - no domain logic, only HTTP handling and JSON serialization
type Server struct {
	store     interfaces.DatabaseManager
	registry  Registry
	auth      websocket.Authenticator
	wsHandler http.Handler
	logger    *zap.Logger
	started   time.Time
	router    chi.Router
}

// FUNCTIONAL DISCOVERY: Constructor initializes all dependencies and sets up routing
func NewServer(store interfaces.DatabaseManager, registry Registry, auth websocket.Authenticator, wsHandler http.Handler, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		store:     store,
		registry:  registry,
		auth:      auth,
		wsHandler: wsHandler,
		logger:    logger,
		started:   time.Now(),
		router:    chi.NewRouter(),
	}

	s.setupRoutes()
	return s
}

// ARCHITECTURAL DISCOVERY: CORS applies everywhere, JSON and auth only to the REST routes
func (s *Server) setupRoutes() {
	s.router.Use(s.corsMiddleware)

	if s.wsHandler != nil {
		s.router.Handle("/ws", s.wsHandler)
	}

	s.router.With(s.jsonMiddleware).Get("/health", s.healthCheck)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(s.jsonMiddleware, s.authMiddleware)
		r.Get("/stats", s.connectionStats)
		r.Get("/data", s.readPath)
		r.Get("/data/*", s.readPath)
		r.Put("/data/*", s.writePath)
		r.Delete("/data/*", s.deletePath)
	})
}

// FUNCTIONAL DISCOVERY: Implement http.Handler interface for integration with standard HTTP server
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type HealthResponse struct {
	Status      string         `json:"status"`
	Timestamp   time.Time      `json:"timestamp"`
	Database    string         `json:"database"`
	Connections map[string]int `json:"connections"`
	Uptime      string         `json:"uptime"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type identityKey struct{}

func identityFromContext(ctx context.Context) string {
	identity, _ := ctx.Value(identityKey{}).(string)
	return identity
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := s.auth.Authenticate(r)
		if err != nil {
			s.sendError(w, "Invalid or missing token", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), identityKey{}, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// FUNCTIONAL DISCOVERY: GET /api/v1/data/{path} returns the raw value, JSON null when absent
func (s *Server) readPath(w http.ResponseWriter, r *http.Request) {
	path, ok := s.pathParam(w, r)
	if !ok {
		return
	}

	value, err := s.store.ReadOnce(r.Context(), path)
	if err != nil {
		s.logger.Error("read failed", zap.String("path", path), zap.Error(err))
		s.sendError(w, "Failed to read path", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(value)
}

// FUNCTIONAL DISCOVERY: PUT /api/v1/data/{path} overwrites the subtree, attributed to the token identity
func (s *Server) writePath(w http.ResponseWriter, r *http.Request) {
	path, ok := s.pathParam(w, r)
	if !ok {
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil || len(body) > maxBodyBytes {
		s.sendError(w, "Request body too large or unreadable", http.StatusRequestEntityTooLarge)
		return
	}
	if !json.Valid(body) {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	ctx := store.WithIdentity(r.Context(), identityFromContext(r.Context()))
	if err := s.store.Write(ctx, path, json.RawMessage(body)); err != nil {
		s.writeFailed(w, path, err)
		return
	}

	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"path": path, "status": "written"})
}

// FUNCTIONAL DISCOVERY: DELETE /api/v1/data/{path} removes the subtree
func (s *Server) deletePath(w http.ResponseWriter, r *http.Request) {
	path, ok := s.pathParam(w, r)
	if !ok {
		return
	}

	ctx := store.WithIdentity(r.Context(), identityFromContext(r.Context()))
	if err := s.store.Delete(ctx, path); err != nil {
		s.writeFailed(w, path, err)
		return
	}

	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"path": path, "status": "deleted"})
}

func (s *Server) writeFailed(w http.ResponseWriter, path string, err error) {
	if errors.Is(err, types.ErrInvalidPath) || errors.Is(err, store.ErrScalarAtRoot) || errors.Is(err, store.ErrInvalidUpdatePath) {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.logger.Error("write failed", zap.String("path", path), zap.Error(err))
	s.sendError(w, "Failed to write path", http.StatusInternalServerError)
}

func (s *Server) pathParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	// chi matches on the raw path, so class names with spaces arrive escaped
	raw, err := url.PathUnescape(chi.URLParam(r, "*"))
	if err != nil {
		s.sendError(w, "Invalid path", http.StatusBadRequest)
		return "", false
	}
	path, err := types.NormalizePath(raw)
	if err != nil {
		s.sendError(w, "Invalid path", http.StatusBadRequest)
		return "", false
	}
	return path, true
}

// FUNCTIONAL DISCOVERY: GET /api/v1/stats - registry counters for dashboards
func (s *Server) connectionStats(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(s.registry.GetStats())
}

// FUNCTIONAL DISCOVERY: GET /health - System health check with component validation
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	dbStatus := "healthy"

	if err := s.store.HealthCheck(ctx); err != nil {
		status = "unhealthy"
		dbStatus = fmt.Sprintf("error: %v", err)
	}

	response := HealthResponse{
		Status:      status,
		Timestamp:   time.Now(),
		Database:    dbStatus,
		Connections: s.registry.GetStats(),
		Uptime:      time.Since(s.started).Round(time.Second).String(),
	}

	// FUNCTIONAL DISCOVERY: Return 503 if any component is unhealthy
	if status == "unhealthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	_ = json.NewEncoder(w).Encode(response)
}

// FUNCTIONAL DISCOVERY: Consistent error response format
func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

// ARCHITECTURAL DISCOVERY: CORS middleware enables web client access
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// FUNCTIONAL DISCOVERY: JSON middleware ensures proper content-type headers
func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}
