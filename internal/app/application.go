package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"hallpass/internal/api"
	"hallpass/internal/auth"
	"hallpass/internal/config"
	"hallpass/internal/hub"
	"hallpass/internal/retention"
	"hallpass/internal/router"
	"hallpass/internal/store"
	"hallpass/internal/websocket"
)

// ErrMissingSecret is returned when no token signing secret is configured
var ErrMissingSecret = errors.New("auth secret is required (set HALLPASS_AUTH_SECRET)")

// Application coordinates all server components
// ARCHITECTURAL DISCOVERY: Clean dependency injection with a strict initialization order
type Application struct {
	config      *config.Config
	logger      *zap.Logger
	store       *store.Manager
	registry    *websocket.Registry
	rateLimiter *router.RateLimiter
	hub         *hub.Hub
	retention   *retention.Job
	apiServer   *api.Server
	httpServer  *http.Server
	listener    net.Listener

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewApplication creates the server with every component initialized
// FUNCTIONAL DISCOVERY: Store → Registry → Hub → Router → Auth → WebSocket → API → HTTP
func NewApplication(cfg *config.Config, logger *zap.Logger) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.Auth.Secret == "" {
		return nil, ErrMissingSecret
	}

	// STEP 1: Open the store, migrations are applied on open
	manager, err := store.NewManager(cfg.DatabaseConfig(), logger.Named("store"))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	// STEP 2: Registry tracks connections and their subscriptions
	registry := websocket.NewRegistry()

	// STEP 3: Hub pushes committed changes to matching subscriptions
	messageHub := hub.NewHub(registry, manager, logger.Named("hub"))
	manager.OnCommit(func(paths []string) {
		if err := messageHub.Publish(paths); err != nil {
			logger.Debug("change not published", zap.Strings("paths", paths), zap.Error(err))
		}
	})

	// STEP 4: Router executes client frames against the store
	rateLimiter := router.NewRateLimiter(cfg.WebSocket.WritesPerMin, time.Minute)
	frameRouter := router.NewRouter(registry, manager, messageHub, rateLimiter, logger.Named("router"))

	// STEP 5: Bearer tokens gate both the websocket and the REST API
	authenticator := auth.NewTokenAuthenticator(cfg.Auth.Secret, cfg.Auth.Issuer)
	wsHandler := websocket.NewHandler(registry, authenticator, frameRouter, websocket.HandlerConfig{
		PingInterval: cfg.WebSocket.PingInterval,
		ReadTimeout:  cfg.WebSocket.ReadTimeout,
		MaxFrameSize: cfg.WebSocket.MaxFrameSize,
	}, logger.Named("websocket"))

	apiServer := api.NewServer(manager, registry, authenticator, http.HandlerFunc(wsHandler.HandleWebSocket), logger.Named("api"))

	var job *retention.Job
	if cfg.Retention.Enabled {
		job = retention.NewJob(manager, cfg.Retention.KeepDays, logger.Named("retention"))
	}

	httpServer := &http.Server{
		Addr:         cfg.HTTP.Addr(),
		Handler:      apiServer,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	return &Application{
		config:      cfg,
		logger:      logger,
		store:       manager,
		registry:    registry,
		rateLimiter: rateLimiter,
		hub:         messageHub,
		retention:   job,
		apiServer:   apiServer,
		httpServer:  httpServer,
	}, nil
}

// Start begins serving
// FUNCTIONAL DISCOVERY: Hub starts first so no commit is published to a stopped hub,
// the listener is bound synchronously so the address is known when Start returns
func (app *Application) Start(ctx context.Context) error {
	// STEP 1: Background workers
	if err := app.hub.Start(ctx); err != nil {
		return fmt.Errorf("failed to start hub: %w", err)
	}

	workerCtx, cancel := context.WithCancel(ctx)
	app.cancel = cancel

	app.wg.Add(1)
	go func() {
		defer app.wg.Done()
		app.rateLimiter.RunCleanup(workerCtx)
	}()

	if app.retention != nil {
		app.wg.Add(1)
		go func() {
			defer app.wg.Done()
			app.retention.Run(workerCtx, app.config.Retention.Interval)
		}()
	}

	// STEP 2: Bind and serve
	listener, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		app.stopWorkers()
		return fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}
	app.listener = listener

	go func() {
		if err := app.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	app.logger.Info("hallpass server started",
		zap.String("addr", listener.Addr().String()),
		zap.String("database", app.config.Database.Path),
		zap.Bool("retention", app.retention != nil))
	return nil
}

func (app *Application) stopWorkers() {
	if app.cancel != nil {
		app.cancel()
	}
	app.wg.Wait()
	if err := app.hub.Stop(); err != nil {
		app.logger.Warn("hub shutdown error", zap.Error(err))
	}
}

// Stop gracefully shuts down the application
// FUNCTIONAL DISCOVERY: Reverse dependency order: HTTP → connections → workers → hub → store
func (app *Application) Stop(ctx context.Context) error {
	app.logger.Info("shutting down hallpass server")

	var errs []error
	if err := app.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if closed := app.registry.CloseAll(); closed > 0 {
		app.logger.Info("closed websocket connections", zap.Int("count", closed))
	}

	app.stopWorkers()

	if err := app.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store shutdown: %w", err))
	}

	app.logger.Info("hallpass server shutdown complete")
	return errors.Join(errs...)
}

// GetAddr returns the bound listen address, or the configured one before Start
func (app *Application) GetAddr() string {
	if app.listener != nil {
		return app.listener.Addr().String()
	}
	return app.httpServer.Addr
}

// Store exposes the document store for operational tooling and tests
func (app *Application) Store() *store.Manager {
	return app.store
}
