package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"hallpass/internal/cache"
	"hallpass/internal/gateway"
	"hallpass/internal/roles"
	"hallpass/internal/stats"
	"hallpass/internal/subscription"
	"hallpass/pkg/interfaces"
	"hallpass/pkg/types"
)

// Config describes who is signed in and how the session behaves
type Config struct {
	Identity     string
	Email        string
	AdminEmails  []string
	Location     *time.Location
	AwaitTimeout time.Duration
	Clock        func() time.Time
}

// Session is the per-user context object: it owns the cache and every service
// reading or writing through it
// ARCHITECTURAL DISCOVERY: Explicitly constructed and passed to consumers, so two
// sessions in one process (or two tests) never share state
type Session struct {
	config  Config
	store   interfaces.RemoteStore
	cache   *cache.Cache
	gateway *gateway.Gateway
	stats   *stats.Engine
	subs    *subscription.Manager
	roles   *roles.Directory
	logger  *zap.Logger

	mu      sync.RWMutex
	users   roles.UserDirectory
	started bool
	ended   bool
}

// New builds an idle session for cfg.Identity over store
func New(store interfaces.RemoteStore, cfg Config, logger *zap.Logger) (*Session, error) {
	if !types.IsValidIdentity(cfg.Identity) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidIdentity, cfg.Identity)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.AwaitTimeout <= 0 {
		cfg.AwaitTimeout = cache.DefaultAwaitTimeout
	}
	logger = logger.With(zap.String("identity", cfg.Identity))

	s := &Session{
		config: cfg,
		store:  store,
		cache:  cache.New(logger.Named("cache")),
		roles:  roles.NewDirectory(store, cfg.AdminEmails, logger.Named("roles")),
		logger: logger,
		users:  roles.UserDirectory{},
	}

	gatewayOpts := []gateway.Option{gateway.WithLocation(cfg.Location)}
	if cfg.Clock != nil {
		gatewayOpts = append(gatewayOpts, gateway.WithClock(cfg.Clock))
	}
	s.gateway = gateway.New(store, s.cache, logger.Named("gateway"), gatewayOpts...)
	s.stats = stats.New(s.cache, stats.WithResolver(s), stats.WithLocation(cfg.Location))
	s.subs = subscription.New(store, s.cache, logger.Named("subscription"),
		subscription.WithErrorHandler(func(path string, err error) {
			logger.Warn("subscription problem", zap.String("path", path), zap.Error(err))
		}))
	return s, nil
}

// Start loads roles and the user directory, then subscribes the cache
// FUNCTIONAL DISCOVERY: Roles load before data so the first render already knows
// whether admin actions are available
func (s *Session) Start(ctx context.Context, onUpdate func(path string), onInitialLoad func()) error {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return ErrSessionEnded
	}
	s.mu.Unlock()

	// STEP 1: Roles, the static list still applies when the read fails
	if err := s.roles.Refresh(ctx); err != nil {
		s.logger.Warn("admin roles unavailable, using static list", zap.Error(err))
	}

	// STEP 2: Identity to email map for activity reports
	if s.config.Email != "" {
		if err := roles.RegisterUser(ctx, s.store, s.config.Identity, s.config.Email); err != nil {
			s.logger.Warn("failed to register user", zap.Error(err))
		}
	}
	users, err := roles.LoadUserDirectory(ctx, s.store)
	if err != nil {
		s.logger.Warn("user directory unavailable", zap.Error(err))
		users = roles.UserDirectory{}
	}

	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return ErrSessionEnded
	}
	s.users = users
	s.started = true
	s.mu.Unlock()

	// STEP 3: Mirror the shared data
	// TECHNICAL DISCOVERY: Stop may land while the subscriptions are being opened and
	// its teardown then runs first, so the new generation is torn down here instead
	s.subs.Start(onUpdate, onInitialLoad)
	s.mu.RLock()
	ended := s.ended
	s.mu.RUnlock()
	if ended {
		s.subs.Stop()
		return ErrSessionEnded
	}
	s.logger.Info("session started", zap.Bool("admin", s.IsAdmin()))
	return nil
}

// AwaitReady blocks until the cache can render something
func (s *Session) AwaitReady(ctx context.Context) error {
	if err := s.check(); err != nil {
		return err
	}
	return s.cache.AwaitUsableData(ctx, s.config.AwaitTimeout)
}

// Stop unsubscribes and clears the cache; the session cannot be restarted
func (s *Session) Stop() {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	s.mu.Unlock()

	s.subs.Stop()
	s.logger.Info("session ended")
}

func (s *Session) check() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ended {
		return ErrSessionEnded
	}
	if !s.started {
		return ErrNotStarted
	}
	return nil
}

func (s *Session) checkAdmin() error {
	if err := s.check(); err != nil {
		return err
	}
	if !s.IsAdmin() {
		return ErrUnauthorized
	}
	return nil
}

// Identity returns the actor identity recorded on departures
func (s *Session) Identity() string {
	return s.config.Identity
}

// IsAdmin reports whether the signed in user holds the admin role
func (s *Session) IsAdmin() bool {
	if s.config.Email != "" && s.roles.IsAdmin(s.config.Email) {
		return true
	}
	return s.roles.IsAdmin(s.config.Identity)
}

// Email implements stats.EmailResolver over the loaded user directory
func (s *Session) Email(identity string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if identity == s.config.Identity && s.config.Email != "" {
		return s.config.Email
	}
	return s.users.Email(identity)
}

// Cache exposes the read side to views
func (s *Session) Cache() *cache.Cache {
	return s.cache
}

// Stats exposes the aggregation engine
func (s *Session) Stats() *stats.Engine {
	return s.stats
}

// Roles exposes the admin directory
func (s *Session) Roles() *roles.Directory {
	return s.roles
}

// State reports the subscription lifecycle position
func (s *Session) State() subscription.State {
	return s.subs.State()
}

// OnConnectivity observes the store connection, independent of data loading
func (s *Session) OnConnectivity(fn func(connected bool)) func() {
	return s.subs.OnConnectivity(fn)
}

// ToggleDeparture marks or unmarks a departure as the signed in user
func (s *Session) ToggleDeparture(ctx context.Context, classID, studentID, date string, hour int) (bool, error) {
	if err := s.check(); err != nil {
		return false, err
	}
	return s.gateway.ToggleDeparture(ctx, classID, studentID, date, hour, s.config.Identity)
}

// ImportRoster merges spreadsheet rows into the shared roster, admins only
func (s *Session) ImportRoster(ctx context.Context, rows []types.RosterRow) (types.ImportReport, error) {
	if err := s.checkAdmin(); err != nil {
		return types.ImportReport{}, err
	}
	return s.gateway.ImportRoster(ctx, rows)
}

// WipeAll deletes every class, student and record, admins only
func (s *Session) WipeAll(ctx context.Context) error {
	if err := s.checkAdmin(); err != nil {
		return err
	}
	return s.gateway.WipeAll(ctx)
}

// Designate grants the admin role to email
func (s *Session) Designate(ctx context.Context, email string) error {
	if err := s.checkAdmin(); err != nil {
		return err
	}
	return s.roles.Designate(ctx, email)
}

// Revoke removes a designated admin
func (s *Session) Revoke(ctx context.Context, email string) error {
	if err := s.checkAdmin(); err != nil {
		return err
	}
	return s.roles.Revoke(ctx, email)
}

// VisitClass remembers classID as the user's last opened class
func (s *Session) VisitClass(ctx context.Context, classID string) error {
	if err := s.check(); err != nil {
		return err
	}
	return s.gateway.SetLastVisitedClass(ctx, s.config.Email, classID)
}

// LastVisitedClass returns the class to open first, "" when none or no longer present
func (s *Session) LastVisitedClass(ctx context.Context) (string, error) {
	if err := s.check(); err != nil {
		return "", err
	}
	if s.config.Email == "" {
		return "", nil
	}
	classID, err := roles.LastVisitedClass(ctx, s.store, s.config.Email)
	if err != nil || classID == "" {
		return "", err
	}
	for _, c := range s.cache.Classes() {
		if c == classID {
			return classID, nil
		}
	}
	return "", nil
}
