package gateway

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"hallpass/internal/cache"
	"hallpass/pkg/interfaces"
	"hallpass/pkg/types"
)

// Gateway validates and shapes every mutation before it reaches the remote store
// ARCHITECTURAL DISCOVERY: The gateway never edits the cache, a change becomes
// visible only when the subscription echoes it back
type Gateway struct {
	store    interfaces.RemoteStore
	cache    *cache.Cache
	validate *validator.Validate
	now      func() time.Time
	location *time.Location
	logger   *zap.Logger
}

// Option customizes a Gateway
type Option func(*Gateway)

// WithClock replaces time.Now, used for the future-date check and departure timestamps
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

// WithLocation sets the school time zone that defines "today"
func WithLocation(loc *time.Location) Option {
	return func(g *Gateway) {
		if loc != nil {
			g.location = loc
		}
	}
}

// New creates a gateway writing through store and reading current state from c
func New(store interfaces.RemoteStore, c *cache.Cache, logger *zap.Logger, opts ...Option) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Gateway{
		store:    store,
		cache:    c,
		validate: validator.New(),
		now:      time.Now,
		location: time.Local,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// ToggleDeparture adds the departure for hour when absent, removes it when present,
// and reports whether it was added
func (g *Gateway) ToggleDeparture(ctx context.Context, classID, studentID, date string, hour int, actor string) (bool, error) {
	// STEP 1: Input validation, nothing is attempted on failure
	day, err := types.ParseDate(date, g.location)
	if err != nil {
		return false, types.NewValidationError("date", err)
	}
	today := types.FormatDate(g.now().In(g.location))
	if types.FormatDate(day) > today {
		return false, types.NewValidationError("date", types.ErrFutureDate)
	}
	if !types.IsValidHour(hour) {
		return false, types.NewValidationError("hour", types.ErrInvalidHour)
	}
	if actor == "" {
		return false, types.NewValidationError("actor", types.ErrMissingActor)
	}
	path := types.RecordPath(classID, studentID, date)
	// FUNCTIONAL DISCOVERY: A partially delivered mirror would make the roster check
	// and the departure set both wrong, so nothing is attempted until every path arrived
	if !g.cache.IsLoaded() {
		return false, &types.TransportError{Op: types.OpWrite, Path: path, Err: types.ErrNotLoaded}
	}
	if !g.cache.HasStudent(classID, studentID) {
		return false, types.NewValidationError("student", types.ErrUnknownStudent)
	}

	if !g.store.Connected() {
		return false, &types.TransportError{Op: types.OpWrite, Path: path, Err: types.ErrOffline}
	}

	// STEP 2: Compute the full departure set from the cached record
	record := g.cache.VisitRecord(classID, studentID, date)
	added := false
	if i := record.Find(hour); i >= 0 {
		if owner := record.Departures[i].ActorIdentity; owner != actor {
			return false, &types.OwnershipError{Owner: owner, Actor: actor}
		}
		record.Departures = append(record.Departures[:i], record.Departures[i+1:]...)
	} else {
		if record.Count() >= types.MaxDailyDepartures {
			return false, &types.CapacityError{
				Limit:  types.MaxDailyDepartures,
				Reason: "daily departures for " + studentID + " on " + date,
			}
		}
		record.Departures = append(record.Departures, types.Departure{
			Hour:          hour,
			ActorIdentity: actor,
			Timestamp:     g.now().UTC(),
		})
		sort.Slice(record.Departures, func(i, j int) bool {
			return record.Departures[i].Hour < record.Departures[j].Hour
		})
		added = true
	}

	// STEP 3: Exactly one write, an empty record is deleted
	if record.Count() == 0 {
		err = g.store.Delete(ctx, path)
	} else {
		err = g.store.Write(ctx, path, record)
	}
	if err != nil {
		return false, transportError(types.OpWrite, path, err)
	}

	g.logger.Debug("departure toggled",
		zap.String("path", path),
		zap.Int("hour", hour),
		zap.Bool("added", added),
		zap.String("actor", actor))
	return added, nil
}

// WipeAll deletes classes, students and records in one atomic merge; preferences
// and roles are untouched
func (g *Gateway) WipeAll(ctx context.Context) error {
	if !g.store.Connected() {
		return &types.TransportError{Op: types.OpMerge, Err: types.ErrOffline}
	}
	err := g.store.Merge(ctx, map[string]any{
		types.PathClasses:  nil,
		types.PathStudents: nil,
		types.PathRecords:  nil,
	})
	if err != nil {
		return transportError(types.OpMerge, "", err)
	}
	g.logger.Info("all roster and record data wiped")
	return nil
}

// SetLastVisitedClass stores the class a user last opened
func (g *Gateway) SetLastVisitedClass(ctx context.Context, email, classID string) error {
	if email == "" {
		return types.NewValidationError("email", ErrMissingEmail)
	}
	path := types.JoinPath(types.PathUserPreferences, types.SanitizeKey(email))
	pref := types.UserPreference{LastVisitedClass: classID, LastVisit: g.now().UTC()}
	if err := g.store.Write(ctx, path, pref); err != nil {
		return transportError(types.OpWrite, path, err)
	}
	return nil
}

// transportError keeps adapter errors typed as TransportError
func transportError(op, path string, err error) error {
	var transportErr *types.TransportError
	if errors.As(err, &transportErr) {
		return err
	}
	return &types.TransportError{Op: op, Path: path, Err: err}
}
