package roles

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"hallpass/pkg/interfaces"
	"hallpass/pkg/types"
)

var (
	fixedPath      = types.JoinPath(types.PathAdminRoles, "fixed")
	designatedPath = types.JoinPath(types.PathAdminRoles, "designated")
)

// Directory answers IsAdmin from a static fallback list plus the fixed and
// designated role sets stored under adminRoles
// ARCHITECTURAL DISCOVERY: Callers only see IsAdmin; which source granted the role
// stays internal so sources can change without touching call sites
type Directory struct {
	store  interfaces.DocumentStore
	static map[string]bool
	logger *zap.Logger

	mu         sync.RWMutex
	fixed      map[string]bool
	designated map[string]bool
}

var _ interfaces.AdminDirectory = (*Directory)(nil)

// NewDirectory creates a directory; call Refresh to load the stored sets
func NewDirectory(store interfaces.DocumentStore, static []string, logger *zap.Logger) *Directory {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Directory{
		store:      store,
		static:     make(map[string]bool, len(static)),
		logger:     logger,
		fixed:      map[string]bool{},
		designated: map[string]bool{},
	}
	for _, identity := range static {
		addIdentity(d.static, identity)
	}
	return d
}

// IsAdmin reports membership in any of the three sources
// TECHNICAL DISCOVERY: Only the full identity is compared. Sanitized storage keys
// collapse '.' and '_' and would let look-alike addresses match
func (d *Directory) IsAdmin(identity string) bool {
	key := normalize(identity)
	if key == "" {
		return false
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.static[key] || d.fixed[key] || d.designated[key]
}

// Refresh reloads the fixed and designated sets
func (d *Directory) Refresh(ctx context.Context) error {
	fixed, err := d.readSet(ctx, fixedPath)
	if err != nil {
		return err
	}
	designated, err := d.readSet(ctx, designatedPath)
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.fixed = fixed
	d.designated = designated
	d.mu.Unlock()

	d.logger.Debug("admin roles refreshed",
		zap.Int("fixed", len(fixed)),
		zap.Int("designated", len(designated)))
	return nil
}

func (d *Directory) readSet(ctx context.Context, path string) (map[string]bool, error) {
	raw, err := d.store.ReadOnce(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	set, err := decodeSet(raw)
	if err != nil {
		return nil, &types.DecodeError{Path: path, Err: err}
	}
	return set, nil
}

// decodeSet accepts a list of identities or an object of key to identity; a key
// only counts by itself when its value is true
func decodeSet(raw json.RawMessage) (map[string]bool, error) {
	set := map[string]bool{}
	if types.IsNullJSON(raw) {
		return set, nil
	}

	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		for _, identity := range list {
			addIdentity(set, identity)
		}
		return set, nil
	}

	var object map[string]any
	if err := json.Unmarshal(raw, &object); err != nil {
		return nil, ErrMalformedRoleSet
	}
	for key, value := range object {
		switch v := value.(type) {
		case bool:
			if v {
				addIdentity(set, key)
			}
		case string:
			addIdentity(set, v)
		}
	}
	return set, nil
}

// Designate grants the admin role to email
func (d *Directory) Designate(ctx context.Context, email string) error {
	if email == "" {
		return ErrEmptyIdentity
	}
	path := types.JoinPath(designatedPath, types.SanitizeKey(email))
	if err := d.store.Write(ctx, path, email); err != nil {
		return fmt.Errorf("failed to designate %s: %w", email, err)
	}

	d.mu.Lock()
	addIdentity(d.designated, email)
	d.mu.Unlock()

	d.logger.Info("admin designated", zap.String("email", email))
	return nil
}

// Revoke removes a designation; fixed and static administrators stay admins
func (d *Directory) Revoke(ctx context.Context, email string) error {
	if email == "" {
		return ErrEmptyIdentity
	}
	key := normalize(email)
	d.mu.RLock()
	fixed := d.static[key] || d.fixed[key]
	d.mu.RUnlock()
	if fixed {
		return ErrFixedAdmin
	}

	path := types.JoinPath(designatedPath, types.SanitizeKey(email))
	if err := d.store.Delete(ctx, path); err != nil {
		return fmt.Errorf("failed to revoke %s: %w", email, err)
	}

	d.mu.Lock()
	delete(d.designated, key)
	d.mu.Unlock()

	d.logger.Info("admin revoked", zap.String("email", email))
	return nil
}

// Designated lists the designated identities, sorted
func (d *Directory) Designated() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]string, 0, len(d.designated))
	for identity := range d.designated {
		out = append(out, identity)
	}
	sort.Strings(out)
	return out
}

func addIdentity(set map[string]bool, identity string) {
	if key := normalize(identity); key != "" {
		set[key] = true
	}
}

func normalize(identity string) string {
	return strings.ToLower(strings.TrimSpace(identity))
}
