package roles

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"hallpass/pkg/interfaces"
	"hallpass/pkg/types"
)

// UserDirectory maps identity keys to emails for report display
type UserDirectory map[string]string

// LoadUserDirectory reads userDirectory once
func LoadUserDirectory(ctx context.Context, store interfaces.DocumentStore) (UserDirectory, error) {
	raw, err := store.ReadOnce(ctx, types.PathUserDirectory)
	if err != nil {
		return nil, fmt.Errorf("failed to read user directory: %w", err)
	}
	dir := UserDirectory{}
	if types.IsNullJSON(raw) {
		return dir, nil
	}
	if err := json.Unmarshal(raw, &dir); err != nil {
		return nil, &types.DecodeError{Path: types.PathUserDirectory, Err: err}
	}
	return dir, nil
}

// Email resolves identity; an identity that already is an email resolves to itself
func (u UserDirectory) Email(identity string) string {
	if email, ok := u[identity]; ok {
		return email
	}
	if email, ok := u[types.SanitizeKey(identity)]; ok {
		return email
	}
	if strings.Contains(identity, "@") {
		return identity
	}
	return ""
}

// RegisterUser records the email behind identity
func RegisterUser(ctx context.Context, store interfaces.DocumentStore, identity, email string) error {
	if identity == "" || email == "" {
		return ErrEmptyIdentity
	}
	path := types.JoinPath(types.PathUserDirectory, types.SanitizeKey(identity))
	if err := store.Write(ctx, path, email); err != nil {
		return fmt.Errorf("failed to register %s: %w", identity, err)
	}
	return nil
}

// LastVisitedClass returns the class stored in the preferences of email, "" when none
func LastVisitedClass(ctx context.Context, store interfaces.DocumentStore, email string) (string, error) {
	if email == "" {
		return "", ErrEmptyIdentity
	}
	path := types.JoinPath(types.PathUserPreferences, types.SanitizeKey(email))
	raw, err := store.ReadOnce(ctx, path)
	if err != nil {
		return "", fmt.Errorf("failed to read preferences: %w", err)
	}
	if types.IsNullJSON(raw) {
		return "", nil
	}
	var pref types.UserPreference
	if err := json.Unmarshal(raw, &pref); err != nil {
		return "", &types.DecodeError{Path: path, Err: err}
	}
	return pref.LastVisitedClass, nil
}
