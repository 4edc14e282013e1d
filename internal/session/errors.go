package session

import "errors"

// Session error types
var (
	ErrInvalidIdentity = errors.New("session identity must be a valid identity")
	ErrNotStarted      = errors.New("session has not been started")
	ErrSessionEnded    = errors.New("session has ended")
	ErrUnauthorized    = errors.New("user not authorized: admin role required")
)
