package interfaces

import "errors"

// Common interface errors used across components
var (
	ErrNotFound     = errors.New("value not found")
	ErrUnauthorized = errors.New("unauthorized access")
	ErrClosed       = errors.New("store is closed")
)
