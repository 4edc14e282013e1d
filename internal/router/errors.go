package router

import "errors"

// Router-specific error types
var (
	ErrMalformedFrame    = errors.New("malformed frame")
	ErrInvalidFrame      = errors.New("invalid frame")
	ErrMissingValue      = errors.New("write requires a value")
	ErrMissingUpdates    = errors.New("merge requires updates")
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	ErrNotAuthenticated  = errors.New("connection is not authenticated")
)
