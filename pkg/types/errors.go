package types

import (
	"errors"
	"fmt"
	"time"
)

// ARCHITECTURAL DISCOVERY: Specific error types enable proper error handling
// and user-friendly error messages throughout the system
var (
	ErrInvalidPath    = errors.New("path must be slash separated segments without . # $ [ ]")
	ErrInvalidDate    = errors.New("date must be a valid YYYY-MM-DD calendar date")
	ErrFutureDate     = errors.New("departures cannot be recorded for future dates")
	ErrInvalidHour    = errors.New("hour must be between 1 and 6")
	ErrInvalidClassID = errors.New("class name does not match the allowed format")
	ErrMissingActor   = errors.New("actor identity is required")
	ErrUnknownStudent = errors.New("student is not in the class roster")
	ErrOffline        = errors.New("remote store is disconnected")
	ErrNotLoaded      = errors.New("local mirror has not received every path yet")
)

// ValidationError is a user-correctable input problem, the operation was not attempted
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// NewValidationError wraps a sentinel with the offending field
func NewValidationError(field string, err error) *ValidationError {
	return &ValidationError{Field: field, Reason: err.Error(), Err: err}
}

// CapacityError reports a roster or daily-departure ceiling being exceeded
type CapacityError struct {
	Limit  int
	Reason string
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("capacity exceeded (limit %d): %s", e.Limit, e.Reason)
}

// OwnershipError is returned when an actor removes a departure created by someone else
type OwnershipError struct {
	Owner string
	Actor string
}

func (e *OwnershipError) Error() string {
	return fmt.Sprintf("departure was recorded by %s and cannot be removed by %s", e.Owner, e.Actor)
}

// TimeoutError reports that usable data did not arrive within the wait budget
type TimeoutError struct {
	Waited time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("no usable data after %s", e.Waited)
}

// TransportError wraps a failed adapter call, it is never retried automatically
type TransportError struct {
	Op   string
	Path string
	Err  error
}

func (e *TransportError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s failed: %v", e.Op, e.Path, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// DecodeError reports a backend value whose shape does not match the expected structure
type DecodeError struct {
	Path string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("malformed value at %s: %v", e.Path, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }
