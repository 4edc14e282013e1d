package gateway

import "errors"

var (
	ErrEmptyRoster   = errors.New("roster has no rows")
	ErrMissingEmail  = errors.New("email is required")
	ErrDuplicateRow  = errors.New("student already listed earlier in this import")
	ErrUnusableName  = errors.New("display name has no usable characters")
	ErrClassLimit    = errors.New("class limit reached")
	ErrStudentLimit  = errors.New("class is full")
	ErrMissingFields = errors.New("displayName and classId are required")
)
