package roles

import "errors"

var (
	ErrEmptyIdentity    = errors.New("identity cannot be empty")
	ErrFixedAdmin       = errors.New("fixed administrators cannot be revoked")
	ErrMalformedRoleSet = errors.New("role set must be a list or an object")
)
