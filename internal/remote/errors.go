package remote

import "errors"

// Adapter errors, always surfaced wrapped in a types.TransportError
var (
	ErrConnectionLost = errors.New("connection lost before the server replied")
	ErrRequestTimeout = errors.New("no reply from the server in time")
	ErrRejected       = errors.New("rejected by the server")
	ErrClientClosed   = errors.New("client is closed")
)
