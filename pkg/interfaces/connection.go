package interfaces

// Connection represents a WebSocket client connection interface
// ARCHITECTURAL DISCOVERY: Pure abstraction without implementation details
// ensures clean boundaries between WebSocket infrastructure and store logic
type Connection interface {
	// WriteJSON sends a JSON message to the client (thread-safe)
	// FUNCTIONAL DISCOVERY: Thread-safety requirement documented in interface
	// to ensure all implementations use single-writer pattern to prevent races
	WriteJSON(v interface{}) error

	// Close closes the connection and cleans up resources
	Close() error

	// GetID returns the server-assigned connection ID
	GetID() string

	// GetIdentity returns the authenticated actor identity
	GetIdentity() string

	// IsAuthenticated returns true if connection is authenticated
	IsAuthenticated() bool

	// SetCredentials sets the actor identity after authentication
	SetCredentials(identity string) error
}
