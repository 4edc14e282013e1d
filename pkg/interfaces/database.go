package interfaces

import (
	"context"
	"encoding/json"
)

// DocumentStore is the point read/write surface of a key-path document store
// ARCHITECTURAL DISCOVERY: Same method set on the sqlite store and on the remote
// adapters so retention and admin jobs run unchanged on either side of the wire
type DocumentStore interface {
	// ReadOnce returns the full value at path, JSON null when absent
	ReadOnce(ctx context.Context, path string) (json.RawMessage, error)

	// Write overwrites the subtree at path, a nil value deletes it
	Write(ctx context.Context, path string, value any) error

	// Merge applies several path overwrites atomically, nil values delete
	Merge(ctx context.Context, updates map[string]any) error

	// Delete removes the subtree at path
	Delete(ctx context.Context, path string) error
}

// DatabaseManager is the server-side persistence layer behind the websocket transport
type DatabaseManager interface {
	DocumentStore

	// HealthCheck verifies database connectivity and basic operations
	// FUNCTIONAL DISCOVERY: Context enables health check timeout to prevent
	// hanging health checks from blocking application startup
	HealthCheck(ctx context.Context) error

	// Close closes the database connection and cleans up resources
	Close() error
}
