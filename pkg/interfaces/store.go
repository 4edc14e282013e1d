package interfaces

import "encoding/json"

// RemoteStore is the push-capable key-path data source the client core depends on
// FUNCTIONAL DISCOVERY: Subscriptions deliver the full value at the path, immediately
// on subscribe and again after every overlapping change, never deltas
type RemoteStore interface {
	DocumentStore

	// Subscribe registers persistent callbacks for path and returns an idempotent cancel
	Subscribe(path string, onValue func(json.RawMessage), onError func(error)) (unsubscribe func())

	// OnConnectivity registers a best-effort online/offline listener
	OnConnectivity(fn func(connected bool)) (cancel func())

	// Connected reports the last known connectivity state
	Connected() bool
}

// AdminDirectory answers whether an identity holds the admin role
// ARCHITECTURAL DISCOVERY: Callers never see which source granted the role
type AdminDirectory interface {
	IsAdmin(identity string) bool
}
