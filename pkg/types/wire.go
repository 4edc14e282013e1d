package types

import (
	"encoding/json"
	"time"
)

// Operations a client may request over the websocket transport
const (
	OpSubscribe   = "subscribe"
	OpUnsubscribe = "unsubscribe"
	OpRead        = "read"
	OpWrite       = "write"
	OpMerge       = "merge"
	OpDelete      = "delete"
)

// Event types pushed by the server
const (
	EventValue  = "value"
	EventAck    = "ack"
	EventError  = "error"
	EventSystem = "system"
)

// Frame is a client request
// ARCHITECTURAL DISCOVERY: Value kept as raw JSON so the server never has to
// understand domain shapes, it only stores trees
type Frame struct {
	Op      string                     `json:"op" validate:"required,oneof=subscribe unsubscribe read write merge delete"`
	ID      string                     `json:"id" validate:"required,max=64"`
	Path    string                     `json:"path,omitempty" validate:"max=512"`
	Value   json.RawMessage            `json:"value,omitempty"`
	Updates map[string]json.RawMessage `json:"updates,omitempty"`
}

// Event is a server push or reply
type Event struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Path      string          `json:"path,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NullJSON is the encoding of an absent value
var NullJSON = json.RawMessage("null")

// IsNullJSON reports whether raw encodes an absent value
func IsNullJSON(raw json.RawMessage) bool {
	s := string(raw)
	return len(raw) == 0 || s == "null"
}
