// Package rtproto defines message types for the realtime collection feed.
// Messages flow over a single WebSocket connection per client.
package rtproto

import "encoding/json"

// Envelope wraps all messages with a type discriminator.
// When marshaling, Payload can be any message struct.
// When unmarshaling, use EnvelopeRaw for type-based dispatch.
type Envelope struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// EnvelopeRaw is used for receiving messages where the payload
// needs to be unmarshaled based on the message type.
type EnvelopeRaw struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// MarshalEnvelope creates an envelope with the given type and payload
func MarshalEnvelope(msgType string, payload interface{}) ([]byte, error) {
	return json.Marshal(Envelope{Type: msgType, Payload: payload})
}

// Client -> Server messages

// SubscribeMessage requests change events for the named collections.
// Resent in full after every reconnect.
type SubscribeMessage struct {
	Collections []string `json:"collections"`
}

// Server -> Client messages

// Change event actions
const (
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
)

// EventMessage carries one collection change. The feed is unfiltered by
// identity; consumers re-apply their own predicates per record.
type EventMessage struct {
	Action     string          `json:"action"`
	Collection string          `json:"collection"`
	Record     json.RawMessage `json:"record"`
}

// Message type constants
const (
	TypeSubscribe = "subscribe"
	TypeEvent     = "event"
	TypePing      = "ping"
	TypePong      = "pong"
)
