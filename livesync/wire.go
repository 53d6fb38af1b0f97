package livesync

import (
	"encoding/json"
)

// json frames over the push channel.
// the server always sends full snapshots, never patches.

const (
	frameTypeAuth  = "auth"
	frameTypeAck   = "ack"
	frameTypeEmit  = "emit"
	frameTypeEvent = "event"
)

const (
	EventSessionSubscribe = "session/subscribe"
	EventSessionUpdate    = "session/update"
	EventSessionAction    = "session/action"
	EventAuthRefresh      = "auth/refresh"
)

type frame struct {
	Type      string          `json:"type"`
	Event     string          `json:"event,omitempty"`
	RequestId uint64          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     string          `json:"error,omitempty"`
}

type authPayload struct {
	Token string `json:"token"`
}

type joinPayload struct {
	SessionId Id `json:"session_id"`
}

type actionPayload struct {
	SessionId Id              `json:"session_id"`
	ActionId  Id              `json:"action_id"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}
