// Package realtime implements the assistant's real-time channel: one
// WebSocket per identity over which assistant replies are delivered.
package realtime

import (
	"encoding/json"
	"fmt"
)

// Event names a frame on the real-time channel.
type Event string

const (
	// EventAuthenticate is sent by the client with the identity as payload.
	EventAuthenticate Event = "authenticate"
	// EventAuthenticated acknowledges authentication.
	EventAuthenticated Event = "authenticated"
	// EventAIResponse carries an assistant reply.
	EventAIResponse Event = "ai-response"
	// EventError reports a server-side problem.
	EventError Event = "error"
)

// Envelope is the JSON frame exchanged on the socket.
type Envelope struct {
	Event Event           `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope encodes data into a frame for event.
func NewEnvelope(event Event, data any) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", event, err)
	}
	return Envelope{Event: event, Data: raw}, nil
}

// AuthenticatedPayload is the data of EventAuthenticated.
type AuthenticatedPayload struct {
	UserID string `json:"userId"`
}

// AIResponsePayload is the data of EventAIResponse. Output may be absent.
type AIResponsePayload struct {
	Output    *string `json:"output,omitempty"`
	RequestID string  `json:"requestId,omitempty"`
}

// ErrorPayload is the data of EventError.
type ErrorPayload struct {
	Message string `json:"message"`
}

// Reply is an assistant reply delivered to the registered handler.
type Reply struct {
	Output    string
	RequestID string
}

// State is the lifecycle state of a Client.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateAuthenticating
	StateReady
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAuthenticating:
		return "authenticating"
	case StateReady:
		return "ready"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}
