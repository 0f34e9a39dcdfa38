// Package protocol defines the wire protocol spoken between the beacon relay
// and remote agents over WebSocket.
//
// The handshake is positional: the first frame an agent sends must be a
// Credential. Every frame after that is a JSON object with a "type" field.
// Relay→agent commands carry a "message_id"; an agent frame echoing a known
// message_id is treated as the response to that command regardless of type.
package protocol

import "encoding/json"

// WebSocket close codes used by the relay during the handshake.
const (
	CloseAuthFailed    = 4001 // credential rejected
	CloseAuthTimeout   = 4002 // no credential frame within the deadline
	CloseProtocolError = 4003 // malformed handshake frame
)

// StatusAuthenticated is sent to an agent after a successful handshake.
const StatusAuthenticated = "authenticated"

// Frame types sent by agents. Anything not listed here and not carrying a
// pending message_id is logged and dropped.
const (
	TypePing        = "ping"
	TypePong        = "pong"
	TypeAlert       = "alert"
	TypeProgress    = "progress"
	TypeAIResponse  = "ai_response"
	TypeStreamFrame = "stream_frame"
)

// Credential is the first frame an agent must send after connecting.
type Credential struct {
	AuthToken string `json:"auth_token"`
}

// AuthError is sent before closing a connection whose credential was rejected.
type AuthError struct {
	Error string `json:"error"`
}

// AuthOK acknowledges a successful handshake.
type AuthOK struct {
	Status string `json:"status"`
}

// Command is a relay→agent command payload. The relay injects the
// correlation id under the "message_id" key before transmitting, so that key
// is reserved.
type Command map[string]any

// MessageIDKey is the reserved correlation id key on commands and responses.
const MessageIDKey = "message_id"

// FrameHeader is the portion of an inbound agent frame the relay inspects
// for routing. The full raw frame is preserved separately.
type FrameHeader struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
}

// ParseHeader decodes the routing header from a raw agent frame.
func ParseHeader(raw []byte) (FrameHeader, error) {
	var h FrameHeader
	err := json.Unmarshal(raw, &h)
	return h, err
}
