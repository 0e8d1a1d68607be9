// Package protocol defines the WebSocket message types exchanged between chat
// clients and the server. All messages are JSON objects with a "type"
// discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Client -> Server message types.
const (
	TypePing     = "ping"
	TypeTyping   = "typing"
	TypeMarkRead = "mark_read"
)

// Server -> Client message types.
const (
	TypeConnected   = "connected"
	TypeMessage     = "message"
	TypeRead        = "read"
	TypeRateLimited = "rate_limited"
	TypeError       = "error"
	TypePong        = "pong"
)

// Error codes carried by ErrorMsg.
const (
	CodeBadRequest   = "bad_request"
	CodeUnauthorized = "unauthorized"
	CodeNotFound     = "not_found"
	CodeInternal     = "internal"
)

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the raw bytes and extracts only the "type" field.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server
// ---------------------------------------------------------------------------

type PingMsg struct {
	Type string `json:"type"`
}

// TypingMsg tells the other participant of a conversation that the client
// started or stopped typing.
type TypingMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	IsTyping       bool   `json:"is_typing"`
}

// MarkReadMsg marks every unread message of a conversation as read.
type MarkReadMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
}

// ---------------------------------------------------------------------------
// Server -> Client
// ---------------------------------------------------------------------------

// ConnectedMsg is the first frame on a new connection.
type ConnectedMsg struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connection_id"`
	UserID       string `json:"user_id"`
}

// MessageEvent pushes a newly sent message. Data is the same denormalized
// message the sender received in its response.
type MessageEvent struct {
	Type string `json:"type"`
	From string `json:"from"`
	Data any    `json:"data"`
}

// ServerTypingMsg relays a participant's typing indicator.
type ServerTypingMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	From           string `json:"from"`
	IsTyping       bool   `json:"is_typing"`
}

// ReadMsg acknowledges a mark_read.
type ReadMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	Count          int64  `json:"count"`
}

// RateLimitedMsg tells the client to hold off for RetryAfter seconds.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retry_after"`
}

type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// Unknown and server-only types are errors.
func ParseClientMessage(data []byte) (string, any, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg any
		err error
	)
	switch env.Type {
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTyping:
		var m TypingMsg
		err = json.Unmarshal(env.Raw, &m)
		if err == nil && m.ConversationID == "" {
			err = fmt.Errorf("missing conversation_id")
		}
		msg = m
	case TypeMarkRead:
		var m MarkReadMsg
		err = json.Unmarshal(env.Raw, &m)
		if err == nil && m.ConversationID == "" {
			err = fmt.Errorf("missing conversation_id")
		}
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage encodes payload with its "type" field set to msgType.
func NewServerMessage(msgType string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}
	typ, _ := json.Marshal(msgType)
	m["type"] = typ

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}

// MustServerMessage is NewServerMessage for payloads that cannot fail to
// encode, such as the fixed structs of this package.
func MustServerMessage(msgType string, payload any) []byte {
	b, err := NewServerMessage(msgType, payload)
	if err != nil {
		panic(err)
	}
	return b
}
