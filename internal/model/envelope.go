package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Type is the discriminator carried in every envelope.
type Type string

const (
	TypeConnectionAck Type = "connection_ack"
	TypeUserOnline    Type = "user_online"
	TypeUserOffline   Type = "user_offline"
	TypeHeartbeat     Type = "heartbeat"
	TypeHeartbeatAck  Type = "heartbeat_ack"
	TypeChatMessage   Type = "chat_message"
	TypeEcho          Type = "echo"
	TypeError         Type = "error"
)

// ErrMalformedEnvelope is returned when a frame cannot be read as {type, data}.
var ErrMalformedEnvelope = errors.New("malformed envelope")

// Envelope is the wire unit: {"type": "...", "data": {...}}.
type Envelope struct {
	Type Type            `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Payload is implemented by every known data shape. The set is closed:
// Decode only ever returns the types declared in this file.
type Payload interface {
	EnvelopeType() Type
}

type ConnectionAck struct {
	Message      string `json:"message"`
	ConnectionID string `json:"clientId"`
	Timestamp    string `json:"timestamp"`
}

type UserOnline struct {
	UserID    string `json:"userId"`
	UserName  string `json:"userName"`
	Timestamp string `json:"timestamp"`
}

type UserOffline struct {
	UserID    string `json:"userId"`
	Timestamp string `json:"timestamp"`
}

type Heartbeat struct {
	Timestamp string `json:"timestamp,omitempty"`
}

type HeartbeatAck struct {
	Timestamp string `json:"timestamp"`
}

// Echo wraps a frame whose type the server does not act on.
type Echo struct {
	OriginalMessage json.RawMessage `json:"originalMessage"`
	Timestamp       string          `json:"timestamp"`
}

type ErrorPayload struct {
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// Unrecognized holds a well-formed envelope whose type has no payload shape.
type Unrecognized struct {
	Type Type
	Raw  json.RawMessage
}

func (ConnectionAck) EnvelopeType() Type  { return TypeConnectionAck }
func (UserOnline) EnvelopeType() Type     { return TypeUserOnline }
func (UserOffline) EnvelopeType() Type    { return TypeUserOffline }
func (Heartbeat) EnvelopeType() Type      { return TypeHeartbeat }
func (HeartbeatAck) EnvelopeType() Type   { return TypeHeartbeatAck }
func (ChatMessage) EnvelopeType() Type    { return TypeChatMessage }
func (Echo) EnvelopeType() Type           { return TypeEcho }
func (ErrorPayload) EnvelopeType() Type   { return TypeError }
func (u Unrecognized) EnvelopeType() Type { return u.Type }

// Wrap builds the envelope for p.
func Wrap(p Payload) (Envelope, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", p.EnvelopeType(), err)
	}
	return Envelope{Type: p.EnvelopeType(), Data: data}, nil
}

// MustWrap is Wrap for payloads that cannot fail to marshal.
func MustWrap(p Payload) Envelope {
	env, err := Wrap(p)
	if err != nil {
		panic(err)
	}
	return env
}

// Marshal wraps p and encodes it to its wire form.
func Marshal(p Payload) ([]byte, error) {
	env, err := Wrap(p)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// ParseEnvelope reads the outer {type, data} shape of a frame.
func ParseEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformedEnvelope)
	}
	return env, nil
}

// Decode returns the typed payload for env. Types without a payload shape
// come back as Unrecognized rather than an error.
func (env Envelope) Decode() (Payload, error) {
	switch env.Type {
	case TypeConnectionAck:
		return decodeAs[ConnectionAck](env)
	case TypeUserOnline:
		return decodeAs[UserOnline](env)
	case TypeUserOffline:
		return decodeAs[UserOffline](env)
	case TypeHeartbeat:
		return decodeAs[Heartbeat](env)
	case TypeHeartbeatAck:
		return decodeAs[HeartbeatAck](env)
	case TypeChatMessage:
		return decodeAs[ChatMessage](env)
	case TypeEcho:
		return decodeAs[Echo](env)
	case TypeError:
		return decodeAs[ErrorPayload](env)
	default:
		return Unrecognized{Type: env.Type, Raw: env.Data}, nil
	}
}

func decodeAs[T Payload](env Envelope) (Payload, error) {
	var p T
	data := bytes.TrimSpace(env.Data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return p, nil
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %s data: %v", ErrMalformedEnvelope, env.Type, err)
	}
	return p, nil
}

// ParseFrame is ParseEnvelope followed by Decode.
func ParseFrame(raw []byte) (Envelope, Payload, error) {
	env, err := ParseEnvelope(raw)
	if err != nil {
		return Envelope{}, nil, err
	}
	p, err := env.Decode()
	if err != nil {
		return env, nil, err
	}
	return env, p, nil
}
