package client

import (
	"strings"

	"socialchat/internal/model"
)

// State is a position in the connection lifecycle:
// Idle → Connecting → Connected → (Reconnecting → Connecting)* → Disconnected.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Transport names the wire the manager talks over.
type Transport string

const (
	TransportWebSocket Transport = "websocket"
	TransportPolling   Transport = "polling"
)

// SelectTransport picks the transport for a deployment environment.
// Serverless hosts cannot hold a socket open, so they poll.
func SelectTransport(deployEnv string) Transport {
	switch strings.ToLower(strings.TrimSpace(deployEnv)) {
	case "serverless", "vercel", "lambda":
		return TransportPolling
	default:
		return TransportWebSocket
	}
}

// EventKind classifies what an observer is told about.
type EventKind int

const (
	EventState EventKind = iota
	EventMessage
	EventPresence
	EventServerError
)

// Event is delivered to every subscriber. Which fields are set depends on Kind.
type Event struct {
	Kind     EventKind
	State    State
	Err      error
	Message  model.ChatMessage
	Inserted bool
	Envelope model.Envelope
}
