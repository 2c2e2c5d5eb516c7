package model

import (
	"errors"
	"strings"
	"time"
)

// TimeLayout is the wire format for every timestamp the server emits.
const TimeLayout = "2006-01-02T15:04:05.000Z"

// FormatTime renders t in TimeLayout (UTC, millisecond precision).
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ErrEmptyContent is returned when a chat message has no content after trimming.
var ErrEmptyContent = errors.New("content is required")

// Identity is the authenticated principal bound to a connection or request.
type Identity struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

// Status tracks a chat message through delivery.
type Status string

const (
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
)

// ChatMessage is the data shape of a chat_message envelope.
type ChatMessage struct {
	ID         string `json:"id,omitempty"`
	Content    string `json:"content"`
	SenderID   string `json:"senderId,omitempty"`
	SenderName string `json:"senderName,omitempty"`
	Timestamp  string `json:"timestamp,omitempty"`
	Status     Status `json:"status,omitempty"`
}

// Validate checks the invariants a message must hold before it is stored.
func (m ChatMessage) Validate() error {
	if strings.TrimSpace(m.Content) == "" {
		return ErrEmptyContent
	}
	return nil
}
