package domain

import (
	"time"
)

// SessionStatus is the client-reported activity of a device.
type SessionStatus string

const (
	StatusIdle       SessionStatus = "idle"
	StatusListening  SessionStatus = "listening"
	StatusSpeaking   SessionStatus = "speaking"
	StatusProcessing SessionStatus = "processing"
)

// Valid reports whether s is a status a client may report.
func (s SessionStatus) Valid() bool {
	switch s {
	case StatusIdle, StatusListening, StatusSpeaking, StatusProcessing:
		return true
	}
	return false
}

// SessionInfo is a read-only snapshot of a live device session.
type SessionInfo struct {
	SessionID    string        `json:"session_id"`
	UserID       string        `json:"user_id"`
	Status       SessionStatus `json:"status"`
	LastMessage  string        `json:"last_message,omitempty"`
	ConnectedAt  time.Time     `json:"connected_at"`
	LastActivity time.Time     `json:"last_activity"`
	Seq          uint64        `json:"seq"`
}
