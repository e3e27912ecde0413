package domain

import "time"

// ClarificationRequest is a pending question the assistant asked the user.
// It is resolved by the user's next turn.
type ClarificationRequest struct {
	Question  string    `json:"question"`
	Context   string    `json:"context,omitempty"`
	TurnID    string    `json:"turn_id"`
	CreatedAt time.Time `json:"created_at"`
}
