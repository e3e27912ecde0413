// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/gaja-assistant/gaja-server/internal/domain"
)

// Repository defines the interface for persisting users and conversations.
type Repository interface {
	// GetUser retrieves a user by their user ID. Returns nil, nil when absent.
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// UpsertUser creates or updates a user record.
	UpsertUser(ctx context.Context, user *domain.User) error

	// UpdateLastSeen updates the last_seen_at timestamp for a user.
	UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error

	// SetPluginEnabled enables or disables a plugin for a user and returns
	// the resulting enabled set.
	SetPluginEnabled(ctx context.Context, userID, plugin string, enabled bool) ([]string, error)

	// AppendTurn durably appends a turn to the user's conversation.
	AppendTurn(ctx context.Context, turn domain.Turn) error

	// ReadWindow returns the most recent limit turns in chronological order.
	ReadWindow(ctx context.Context, userID string, limit int) ([]domain.Turn, error)

	// ReadAll returns the full conversation in chronological order.
	ReadAll(ctx context.Context, userID string) ([]domain.Turn, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
