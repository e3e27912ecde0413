// Package domain contains core domain types for the Gaja assistant server.
package domain

import (
	"slices"
	"time"
)

// Tier is the service level of a user. It selects rate limits.
type Tier string

const (
	TierFree     Tier = "free"
	TierStandard Tier = "standard"
	TierPremium  Tier = "premium"
)

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	switch t {
	case TierFree, TierStandard, TierPremium:
		return true
	}
	return false
}

// User represents a user in the system with their plugin preferences.
type User struct {
	UserID         string    `json:"user_id"`
	Tier           Tier      `json:"tier"`
	EnabledPlugins []string  `json:"enabled_plugins"`
	LastSeenAt     time.Time `json:"last_seen_at"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// PluginEnabled returns true if the named plugin is enabled for the user.
func (u *User) PluginEnabled(name string) bool {
	return slices.Contains(u.EnabledPlugins, name)
}

// IdleFor returns how long the user has been inactive relative to now.
// Returns 0 if the last activity is in the future.
func (u *User) IdleFor(now time.Time) time.Duration {
	idle := now.Sub(u.LastSeenAt)
	if idle < 0 {
		return 0
	}
	return idle
}
