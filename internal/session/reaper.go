package session

import (
	"context"
	"time"
)

// IdleCallback is called for each user whose last session was reaped.
type IdleCallback func(userID string)

// RunReaper periodically closes sessions idle longer than the idle timeout,
// until ctx is done. Reaping never touches the conversation log.
func (m *Manager) RunReaper(ctx context.Context, onIdle IdleCallback) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	m.logger.Info("Session reaper started", "interval", m.cfg.SweepInterval, "idle_timeout", m.cfg.IdleTimeout)

	for {
		select {
		case <-ticker.C:
			m.reapIdle(onIdle)
		case <-ctx.Done():
			m.logger.Info("Session reaper shutting down", "reason", ctx.Err())
			return
		}
	}
}

func (m *Manager) reapIdle(onIdle IdleCallback) int {
	cutoff := m.now().Add(-m.cfg.IdleTimeout)

	m.mu.Lock()
	var expired []*Session
	for _, live := range m.sessions {
		for _, s := range live {
			if s.LastActivity().Before(cutoff) {
				expired = append(expired, s)
			}
		}
	}
	m.mu.Unlock()

	if len(expired) == 0 {
		return 0
	}
	m.logger.Info("Session reaper found idle sessions", "count", len(expired))

	for _, s := range expired {
		if !m.remove(s) {
			continue
		}
		m.logger.Info("Reaping idle session",
			"user_id", s.UserID,
			"session_id", s.ID,
			"idle", m.now().Sub(s.LastActivity()))
		if err := s.close("idle timeout"); err != nil {
			m.logger.Debug("Failed to close idle session", "session_id", s.ID, "error", err)
		}
		if onIdle != nil && len(m.Sessions(s.UserID)) == 0 {
			onIdle(s.UserID)
		}
	}
	return len(expired)
}
