package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gaja-assistant/gaja-server/internal/domain"
)

// Conn is the client connection behind a session.
type Conn interface {
	Send(ctx context.Context, msg any) error
	Close(reason string) error
}

// Session is one live connection of a user. All sessions of a user share the
// same conversation.
type Session struct {
	ID          string
	UserID      string
	Tier        domain.Tier
	ConnectedAt time.Time

	conn     Conn
	sendMu   sync.Mutex
	closed   atomic.Bool
	seq      atomic.Uint64
	activity atomic.Int64

	mu          sync.Mutex
	status      domain.SessionStatus
	lastMessage string
}

func newSession(id, userID string, tier domain.Tier, conn Conn, now time.Time) *Session {
	s := &Session{
		ID:          id,
		UserID:      userID,
		Tier:        tier,
		ConnectedAt: now,
		conn:        conn,
		status:      domain.StatusIdle,
	}
	s.activity.Store(now.UnixNano())
	return s
}

// Send writes msg to the client. It is a no-op once the session is closed,
// which discards the output of turns that outlive their connection.
func (s *Session) Send(ctx context.Context, msg any) error {
	if s.closed.Load() {
		return nil
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.closed.Load() {
		return nil
	}
	return s.conn.Send(ctx, msg)
}

// Closed reports whether the session has ended.
func (s *Session) Closed() bool {
	return s.closed.Load()
}

func (s *Session) close(reason string) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.conn.Close(reason)
}

// Touch records client activity.
func (s *Session) Touch(now time.Time) {
	s.activity.Store(now.UnixNano())
}

// LastActivity returns the time of the last client message.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.activity.Load())
}

// Seq returns the highest turn sequence number seen.
func (s *Session) Seq() uint64 {
	return s.seq.Load()
}

// advance accepts seq if it is newer than every earlier one. A zero seq is
// assigned the next number.
func (s *Session) advance(seq uint64) (uint64, bool) {
	for {
		last := s.seq.Load()
		if seq == 0 {
			if s.seq.CompareAndSwap(last, last+1) {
				return last + 1, true
			}
			continue
		}
		if seq <= last {
			return last, false
		}
		if s.seq.CompareAndSwap(last, seq) {
			return seq, true
		}
	}
}

// SetStatus records the overlay status reported by the client or the server.
func (s *Session) SetStatus(status domain.SessionStatus, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
	s.lastMessage = message
}

// Status returns the current overlay status.
func (s *Session) Status() domain.SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Info returns a snapshot for the status API.
func (s *Session) Info() domain.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.SessionInfo{
		SessionID:    s.ID,
		UserID:       s.UserID,
		Status:       s.status,
		LastMessage:  s.lastMessage,
		ConnectedAt:  s.ConnectedAt,
		LastActivity: s.LastActivity(),
		Seq:          s.Seq(),
	}
}
