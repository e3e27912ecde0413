// Package session owns live client sessions and serializes the turns of each
// user through a per-user mailbox.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gaja-assistant/gaja-server/internal/dispatch"
	"github.com/gaja-assistant/gaja-server/internal/domain"
	"github.com/gaja-assistant/gaja-server/internal/metrics"
	"github.com/google/uuid"
)

var (
	// ErrOrderingViolation means a turn arrived with a stale sequence number.
	ErrOrderingViolation = errors.New("session ordering violation")
	// ErrRateLimited means the user exceeded the request budget of their tier.
	ErrRateLimited = errors.New("rate limit exceeded")
	// ErrQueueFull means the user's mailbox cannot take more turns.
	ErrQueueFull = errors.New("turn queue full")
	// ErrEmptyTurn means a query carried no text.
	ErrEmptyTurn = errors.New("empty query")
	// ErrClosed means the manager is shutting down.
	ErrClosed = errors.New("session manager closed")
)

// Dispatcher runs one user turn to its outcome.
type Dispatcher interface {
	Handle(ctx context.Context, in dispatch.Input) dispatch.Outcome
}

// UserSource resolves a user's tier at connect time.
type UserSource interface {
	GetUser(ctx context.Context, userID string) (*domain.User, error)
}

// Config tunes the manager.
type Config struct {
	IdleTimeout        time.Duration
	SweepInterval      time.Duration
	MaxSessionsPerUser int
	QueueSize          int
	SendTimeout        time.Duration
}

// Turn is one query from a session.
type Turn struct {
	Text    string
	Context map[string]any
	Seq     uint64
}

type job struct {
	session *Session
	turn    Turn
	queued  time.Time
}

type mailbox struct {
	jobs chan job
}

// Manager tracks sessions and feeds each user's turns, in order, to the
// dispatcher. At most one turn per user is in flight.
type Manager struct {
	dispatcher Dispatcher
	users      UserSource
	limiter    *RateLimiter
	cfg        Config
	logger     *slog.Logger
	now        func() time.Time

	mu        sync.Mutex
	sessions  map[string][]*Session
	mailboxes map[string]*mailbox
	closed    bool
	workers   sync.WaitGroup
}

// NewManager creates a manager. limiter may be nil to disable rate limiting.
func NewManager(dispatcher Dispatcher, users UserSource, limiter *RateLimiter, cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.MaxSessionsPerUser <= 0 {
		cfg.MaxSessionsPerUser = 3
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 16
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 5 * time.Second
	}
	return &Manager{
		dispatcher: dispatcher,
		users:      users,
		limiter:    limiter,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
		sessions:   make(map[string][]*Session),
		mailboxes:  make(map[string]*mailbox),
	}
}

// OnConnect registers a new session for userID. When the user already has
// the maximum number of sessions, the oldest one is closed.
func (m *Manager) OnConnect(ctx context.Context, userID string, conn Conn) (*Session, error) {
	tier := domain.TierFree
	if m.users != nil {
		user, err := m.users.GetUser(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("load user: %w", err)
		}
		if user != nil && user.Tier.Valid() {
			tier = user.Tier
		}
	}

	s := newSession(uuid.NewString(), userID, tier, conn, m.now())

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	var evicted *Session
	live := m.sessions[userID]
	if len(live) >= m.cfg.MaxSessionsPerUser {
		evicted, live = live[0], live[1:]
	}
	if len(live) == 0 && evicted == nil {
		metrics.ActiveUsers.Inc()
	}
	m.sessions[userID] = append(live, s)
	m.mu.Unlock()

	metrics.ActiveSessions.Inc()
	if evicted != nil {
		metrics.ActiveSessions.Dec()
		m.logger.Info("Evicting oldest session", "user_id", userID, "session_id", evicted.ID)
		if err := evicted.close("replaced by a newer session"); err != nil {
			m.logger.Debug("Failed to close evicted session", "session_id", evicted.ID, "error", err)
		}
	}

	m.logger.Info("Session connected", "user_id", userID, "session_id", s.ID, "tier", tier)
	return s, nil
}

// OnDisconnect removes a session. Turns it queued still run; their output
// is discarded.
func (m *Manager) OnDisconnect(s *Session) {
	if m.remove(s) {
		m.logger.Info("Session disconnected", "user_id", s.UserID, "session_id", s.ID)
	}
	_ = s.close("disconnected")
}

func (m *Manager) remove(s *Session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	live := m.sessions[s.UserID]
	for i, cur := range live {
		if cur != s {
			continue
		}
		live = append(live[:i:i], live[i+1:]...)
		if len(live) == 0 {
			delete(m.sessions, s.UserID)
			metrics.ActiveUsers.Dec()
		} else {
			m.sessions[s.UserID] = live
		}
		metrics.ActiveSessions.Dec()
		return true
	}
	return false
}

// OnTurn validates a query and queues it on the user's mailbox. Stale
// sequence numbers are dropped with ErrOrderingViolation.
func (m *Manager) OnTurn(s *Session, t Turn) error {
	s.Touch(m.now())
	if t.Text == "" {
		return ErrEmptyTurn
	}

	seq, ok := s.advance(t.Seq)
	if !ok {
		metrics.OrderingViolations.Inc()
		m.logger.Warn("SessionOrderingViolation: dropping stale turn",
			"user_id", s.UserID, "session_id", s.ID, "seq", t.Seq, "last_seq", seq)
		return ErrOrderingViolation
	}
	t.Seq = seq

	if m.limiter != nil && !m.limiter.Allow(s.UserID, s.Tier) {
		metrics.RateLimited.Inc()
		m.logger.Warn("Rate limit exceeded", "user_id", s.UserID, "tier", s.Tier)
		return ErrRateLimited
	}

	return m.enqueue(job{session: s, turn: t, queued: m.now()})
}

func (m *Manager) enqueue(j job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	userID := j.session.UserID
	mb, ok := m.mailboxes[userID]
	if !ok {
		mb = &mailbox{jobs: make(chan job, m.cfg.QueueSize)}
		m.mailboxes[userID] = mb
		m.workers.Add(1)
		go m.drain(userID, mb)
	}

	select {
	case mb.jobs <- j:
		return nil
	default:
		return ErrQueueFull
	}
}

// drain processes a user's turns one at a time and exits once the mailbox
// is empty. Enqueue and exit both hold m.mu, so no turn is stranded.
func (m *Manager) drain(userID string, mb *mailbox) {
	defer m.workers.Done()
	for {
		select {
		case j := <-mb.jobs:
			m.process(j)
		default:
			m.mu.Lock()
			if len(mb.jobs) == 0 {
				delete(m.mailboxes, userID)
				m.mu.Unlock()
				return
			}
			m.mu.Unlock()
		}
	}
}

func (m *Manager) process(j job) {
	s := j.session
	start := m.now()
	s.SetStatus(domain.StatusProcessing, "")

	// The turn runs to completion even when the session disconnects.
	out := m.dispatcher.Handle(context.Background(), dispatch.Input{
		UserID:    s.UserID,
		SessionID: s.ID,
		Text:      j.turn.Text,
		Context:   j.turn.Context,
	})

	m.logger.Info("Turn completed",
		"user_id", s.UserID,
		"session_id", s.ID,
		"seq", j.turn.Seq,
		"outcome", out.Kind,
		"provider", out.Provider,
		"cycles", out.Cycles,
		"waited", start.Sub(j.queued),
	)

	var msg any
	switch out.Kind {
	case dispatch.OutcomeClarification:
		s.SetStatus(domain.StatusListening, out.Text)
		msg = ClarificationMessage{
			Type: TypeClarificationRequest,
			Data: ClarificationData{
				Question: out.Clarification.Question,
				Context:  out.Clarification.Context,
				Actions:  ClarificationActions{StopPlayback: true, StartListening: true},
			},
		}
	default:
		s.SetStatus(domain.StatusSpeaking, out.Text)
		msg = Response{Type: TypeResponse, Text: out.Text}
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.SendTimeout)
	defer cancel()
	if err := s.Send(ctx, msg); err != nil {
		m.logger.Warn("Failed to deliver turn outcome", "user_id", s.UserID, "session_id", s.ID, "error", err)
	}
}

// Sessions returns the live sessions of a user, oldest first.
func (m *Manager) Sessions(userID string) []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, len(m.sessions[userID]))
	copy(out, m.sessions[userID])
	return out
}

// Snapshot describes every live session, ordered by user and connect time.
func (m *Manager) Snapshot() []domain.SessionInfo {
	m.mu.Lock()
	var all []*Session
	for _, live := range m.sessions {
		all = append(all, live...)
	}
	m.mu.Unlock()

	out := make([]domain.SessionInfo, 0, len(all))
	for _, s := range all {
		out = append(out, s.Info())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

// Broadcast sends msg to every live session of a user.
func (m *Manager) Broadcast(ctx context.Context, userID string, msg any) {
	for _, s := range m.Sessions(userID) {
		if err := s.Send(ctx, msg); err != nil {
			m.logger.Debug("Broadcast failed", "user_id", userID, "session_id", s.ID, "error", err)
		}
	}
}

// Shutdown closes every session and waits for in-flight turns to finish or
// ctx to expire.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	var all []*Session
	for userID, live := range m.sessions {
		all = append(all, live...)
		delete(m.sessions, userID)
		metrics.ActiveUsers.Dec()
	}
	m.mu.Unlock()

	for _, s := range all {
		metrics.ActiveSessions.Dec()
		_ = s.close("server shutting down")
	}

	done := make(chan struct{})
	go func() {
		m.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
