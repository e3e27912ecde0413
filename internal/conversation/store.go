// Package conversation keeps the ordered, append-only turn log of each user
// and serves the bounded context window sent to model providers.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gaja-assistant/gaja-server/internal/domain"
	"github.com/google/uuid"
)

// DefaultWindowSize is the number of turns sent to a provider.
const DefaultWindowSize = 20

// TurnRepository is the durable side of the store.
type TurnRepository interface {
	AppendTurn(ctx context.Context, turn domain.Turn) error
	ReadWindow(ctx context.Context, userID string, limit int) ([]domain.Turn, error)
	ReadAll(ctx context.Context, userID string) ([]domain.Turn, error)
}

// ErrMissingUser is returned when a turn has no user.
var ErrMissingUser = errors.New("turn has no user id")

type userWindow struct {
	mu     sync.Mutex
	ring   *TurnRing
	loaded bool
}

// Store appends turns durably and mirrors the newest ones in memory.
type Store struct {
	repo     TurnRepository
	capacity int
	logger   *slog.Logger

	mu      sync.Mutex
	windows map[string]*userWindow
}

// NewStore creates a store whose in-memory window holds capacity turns per user.
func NewStore(repo TurnRepository, capacity int, logger *slog.Logger) *Store {
	if capacity <= 0 {
		capacity = DefaultWindowSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		repo:     repo,
		capacity: capacity,
		logger:   logger,
		windows:  make(map[string]*userWindow),
	}
}

// Capacity returns the in-memory window size.
func (s *Store) Capacity() int {
	return s.capacity
}

func (s *Store) window(userID string) *userWindow {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.windows[userID]
	if !ok {
		w = &userWindow{ring: NewTurnRing(s.capacity)}
		s.windows[userID] = w
	}
	return w
}

// hydrate loads the newest turns from durable storage. Caller holds w.mu.
func (s *Store) hydrate(ctx context.Context, userID string, w *userWindow) error {
	if w.loaded {
		return nil
	}
	turns, err := s.repo.ReadWindow(ctx, userID, s.capacity)
	if err != nil {
		return fmt.Errorf("hydrate window for %s: %w", userID, err)
	}
	w.ring.Reset()
	for _, t := range turns {
		w.ring.Push(t)
	}
	w.loaded = true
	return nil
}

// Append persists a turn and returns it with its ID and timestamp assigned.
// Timestamps are strictly increasing per user.
func (s *Store) Append(ctx context.Context, turn domain.Turn) (domain.Turn, error) {
	if turn.UserID == "" {
		return domain.Turn{}, ErrMissingUser
	}

	w := s.window(turn.UserID)
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := s.hydrate(ctx, turn.UserID, w); err != nil {
		return domain.Turn{}, err
	}

	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	now := time.Now()
	if last, ok := w.ring.Newest(); ok && !now.After(last.CreatedAt) {
		now = last.CreatedAt.Add(time.Nanosecond)
	}
	turn.CreatedAt = now

	if err := s.repo.AppendTurn(ctx, turn); err != nil {
		return domain.Turn{}, fmt.Errorf("append turn: %w", err)
	}
	w.ring.Push(turn)
	return turn, nil
}

// Window returns the most recent limit turns in original order.
// A non-positive limit means the store capacity.
func (s *Store) Window(ctx context.Context, userID string, limit int) ([]domain.Turn, error) {
	if limit <= 0 {
		limit = s.capacity
	}
	if limit > s.capacity {
		turns, err := s.repo.ReadWindow(ctx, userID, limit)
		if err != nil {
			return nil, fmt.Errorf("read window: %w", err)
		}
		return turns, nil
	}

	w := s.window(userID)
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := s.hydrate(ctx, userID, w); err != nil {
		return nil, err
	}
	return w.ring.Last(limit), nil
}

// Full returns the complete conversation from durable storage.
func (s *Store) Full(ctx context.Context, userID string) ([]domain.Turn, error) {
	turns, err := s.repo.ReadAll(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("read conversation: %w", err)
	}
	return turns, nil
}

// Forget drops the in-memory window of a user. The durable log is untouched.
func (s *Store) Forget(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.windows, userID)
	s.logger.Debug("Conversation window released", "user_id", userID)
}
