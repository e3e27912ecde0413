package session

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gaja-assistant/gaja-server/internal/dispatch"
	"github.com/gaja-assistant/gaja-server/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu     sync.Mutex
	msgs   []any
	closed string
	sent   chan any
}

func newFakeConn() *fakeConn {
	return &fakeConn{sent: make(chan any, 64)}
}

func (c *fakeConn) Send(_ context.Context, msg any) error {
	c.mu.Lock()
	c.msgs = append(c.msgs, msg)
	c.mu.Unlock()
	c.sent <- msg
	return nil
}

func (c *fakeConn) Close(reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = reason
	return nil
}

func (c *fakeConn) closeReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func (c *fakeConn) next(t *testing.T) any {
	t.Helper()
	select {
	case msg := <-c.sent:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

// recordingDispatcher answers with the input text and tracks concurrency.
type recordingDispatcher struct {
	mu       sync.Mutex
	order    map[string][]string
	inFlight map[string]int
	maxSeen  map[string]int
	gate     chan struct{}
	handled  atomic.Int32
	outcome  func(in dispatch.Input) dispatch.Outcome
	contexts []map[string]any
}

func newRecordingDispatcher() *recordingDispatcher {
	return &recordingDispatcher{
		order:    map[string][]string{},
		inFlight: map[string]int{},
		maxSeen:  map[string]int{},
	}
}

func (d *recordingDispatcher) Handle(_ context.Context, in dispatch.Input) dispatch.Outcome {
	d.mu.Lock()
	d.inFlight[in.UserID]++
	d.maxSeen[in.UserID] = max(d.maxSeen[in.UserID], d.inFlight[in.UserID])
	d.order[in.UserID] = append(d.order[in.UserID], in.Text)
	d.contexts = append(d.contexts, in.Context)
	gate := d.gate
	d.mu.Unlock()

	if gate != nil {
		<-gate
	} else {
		time.Sleep(time.Millisecond)
	}

	d.mu.Lock()
	d.inFlight[in.UserID]--
	d.mu.Unlock()
	d.handled.Add(1)

	if d.outcome != nil {
		return d.outcome(in)
	}
	return dispatch.Outcome{Kind: dispatch.OutcomeAnswer, Text: "re: " + in.Text}
}

type tierTable map[string]domain.Tier

func (t tierTable) GetUser(_ context.Context, id string) (*domain.User, error) {
	tier, ok := t[id]
	if !ok {
		return nil, nil
	}
	return &domain.User{UserID: id, Tier: tier}, nil
}

func shutdown(t *testing.T, m *Manager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))
}

func TestTurnsOfOneUserAreSerializedInOrder(t *testing.T) {
	t.Parallel()
	d := newRecordingDispatcher()
	m := NewManager(d, nil, nil, Config{QueueSize: 64}, nil)
	defer shutdown(t, m)

	phone, err := m.OnConnect(context.Background(), "u1", newFakeConn())
	require.NoError(t, err)
	laptop, err := m.OnConnect(context.Background(), "u1", newFakeConn())
	require.NoError(t, err)

	var want []string
	for i := 0; i < 20; i++ {
		s := phone
		if i%2 == 1 {
			s = laptop
		}
		text := string(rune('a' + i))
		want = append(want, text)
		require.NoError(t, m.OnTurn(s, Turn{Text: text}))
	}

	require.Eventually(t, func() bool { return d.handled.Load() == 20 }, 5*time.Second, 5*time.Millisecond)
	d.mu.Lock()
	defer d.mu.Unlock()
	assert.Equal(t, want, d.order["u1"])
	assert.Equal(t, 1, d.maxSeen["u1"], "at most one turn in flight per user")
}

func TestTurnContextReachesDispatcher(t *testing.T) {
	t.Parallel()
	d := newRecordingDispatcher()
	m := NewManager(d, nil, nil, Config{}, nil)
	defer shutdown(t, m)

	s, err := m.OnConnect(context.Background(), "u1", newFakeConn())
	require.NoError(t, err)
	require.NoError(t, m.OnTurn(s, Turn{Text: "hi", Context: map[string]any{"user_name": "Ala"}}))

	require.Eventually(t, func() bool { return d.handled.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	d.mu.Lock()
	defer d.mu.Unlock()
	require.Len(t, d.contexts, 1)
	assert.Equal(t, map[string]any{"user_name": "Ala"}, d.contexts[0])
}

func TestUsersRunInParallel(t *testing.T) {
	t.Parallel()
	d := newRecordingDispatcher()
	d.gate = make(chan struct{})
	m := NewManager(d, nil, nil, Config{}, nil)
	defer shutdown(t, m)

	a, _ := m.OnConnect(context.Background(), "alice", newFakeConn())
	b, _ := m.OnConnect(context.Background(), "bob", newFakeConn())
	require.NoError(t, m.OnTurn(a, Turn{Text: "one"}))
	require.NoError(t, m.OnTurn(b, Turn{Text: "two"}))

	require.Eventually(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.inFlight["alice"] == 1 && d.inFlight["bob"] == 1
	}, 2*time.Second, 5*time.Millisecond)
	close(d.gate)
}

func TestDisconnectMidTurnDiscardsOutput(t *testing.T) {
	t.Parallel()
	d := newRecordingDispatcher()
	d.gate = make(chan struct{})
	m := NewManager(d, nil, nil, Config{}, nil)
	defer shutdown(t, m)

	conn := newFakeConn()
	s, err := m.OnConnect(context.Background(), "u1", conn)
	require.NoError(t, err)
	require.NoError(t, m.OnTurn(s, Turn{Text: "slow"}))

	require.Eventually(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.inFlight["u1"] == 1
	}, 2*time.Second, 5*time.Millisecond)

	m.OnDisconnect(s)
	close(d.gate)

	require.Eventually(t, func() bool { return d.handled.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, s.Closed())
	assert.Zero(t, conn.count(), "output of a finished turn is dropped after disconnect")
	assert.Empty(t, m.Sessions("u1"))
}

func TestDeliversAnswerAndClarification(t *testing.T) {
	t.Parallel()
	d := newRecordingDispatcher()
	d.outcome = func(in dispatch.Input) dispatch.Outcome {
		if in.Text == "weather" {
			return dispatch.Outcome{
				Kind:          dispatch.OutcomeClarification,
				Text:          "Which city?",
				Clarification: &domain.ClarificationRequest{Question: "Which city?", Context: "forecast"},
			}
		}
		return dispatch.Outcome{Kind: dispatch.OutcomeAnswer, Text: "Sunny."}
	}
	m := NewManager(d, nil, nil, Config{}, nil)
	defer shutdown(t, m)

	conn := newFakeConn()
	s, _ := m.OnConnect(context.Background(), "u1", conn)

	require.NoError(t, m.OnTurn(s, Turn{Text: "weather"}))
	assert.Equal(t, ClarificationMessage{
		Type: TypeClarificationRequest,
		Data: ClarificationData{
			Question: "Which city?",
			Context:  "forecast",
			Actions:  ClarificationActions{StopPlayback: true, StartListening: true},
		},
	}, conn.next(t))
	assert.Equal(t, domain.StatusListening, s.Status())

	require.NoError(t, m.OnTurn(s, Turn{Text: "Warsaw"}))
	assert.Equal(t, Response{Type: TypeResponse, Text: "Sunny."}, conn.next(t))
	assert.Equal(t, domain.StatusSpeaking, s.Status())
}

func TestStaleSequenceIsDropped(t *testing.T) {
	t.Parallel()
	d := newRecordingDispatcher()
	m := NewManager(d, nil, nil, Config{}, nil)
	defer shutdown(t, m)

	s, _ := m.OnConnect(context.Background(), "u1", newFakeConn())
	require.NoError(t, m.OnTurn(s, Turn{Text: "first", Seq: 5}))
	assert.ErrorIs(t, m.OnTurn(s, Turn{Text: "replayed", Seq: 5}), ErrOrderingViolation)
	assert.ErrorIs(t, m.OnTurn(s, Turn{Text: "older", Seq: 3}), ErrOrderingViolation)
	require.NoError(t, m.OnTurn(s, Turn{Text: "unnumbered"}))
	assert.EqualValues(t, 6, s.Seq())

	require.Eventually(t, func() bool { return d.handled.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
	d.mu.Lock()
	defer d.mu.Unlock()
	assert.Equal(t, []string{"first", "unnumbered"}, d.order["u1"])
}

func TestEmptyTurnRejected(t *testing.T) {
	t.Parallel()
	m := NewManager(newRecordingDispatcher(), nil, nil, Config{}, nil)
	defer shutdown(t, m)

	s, _ := m.OnConnect(context.Background(), "u1", newFakeConn())
	assert.ErrorIs(t, m.OnTurn(s, Turn{}), ErrEmptyTurn)
}

func TestRateLimitByTier(t *testing.T) {
	t.Parallel()
	limiter := NewRateLimiter(map[domain.Tier]int{domain.TierFree: 2, domain.TierPremium: 10}, time.Minute)
	users := tierTable{"paid": domain.TierPremium}
	m := NewManager(newRecordingDispatcher(), users, limiter, Config{}, nil)
	defer shutdown(t, m)

	free, err := m.OnConnect(context.Background(), "anon", newFakeConn())
	require.NoError(t, err)
	assert.Equal(t, domain.TierFree, free.Tier)
	require.NoError(t, m.OnTurn(free, Turn{Text: "1"}))
	require.NoError(t, m.OnTurn(free, Turn{Text: "2"}))
	assert.ErrorIs(t, m.OnTurn(free, Turn{Text: "3"}), ErrRateLimited)

	// A second session of the same user shares the budget.
	other, _ := m.OnConnect(context.Background(), "anon", newFakeConn())
	assert.ErrorIs(t, m.OnTurn(other, Turn{Text: "4"}), ErrRateLimited)

	paid, _ := m.OnConnect(context.Background(), "paid", newFakeConn())
	for i := 0; i < 3; i++ {
		require.NoError(t, m.OnTurn(paid, Turn{Text: "p"}))
	}
}

func TestOldestSessionEvicted(t *testing.T) {
	t.Parallel()
	m := NewManager(newRecordingDispatcher(), nil, nil, Config{MaxSessionsPerUser: 2}, nil)
	defer shutdown(t, m)

	first := newFakeConn()
	s1, _ := m.OnConnect(context.Background(), "u1", first)
	s2, _ := m.OnConnect(context.Background(), "u1", newFakeConn())
	s3, _ := m.OnConnect(context.Background(), "u1", newFakeConn())

	assert.Equal(t, []*Session{s2, s3}, m.Sessions("u1"))
	assert.True(t, s1.Closed())
	assert.NotEmpty(t, first.closeReason())

	// The evicted session's transport still reports its disconnect.
	m.OnDisconnect(s1)
	assert.Len(t, m.Sessions("u1"), 2)
}

func TestReaperClosesIdleSessions(t *testing.T) {
	t.Parallel()
	m := NewManager(newRecordingDispatcher(), nil, nil, Config{IdleTimeout: time.Minute}, nil)
	defer shutdown(t, m)

	clock := time.Now()
	m.now = func() time.Time { return clock }

	idleConn := newFakeConn()
	idle, _ := m.OnConnect(context.Background(), "sleepy", idleConn)
	clock = clock.Add(45 * time.Second)
	busy, _ := m.OnConnect(context.Background(), "busy", newFakeConn())
	clock = clock.Add(30 * time.Second)

	var released []string
	n := m.reapIdle(func(userID string) { released = append(released, userID) })

	assert.Equal(t, 1, n)
	assert.True(t, idle.Closed())
	assert.Equal(t, "idle timeout", idleConn.closeReason())
	assert.False(t, busy.Closed())
	assert.Equal(t, []string{"sleepy"}, released)

	snap := m.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "busy", snap[0].UserID)
}

func TestRunReaperStopsWithContext(t *testing.T) {
	t.Parallel()
	m := NewManager(newRecordingDispatcher(), nil, nil, Config{SweepInterval: time.Millisecond}, nil)
	defer shutdown(t, m)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.RunReaper(ctx, nil)
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop")
	}
}

func TestShutdownRejectsNewWork(t *testing.T) {
	t.Parallel()
	m := NewManager(newRecordingDispatcher(), nil, nil, Config{}, nil)
	conn := newFakeConn()
	s, _ := m.OnConnect(context.Background(), "u1", conn)

	shutdown(t, m)
	assert.True(t, s.Closed())
	assert.ErrorIs(t, m.OnTurn(s, Turn{Text: "late"}), ErrClosed)
	_, err := m.OnConnect(context.Background(), "u2", newFakeConn())
	assert.ErrorIs(t, err, ErrClosed)
}
