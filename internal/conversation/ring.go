package conversation

import "github.com/gaja-assistant/gaja-server/internal/domain"

// TurnRing is a fixed-capacity circular buffer of turns.
// When full, Push overwrites the oldest turn. Callers serialize access.
type TurnRing struct {
	buf  []domain.Turn
	size int
	head int // write position
	tail int // oldest turn
	full bool
}

// NewTurnRing creates a ring holding at most size turns.
func NewTurnRing(size int) *TurnRing {
	if size <= 0 {
		size = DefaultWindowSize
	}
	return &TurnRing{
		buf:  make([]domain.Turn, size),
		size: size,
	}
}

// Push appends a turn, evicting the oldest one when the ring is full.
func (r *TurnRing) Push(t domain.Turn) {
	if r.full {
		r.tail = (r.tail + 1) % r.size
	}
	r.buf[r.head] = t
	r.head = (r.head + 1) % r.size
	if r.head == r.tail {
		r.full = true
	}
}

// Len returns the number of turns held.
func (r *TurnRing) Len() int {
	if r.full {
		return r.size
	}
	if r.head >= r.tail {
		return r.head - r.tail
	}
	return (r.size - r.tail) + r.head
}

// Last returns up to n of the most recent turns, oldest first.
// The returned slice is a copy.
func (r *TurnRing) Last(n int) []domain.Turn {
	count := r.Len()
	if n <= 0 || n > count {
		n = count
	}
	out := make([]domain.Turn, n)
	start := (r.tail + count - n) % r.size
	for i := 0; i < n; i++ {
		out[i] = r.buf[(start+i)%r.size]
	}
	return out
}

// Newest returns the most recently pushed turn.
func (r *TurnRing) Newest() (domain.Turn, bool) {
	if r.Len() == 0 {
		return domain.Turn{}, false
	}
	return r.buf[(r.head-1+r.size)%r.size], true
}

// Reset clears the ring.
func (r *TurnRing) Reset() {
	clear(r.buf)
	r.head = 0
	r.tail = 0
	r.full = false
}

// Capacity returns the maximum number of turns the ring holds.
func (r *TurnRing) Capacity() int {
	return r.size
}
