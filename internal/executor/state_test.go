package executor

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ashita-ai/raidline/internal/ratelimit"
)

func newTestStore(maxEntries int, idle time.Duration) *store {
	return newStore(maxEntries, idle, func() *ratelimit.Window { return ratelimit.NewWindow(10, time.Second) })
}

func TestStoreReturnsSameState(t *testing.T) {
	s := newTestStore(10, time.Minute)
	now := time.Now()
	assert.Same(t, s.get("a", now), s.get("a", now))
	assert.Equal(t, 1, s.len())
}

func TestStoreEvictsLeastRecentlyUsed(t *testing.T) {
	s := newTestStore(3, time.Hour)
	now := time.Now()

	a := s.get("a", now)
	s.get("b", now)
	s.get("c", now)
	s.get("a", now) // a becomes most recent
	s.get("d", now) // evicts b

	assert.Equal(t, 3, s.len())
	assert.Same(t, a, s.get("a", now))
	_, hasB := s.items["b"]
	assert.False(t, hasB)
}

func TestStoreEvictIdle(t *testing.T) {
	s := newTestStore(100, 30*time.Minute)
	start := time.Now()

	for i := range 5 {
		s.get(fmt.Sprintf("old-%d", i), start)
	}
	s.get("fresh", start.Add(25*time.Minute))

	removed := s.evictIdle(start.Add(31 * time.Minute))
	assert.Equal(t, 5, removed)
	assert.Equal(t, 1, s.len())
}

func TestBreakerStateTransitions(t *testing.T) {
	st := &state{window: ratelimit.NewWindow(1, time.Second)}
	now := time.Now()
	window := 5 * time.Minute

	for i := range 5 {
		assert.False(t, st.recordFailure(now.Add(time.Duration(i)*time.Second), window, 5))
	}
	assert.True(t, st.recordFailure(now.Add(5*time.Second), window, 5))

	open, wait := st.breakerOpen(now.Add(6*time.Second), window)
	assert.True(t, open)
	assert.Equal(t, window-time.Second, wait)

	open, _ = st.breakerOpen(now.Add(5*time.Second+window), window)
	assert.False(t, open)
	assert.Empty(t, st.failures)
}
