package executor

import (
	"container/list"
	"sync"
	"time"

	"github.com/ashita-ai/raidline/internal/ratelimit"
)

// state is the per-identifier admission window and breaker.
// All fields are guarded by mu.
type state struct {
	mu          sync.Mutex
	window      *ratelimit.Window
	failures    []time.Time // inside the trailing breaker window, oldest first
	lastFailure time.Time
	open        bool
}

// breakerOpen reports whether the breaker is open at now, resetting it once
// a full window has passed without a new failure. Callers hold mu.
func (s *state) breakerOpen(now time.Time, window time.Duration) (bool, time.Duration) {
	if !s.open {
		return false, 0
	}
	quiet := now.Sub(s.lastFailure)
	if quiet >= window {
		s.open = false
		s.failures = s.failures[:0]
		return false, 0
	}
	return true, window - quiet
}

// recordFailure adds a failure at now and opens the breaker when more than
// threshold failures fall inside window. Returns true if this call opened it.
func (s *state) recordFailure(now time.Time, window time.Duration, threshold int) bool {
	cutoff := now.Add(-window)
	i := 0
	for i < len(s.failures) && !s.failures[i].After(cutoff) {
		i++
	}
	s.failures = append(s.failures[:0], s.failures[i:]...)
	s.failures = append(s.failures, now)
	s.lastFailure = now
	if !s.open && len(s.failures) > threshold {
		s.open = true
		return true
	}
	return false
}

type entry struct {
	key        string
	st         *state
	lastAccess time.Time
}

// store is a bounded LRU of per-identifier state with inactivity eviction.
// The map mutex only covers lookup; state updates use the entry's own mutex.
type store struct {
	maxEntries int
	idle       time.Duration
	newWindow  func() *ratelimit.Window

	mu    sync.Mutex
	ll    *list.List // front = most recently used
	items map[string]*list.Element

	stopOnce sync.Once
	done     chan struct{}
}

func newStore(maxEntries int, idle time.Duration, newWindow func() *ratelimit.Window) *store {
	return &store{
		maxEntries: maxEntries,
		idle:       idle,
		newWindow:  newWindow,
		ll:         list.New(),
		items:      make(map[string]*list.Element),
		done:       make(chan struct{}),
	}
}

// get returns the state for key, creating it on first use and evicting the
// least recently used entry when the store is full.
func (s *store) get(key string, now time.Time) *state {
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.items[key]; ok {
		e := el.Value.(*entry)
		e.lastAccess = now
		s.ll.MoveToFront(el)
		return e.st
	}

	e := &entry{key: key, st: &state{window: s.newWindow()}, lastAccess: now}
	s.items[key] = s.ll.PushFront(e)
	for s.maxEntries > 0 && s.ll.Len() > s.maxEntries {
		s.removeElement(s.ll.Back())
	}
	return e.st
}

func (s *store) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ll.Len()
}

// evictIdle removes entries not accessed since now-idle. Returns the number removed.
func (s *store) evictIdle(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-s.idle)
	n := 0
	for el := s.ll.Back(); el != nil; {
		e := el.Value.(*entry)
		if e.lastAccess.After(cutoff) {
			break // list is ordered by access time
		}
		prev := el.Prev()
		s.removeElement(el)
		n++
		el = prev
	}
	return n
}

func (s *store) removeElement(el *list.Element) {
	e := s.ll.Remove(el).(*entry)
	delete(s.items, e.key)
}

// run evicts idle entries every interval until close is called.
func (s *store) run(interval time.Duration, now func() time.Time) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.evictIdle(now())
		}
	}
}

func (s *store) close() {
	s.stopOnce.Do(func() { close(s.done) })
}
