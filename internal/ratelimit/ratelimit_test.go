package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWindowAdmitsUpToLimit(t *testing.T) {
	w := NewWindow(3, time.Second)
	now := time.Unix(1000, 0)

	for i := range 3 {
		ok, retry := w.Admit(now.Add(time.Duration(i) * time.Millisecond))
		assert.True(t, ok, "event %d", i)
		assert.Zero(t, retry)
	}
	assert.Equal(t, 3, w.Count(now.Add(2*time.Millisecond)))
}

func TestWindowRejectsWithRetryAfter(t *testing.T) {
	w := NewWindow(2, time.Second)
	start := time.Unix(1000, 0)

	ok, _ := w.Admit(start)
	assert.True(t, ok)
	ok, _ = w.Admit(start.Add(100 * time.Millisecond))
	assert.True(t, ok)

	at := start.Add(300 * time.Millisecond)
	ok, retry := w.Admit(at)
	assert.False(t, ok)
	// The oldest event leaves the window 700ms later.
	assert.GreaterOrEqual(t, retry, 700*time.Millisecond)
	assert.LessOrEqual(t, retry, time.Second)

	// Rejections are not recorded.
	assert.Equal(t, 2, w.Count(at))
}

func TestWindowResetsAfterWindowElapses(t *testing.T) {
	w := NewWindow(2, time.Second)
	start := time.Unix(1000, 0)

	w.Admit(start)
	w.Admit(start)
	ok, retry := w.Admit(start.Add(500 * time.Millisecond))
	assert.False(t, ok)

	ok, _ = w.Admit(start.Add(500 * time.Millisecond).Add(retry))
	assert.True(t, ok)
}

func TestWindowSlidesRatherThanResetting(t *testing.T) {
	w := NewWindow(2, time.Second)
	start := time.Unix(1000, 0)

	w.Admit(start)
	w.Admit(start.Add(900 * time.Millisecond))

	// At 1.1s the first event has left but the second is still inside.
	ok, _ := w.Admit(start.Add(1100 * time.Millisecond))
	assert.True(t, ok)
	ok, retry := w.Admit(start.Add(1200 * time.Millisecond))
	assert.False(t, ok)
	assert.Equal(t, 700*time.Millisecond, retry)
}

func TestNewWindowDefaults(t *testing.T) {
	w := NewWindow(0, 0)
	assert.Equal(t, DefaultLimit, w.Limit())
	assert.Equal(t, DefaultSize, w.Size())
}
