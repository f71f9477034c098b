// Package ratelimit provides the sliding-log admission window used by the
// executor to bound outbound calls per identifier.
//
// A Window admits at most Limit events in any trailing Size interval. It
// keeps the timestamps of admitted events, so rejections can report exactly
// how long the caller must wait before the oldest event leaves the window.
package ratelimit

import "time"

// Defaults for outbound platform calls.
const (
	DefaultLimit = 30
	DefaultSize  = 1000 * time.Millisecond
)

// Window is a sliding-log rate limiter for a single key.
// It is not safe for concurrent use; callers serialize access.
type Window struct {
	limit int
	size  time.Duration
	hits  []time.Time // admitted events, oldest first
}

// NewWindow returns a window admitting limit events per size. Non-positive
// arguments fall back to DefaultLimit and DefaultSize.
func NewWindow(limit int, size time.Duration) *Window {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if size <= 0 {
		size = DefaultSize
	}
	return &Window{limit: limit, size: size, hits: make([]time.Time, 0, limit)}
}

// Admit records an event at now if the window has room. When it does not,
// Admit returns false and the time until the oldest event expires.
func (w *Window) Admit(now time.Time) (bool, time.Duration) {
	w.prune(now)
	if len(w.hits) < w.limit {
		w.hits = append(w.hits, now)
		return true, 0
	}
	retryAfter := w.hits[0].Add(w.size).Sub(now)
	if retryAfter <= 0 {
		retryAfter = time.Nanosecond
	}
	return false, retryAfter
}

// Count returns the number of events currently inside the window.
func (w *Window) Count(now time.Time) int {
	w.prune(now)
	return len(w.hits)
}

// Limit returns the configured event limit.
func (w *Window) Limit() int { return w.limit }

// Size returns the configured window length.
func (w *Window) Size() time.Duration { return w.size }

func (w *Window) prune(now time.Time) {
	cutoff := now.Add(-w.size)
	i := 0
	for i < len(w.hits) && !w.hits[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.hits = append(w.hits[:0], w.hits[i:]...)
	}
}
