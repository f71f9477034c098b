package monitor

import (
	"context"
	"sync"
	"time"
)

// Task runs fn repeatedly until stopped. The next run is scheduled interval
// after the previous one returns, so at most one run is ever in flight. The
// first run happens one interval after Start.
type Task struct {
	interval time.Duration
	fn       func(ctx context.Context)

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewTask creates a stopped task.
func NewTask(interval time.Duration, fn func(ctx context.Context)) *Task {
	return &Task{interval: interval, fn: fn, done: make(chan struct{})}
}

// Start launches the loop under a context derived from parent. The task owns
// that context; cancelling parent also stops the task. Start is a no-op after
// the first call.
func (t *Task) Start(parent context.Context) {
	t.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(parent)
		t.cancel = cancel
		go t.loop(ctx)
	})
}

// Stop cancels the pending run (or the context of the in-flight one) and
// waits for the loop to exit. Safe to call multiple times and before Start.
func (t *Task) Stop() {
	t.stopOnce.Do(func() {
		// Never started: mark done and keep Start from launching later.
		t.startOnce.Do(func() { close(t.done) })
		if t.cancel != nil {
			t.cancel()
			<-t.done
		}
	})
}

// Done is closed once the loop has exited.
func (t *Task) Done() <-chan struct{} { return t.done }

func (t *Task) loop(ctx context.Context) {
	defer close(t.done)
	timer := time.NewTimer(t.interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		t.fn(ctx)
		if ctx.Err() != nil {
			return
		}
		timer.Reset(t.interval)
	}
}
