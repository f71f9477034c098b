package executor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Unix(1_700_000_000, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.BaseDelay = time.Millisecond
	cfg.MaxDelay = 5 * time.Millisecond
	cfg.RateLimitedDelay = time.Millisecond
	cfg.AttemptTimeout = time.Second
	return cfg
}

func newTestExecutor(t *testing.T, cfg Config, clock *fakeClock) *Executor {
	t.Helper()
	var opts []Option
	if clock != nil {
		opts = append(opts, WithClock(clock.Now))
	}
	e := New(cfg, testLogger(), opts...)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestExecuteSuccess(t *testing.T) {
	e := newTestExecutor(t, fastConfig(), nil)

	calls := 0
	err := e.Execute(context.Background(), "api", func(context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	s := e.Stats()
	assert.Equal(t, int64(1), s.TotalCalls)
	assert.Equal(t, int64(1), s.Successes)
	assert.Equal(t, 1, s.TrackedIdentifiers)
}

func TestTransientRetriedThenSucceeds(t *testing.T) {
	e := newTestExecutor(t, fastConfig(), nil)

	calls := 0
	err := e.Execute(context.Background(), "api", func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("connection reset")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, int64(2), e.Stats().Retries)
}

func TestTransientExhausted(t *testing.T) {
	e := newTestExecutor(t, fastConfig(), nil)
	boom := errors.New("502 bad gateway")

	calls := 0
	err := e.Execute(context.Background(), "api", func(context.Context) error {
		calls++
		return boom
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)

	var te *TransientError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 3, te.Attempts)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int64(1), e.Stats().Failures)
}

func TestPermanentNotRetried(t *testing.T) {
	e := newTestExecutor(t, fastConfig(), nil)
	notFound := errors.New("404 not found")

	calls := 0
	err := e.Execute(context.Background(), "api", func(context.Context) error {
		calls++
		return Permanent(notFound)
	})
	assert.Equal(t, 1, calls)
	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, notFound)
	assert.Zero(t, e.Stats().Retries)
}

func TestRemoteRateLimitRetriedThenSurfaced(t *testing.T) {
	e := newTestExecutor(t, fastConfig(), nil)

	calls := 0
	err := e.Execute(context.Background(), "api", func(context.Context) error {
		calls++
		return &RateLimitedError{RetryAfter: time.Millisecond}
	})
	assert.Equal(t, 3, calls)
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.True(t, IsRateLimit(err))
}

func TestBackoffSchedule(t *testing.T) {
	e := newTestExecutor(t, DefaultConfig(), nil)
	transient := errors.New("x")

	assert.Equal(t, 500*time.Millisecond, e.backoff(1, transient))
	assert.Equal(t, time.Second, e.backoff(2, transient))
	assert.Equal(t, 2*time.Second, e.backoff(3, transient))
	assert.Equal(t, 30*time.Second, e.backoff(20, transient), "capped at MaxDelay")

	assert.Equal(t, time.Second, e.backoff(1, &RateLimitedError{}), "default rate-limited delay")
	assert.Equal(t, 7*time.Second, e.backoff(1, &RateLimitedError{RetryAfter: 7 * time.Second}))
}

func TestAttemptTimeoutIsTransient(t *testing.T) {
	cfg := fastConfig()
	cfg.AttemptTimeout = 5 * time.Millisecond
	cfg.MaxAttempts = 2
	e := newTestExecutor(t, cfg, nil)

	var calls atomic.Int32
	err := e.Execute(context.Background(), "slow", func(ctx context.Context) error {
		calls.Add(1)
		<-ctx.Done()
		return ctx.Err()
	})
	assert.Equal(t, int32(2), calls.Load())
	var te *TransientError
	require.ErrorAs(t, err, &te)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAttemptTimeoutBoundsOpIgnoringContext(t *testing.T) {
	clock := newFakeClock()
	cfg := fastConfig()
	cfg.AttemptTimeout = 20 * time.Millisecond
	cfg.MaxAttempts = 1
	e := newTestExecutor(t, cfg, clock)

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	stuck := func(context.Context) error {
		<-release
		return nil
	}

	for range 6 {
		start := time.Now()
		err := e.Execute(context.Background(), "stuck", stuck)
		assert.Less(t, time.Since(start), 500*time.Millisecond)
		var te *TransientError
		require.ErrorAs(t, err, &te, "a result after the deadline is not a success")
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		clock.Advance(time.Second)
	}

	// Timeouts count toward the breaker like any transient failure.
	err := e.Execute(context.Background(), "stuck", stuck)
	assert.True(t, IsCircuitOpen(err), "got %v", err)
	assert.Equal(t, int64(6), e.Stats().Failures)
}

func TestPanickingOpIsPermanent(t *testing.T) {
	e := newTestExecutor(t, fastConfig(), nil)

	var calls atomic.Int32
	err := e.Execute(context.Background(), "boom", func(context.Context) error {
		calls.Add(1)
		panic("parse failure")
	})
	assert.True(t, IsPermanent(err))
	assert.ErrorContains(t, err, "parse failure")
	assert.Equal(t, int32(1), calls.Load())
}

func TestLocalRateLimitRejectsWithoutAttempt(t *testing.T) {
	clock := newFakeClock()
	cfg := fastConfig()
	cfg.RateLimit = 2
	cfg.RateWindow = time.Second
	e := newTestExecutor(t, cfg, clock)

	var calls atomic.Int32
	op := func(context.Context) error { calls.Add(1); return nil }

	require.NoError(t, e.Execute(context.Background(), "api", op))
	clock.Advance(200 * time.Millisecond)
	require.NoError(t, e.Execute(context.Background(), "api", op))

	clock.Advance(100 * time.Millisecond)
	err := e.Execute(context.Background(), "api", op)
	var rle *RateLimitError
	require.ErrorAs(t, err, &rle)
	assert.GreaterOrEqual(t, rle.RetryAfter, 700*time.Millisecond)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, int64(1), e.Stats().RateLimitHits)

	// Another identifier is unaffected.
	require.NoError(t, e.Execute(context.Background(), "other", op))

	// Admission resets once the window has passed.
	clock.Advance(rle.RetryAfter)
	require.NoError(t, e.Execute(context.Background(), "api", op))
}

func TestCircuitOpensAfterSixFailuresAndResets(t *testing.T) {
	clock := newFakeClock()
	cfg := fastConfig()
	cfg.MaxAttempts = 1
	e := newTestExecutor(t, cfg, clock)

	var calls atomic.Int32
	failing := func(context.Context) error { calls.Add(1); return errors.New("503") }

	for range 6 {
		err := e.Execute(context.Background(), "api", failing)
		require.Error(t, err)
		assert.False(t, IsCircuitOpen(err))
		clock.Advance(10 * time.Second)
	}
	require.Equal(t, int32(6), calls.Load())

	err := e.Execute(context.Background(), "api", failing)
	require.True(t, IsCircuitOpen(err), "got %v", err)
	assert.Equal(t, int32(6), calls.Load(), "open circuit must not attempt")
	assert.Equal(t, int64(1), e.Stats().CircuitRejections)

	// Still open just before five quiet minutes.
	clock.Advance(4*time.Minute + 40*time.Second)
	assert.True(t, IsCircuitOpen(e.Execute(context.Background(), "api", failing)))

	clock.Advance(20 * time.Second)
	var ok atomic.Bool
	require.NoError(t, e.Execute(context.Background(), "api", func(context.Context) error {
		ok.Store(true)
		return nil
	}))
	assert.True(t, ok.Load())
}

func TestFiveFailuresDoNotOpenCircuit(t *testing.T) {
	clock := newFakeClock()
	cfg := fastConfig()
	cfg.MaxAttempts = 1
	e := newTestExecutor(t, cfg, clock)

	for range 5 {
		_ = e.Execute(context.Background(), "api", func(context.Context) error { return errors.New("503") })
	}
	called := false
	require.NoError(t, e.Execute(context.Background(), "api", func(context.Context) error {
		called = true
		return nil
	}))
	assert.True(t, called)
}

func TestOldFailuresLeaveBreakerWindow(t *testing.T) {
	clock := newFakeClock()
	cfg := fastConfig()
	cfg.MaxAttempts = 1
	e := newTestExecutor(t, cfg, clock)
	fail := func(context.Context) error { return errors.New("503") }

	for range 5 {
		_ = e.Execute(context.Background(), "api", fail)
	}
	clock.Advance(6 * time.Minute)
	err := e.Execute(context.Background(), "api", fail)
	assert.False(t, IsCircuitOpen(err))

	called := false
	require.NoError(t, e.Execute(context.Background(), "api", func(context.Context) error {
		called = true
		return nil
	}))
	assert.True(t, called)
}

func TestPermanentFailuresDoNotTripBreaker(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxAttempts = 1
	e := newTestExecutor(t, cfg, nil)

	for range 10 {
		err := e.Execute(context.Background(), "api", func(context.Context) error {
			return Permanent(errors.New("400"))
		})
		require.True(t, IsPermanent(err))
	}
}

func TestCancelledContextStopsRetrying(t *testing.T) {
	cfg := fastConfig()
	cfg.BaseDelay = time.Hour
	cfg.MaxDelay = time.Hour
	e := newTestExecutor(t, cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- e.Execute(ctx, "api", func(context.Context) error {
			calls++
			return errors.New("flaky")
		})
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	case <-time.After(5 * time.Second):
		t.Fatal("Execute did not return after cancellation")
	}
}

func TestConcurrentIdentifiersIndependent(t *testing.T) {
	cfg := fastConfig()
	cfg.RateLimit = 5
	e := newTestExecutor(t, cfg, nil)

	var wg sync.WaitGroup
	var ok atomic.Int32
	for _, id := range []string{"a", "b", "c", "d"} {
		for range 5 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if e.Execute(context.Background(), id, func(context.Context) error { return nil }) == nil {
					ok.Add(1)
				}
			}()
		}
	}
	wg.Wait()
	assert.Equal(t, int32(20), ok.Load())
	assert.Equal(t, int64(20), e.Stats().Successes)
}

func TestCloseIdempotent(t *testing.T) {
	e := New(fastConfig(), testLogger())
	assert.NoError(t, e.Close())
	assert.NoError(t, e.Close())
}
