// Package executor wraps every outbound platform call with per-identifier
// rate limiting, classified retries, a circuit breaker and attempt timeouts.
//
// Callers hand Execute an identifier (the endpoint or account being called)
// and an operation. The operation reports how it failed through the error it
// returns: Permanent(err) is surfaced immediately, *RateLimitedError waits for
// the server-specified delay, and anything else is treated as transient and
// retried with exponential backoff.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/raidline/internal/ratelimit"
	"github.com/ashita-ai/raidline/internal/telemetry"
)

// Config tunes an Executor. Zero fields take the defaults from DefaultConfig.
type Config struct {
	RateLimit        int
	RateWindow       time.Duration
	MaxAttempts      uint
	BaseDelay        time.Duration
	Multiplier       float64
	MaxDelay         time.Duration
	RateLimitedDelay time.Duration // used when the server gives no Retry-After
	AttemptTimeout   time.Duration
	BreakerThreshold int // breaker opens when failures in BreakerWindow exceed this
	BreakerWindow    time.Duration
	MaxIdentifiers   int
	IdleEviction     time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		RateLimit:        ratelimit.DefaultLimit,
		RateWindow:       ratelimit.DefaultSize,
		MaxAttempts:      3,
		BaseDelay:        500 * time.Millisecond,
		Multiplier:       2,
		MaxDelay:         30 * time.Second,
		RateLimitedDelay: time.Second,
		AttemptTimeout:   10 * time.Second,
		BreakerThreshold: 5,
		BreakerWindow:    5 * time.Minute,
		MaxIdentifiers:   10_000,
		IdleEviction:     30 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.RateLimit <= 0 {
		c.RateLimit = d.RateLimit
	}
	if c.RateWindow <= 0 {
		c.RateWindow = d.RateWindow
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.Multiplier < 1 {
		c.Multiplier = d.Multiplier
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.RateLimitedDelay <= 0 {
		c.RateLimitedDelay = d.RateLimitedDelay
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = d.AttemptTimeout
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = d.BreakerThreshold
	}
	if c.BreakerWindow <= 0 {
		c.BreakerWindow = d.BreakerWindow
	}
	if c.MaxIdentifiers <= 0 {
		c.MaxIdentifiers = d.MaxIdentifiers
	}
	if c.IdleEviction <= 0 {
		c.IdleEviction = d.IdleEviction
	}
	return c
}

// Stats is a snapshot of executor counters. Counters are for observability
// only; nothing in the executor branches on them.
type Stats struct {
	TotalCalls         int64 `json:"total_calls"`
	RateLimitHits      int64 `json:"rate_limit_hits"`
	Retries            int64 `json:"retries"`
	Failures           int64 `json:"failures"`
	Successes          int64 `json:"successes"`
	CircuitRejections  int64 `json:"circuit_rejections"`
	TrackedIdentifiers int   `json:"tracked_identifiers"`
}

// Option configures an Executor.
type Option func(*Executor)

// WithClock replaces time.Now for admission and breaker bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// Executor runs operations under rate limiting, retry and circuit breaking.
// Safe for concurrent use; different identifiers never contend on state.
type Executor struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
	states *store
	tracer trace.Tracer

	totalCalls        atomic.Int64
	rateLimitHits     atomic.Int64
	retries           atomic.Int64
	failures          atomic.Int64
	successes         atomic.Int64
	circuitRejections atomic.Int64

	callCounter    metric.Int64Counter
	outcomeCounter metric.Int64Counter
	retryCounter   metric.Int64Counter
}

// New creates an Executor and starts its idle-eviction goroutine. Call Close
// to stop it.
func New(cfg Config, logger *slog.Logger, opts ...Option) *Executor {
	cfg = cfg.withDefaults()
	e := &Executor{
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		tracer: telemetry.Tracer("raidline/executor"),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.states = newStore(cfg.MaxIdentifiers, cfg.IdleEviction, func() *ratelimit.Window {
		return ratelimit.NewWindow(cfg.RateLimit, cfg.RateWindow)
	})
	e.registerMetrics()

	sweep := min(cfg.IdleEviction, time.Minute)
	go e.states.run(sweep, e.now)
	return e
}

func (e *Executor) registerMetrics() {
	meter := telemetry.Meter("raidline/executor")
	e.callCounter, _ = meter.Int64Counter("raidline.executor.calls",
		metric.WithDescription("Outbound calls submitted to the executor"))
	e.outcomeCounter, _ = meter.Int64Counter("raidline.executor.outcomes",
		metric.WithDescription("Executor call outcomes by result"))
	e.retryCounter, _ = meter.Int64Counter("raidline.executor.retries",
		metric.WithDescription("Retried attempts"))
	_, _ = meter.Int64ObservableGauge("raidline.executor.tracked_identifiers",
		metric.WithDescription("Identifiers with live rate-limit and breaker state"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(e.states.len()))
			return nil
		}),
	)
}

// Close stops the eviction goroutine. Safe to call multiple times.
func (e *Executor) Close() error {
	e.states.close()
	return nil
}

// Stats returns a snapshot of the counters.
func (e *Executor) Stats() Stats {
	return Stats{
		TotalCalls:         e.totalCalls.Load(),
		RateLimitHits:      e.rateLimitHits.Load(),
		Retries:            e.retries.Load(),
		Failures:           e.failures.Load(),
		Successes:          e.successes.Load(),
		CircuitRejections:  e.circuitRejections.Load(),
		TrackedIdentifiers: e.states.len(),
	}
}

// Execute runs op for identifier. Admission happens once per call: a call
// rejected by the window or the breaker never runs op. Each attempt gets its
// own context bounded by AttemptTimeout.
func (e *Executor) Execute(ctx context.Context, identifier string, op func(ctx context.Context) error) error {
	ctx, span := e.tracer.Start(ctx, "executor.Execute",
		trace.WithAttributes(attribute.String("raidline.identifier", identifier)))
	defer span.End()

	e.totalCalls.Add(1)
	e.add(ctx, e.callCounter, identifier)

	st := e.states.get(identifier, e.now())
	if err := e.admit(st, identifier); err != nil {
		e.finish(ctx, span, identifier, "rejected", err)
		return err
	}

	attempts := 0
	err := retry.Do(
		func() error {
			attempts++
			if attempts > 1 {
				e.retries.Add(1)
				e.add(ctx, e.retryCounter, identifier)
			}
			return e.attempt(ctx, st, identifier, op)
		},
		retry.Attempts(e.cfg.MaxAttempts),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.DelayType(func(n uint, err error, _ *retry.Config) time.Duration {
			return e.backoff(n, err)
		}),
		retry.RetryIf(func(err error) bool {
			return ctx.Err() == nil && retriable(err)
		}),
		retry.OnRetry(func(n uint, err error) {
			e.logger.Debug("executor: attempt failed", "identifier", identifier, "attempt", n+1, "error", err)
		}),
	)
	if err == nil {
		e.successes.Add(1)
		e.finish(ctx, span, identifier, "success", nil)
		return nil
	}

	err = e.classify(ctx, identifier, attempts, err)
	e.failures.Add(1)
	e.finish(ctx, span, identifier, "failure", err)
	return err
}

// admit applies the breaker and the rate window. Breaker first: an open
// circuit must not consume window capacity.
func (e *Executor) admit(st *state, identifier string) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	now := e.now()
	if open, wait := st.breakerOpen(now, e.cfg.BreakerWindow); open {
		e.circuitRejections.Add(1)
		return &CircuitOpenError{Identifier: identifier, RetryAfter: wait}
	}
	if ok, wait := st.window.Admit(now); !ok {
		e.rateLimitHits.Add(1)
		return &RateLimitError{Identifier: identifier, RetryAfter: wait}
	}
	return nil
}

// attempt runs op once with a bounded context and records failures against
// the breaker.
func (e *Executor) attempt(ctx context.Context, st *state, identifier string, op func(ctx context.Context) error) error {
	st.mu.Lock()
	open, wait := st.breakerOpen(e.now(), e.cfg.BreakerWindow)
	st.mu.Unlock()
	if open {
		e.circuitRejections.Add(1)
		return &CircuitOpenError{Identifier: identifier, RetryAfter: wait}
	}

	err := e.run(ctx, op)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		// The caller gave up; not the endpoint's fault.
		return err
	}
	if IsPermanent(err) {
		return err
	}

	st.mu.Lock()
	opened := st.recordFailure(e.now(), e.cfg.BreakerWindow, e.cfg.BreakerThreshold)
	st.mu.Unlock()
	if opened {
		e.logger.Warn("executor: circuit opened", "identifier", identifier,
			"threshold", e.cfg.BreakerThreshold, "window", e.cfg.BreakerWindow)
	}
	return err
}

// run bounds one attempt by AttemptTimeout. An op that ignores its context
// is abandoned at the deadline and its late result discarded; a panic in op
// is returned as a permanent error.
func (e *Executor) run(ctx context.Context, op func(ctx context.Context) error) error {
	attemptCtx, cancel := context.WithTimeout(ctx, e.cfg.AttemptTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- Permanent(fmt.Errorf("executor: op panicked: %v", r))
			}
		}()
		done <- op(attemptCtx)
	}()

	select {
	case err := <-done:
		if err != nil && ctx.Err() == nil && !IsPermanent(err) &&
			errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("attempt timed out after %s: %w", e.cfg.AttemptTimeout, err)
		}
		return err
	case <-attemptCtx.Done():
		if err := ctx.Err(); err != nil {
			return err
		}
		return fmt.Errorf("attempt timed out after %s: %w", e.cfg.AttemptTimeout, context.DeadlineExceeded)
	}
}

// backoff returns the delay before retry n (1-based).
func (e *Executor) backoff(n uint, err error) time.Duration {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		if rl.RetryAfter > 0 {
			return rl.RetryAfter
		}
		return e.cfg.RateLimitedDelay
	}
	if n < 1 {
		n = 1
	}
	d := float64(e.cfg.BaseDelay) * math.Pow(e.cfg.Multiplier, float64(n-1))
	if d > float64(e.cfg.MaxDelay) {
		return e.cfg.MaxDelay
	}
	return time.Duration(d)
}

func retriable(err error) bool {
	return !IsPermanent(err) && !IsCircuitOpen(err)
}

// classify maps the last attempt's error onto the executor's error taxonomy.
func (e *Executor) classify(ctx context.Context, identifier string, attempts int, err error) error {
	var (
		circuit *CircuitOpenError
		perm    *PermanentError
		rl      *RateLimitedError
	)
	switch {
	case errors.As(err, &circuit), errors.As(err, &perm):
		return err
	case ctx.Err() != nil:
		return fmt.Errorf("executor: %s: %w", identifier, ctx.Err())
	case errors.As(err, &rl):
		return fmt.Errorf("executor: %s: %w after %d attempts: %w", identifier, ErrRateLimited, attempts, err)
	default:
		return &TransientError{Identifier: identifier, Attempts: attempts, Err: err}
	}
}

func (e *Executor) add(ctx context.Context, c metric.Int64Counter, identifier string, attrs ...attribute.KeyValue) {
	if c == nil {
		return
	}
	attrs = append(attrs, attribute.String("identifier", identifier))
	c.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (e *Executor) finish(ctx context.Context, span trace.Span, identifier, result string, err error) {
	e.add(ctx, e.outcomeCounter, identifier, attribute.String("result", result))
	span.SetAttributes(attribute.String("raidline.result", result))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
