// Package monitor polls public engagement metrics for raid targets and
// records immutable snapshots.
//
// Each monitored target runs its own Task: fetch through the executor using
// the authenticated platform handle, then append the snapshot to memory, the
// optional JSONL log and the optional durable store. Failures are logged and
// counted but never surfaced to the caller; a target that keeps failing is
// reported unhealthy while polling continues.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/raidline/internal/model"
	"github.com/ashita-ai/raidline/internal/platform"
	"github.com/ashita-ai/raidline/internal/storage"
	"github.com/ashita-ai/raidline/internal/telemetry"
)

// ErrAlreadyMonitoring is returned by Start for a target that is running.
var ErrAlreadyMonitoring = errors.New("monitor: already monitoring")

const (
	DefaultInterval       = 30 * time.Second
	DefaultHistoryLimit   = 10_000
	DefaultUnhealthyAfter = 3
	defaultIdentifier     = "platform-metrics"
)

// HandleFunc returns the authenticated platform client, authenticating
// lazily on first use.
type HandleFunc func(ctx context.Context) (platform.Client, error)

// Runner executes outbound calls.
type Runner interface {
	Execute(ctx context.Context, identifier string, op func(ctx context.Context) error) error
}

// Config configures a Monitor.
type Config struct {
	// Dir holds one <target>.jsonl file per target. Empty disables the log.
	Dir string
	// Identifier is the executor identifier for metric fetches.
	Identifier     string
	HistoryLimit   int
	UnhealthyAfter int
	Now            func() time.Time
	// Reauthenticate replaces a handle the platform rejected as
	// unauthorized. It is tried once per poll; nil leaves the failure as is.
	Reauthenticate HandleFunc
}

// Status is the observable state of one monitored target.
type Status struct {
	TargetID            string           `json:"target_id"`
	Link                string           `json:"link"`
	Interval            time.Duration    `json:"interval"`
	Running             bool             `json:"running"`
	Healthy             bool             `json:"healthy"`
	ConsecutiveFailures int              `json:"consecutive_failures"`
	LastError           string           `json:"last_error,omitempty"`
	Last                *model.Snapshot  `json:"last,omitempty"`
	History             []model.Snapshot `json:"history"`
}

// Monitor owns snapshot polling for any number of targets.
type Monitor struct {
	handle HandleFunc
	runner Runner
	store  storage.SnapshotStore
	log    *jsonlLog
	cfg    Config
	logger *slog.Logger

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu      sync.Mutex
	targets map[string]*target
	latest  map[string]model.Snapshot

	tickCounter metric.Int64Counter
}

type target struct {
	id       string
	link     string
	interval time.Duration
	task     *Task

	mu       sync.Mutex
	history  []model.Snapshot
	failures int
	lastErr  string
}

// New creates a Monitor. store may be nil.
func New(handle HandleFunc, runner Runner, store storage.SnapshotStore, cfg Config, logger *slog.Logger) (*Monitor, error) {
	if cfg.Identifier == "" {
		cfg.Identifier = defaultIdentifier
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	if cfg.UnhealthyAfter <= 0 {
		cfg.UnhealthyAfter = DefaultUnhealthyAfter
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	m := &Monitor{
		handle:  handle,
		runner:  runner,
		store:   store,
		cfg:     cfg,
		logger:  logger,
		targets: make(map[string]*target),
		latest:  make(map[string]model.Snapshot),
	}
	if cfg.Dir != "" {
		log, err := newJSONLLog(cfg.Dir)
		if err != nil {
			return nil, err
		}
		m.log = log
	}
	m.baseCtx, m.baseCancel = context.WithCancel(context.Background())

	meter := telemetry.Meter("raidline/monitor")
	m.tickCounter, _ = meter.Int64Counter("raidline.monitor.ticks",
		metric.WithDescription("Snapshot polls by outcome"))
	_, _ = meter.Int64ObservableGauge("raidline.monitor.targets",
		metric.WithDescription("Targets currently monitored"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			m.mu.Lock()
			n := len(m.targets)
			m.mu.Unlock()
			o.Observe(int64(n))
			return nil
		}),
	)
	return m, nil
}

// Start begins polling targetID every interval (DefaultInterval when zero).
// Starting a running target returns ErrAlreadyMonitoring and changes nothing.
func (m *Monitor) Start(targetID, link string, interval time.Duration) error {
	if err := validTargetID(targetID); err != nil {
		return err
	}
	if interval <= 0 {
		interval = DefaultInterval
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.baseCtx.Err() != nil {
		return errors.New("monitor: closed")
	}
	if _, ok := m.targets[targetID]; ok {
		return fmt.Errorf("monitor: %s: %w", targetID, ErrAlreadyMonitoring)
	}
	t := &target{id: targetID, link: link, interval: interval}
	t.task = NewTask(interval, func(ctx context.Context) { m.tick(ctx, t) })
	m.targets[targetID] = t
	t.task.Start(m.baseCtx)

	m.logger.Info("monitor: started", "target_id", targetID, "link", link, "interval", interval)
	return nil
}

// Stop cancels polling for targetID and drops its tracking state. It waits
// for an in-flight poll to return. Returns false if the target was not running.
func (m *Monitor) Stop(targetID string) bool {
	m.mu.Lock()
	t, ok := m.targets[targetID]
	delete(m.targets, targetID)
	m.mu.Unlock()
	if !ok {
		return false
	}
	t.task.Stop()
	m.logger.Info("monitor: stopped", "target_id", targetID)
	return true
}

// StopAll stops every target.
func (m *Monitor) StopAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.targets))
	for id := range m.targets {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.Stop(id)
	}
}

// Close stops every target and refuses new ones.
func (m *Monitor) Close() {
	m.mu.Lock()
	m.baseCancel()
	m.mu.Unlock()
	m.StopAll()
}

// Targets lists the running target IDs.
func (m *Monitor) Targets() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.targets))
	for id := range m.targets {
		ids = append(ids, id)
	}
	return ids
}

// Status reports the state of a running target.
func (m *Monitor) Status(targetID string) (Status, bool) {
	m.mu.Lock()
	t, ok := m.targets[targetID]
	m.mu.Unlock()
	if !ok {
		return Status{TargetID: targetID}, false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	st := Status{
		TargetID:            t.id,
		Link:                t.link,
		Interval:            t.interval,
		Running:             true,
		Healthy:             t.failures < m.cfg.UnhealthyAfter,
		ConsecutiveFailures: t.failures,
		LastError:           t.lastErr,
		History:             append([]model.Snapshot(nil), t.history...),
	}
	if n := len(t.history); n > 0 {
		last := t.history[n-1]
		st.Last = &last
	}
	return st, true
}

// Latest returns the most recent snapshot recorded for targetID, including
// targets that have since been stopped.
func (m *Monitor) Latest(targetID string) (model.Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.latest[targetID]
	return s, ok
}

// History returns durable snapshots for targetID, oldest first. Without a
// durable store it falls back to the in-memory history of a running target.
func (m *Monitor) History(ctx context.Context, targetID string) ([]model.Snapshot, error) {
	if m.store != nil {
		snaps, err := m.store.ListSnapshots(ctx, targetID)
		if err != nil {
			return nil, fmt.Errorf("monitor: history %s: %w", targetID, err)
		}
		return snaps, nil
	}
	st, _ := m.Status(targetID)
	return st.History, nil
}

func (m *Monitor) tick(ctx context.Context, t *target) {
	defer func() {
		if r := recover(); r != nil {
			m.fail(ctx, t, fmt.Errorf("poll panicked: %v", r))
		}
	}()

	client, err := m.handle(ctx)
	if err != nil {
		m.fail(ctx, t, fmt.Errorf("authenticate: %w", err))
		return
	}

	metrics, err := m.fetch(ctx, client, t.id)
	if errors.Is(err, platform.ErrUnauthorized) && m.cfg.Reauthenticate != nil {
		m.logger.Warn("monitor: session rejected, re-authenticating", "target_id", t.id, "error", err)
		client, rerr := m.cfg.Reauthenticate(ctx)
		if rerr != nil {
			m.fail(ctx, t, fmt.Errorf("re-authenticate: %w", rerr))
			return
		}
		metrics, err = m.fetch(ctx, client, t.id)
	}
	if err != nil {
		m.fail(ctx, t, err)
		return
	}

	snap := metrics.Snapshot(t.id, t.link, m.cfg.Now())
	m.record(ctx, t, snap)
	m.count(ctx, "ok")
}

func (m *Monitor) fetch(ctx context.Context, client platform.Client, targetID string) (model.Metrics, error) {
	var metrics model.Metrics
	err := m.runner.Execute(ctx, m.cfg.Identifier, func(ctx context.Context) error {
		var err error
		metrics, err = client.FetchMetrics(ctx, targetID)
		return err
	})
	return metrics, err
}

func (m *Monitor) record(ctx context.Context, t *target, snap model.Snapshot) {
	t.mu.Lock()
	t.history = append(t.history, snap)
	if over := len(t.history) - m.cfg.HistoryLimit; over > 0 {
		t.history = append([]model.Snapshot(nil), t.history[over:]...)
	}
	recovered := t.failures >= m.cfg.UnhealthyAfter
	t.failures = 0
	t.lastErr = ""
	t.mu.Unlock()

	m.mu.Lock()
	m.latest[t.id] = snap
	m.mu.Unlock()

	if recovered {
		m.logger.Info("monitor: target recovered", "target_id", t.id)
	}
	if m.log != nil {
		if err := m.log.append(snap); err != nil {
			m.logger.Warn("monitor: append snapshot log", "target_id", t.id, "error", err)
		}
	}
	if m.store != nil {
		if err := m.store.AppendSnapshot(ctx, snap); err != nil {
			m.logger.Warn("monitor: persist snapshot", "target_id", t.id, "error", err)
		}
	}
}

func (m *Monitor) fail(ctx context.Context, t *target, err error) {
	if ctx.Err() != nil {
		// Stopped mid-poll; not a target failure.
		return
	}
	t.mu.Lock()
	t.failures++
	t.lastErr = err.Error()
	failures := t.failures
	t.mu.Unlock()

	m.count(ctx, "error")
	if failures == m.cfg.UnhealthyAfter {
		m.logger.Error("monitor: target unhealthy", "target_id", t.id, "consecutive_failures", failures, "error", err)
		return
	}
	m.logger.Warn("monitor: poll failed", "target_id", t.id, "consecutive_failures", failures, "error", err)
}

func (m *Monitor) count(ctx context.Context, outcome string) {
	if m.tickCounter != nil {
		m.tickCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

func validTargetID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("monitor: invalid target id %q", id)
	}
	return nil
}
