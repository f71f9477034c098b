package monitor

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/raidline/internal/model"
	"github.com/ashita-ai/raidline/internal/platform"
	"github.com/ashita-ai/raidline/internal/storage"
)

type fakeClient struct {
	mu       sync.Mutex
	fail     bool
	likes    int64
	calls    atomic.Int64
	inFlight atomic.Int64
	maxSeen  atomic.Int64
	delay    time.Duration
}

func (c *fakeClient) Login(context.Context, platform.Credentials) error { return nil }
func (c *fakeClient) ApplyArtifact(context.Context, []*http.Cookie) error { return nil }
func (c *fakeClient) ExportArtifact(context.Context) ([]*http.Cookie, error) { return nil, nil }
func (c *fakeClient) Probe(context.Context) error { return nil }
func (c *fakeClient) HasEngaged(context.Context, string, model.ActionType, string) (bool, error) {
	return false, nil
}

func (c *fakeClient) FetchMetrics(ctx context.Context, _ string) (model.Metrics, error) {
	n := c.inFlight.Add(1)
	defer c.inFlight.Add(-1)
	for {
		seen := c.maxSeen.Load()
		if n <= seen || c.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}
	c.calls.Add(1)
	if c.delay > 0 {
		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
			return model.Metrics{}, ctx.Err()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return model.Metrics{}, errors.New("upstream unavailable")
	}
	c.likes++
	likes := c.likes
	return model.Metrics{Likes: &likes}, nil
}

func (c *fakeClient) setFail(v bool) {
	c.mu.Lock()
	c.fail = v
	c.mu.Unlock()
}

type directRunner struct{}

func (directRunner) Execute(ctx context.Context, _ string, op func(context.Context) error) error {
	return op(ctx)
}

func newMonitor(t *testing.T, client platform.Client, store storage.SnapshotStore, dir string) *Monitor {
	t.Helper()
	handle := func(context.Context) (platform.Client, error) { return client, nil }
	m, err := New(handle, directRunner{}, store, Config{Dir: dir}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

func TestStartThenStopBeforeTickRecordsNothing(t *testing.T) {
	client := &fakeClient{}
	store := storage.NewMemory()
	dir := t.TempDir()
	m := newMonitor(t, client, store, dir)

	require.NoError(t, m.Start("post123", "https://x.com/a/status/post123", time.Hour))
	assert.True(t, m.Stop("post123"))

	assert.Zero(t, client.calls.Load())
	snaps, err := store.ListSnapshots(context.Background(), "post123")
	require.NoError(t, err)
	assert.Empty(t, snaps)
	_, err = os.Stat(filepath.Join(dir, "post123.jsonl"))
	assert.True(t, os.IsNotExist(err))
	_, running := m.Status("post123")
	assert.False(t, running)
}

func TestStartTwiceIsIdempotent(t *testing.T) {
	m := newMonitor(t, &fakeClient{}, nil, "")

	require.NoError(t, m.Start("post123", "link", time.Hour))
	err := m.Start("post123", "other-link", time.Minute)
	assert.ErrorIs(t, err, ErrAlreadyMonitoring)

	st, ok := m.Status("post123")
	require.True(t, ok)
	assert.Equal(t, "link", st.Link)
	assert.Equal(t, time.Hour, st.Interval)
	assert.Len(t, m.Targets(), 1)
}

func TestStartRejectsUnsafeTargetID(t *testing.T) {
	m := newMonitor(t, &fakeClient{}, nil, "")
	for _, id := range []string{"", "..", "a/b", `a\b`} {
		assert.Error(t, m.Start(id, "link", time.Hour), id)
	}
}

func TestTicksRecordSnapshots(t *testing.T) {
	client := &fakeClient{}
	store := storage.NewMemory()
	dir := t.TempDir()
	m := newMonitor(t, client, store, dir)

	require.NoError(t, m.Start("post123", "https://x.com/a/status/post123", 5*time.Millisecond))
	require.Eventually(t, func() bool {
		st, _ := m.Status("post123")
		return len(st.History) >= 3
	}, 2*time.Second, 5*time.Millisecond)
	m.Stop("post123")

	snaps, err := store.ListSnapshots(context.Background(), "post123")
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(snaps), 3)
	assert.Equal(t, int64(1), *snaps[0].Likes)
	assert.Equal(t, "https://x.com/a/status/post123", snaps[0].Link)

	f, err := os.Open(filepath.Join(dir, "post123.jsonl"))
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	lines := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var row map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &row))
		assert.Equal(t, "post123", row["targetId"])
		assert.Contains(t, row, "timestamp")
		lines++
	}
	assert.Equal(t, len(snaps), lines)

	latest, ok := m.Latest("post123")
	require.True(t, ok, "latest survives stop")
	assert.Equal(t, snaps[len(snaps)-1].Likes, latest.Likes)
}

func TestOneFetchInFlight(t *testing.T) {
	client := &fakeClient{delay: 10 * time.Millisecond}
	m := newMonitor(t, client, nil, "")

	require.NoError(t, m.Start("post123", "link", time.Millisecond))
	require.Eventually(t, func() bool { return client.calls.Load() >= 5 }, 2*time.Second, 5*time.Millisecond)
	m.Stop("post123")
	assert.Equal(t, int64(1), client.maxSeen.Load())
}

func TestHealthDegradesAndRecovers(t *testing.T) {
	client := &fakeClient{fail: true}
	m := newMonitor(t, client, nil, "")

	require.NoError(t, m.Start("post123", "link", 2*time.Millisecond))
	require.Eventually(t, func() bool {
		st, _ := m.Status("post123")
		return st.ConsecutiveFailures >= DefaultUnhealthyAfter
	}, 2*time.Second, 2*time.Millisecond)

	st, ok := m.Status("post123")
	require.True(t, ok)
	assert.True(t, st.Running, "monitoring continues while unhealthy")
	assert.False(t, st.Healthy)
	assert.Contains(t, st.LastError, "upstream unavailable")

	client.setFail(false)
	require.Eventually(t, func() bool {
		st, _ := m.Status("post123")
		return st.Healthy && st.Last != nil
	}, 2*time.Second, 2*time.Millisecond)
}

func TestHandleErrorCountsAsFailure(t *testing.T) {
	handle := func(context.Context) (platform.Client, error) { return nil, errors.New("no session") }
	m, err := New(handle, directRunner{}, nil, Config{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.Start("post123", "link", 2*time.Millisecond))
	require.Eventually(t, func() bool {
		st, _ := m.Status("post123")
		return st.ConsecutiveFailures > 0
	}, 2*time.Second, 2*time.Millisecond)
	st, _ := m.Status("post123")
	assert.Contains(t, st.LastError, "authenticate")
}

// scriptedClient answers FetchMetrics from a per-call hook.
type scriptedClient struct {
	fakeClient
	fetch func(n int64) (model.Metrics, error)
	n     atomic.Int64
}

func (c *scriptedClient) FetchMetrics(context.Context, string) (model.Metrics, error) {
	return c.fetch(c.n.Add(1))
}

func TestPanickingFetchIsRecordedAsFailure(t *testing.T) {
	likes := int64(7)
	client := &scriptedClient{fetch: func(n int64) (model.Metrics, error) {
		if n == 1 {
			panic("nil metrics table")
		}
		return model.Metrics{Likes: &likes}, nil
	}}
	m := newMonitor(t, client, nil, "")

	require.NoError(t, m.Start("post123", "link", 2*time.Millisecond))
	require.Eventually(t, func() bool {
		st, _ := m.Status("post123")
		return st.Last != nil
	}, 2*time.Second, 2*time.Millisecond)

	st, ok := m.Status("post123")
	require.True(t, ok)
	assert.True(t, st.Running, "a panicking poll must not end monitoring")
	assert.True(t, st.Healthy)
	assert.Equal(t, int64(7), *st.Last.Likes)
}

func TestPanicSurfacesAsLastError(t *testing.T) {
	client := &scriptedClient{fetch: func(int64) (model.Metrics, error) { panic("boom") }}
	m := newMonitor(t, client, nil, "")

	require.NoError(t, m.Start("post123", "link", 2*time.Millisecond))
	require.Eventually(t, func() bool {
		st, _ := m.Status("post123")
		return st.ConsecutiveFailures >= 2
	}, 2*time.Second, 2*time.Millisecond)
	st, _ := m.Status("post123")
	assert.Contains(t, st.LastError, "poll panicked: boom")
	assert.True(t, st.Running)
}

func TestUnauthorizedFetchReauthenticates(t *testing.T) {
	rejected := &scriptedClient{fetch: func(int64) (model.Metrics, error) {
		return model.Metrics{}, fmt.Errorf("web: HTTP 401: %w", platform.ErrUnauthorized)
	}}
	fresh := &fakeClient{}

	var (
		mu      sync.Mutex
		current platform.Client = rejected
		reauths atomic.Int64
	)
	handle := func(context.Context) (platform.Client, error) {
		mu.Lock()
		defer mu.Unlock()
		return current, nil
	}
	reauth := func(context.Context) (platform.Client, error) {
		reauths.Add(1)
		mu.Lock()
		defer mu.Unlock()
		current = fresh
		return fresh, nil
	}
	m, err := New(handle, directRunner{}, nil, Config{Reauthenticate: reauth}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.Start("post123", "link", 2*time.Millisecond))
	require.Eventually(t, func() bool {
		st, _ := m.Status("post123")
		return len(st.History) >= 3
	}, 2*time.Second, 2*time.Millisecond)

	assert.Equal(t, int64(1), reauths.Load(), "later polls use the replacement handle")
	assert.Equal(t, int64(1), rejected.n.Load())
	st, _ := m.Status("post123")
	assert.Zero(t, st.ConsecutiveFailures)
	assert.Equal(t, int64(1), *st.History[0].Likes, "the rejected poll is retried in the same tick")
}

func TestUnauthorizedWithFailedReauthenticationCountsAsFailure(t *testing.T) {
	rejected := &scriptedClient{fetch: func(int64) (model.Metrics, error) {
		return model.Metrics{}, platform.ErrUnauthorized
	}}
	handle := func(context.Context) (platform.Client, error) { return rejected, nil }
	reauth := func(context.Context) (platform.Client, error) { return nil, errors.New("no credentials") }
	m, err := New(handle, directRunner{}, nil, Config{Reauthenticate: reauth}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.Start("post123", "link", 2*time.Millisecond))
	require.Eventually(t, func() bool {
		st, _ := m.Status("post123")
		return st.ConsecutiveFailures > 0
	}, 2*time.Second, 2*time.Millisecond)
	st, _ := m.Status("post123")
	assert.Contains(t, st.LastError, "re-authenticate: no credentials")
}

func TestStopAllAndClose(t *testing.T) {
	m := newMonitor(t, &fakeClient{}, nil, "")
	require.NoError(t, m.Start("a", "link", time.Hour))
	require.NoError(t, m.Start("b", "link", time.Hour))

	m.StopAll()
	assert.Empty(t, m.Targets())
	require.NoError(t, m.Start("a", "link", time.Hour))

	m.Close()
	assert.Empty(t, m.Targets())
	assert.Error(t, m.Start("c", "link", time.Hour))
}

func TestTaskStopBeforeStart(t *testing.T) {
	var runs atomic.Int64
	task := NewTask(time.Millisecond, func(context.Context) { runs.Add(1) })
	task.Stop()
	task.Start(context.Background())
	select {
	case <-task.Done():
	default:
		t.Fatal("done not closed")
	}
	time.Sleep(5 * time.Millisecond)
	assert.Zero(t, runs.Load())
}

func TestTaskStopsWithParent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	task := NewTask(time.Millisecond, func(context.Context) {})
	task.Start(ctx)
	cancel()
	select {
	case <-task.Done():
	case <-time.After(time.Second):
		t.Fatal("task did not stop with its parent")
	}
	task.Stop()
}
