package session

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/raidline/internal/model"
	"github.com/ashita-ai/raidline/internal/storage"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newManager(t *testing.T) (*Manager, *storage.Memory, *clock) {
	t.Helper()
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := storage.NewMemory()
	m := NewManager(store, slog.New(slog.NewTextHandler(io.Discard, nil)), Options{Now: c.Now})
	return m, store, c
}

func TestCreateDefaults(t *testing.T) {
	m, store, c := newManager(t)
	ctx := context.Background()

	s, err := m.Create(ctx, model.SessionConfig{Type: model.SessionConversation, AgentID: "agent"})
	require.NoError(t, err)
	assert.Equal(t, model.SessionActive, s.Status)
	assert.Equal(t, c.Now().Add(DefaultTimeout), s.ExpiresAt)
	assert.True(t, s.ExpiresAt.After(s.CreatedAt))

	stored, err := store.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.ID, stored.ID)
}

func TestCreateRejectsUnknownType(t *testing.T) {
	m, _, _ := newManager(t)
	_, err := m.Create(context.Background(), model.SessionConfig{Type: "party"})
	assert.Error(t, err)
}

func TestGetUnknown(t *testing.T) {
	m, _, _ := newManager(t)
	_, err := m.Get(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStatusAdvancesAndNeverRegresses(t *testing.T) {
	m, _, c := newManager(t)
	ctx := context.Background()
	s, err := m.Create(ctx, model.SessionConfig{Type: model.SessionRaid, Timeout: 20 * time.Minute})
	require.NoError(t, err)

	var seen []model.SessionStatus
	observe := func() {
		got, err := m.Get(ctx, s.ID)
		require.NoError(t, err)
		seen = append(seen, got.Status)
	}

	observe()
	c.Advance(6 * time.Minute) // idle
	observe()
	_, err = m.Touch(ctx, s.ID, nil) // activity does not renew a non-renewing session
	require.NoError(t, err)
	observe()
	c.Advance(13 * time.Minute) // inside the 2m expiring window
	observe()
	c.Advance(2 * time.Minute) // past expiry
	observe()

	assert.Equal(t, []model.SessionStatus{
		model.SessionActive, model.SessionIdle, model.SessionIdle, model.SessionExpiring, model.SessionExpired,
	}, seen)
	for i := 1; i < len(seen); i++ {
		assert.GreaterOrEqual(t, seen[i].Rank(), seen[i-1].Rank())
	}
}

func TestTouchCountsActivity(t *testing.T) {
	m, _, c := newManager(t)
	ctx := context.Background()
	s, err := m.Create(ctx, model.SessionConfig{Type: model.SessionConversation})
	require.NoError(t, err)

	c.Advance(time.Minute)
	_, err = m.RecordEvent(ctx, s.ID, "message")
	require.NoError(t, err)
	got, err := m.Touch(ctx, s.ID, map[string]int64{"message": 2, "reaction": 1})
	require.NoError(t, err)

	assert.Equal(t, int64(4), got.Activity.Total)
	assert.Equal(t, int64(3), got.Activity.Events["message"])
	assert.Equal(t, c.Now(), got.LastActivityAt)
	assert.Equal(t, s.ExpiresAt, got.ExpiresAt, "no renewal without AutoRenewal")
}

func TestAutoRenewalExtendsAndReactivates(t *testing.T) {
	m, _, c := newManager(t)
	ctx := context.Background()
	s, err := m.Create(ctx, model.SessionConfig{Type: model.SessionCommunity, Timeout: 10 * time.Minute, AutoRenewal: true})
	require.NoError(t, err)

	c.Advance(9 * time.Minute)
	got, err := m.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionExpiring, got.Status)

	got, err = m.Touch(ctx, s.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, model.SessionActive, got.Status)
	assert.Equal(t, c.Now().Add(10*time.Minute), got.ExpiresAt)
}

func TestTouchExpiredFails(t *testing.T) {
	m, store, c := newManager(t)
	ctx := context.Background()
	s, err := m.Create(ctx, model.SessionConfig{Type: model.SessionConversation, Timeout: time.Minute, AutoRenewal: true})
	require.NoError(t, err)

	c.Advance(time.Minute)
	_, err = m.Touch(ctx, s.ID, nil)
	assert.ErrorIs(t, err, ErrExpired)

	stored, err := store.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionExpired, stored.Status)
}

func TestExpireIdempotent(t *testing.T) {
	m, _, _ := newManager(t)
	ctx := context.Background()
	s, err := m.Create(ctx, model.SessionConfig{Type: model.SessionRaid})
	require.NoError(t, err)

	require.NoError(t, m.Expire(ctx, s.ID))
	require.NoError(t, m.Expire(ctx, s.ID))
	got, err := m.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionExpired, got.Status)
	assert.True(t, got.ExpiresAt.After(got.CreatedAt))
}

func TestExtendTo(t *testing.T) {
	m, _, c := newManager(t)
	ctx := context.Background()
	s, err := m.Create(ctx, model.SessionConfig{Type: model.SessionRaid})
	require.NoError(t, err)

	target := c.Now().Add(2 * time.Hour)
	got, err := m.ExtendTo(ctx, s.ID, target)
	require.NoError(t, err)
	assert.Equal(t, target, got.ExpiresAt)

	_, err = m.ExtendTo(ctx, s.ID, c.Now().Add(-time.Minute))
	assert.Error(t, err)

	require.NoError(t, m.Expire(ctx, s.ID))
	_, err = m.ExtendTo(ctx, s.ID, target)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestSweepPersistsExpiry(t *testing.T) {
	m, store, c := newManager(t)
	ctx := context.Background()
	short, err := m.Create(ctx, model.SessionConfig{Type: model.SessionRaid, Timeout: time.Minute})
	require.NoError(t, err)
	long, err := m.Create(ctx, model.SessionConfig{Type: model.SessionRaid, Timeout: time.Hour})
	require.NoError(t, err)

	c.Advance(2 * time.Minute)
	n, err := m.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, err := store.GetSession(ctx, short.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionExpired, stored.Status)
	stored, err = store.GetSession(ctx, long.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionActive, stored.Status)

	// A second sweep finds nothing new.
	n, err = m.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestLoadsFromStoreOnCacheMiss(t *testing.T) {
	m, store, c := newManager(t)
	ctx := context.Background()
	now := c.Now()
	s := model.Session{
		ID:             uuid.New(),
		Type:           model.SessionConversation,
		Status:         model.SessionActive,
		Config:         model.SessionConfig{Type: model.SessionConversation, Timeout: time.Hour},
		CreatedAt:      now,
		LastActivityAt: now,
		ExpiresAt:      now.Add(time.Hour),
	}
	require.NoError(t, store.SaveSession(ctx, s))

	got, err := m.RecordEvent(ctx, s.ID, "message")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Activity.Total)
}

func TestRunStopsOnCancel(t *testing.T) {
	m, _, _ := newManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx, time.Millisecond) }()
	time.Sleep(5 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}
