// Package session manages time-boxed interaction sessions.
//
// Sessions hold authoritative state in memory and write every change through
// to a storage.SessionStore. Status is derived lazily from timestamps on each
// read and only moves forward (active, idle, expiring, expired); the one
// exception is an auto-renewing session, whose activity is an explicit
// renewal back to active. A periodic sweep persists expiry for sessions
// nobody is reading.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/raidline/internal/model"
	"github.com/ashita-ai/raidline/internal/storage"
)

var (
	// ErrNotFound is returned for unknown session IDs.
	ErrNotFound = errors.New("session: not found")
	// ErrExpired is returned when mutating a session that has expired.
	ErrExpired = errors.New("session: expired")
)

// Defaults applied to session configs that leave the field unset.
const (
	DefaultTimeout        = 30 * time.Minute
	DefaultIdleAfter      = 5 * time.Minute
	DefaultExpiringWindow = 2 * time.Minute
	DefaultRetention      = time.Hour
)

// Options configures a Manager.
type Options struct {
	// Retention is how long an expired session stays cached after expiry.
	Retention time.Duration
	Now       func() time.Time
}

// Manager owns session lifecycles.
type Manager struct {
	store     storage.SessionStore
	logger    *slog.Logger
	now       func() time.Time
	retention time.Duration

	mu       sync.Mutex
	sessions map[uuid.UUID]*model.Session
}

// NewManager creates a Manager over store.
func NewManager(store storage.SessionStore, logger *slog.Logger, opts Options) *Manager {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	return &Manager{
		store:     store,
		logger:    logger,
		now:       opts.Now,
		retention: opts.Retention,
		sessions:  make(map[uuid.UUID]*model.Session),
	}
}

// Create validates cfg and opens an active session expiring Timeout from now.
func (m *Manager) Create(ctx context.Context, cfg model.SessionConfig) (model.Session, error) {
	if !cfg.Type.Valid() {
		return model.Session{}, fmt.Errorf("session: create: unknown session type %q", cfg.Type)
	}
	if cfg.Timeout < 0 || cfg.IdleAfter < 0 || cfg.ExpiringWindow < 0 {
		return model.Session{}, errors.New("session: create: durations must not be negative")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.IdleAfter == 0 {
		cfg.IdleAfter = DefaultIdleAfter
	}
	if cfg.ExpiringWindow == 0 {
		cfg.ExpiringWindow = DefaultExpiringWindow
	}
	cfg.Extra = maps.Clone(cfg.Extra)

	now := m.now()
	s := model.Session{
		ID:             uuid.New(),
		AgentID:        cfg.AgentID,
		UserID:         cfg.UserID,
		RoomID:         cfg.RoomID,
		Type:           cfg.Type,
		Status:         model.SessionActive,
		Config:         cfg,
		Activity:       model.Activity{Events: map[string]int64{}},
		CreatedAt:      now,
		LastActivityAt: now,
		ExpiresAt:      now.Add(cfg.Timeout),
	}
	if err := s.Validate(); err != nil {
		return model.Session{}, fmt.Errorf("session: create: %w", err)
	}
	if err := m.store.SaveSession(ctx, s); err != nil {
		return model.Session{}, fmt.Errorf("session: create: %w", err)
	}

	m.mu.Lock()
	m.sessions[s.ID] = &s
	m.mu.Unlock()

	m.logger.Info("session: created", "session_id", s.ID, "type", string(s.Type),
		"agent_id", s.AgentID, "expires_at", s.ExpiresAt)
	return clone(s), nil
}

// Get returns the session with its status evaluated at the current time.
func (m *Manager) Get(ctx context.Context, id uuid.UUID) (model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.load(ctx, id)
	if err != nil {
		return model.Session{}, err
	}
	s.Status = s.StatusAt(m.now())
	return clone(*s), nil
}

// Touch records activity. delta maps event kinds to counts and may be nil.
// Auto-renewing sessions get a fresh Timeout and return to active; others
// keep their forward-only status.
func (m *Manager) Touch(ctx context.Context, id uuid.UUID, delta map[string]int64) (model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.load(ctx, id)
	if err != nil {
		return model.Session{}, err
	}
	now := m.now()
	if s.StatusAt(now) == model.SessionExpired {
		if err := m.markExpired(ctx, s); err != nil {
			return model.Session{}, err
		}
		return model.Session{}, fmt.Errorf("session: touch %s: %w", id, ErrExpired)
	}

	next := clone(*s)
	next.LastActivityAt = now
	for kind, n := range delta {
		next.Activity.Events[kind] += n
		next.Activity.Total += n
	}
	if next.Config.AutoRenewal {
		next.ExpiresAt = now.Add(next.Config.Timeout)
		next.Status = model.SessionActive
	}
	next.Status = next.StatusAt(now)

	if err := m.store.SaveSession(ctx, next); err != nil {
		return model.Session{}, fmt.Errorf("session: touch: %w", err)
	}
	*s = next
	return clone(next), nil
}

// RecordEvent counts one event of kind and touches the session.
func (m *Manager) RecordEvent(ctx context.Context, id uuid.UUID, kind string) (model.Session, error) {
	return m.Touch(ctx, id, map[string]int64{kind: 1})
}

// ExtendTo moves the expiry of a live session to expiresAt. Moving the
// deadline is an explicit renewal, so status is re-derived from active.
func (m *Manager) ExtendTo(ctx context.Context, id uuid.UUID, expiresAt time.Time) (model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.load(ctx, id)
	if err != nil {
		return model.Session{}, err
	}
	now := m.now()
	if s.StatusAt(now) == model.SessionExpired {
		return model.Session{}, fmt.Errorf("session: extend %s: %w", id, ErrExpired)
	}
	if !expiresAt.After(s.CreatedAt) || !expiresAt.After(now) {
		return model.Session{}, fmt.Errorf("session: extend %s: expiry %s is not in the future", id, expiresAt.Format(time.RFC3339))
	}

	next := clone(*s)
	next.ExpiresAt = expiresAt
	next.Status = model.SessionActive
	next.Status = next.StatusAt(now)
	if err := m.store.SaveSession(ctx, next); err != nil {
		return model.Session{}, fmt.Errorf("session: extend: %w", err)
	}
	*s = next
	return clone(next), nil
}

// Expire terminates a session immediately. Expiring an expired session is a no-op.
func (m *Manager) Expire(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.load(ctx, id)
	if err != nil {
		return err
	}
	return m.markExpired(ctx, s)
}

// Sweep persists expiry for cached sessions past ExpiresAt and drops those
// expired longer than the retention period. Returns the number newly expired.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	expired := 0
	var errs []error
	for id, s := range m.sessions {
		if s.Status != model.SessionExpired && s.StatusAt(now) == model.SessionExpired {
			if err := m.markExpired(ctx, s); err != nil {
				errs = append(errs, err)
				continue
			}
			expired++
		}
		if s.Status == model.SessionExpired && now.Sub(s.ExpiresAt) > m.retention {
			delete(m.sessions, id)
		}
	}
	if expired > 0 {
		m.logger.Info("session: sweep expired sessions", "count", expired)
	}
	return expired, errors.Join(errs...)
}

// Run sweeps every interval until ctx is cancelled.
func (m *Manager) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := m.Sweep(ctx); err != nil {
				m.logger.Warn("session: sweep failed", "error", err)
			}
		}
	}
}

// load returns the cached session, reading through to the store on a miss.
// Callers hold mu.
func (m *Manager) load(ctx context.Context, id uuid.UUID) (*model.Session, error) {
	if s, ok := m.sessions[id]; ok {
		return s, nil
	}
	s, err := m.store.GetSession(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("session: %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("session: load %s: %w", id, err)
	}
	if s.Activity.Events == nil {
		s.Activity.Events = map[string]int64{}
	}
	m.sessions[id] = &s
	return &s, nil
}

// markExpired persists the terminal status. Callers hold mu.
func (m *Manager) markExpired(ctx context.Context, s *model.Session) error {
	if s.Status == model.SessionExpired {
		return nil
	}
	next := clone(*s)
	next.Status = model.SessionExpired
	if err := m.store.SaveSession(ctx, next); err != nil {
		return fmt.Errorf("session: expire %s: %w", s.ID, err)
	}
	*s = next
	m.logger.Info("session: expired", "session_id", s.ID, "type", string(s.Type))
	return nil
}

func clone(s model.Session) model.Session {
	s.Activity.Events = maps.Clone(s.Activity.Events)
	if s.Activity.Events == nil {
		s.Activity.Events = map[string]int64{}
	}
	s.Config.Extra = maps.Clone(s.Config.Extra)
	return s
}
