package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/ashita-ai/raidline/internal/model"
)

// Memory is a Store held entirely in process memory. It is the default
// backend when no database is configured and the backend used by tests.
type Memory struct {
	mu           sync.RWMutex
	sessions     map[uuid.UUID]model.Session
	raids        map[string]model.Raid
	participants map[string][]model.Participant
	actions      map[string][]model.ActionRecord
	reports      map[string]model.RaidReport
	snapshots    map[string][]model.Snapshot
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		sessions:     make(map[uuid.UUID]model.Session),
		raids:        make(map[string]model.Raid),
		participants: make(map[string][]model.Participant),
		actions:      make(map[string][]model.ActionRecord),
		reports:      make(map[string]model.RaidReport),
		snapshots:    make(map[string][]model.Snapshot),
	}
}

func (m *Memory) SaveSession(_ context.Context, s model.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	return nil
}

func (m *Memory) GetSession(_ context.Context, id uuid.UUID) (model.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return model.Session{}, fmt.Errorf("storage: session %s: %w", id, ErrNotFound)
	}
	return s, nil
}

func (m *Memory) SaveRaid(_ context.Context, r model.Raid) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.Objectives = append([]model.Objective(nil), r.Objectives...)
	m.raids[r.RaidID] = r
	return nil
}

func (m *Memory) GetRaid(_ context.Context, raidID string) (model.Raid, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.raids[raidID]
	if !ok {
		return model.Raid{}, fmt.Errorf("storage: raid %s: %w", raidID, ErrNotFound)
	}
	r.Objectives = append([]model.Objective(nil), r.Objectives...)
	return r, nil
}

func (m *Memory) ListUnfinalizedRaids(_ context.Context) ([]model.Raid, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Raid
	for _, r := range m.raids {
		if r.State == model.RaidFinalized {
			continue
		}
		r.Objectives = append([]model.Objective(nil), r.Objectives...)
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EndsAt.Before(out[j].EndsAt) })
	return out, nil
}

// SaveParticipant upserts by participant ID. A different participant with
// the same platform ID in the same raid is rejected with ErrDuplicate.
func (m *Memory) SaveParticipant(_ context.Context, p model.Participant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.participants[p.RaidID]
	for i, existing := range list {
		if existing.ID == p.ID {
			list[i] = p
			return nil
		}
		if existing.Identity.PlatformID == p.Identity.PlatformID {
			return fmt.Errorf("storage: participant %s in raid %s: %w", p.Identity.PlatformID, p.RaidID, ErrDuplicate)
		}
	}
	m.participants[p.RaidID] = append(list, p)
	return nil
}

func (m *Memory) ListParticipants(_ context.Context, raidID string) ([]model.Participant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]model.Participant(nil), m.participants[raidID]...), nil
}

// AppendAction appends a credited action. The (participant, action type,
// target) triple is unique.
func (m *Memory) AppendAction(_ context.Context, a model.ActionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.actions[a.RaidID] {
		if existing.ParticipantID == a.ParticipantID && existing.ActionType == a.ActionType && existing.TargetID == a.TargetID {
			return fmt.Errorf("storage: action %s/%s for %s: %w", a.ActionType, a.TargetID, a.ParticipantID, ErrDuplicate)
		}
	}
	m.actions[a.RaidID] = append(m.actions[a.RaidID], a)
	return nil
}

func (m *Memory) ListActions(_ context.Context, raidID string) ([]model.ActionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]model.ActionRecord(nil), m.actions[raidID]...), nil
}

func (m *Memory) SaveReport(_ context.Context, r model.RaidReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports[r.RaidID] = r
	return nil
}

func (m *Memory) GetReport(_ context.Context, raidID string) (model.RaidReport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.reports[raidID]
	if !ok {
		return model.RaidReport{}, fmt.Errorf("storage: report %s: %w", raidID, ErrNotFound)
	}
	return r, nil
}

func (m *Memory) AppendSnapshot(_ context.Context, s model.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[s.TargetID] = append(m.snapshots[s.TargetID], s)
	return nil
}

func (m *Memory) ListSnapshots(_ context.Context, targetID string) ([]model.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := append([]model.Snapshot(nil), m.snapshots[targetID]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// Ping always succeeds.
func (m *Memory) Ping(context.Context) error { return nil }

// Close is a no-op.
func (m *Memory) Close(context.Context) {}
