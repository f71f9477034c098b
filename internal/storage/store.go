// Package storage defines the persistence contract used by the raid engine
// and ships an in-memory implementation.
//
// The engine is the single authoritative writer. It keeps hot state in
// memory and writes every change through a Store; adapters under
// storage/postgres and storage/sqlite provide durable backends.
package storage

import (
	"context"

	"github.com/google/uuid"

	"github.com/ashita-ai/raidline/internal/model"
)

// SessionStore persists sessions.
type SessionStore interface {
	SaveSession(ctx context.Context, s model.Session) error
	GetSession(ctx context.Context, id uuid.UUID) (model.Session, error)
}

// RaidStore persists raids, participants, action records and reports.
type RaidStore interface {
	SaveRaid(ctx context.Context, r model.Raid) error
	GetRaid(ctx context.Context, raidID string) (model.Raid, error)
	// ListUnfinalizedRaids returns raids whose state is not finalized.
	ListUnfinalizedRaids(ctx context.Context) ([]model.Raid, error)
	SaveParticipant(ctx context.Context, p model.Participant) error
	ListParticipants(ctx context.Context, raidID string) ([]model.Participant, error)
	AppendAction(ctx context.Context, a model.ActionRecord) error
	ListActions(ctx context.Context, raidID string) ([]model.ActionRecord, error)
	SaveReport(ctx context.Context, r model.RaidReport) error
	GetReport(ctx context.Context, raidID string) (model.RaidReport, error)
}

// SnapshotStore is the optional durable sink for metric snapshots.
// Snapshots are append-only; ListSnapshots returns them oldest first.
type SnapshotStore interface {
	AppendSnapshot(ctx context.Context, s model.Snapshot) error
	ListSnapshots(ctx context.Context, targetID string) ([]model.Snapshot, error)
}

// Store is the full persistence contract.
type Store interface {
	SessionStore
	RaidStore
	SnapshotStore
	Ping(ctx context.Context) error
	Close(ctx context.Context)
}
