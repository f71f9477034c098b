package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ashita-ai/raidline/internal/model"
)

const createSnapshotsTable = `
CREATE TABLE IF NOT EXISTS snapshots (
    target_id  TEXT NOT NULL,
    link       TEXT NOT NULL,
    taken_at   INTEGER NOT NULL,
    likes      INTEGER,
    retweets   INTEGER,
    replies    INTEGER,
    quotes     INTEGER,
    bookmarks  INTEGER,
    views      INTEGER
);
CREATE INDEX IF NOT EXISTS idx_snapshots_target ON snapshots (target_id, taken_at);
`

func (s *Store) ensureSnapshotTable(ctx context.Context) error {
	s.snapshotMu.Lock()
	defer s.snapshotMu.Unlock()
	if s.snapshotReady {
		return nil
	}
	if _, err := s.sqlDB.ExecContext(ctx, createSnapshotsTable); err != nil {
		return fmt.Errorf("sqlite: create snapshots table: %w", err)
	}
	s.snapshotReady = true
	return nil
}

func nullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func intPtr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

// AppendSnapshot inserts an immutable snapshot row.
func (s *Store) AppendSnapshot(ctx context.Context, snap model.Snapshot) error {
	if err := s.ensureSnapshotTable(ctx); err != nil {
		return err
	}
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO snapshots (target_id, link, taken_at, likes, retweets, replies, quotes, bookmarks, views)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.TargetID, snap.Link, unixNano(snap.Timestamp), nullInt(snap.Likes), nullInt(snap.Retweets),
		nullInt(snap.Replies), nullInt(snap.Quotes), nullInt(snap.Bookmarks), nullInt(snap.Views),
	)
	if err != nil {
		return fmt.Errorf("sqlite: append snapshot: %w", err)
	}
	return nil
}

// ListSnapshots returns a target's snapshots oldest first.
func (s *Store) ListSnapshots(ctx context.Context, targetID string) ([]model.Snapshot, error) {
	if err := s.ensureSnapshotTable(ctx); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT target_id, link, taken_at, likes, retweets, replies, quotes, bookmarks, views
FROM snapshots WHERE target_id = ? ORDER BY taken_at ASC`, targetID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list snapshots: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Snapshot
	for rows.Next() {
		var (
			snap                                               model.Snapshot
			takenAt                                            int64
			likes, retweets, replies, quotes, bookmarks, views sql.NullInt64
		)
		if err := rows.Scan(&snap.TargetID, &snap.Link, &takenAt, &likes, &retweets,
			&replies, &quotes, &bookmarks, &views); err != nil {
			return nil, fmt.Errorf("sqlite: scan snapshot: %w", err)
		}
		snap.Timestamp = fromUnixNano(takenAt)
		snap.Likes = intPtr(likes)
		snap.Retweets = intPtr(retweets)
		snap.Replies = intPtr(replies)
		snap.Quotes = intPtr(quotes)
		snap.Bookmarks = intPtr(bookmarks)
		snap.Views = intPtr(views)
		out = append(out, snap)
	}
	return out, rows.Err()
}
