package postgres

import (
	"context"
	"fmt"

	"github.com/ashita-ai/raidline/internal/model"
)

const createSnapshotsTable = `
CREATE TABLE IF NOT EXISTS snapshots (
    target_id  TEXT NOT NULL,
    link       TEXT NOT NULL,
    taken_at   TIMESTAMPTZ NOT NULL,
    likes      BIGINT,
    retweets   BIGINT,
    replies    BIGINT,
    quotes     BIGINT,
    bookmarks  BIGINT,
    views      BIGINT
);
CREATE INDEX IF NOT EXISTS idx_snapshots_target ON snapshots (target_id, taken_at);
`

// ensureSnapshotTable creates the snapshots table on first use.
func (db *DB) ensureSnapshotTable(ctx context.Context) error {
	db.snapshotMu.Lock()
	defer db.snapshotMu.Unlock()
	if db.snapshotReady {
		return nil
	}
	if _, err := db.pool.Exec(ctx, createSnapshotsTable); err != nil {
		return fmt.Errorf("postgres: create snapshots table: %w", err)
	}
	db.snapshotReady = true
	return nil
}

// AppendSnapshot inserts an immutable snapshot row.
func (db *DB) AppendSnapshot(ctx context.Context, s model.Snapshot) error {
	if err := db.ensureSnapshotTable(ctx); err != nil {
		return err
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO snapshots (target_id, link, taken_at, likes, retweets, replies, quotes, bookmarks, views)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		s.TargetID, s.Link, s.Timestamp, s.Likes, s.Retweets, s.Replies, s.Quotes, s.Bookmarks, s.Views,
	)
	if err != nil {
		return fmt.Errorf("postgres: append snapshot: %w", err)
	}
	return nil
}

// ListSnapshots returns a target's snapshots oldest first.
func (db *DB) ListSnapshots(ctx context.Context, targetID string) ([]model.Snapshot, error) {
	if err := db.ensureSnapshotTable(ctx); err != nil {
		return nil, err
	}
	rows, err := db.pool.Query(ctx,
		`SELECT target_id, link, taken_at, likes, retweets, replies, quotes, bookmarks, views
		 FROM snapshots WHERE target_id = $1 ORDER BY taken_at ASC`, targetID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list snapshots: %w", err)
	}
	defer rows.Close()

	var out []model.Snapshot
	for rows.Next() {
		var s model.Snapshot
		if err := rows.Scan(&s.TargetID, &s.Link, &s.Timestamp, &s.Likes, &s.Retweets,
			&s.Replies, &s.Quotes, &s.Bookmarks, &s.Views); err != nil {
			return nil, fmt.Errorf("postgres: scan snapshot: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
