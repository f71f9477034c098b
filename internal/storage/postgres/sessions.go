package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/raidline/internal/model"
	"github.com/ashita-ai/raidline/internal/storage"
)

// SaveSession upserts a session row.
func (db *DB) SaveSession(ctx context.Context, s model.Session) error {
	cfg, err := json.Marshal(s.Config)
	if err != nil {
		return fmt.Errorf("postgres: marshal session config: %w", err)
	}
	activity, err := json.Marshal(s.Activity)
	if err != nil {
		return fmt.Errorf("postgres: marshal session activity: %w", err)
	}

	_, err = db.pool.Exec(ctx,
		`INSERT INTO sessions (id, agent_id, user_id, room_id, session_type, status, config, activity,
		 created_at, last_activity_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (id) DO UPDATE SET
		   status = EXCLUDED.status,
		   config = EXCLUDED.config,
		   activity = EXCLUDED.activity,
		   last_activity_at = EXCLUDED.last_activity_at,
		   expires_at = EXCLUDED.expires_at`,
		s.ID, s.AgentID, s.UserID, s.RoomID, string(s.Type), string(s.Status), cfg, activity,
		s.CreatedAt, s.LastActivityAt, s.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: save session: %w", err)
	}
	return nil
}

// GetSession returns a session by ID.
func (db *DB) GetSession(ctx context.Context, id uuid.UUID) (model.Session, error) {
	var (
		s             model.Session
		typ, status   string
		cfg, activity []byte
	)
	err := db.pool.QueryRow(ctx,
		`SELECT id, agent_id, user_id, room_id, session_type, status, config, activity,
		 created_at, last_activity_at, expires_at
		 FROM sessions WHERE id = $1`, id,
	).Scan(&s.ID, &s.AgentID, &s.UserID, &s.RoomID, &typ, &status, &cfg, &activity,
		&s.CreatedAt, &s.LastActivityAt, &s.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Session{}, fmt.Errorf("postgres: session %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return model.Session{}, fmt.Errorf("postgres: get session: %w", err)
	}
	s.Type = model.SessionType(typ)
	s.Status = model.SessionStatus(status)
	if err := json.Unmarshal(cfg, &s.Config); err != nil {
		return model.Session{}, fmt.Errorf("postgres: decode session config: %w", err)
	}
	if err := json.Unmarshal(activity, &s.Activity); err != nil {
		return model.Session{}, fmt.Errorf("postgres: decode session activity: %w", err)
	}
	return s, nil
}
