package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ashita-ai/raidline/internal/model"
	"github.com/ashita-ai/raidline/internal/storage"
)

// SaveSession upserts a session row.
func (s *Store) SaveSession(ctx context.Context, sess model.Session) error {
	cfg, err := json.Marshal(sess.Config)
	if err != nil {
		return fmt.Errorf("sqlite: marshal session config: %w", err)
	}
	activity, err := json.Marshal(sess.Activity)
	if err != nil {
		return fmt.Errorf("sqlite: marshal session activity: %w", err)
	}
	_, err = s.sqlDB.ExecContext(ctx, `
INSERT INTO sessions (id, agent_id, user_id, room_id, session_type, status, config, activity,
	created_at, last_activity_at, expires_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
	status = excluded.status,
	config = excluded.config,
	activity = excluded.activity,
	last_activity_at = excluded.last_activity_at,
	expires_at = excluded.expires_at`,
		sess.ID.String(), sess.AgentID, nullString(sess.UserID), nullString(sess.RoomID),
		string(sess.Type), string(sess.Status), string(cfg), string(activity),
		unixNano(sess.CreatedAt), unixNano(sess.LastActivityAt), unixNano(sess.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite: save session: %w", err)
	}
	return nil
}

// GetSession returns a session by ID.
func (s *Store) GetSession(ctx context.Context, id uuid.UUID) (model.Session, error) {
	var (
		sess                         model.Session
		rawID, typ, status           string
		userID, roomID               sql.NullString
		cfg, activity                string
		created, lastActive, expires int64
	)
	err := s.sqlDB.QueryRowContext(ctx, `
SELECT id, agent_id, user_id, room_id, session_type, status, config, activity,
	created_at, last_activity_at, expires_at
FROM sessions WHERE id = ?`, id.String(),
	).Scan(&rawID, &sess.AgentID, &userID, &roomID, &typ, &status, &cfg, &activity,
		&created, &lastActive, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Session{}, fmt.Errorf("sqlite: session %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return model.Session{}, fmt.Errorf("sqlite: get session: %w", err)
	}
	if sess.ID, err = uuid.Parse(rawID); err != nil {
		return model.Session{}, fmt.Errorf("sqlite: parse session id: %w", err)
	}
	sess.UserID = stringPtr(userID)
	sess.RoomID = stringPtr(roomID)
	sess.Type = model.SessionType(typ)
	sess.Status = model.SessionStatus(status)
	sess.CreatedAt = fromUnixNano(created)
	sess.LastActivityAt = fromUnixNano(lastActive)
	sess.ExpiresAt = fromUnixNano(expires)
	if err := json.Unmarshal([]byte(cfg), &sess.Config); err != nil {
		return model.Session{}, fmt.Errorf("sqlite: decode session config: %w", err)
	}
	if err := json.Unmarshal([]byte(activity), &sess.Activity); err != nil {
		return model.Session{}, fmt.Errorf("sqlite: decode session activity: %w", err)
	}
	return sess, nil
}
