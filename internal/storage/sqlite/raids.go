package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/raidline/internal/model"
	"github.com/ashita-ai/raidline/internal/storage"
)

// SaveRaid upserts a raid row. Objectives are immutable after creation.
func (s *Store) SaveRaid(ctx context.Context, r model.Raid) error {
	objectives, err := json.Marshal(r.Objectives)
	if err != nil {
		return fmt.Errorf("sqlite: marshal objectives: %w", err)
	}
	_, err = s.sqlDB.ExecContext(ctx, `
INSERT INTO raids (raid_id, session_id, agent_id, target_url, objectives, max_participants,
	duration_ms, state, created_at, ends_at, ended_at, finalized_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (raid_id) DO UPDATE SET
	state = excluded.state,
	ended_at = excluded.ended_at,
	finalized_at = excluded.finalized_at`,
		r.RaidID, r.SessionID.String(), r.AgentID, r.TargetURL, string(objectives), r.MaxParticipants,
		r.Duration.Milliseconds(), string(r.State), unixNano(r.CreatedAt), unixNano(r.EndsAt),
		nullTime(r.EndedAt), nullTime(r.FinalizedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite: save raid: %w", err)
	}
	return nil
}

const raidColumns = `raid_id, session_id, agent_id, target_url, objectives, max_participants,
	duration_ms, state, created_at, ends_at, ended_at, finalized_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRaid(row rowScanner) (model.Raid, error) {
	var (
		r                  model.Raid
		sessionID, state   string
		objectives         string
		durationMS         int64
		created, endsAt    int64
		ended, finalizedAt sql.NullInt64
	)
	if err := row.Scan(&r.RaidID, &sessionID, &r.AgentID, &r.TargetURL, &objectives, &r.MaxParticipants,
		&durationMS, &state, &created, &endsAt, &ended, &finalizedAt); err != nil {
		return model.Raid{}, err
	}
	var err error
	if r.SessionID, err = uuid.Parse(sessionID); err != nil {
		return model.Raid{}, fmt.Errorf("sqlite: parse session id: %w", err)
	}
	if err := json.Unmarshal([]byte(objectives), &r.Objectives); err != nil {
		return model.Raid{}, fmt.Errorf("sqlite: decode objectives: %w", err)
	}
	r.Duration = time.Duration(durationMS) * time.Millisecond
	r.State = model.RaidState(state)
	r.CreatedAt = fromUnixNano(created)
	r.EndsAt = fromUnixNano(endsAt)
	r.EndedAt = timePtr(ended)
	r.FinalizedAt = timePtr(finalizedAt)
	return r, nil
}

// GetRaid returns a raid by its raid ID.
func (s *Store) GetRaid(ctx context.Context, raidID string) (model.Raid, error) {
	r, err := scanRaid(s.sqlDB.QueryRowContext(ctx,
		`SELECT `+raidColumns+` FROM raids WHERE raid_id = ?`, raidID))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Raid{}, fmt.Errorf("sqlite: raid %s: %w", raidID, storage.ErrNotFound)
	}
	if err != nil {
		return model.Raid{}, fmt.Errorf("sqlite: get raid: %w", err)
	}
	return r, nil
}

// ListUnfinalizedRaids returns every raid not yet finalized, earliest
// deadline first.
func (s *Store) ListUnfinalizedRaids(ctx context.Context) ([]model.Raid, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT `+raidColumns+` FROM raids WHERE state <> ? ORDER BY ends_at`, string(model.RaidFinalized))
	if err != nil {
		return nil, fmt.Errorf("sqlite: list unfinalized raids: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Raid
	for rows.Next() {
		r, err := scanRaid(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan raid: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: list unfinalized raids: %w", err)
	}
	return out, nil
}

// SaveParticipant upserts a participant. A second participant with the same
// platform ID in the same raid yields storage.ErrDuplicate.
func (s *Store) SaveParticipant(ctx context.Context, p model.Participant) error {
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO participants (id, raid_id, platform_id, platform_username, secondary_handle,
	actions_completed, points_earned, verified, joined_at, last_action_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
	actions_completed = excluded.actions_completed,
	points_earned = MAX(participants.points_earned, excluded.points_earned),
	verified = excluded.verified,
	last_action_at = excluded.last_action_at`,
		p.ID.String(), p.RaidID, p.Identity.PlatformID, p.Identity.PlatformUsername,
		nullString(p.Identity.SecondaryHandle), p.ActionsCompleted, p.PointsEarned, p.Verified,
		unixNano(p.JoinedAt), nullTime(p.LastActionAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite: save participant: %w", mapError(err))
	}
	return nil
}

// ListParticipants returns a raid's participants in join order.
func (s *Store) ListParticipants(ctx context.Context, raidID string) ([]model.Participant, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, raid_id, platform_id, platform_username, secondary_handle,
	actions_completed, points_earned, verified, joined_at, last_action_at
FROM participants WHERE raid_id = ? ORDER BY joined_at ASC, id ASC`, raidID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list participants: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Participant
	for rows.Next() {
		var (
			p          model.Participant
			id         string
			secondary  sql.NullString
			joined     int64
			lastAction sql.NullInt64
		)
		if err := rows.Scan(&id, &p.RaidID, &p.Identity.PlatformID, &p.Identity.PlatformUsername,
			&secondary, &p.ActionsCompleted, &p.PointsEarned, &p.Verified, &joined, &lastAction); err != nil {
			return nil, fmt.Errorf("sqlite: scan participant: %w", err)
		}
		if p.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("sqlite: parse participant id: %w", err)
		}
		p.Identity.SecondaryHandle = stringPtr(secondary)
		p.JoinedAt = fromUnixNano(joined)
		p.LastActionAt = timePtr(lastAction)
		out = append(out, p)
	}
	return out, rows.Err()
}

// AppendAction inserts an action record. The (participant, action type,
// target) triple is unique; a repeat yields storage.ErrDuplicate.
func (s *Store) AppendAction(ctx context.Context, a model.ActionRecord) error {
	verification, err := json.Marshal(a.Verification)
	if err != nil {
		return fmt.Errorf("sqlite: marshal verification: %w", err)
	}
	_, err = s.sqlDB.ExecContext(ctx, `
INSERT INTO action_records (id, raid_id, participant_id, action_type, target_id,
	objective_index, points_earned, verified, verification, recorded_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID.String(), a.RaidID, a.ParticipantID.String(), string(a.ActionType), a.TargetID,
		a.ObjectiveIndex, a.PointsEarned, a.Verified, string(verification), unixNano(a.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("sqlite: append action: %w", mapError(err))
	}
	return nil
}

// ListActions returns a raid's action records oldest first.
func (s *Store) ListActions(ctx context.Context, raidID string) ([]model.ActionRecord, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, raid_id, participant_id, action_type, target_id, objective_index,
	points_earned, verified, verification, recorded_at
FROM action_records WHERE raid_id = ? ORDER BY recorded_at ASC, id ASC`, raidID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list actions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.ActionRecord
	for rows.Next() {
		var (
			a                      model.ActionRecord
			id, participantID, typ string
			verification           string
			recorded               int64
		)
		if err := rows.Scan(&id, &a.RaidID, &participantID, &typ, &a.TargetID, &a.ObjectiveIndex,
			&a.PointsEarned, &a.Verified, &verification, &recorded); err != nil {
			return nil, fmt.Errorf("sqlite: scan action: %w", err)
		}
		if a.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("sqlite: parse action id: %w", err)
		}
		if a.ParticipantID, err = uuid.Parse(participantID); err != nil {
			return nil, fmt.Errorf("sqlite: parse participant id: %w", err)
		}
		a.ActionType = model.ActionType(typ)
		a.Timestamp = fromUnixNano(recorded)
		if err := json.Unmarshal([]byte(verification), &a.Verification); err != nil {
			return nil, fmt.Errorf("sqlite: decode verification: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// SaveReport upserts a raid report.
func (s *Store) SaveReport(ctx context.Context, r model.RaidReport) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("sqlite: marshal report: %w", err)
	}
	_, err = s.sqlDB.ExecContext(ctx, `
INSERT INTO raid_reports (raid_id, report, generated_at) VALUES (?, ?, ?)
ON CONFLICT (raid_id) DO UPDATE SET report = excluded.report, generated_at = excluded.generated_at`,
		r.RaidID, string(body), unixNano(r.GeneratedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite: save report: %w", err)
	}
	return nil
}

// GetReport returns the stored report for a raid.
func (s *Store) GetReport(ctx context.Context, raidID string) (model.RaidReport, error) {
	var body string
	err := s.sqlDB.QueryRowContext(ctx, `SELECT report FROM raid_reports WHERE raid_id = ?`, raidID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return model.RaidReport{}, fmt.Errorf("sqlite: report %s: %w", raidID, storage.ErrNotFound)
	}
	if err != nil {
		return model.RaidReport{}, fmt.Errorf("sqlite: get report: %w", err)
	}
	var r model.RaidReport
	if err := json.Unmarshal([]byte(body), &r); err != nil {
		return model.RaidReport{}, fmt.Errorf("sqlite: decode report: %w", err)
	}
	return r, nil
}
