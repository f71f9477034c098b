package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/raidline/internal/model"
	"github.com/ashita-ai/raidline/internal/storage"
)

// SaveRaid upserts a raid row. Objectives are immutable after creation.
func (db *DB) SaveRaid(ctx context.Context, r model.Raid) error {
	objectives, err := json.Marshal(r.Objectives)
	if err != nil {
		return fmt.Errorf("postgres: marshal objectives: %w", err)
	}
	_, err = db.pool.Exec(ctx,
		`INSERT INTO raids (raid_id, session_id, agent_id, target_url, objectives, max_participants,
		 duration_ms, state, created_at, ends_at, ended_at, finalized_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (raid_id) DO UPDATE SET
		   state = EXCLUDED.state,
		   ended_at = EXCLUDED.ended_at,
		   finalized_at = EXCLUDED.finalized_at`,
		r.RaidID, r.SessionID, r.AgentID, r.TargetURL, objectives, r.MaxParticipants,
		r.Duration.Milliseconds(), string(r.State), r.CreatedAt, r.EndsAt, r.EndedAt, r.FinalizedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: save raid: %w", err)
	}
	return nil
}

const raidColumns = `raid_id, session_id, agent_id, target_url, objectives, max_participants,
	duration_ms, state, created_at, ends_at, ended_at, finalized_at`

func scanRaid(row pgx.Row) (model.Raid, error) {
	var (
		r          model.Raid
		objectives []byte
		durationMS int64
		state      string
	)
	if err := row.Scan(&r.RaidID, &r.SessionID, &r.AgentID, &r.TargetURL, &objectives, &r.MaxParticipants,
		&durationMS, &state, &r.CreatedAt, &r.EndsAt, &r.EndedAt, &r.FinalizedAt); err != nil {
		return model.Raid{}, err
	}
	if err := json.Unmarshal(objectives, &r.Objectives); err != nil {
		return model.Raid{}, fmt.Errorf("postgres: decode objectives: %w", err)
	}
	r.Duration = time.Duration(durationMS) * time.Millisecond
	r.State = model.RaidState(state)
	return r, nil
}

// GetRaid returns a raid by its raid ID.
func (db *DB) GetRaid(ctx context.Context, raidID string) (model.Raid, error) {
	r, err := scanRaid(db.pool.QueryRow(ctx,
		`SELECT `+raidColumns+` FROM raids WHERE raid_id = $1`, raidID))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Raid{}, fmt.Errorf("postgres: raid %s: %w", raidID, storage.ErrNotFound)
	}
	if err != nil {
		return model.Raid{}, fmt.Errorf("postgres: get raid: %w", err)
	}
	return r, nil
}

// ListUnfinalizedRaids returns every raid not yet finalized, earliest
// deadline first.
func (db *DB) ListUnfinalizedRaids(ctx context.Context) ([]model.Raid, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+raidColumns+` FROM raids WHERE state <> $1 ORDER BY ends_at`, string(model.RaidFinalized))
	if err != nil {
		return nil, fmt.Errorf("postgres: list unfinalized raids: %w", err)
	}
	defer rows.Close()

	var out []model.Raid
	for rows.Next() {
		r, err := scanRaid(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan raid: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list unfinalized raids: %w", err)
	}
	return out, nil
}

// SaveParticipant upserts a participant. A second participant with the same
// platform ID in the same raid yields storage.ErrDuplicate.
func (db *DB) SaveParticipant(ctx context.Context, p model.Participant) error {
	err := WithRetry(ctx, writeRetries, writeBaseDelay, func() error {
		_, err := db.pool.Exec(ctx,
			`INSERT INTO participants (id, raid_id, platform_id, platform_username, secondary_handle,
			 actions_completed, points_earned, verified, joined_at, last_action_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			 ON CONFLICT (id) DO UPDATE SET
			   actions_completed = EXCLUDED.actions_completed,
			   points_earned = GREATEST(participants.points_earned, EXCLUDED.points_earned),
			   verified = EXCLUDED.verified,
			   last_action_at = EXCLUDED.last_action_at`,
			p.ID, p.RaidID, p.Identity.PlatformID, p.Identity.PlatformUsername, p.Identity.SecondaryHandle,
			p.ActionsCompleted, p.PointsEarned, p.Verified, p.JoinedAt, p.LastActionAt,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("postgres: save participant: %w", mapError(err))
	}
	return nil
}

// ListParticipants returns a raid's participants in join order.
func (db *DB) ListParticipants(ctx context.Context, raidID string) ([]model.Participant, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, raid_id, platform_id, platform_username, secondary_handle,
		 actions_completed, points_earned, verified, joined_at, last_action_at
		 FROM participants WHERE raid_id = $1 ORDER BY joined_at ASC, id ASC`, raidID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list participants: %w", err)
	}
	defer rows.Close()

	var out []model.Participant
	for rows.Next() {
		var p model.Participant
		if err := rows.Scan(&p.ID, &p.RaidID, &p.Identity.PlatformID, &p.Identity.PlatformUsername,
			&p.Identity.SecondaryHandle, &p.ActionsCompleted, &p.PointsEarned, &p.Verified,
			&p.JoinedAt, &p.LastActionAt); err != nil {
			return nil, fmt.Errorf("postgres: scan participant: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// AppendAction inserts an action record. The (participant, action type,
// target) triple is unique; a repeat yields storage.ErrDuplicate.
func (db *DB) AppendAction(ctx context.Context, a model.ActionRecord) error {
	verification, err := json.Marshal(a.Verification)
	if err != nil {
		return fmt.Errorf("postgres: marshal verification: %w", err)
	}
	err = WithRetry(ctx, writeRetries, writeBaseDelay, func() error {
		_, err := db.pool.Exec(ctx,
			`INSERT INTO action_records (id, raid_id, participant_id, action_type, target_id,
			 objective_index, points_earned, verified, verification, recorded_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			a.ID, a.RaidID, a.ParticipantID, string(a.ActionType), a.TargetID,
			a.ObjectiveIndex, a.PointsEarned, a.Verified, verification, a.Timestamp,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("postgres: append action: %w", mapError(err))
	}
	return nil
}

// ListActions returns a raid's action records oldest first.
func (db *DB) ListActions(ctx context.Context, raidID string) ([]model.ActionRecord, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, raid_id, participant_id, action_type, target_id, objective_index,
		 points_earned, verified, verification, recorded_at
		 FROM action_records WHERE raid_id = $1 ORDER BY recorded_at ASC, id ASC`, raidID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list actions: %w", err)
	}
	defer rows.Close()

	var out []model.ActionRecord
	for rows.Next() {
		var (
			a            model.ActionRecord
			actionType   string
			verification []byte
		)
		if err := rows.Scan(&a.ID, &a.RaidID, &a.ParticipantID, &actionType, &a.TargetID,
			&a.ObjectiveIndex, &a.PointsEarned, &a.Verified, &verification, &a.Timestamp); err != nil {
			return nil, fmt.Errorf("postgres: scan action: %w", err)
		}
		a.ActionType = model.ActionType(actionType)
		if err := json.Unmarshal(verification, &a.Verification); err != nil {
			return nil, fmt.Errorf("postgres: decode verification: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// SaveReport upserts a raid report.
func (db *DB) SaveReport(ctx context.Context, r model.RaidReport) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("postgres: marshal report: %w", err)
	}
	_, err = db.pool.Exec(ctx,
		`INSERT INTO raid_reports (raid_id, report, generated_at) VALUES ($1, $2, $3)
		 ON CONFLICT (raid_id) DO UPDATE SET report = EXCLUDED.report, generated_at = EXCLUDED.generated_at`,
		r.RaidID, body, r.GeneratedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: save report: %w", err)
	}
	return nil
}

// GetReport returns the stored report for a raid.
func (db *DB) GetReport(ctx context.Context, raidID string) (model.RaidReport, error) {
	var body []byte
	err := db.pool.QueryRow(ctx, `SELECT report FROM raid_reports WHERE raid_id = $1`, raidID).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.RaidReport{}, fmt.Errorf("postgres: report %s: %w", raidID, storage.ErrNotFound)
	}
	if err != nil {
		return model.RaidReport{}, fmt.Errorf("postgres: get report: %w", err)
	}
	var r model.RaidReport
	if err := json.Unmarshal(body, &r); err != nil {
		return model.RaidReport{}, fmt.Errorf("postgres: decode report: %w", err)
	}
	return r, nil
}
