package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/raidline/internal/model"
	"github.com/ashita-ai/raidline/internal/storage"
	"github.com/ashita-ai/raidline/internal/storage/sqlite"
	"github.com/ashita-ai/raidline/internal/testutil"
	"github.com/ashita-ai/raidline/migrations"
)

func openStore(t *testing.T) *sqlite.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "raidline.db")
	s, err := sqlite.Open(context.Background(), path, migrations.SQLite(), testutil.TestLogger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close(context.Background()) })
	return s
}

func seed(t *testing.T, s *sqlite.Store) (model.Raid, model.Participant) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()

	sess := model.Session{
		ID:             uuid.New(),
		AgentID:        "agent-1",
		Type:           model.SessionRaid,
		Status:         model.SessionActive,
		CreatedAt:      now,
		LastActivityAt: now,
		ExpiresAt:      now.Add(30 * time.Minute),
	}
	require.NoError(t, s.SaveSession(ctx, sess))

	r := model.Raid{
		RaidID:          "raid-1",
		SessionID:       sess.ID,
		AgentID:         "agent-1",
		TargetURL:       "https://x.com/a/status/123",
		Objectives:      []model.Objective{{ActionType: model.ActionLike, Target: "post123", Count: 50, Points: 5}},
		MaxParticipants: 10,
		Duration:        time.Hour,
		State:           model.RaidActive,
		CreatedAt:       now,
		EndsAt:          now.Add(time.Hour),
	}
	require.NoError(t, s.SaveRaid(ctx, r))

	p := model.Participant{
		ID:       uuid.New(),
		RaidID:   r.RaidID,
		Identity: model.Identity{PlatformID: "42", PlatformUsername: "alice"},
		JoinedAt: now,
	}
	require.NoError(t, s.SaveParticipant(ctx, p))
	return r, p
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "raidline.db")
	for range 2 {
		s, err := sqlite.Open(context.Background(), path, migrations.SQLite(), testutil.TestLogger())
		require.NoError(t, err)
		require.NoError(t, s.Ping(context.Background()))
		s.Close(context.Background())
	}
}

func TestInMemory(t *testing.T) {
	s, err := sqlite.Open(context.Background(), ":memory:", migrations.SQLite(), testutil.TestLogger())
	require.NoError(t, err)
	defer s.Close(context.Background())
	seed(t, s)
}

func TestSessionAndRaidRoundTrip(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	r, _ := seed(t, s)

	sess, err := s.GetSession(ctx, r.SessionID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionRaid, sess.Type)
	assert.Nil(t, sess.UserID)

	got, err := s.GetRaid(ctx, r.RaidID)
	require.NoError(t, err)
	assert.Equal(t, r.Objectives, got.Objectives)
	assert.True(t, got.EndsAt.Equal(r.EndsAt))
	assert.Nil(t, got.EndedAt)

	_, err = s.GetRaid(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDuplicateParticipantAndAction(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	r, p := seed(t, s)

	dup := p
	dup.ID = uuid.New()
	assert.ErrorIs(t, s.SaveParticipant(ctx, dup), storage.ErrDuplicate)

	a := model.ActionRecord{
		ID:            uuid.New(),
		RaidID:        r.RaidID,
		ParticipantID: p.ID,
		ActionType:    model.ActionLike,
		TargetID:      "post123",
		PointsEarned:  5,
		Verified:      true,
		Verification:  model.Verification{Confidence: 1, Method: model.VerifiedByEvidence},
		Timestamp:     time.Now().UTC(),
	}
	require.NoError(t, s.AppendAction(ctx, a))
	a.ID = uuid.New()
	assert.ErrorIs(t, s.AppendAction(ctx, a), storage.ErrDuplicate)

	actions, err := s.ListActions(ctx, r.RaidID)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, p.ID, actions[0].ParticipantID)
	assert.Equal(t, model.VerifiedByEvidence, actions[0].Verification.Method)
}

func TestParticipantPointsNeverDecrease(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	r, p := seed(t, s)

	p.PointsEarned = 10
	require.NoError(t, s.SaveParticipant(ctx, p))
	p.PointsEarned = 3
	require.NoError(t, s.SaveParticipant(ctx, p))

	list, err := s.ListParticipants(ctx, r.RaidID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 10, list[0].PointsEarned)
}

func TestSnapshotsOrderedAndNullable(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	base := time.Now().UTC()
	views := int64(900)

	require.NoError(t, s.AppendSnapshot(ctx, model.Snapshot{TargetID: "t1", Link: "l", Timestamp: base.Add(time.Minute), Views: &views}))
	require.NoError(t, s.AppendSnapshot(ctx, model.Snapshot{TargetID: "t1", Link: "l", Timestamp: base}))
	require.NoError(t, s.AppendSnapshot(ctx, model.Snapshot{TargetID: "t2", Link: "l", Timestamp: base}))

	snaps, err := s.ListSnapshots(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Nil(t, snaps[0].Views)
	require.NotNil(t, snaps[1].Views)
	assert.Equal(t, int64(900), *snaps[1].Views)
}

func TestReportUpsert(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	r, _ := seed(t, s)

	require.NoError(t, s.SaveReport(ctx, model.RaidReport{RaidID: r.RaidID, State: model.RaidEnded, GeneratedAt: time.Now().UTC()}))
	require.NoError(t, s.SaveReport(ctx, model.RaidReport{RaidID: r.RaidID, State: model.RaidFinalized, Final: true, GeneratedAt: time.Now().UTC()}))

	got, err := s.GetReport(ctx, r.RaidID)
	require.NoError(t, err)
	assert.True(t, got.Final)
	assert.Equal(t, model.RaidFinalized, got.State)
}

func TestListUnfinalizedRaids(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	r, _ := seed(t, s)

	raids, err := s.ListUnfinalizedRaids(ctx)
	require.NoError(t, err)
	require.Len(t, raids, 1)
	assert.Equal(t, r.RaidID, raids[0].RaidID)
	assert.Equal(t, r.Objectives, raids[0].Objectives)
	assert.True(t, r.EndsAt.Equal(raids[0].EndsAt))

	now := time.Now().UTC()
	r.State = model.RaidFinalized
	r.FinalizedAt = &now
	require.NoError(t, s.SaveRaid(ctx, r))

	raids, err = s.ListUnfinalizedRaids(ctx)
	require.NoError(t, err)
	assert.Empty(t, raids)
}
