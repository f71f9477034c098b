package postgres_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/raidline/internal/model"
	"github.com/ashita-ai/raidline/internal/storage"
	"github.com/ashita-ai/raidline/internal/storage/postgres"
	"github.com/ashita-ai/raidline/internal/testutil"
	"github.com/ashita-ai/raidline/migrations"
)

var testDB *postgres.DB

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()

	db, err := tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create test DB: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}
	testDB = db

	code := m.Run()

	testDB.Close(context.Background())
	tc.Terminate()
	os.Exit(code)
}

func seedRaid(t *testing.T, raidID string) model.Raid {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	sess := model.Session{
		ID:             uuid.New(),
		AgentID:        "agent-1",
		Type:           model.SessionRaid,
		Status:         model.SessionActive,
		Config:         model.SessionConfig{Type: model.SessionRaid, Timeout: time.Hour},
		CreatedAt:      now,
		LastActivityAt: now,
		ExpiresAt:      now.Add(time.Hour),
	}
	require.NoError(t, testDB.SaveSession(ctx, sess))

	r := model.Raid{
		RaidID:          raidID,
		SessionID:       sess.ID,
		AgentID:         "agent-1",
		TargetURL:       "https://x.com/someone/status/123",
		Objectives:      []model.Objective{{ActionType: model.ActionLike, Target: "post123", Count: 50, Points: 5}},
		MaxParticipants: 100,
		Duration:        time.Hour,
		State:           model.RaidActive,
		CreatedAt:       now,
		EndsAt:          now.Add(time.Hour),
	}
	require.NoError(t, testDB.SaveRaid(ctx, r))
	return r
}

func TestMigrationsAreIdempotent(t *testing.T) {
	require.NoError(t, testDB.RunMigrations(context.Background(), migrations.Postgres()))
}

func TestSessionRoundTrip(t *testing.T) {
	ctx := context.Background()
	r := seedRaid(t, "raid-session-"+uuid.NewString())

	got, err := testDB.GetSession(ctx, r.SessionID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionRaid, got.Type)
	assert.Equal(t, time.Hour, got.Config.Timeout)

	_, err = testDB.GetSession(ctx, uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRaidStateUpdate(t *testing.T) {
	ctx := context.Background()
	r := seedRaid(t, "raid-state-"+uuid.NewString())

	now := time.Now().UTC().Truncate(time.Microsecond)
	r.State = model.RaidFinalized
	r.FinalizedAt = &now
	require.NoError(t, testDB.SaveRaid(ctx, r))

	got, err := testDB.GetRaid(ctx, r.RaidID)
	require.NoError(t, err)
	assert.Equal(t, model.RaidFinalized, got.State)
	require.NotNil(t, got.FinalizedAt)
	assert.True(t, got.FinalizedAt.Equal(now))
	assert.Equal(t, r.Objectives, got.Objectives)
	assert.Equal(t, time.Hour, got.Duration)
}

func TestListUnfinalizedRaids(t *testing.T) {
	ctx := context.Background()
	open := seedRaid(t, "raid-open-"+uuid.NewString())
	done := seedRaid(t, "raid-done-"+uuid.NewString())
	now := time.Now().UTC().Truncate(time.Microsecond)
	done.State = model.RaidFinalized
	done.FinalizedAt = &now
	require.NoError(t, testDB.SaveRaid(ctx, done))

	raids, err := testDB.ListUnfinalizedRaids(ctx)
	require.NoError(t, err)
	ids := make(map[string]model.RaidState, len(raids))
	for _, r := range raids {
		ids[r.RaidID] = r.State
	}
	assert.Equal(t, model.RaidActive, ids[open.RaidID])
	assert.NotContains(t, ids, done.RaidID)
}

func TestParticipantUniquePerRaid(t *testing.T) {
	ctx := context.Background()
	r := seedRaid(t, "raid-part-"+uuid.NewString())

	p := model.Participant{
		ID:       uuid.New(),
		RaidID:   r.RaidID,
		Identity: model.Identity{PlatformID: "1001", PlatformUsername: "alice"},
		JoinedAt: time.Now().UTC(),
	}
	require.NoError(t, testDB.SaveParticipant(ctx, p))

	dup := p
	dup.ID = uuid.New()
	err := testDB.SaveParticipant(ctx, dup)
	assert.ErrorIs(t, err, storage.ErrDuplicate)

	list, err := testDB.ListParticipants(ctx, r.RaidID)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestActionCreditedOnce(t *testing.T) {
	ctx := context.Background()
	r := seedRaid(t, "raid-act-"+uuid.NewString())

	p := model.Participant{
		ID:       uuid.New(),
		RaidID:   r.RaidID,
		Identity: model.Identity{PlatformID: "1002", PlatformUsername: "bob"},
		JoinedAt: time.Now().UTC(),
	}
	require.NoError(t, testDB.SaveParticipant(ctx, p))

	a := model.ActionRecord{
		ID:            uuid.New(),
		RaidID:        r.RaidID,
		ParticipantID: p.ID,
		ActionType:    model.ActionLike,
		TargetID:      "post123",
		PointsEarned:  5,
		Verified:      true,
		Verification:  model.Verification{Confidence: 0.5, Method: model.VerifiedBySelfReport},
		Timestamp:     time.Now().UTC(),
	}
	require.NoError(t, testDB.AppendAction(ctx, a))

	a.ID = uuid.New()
	assert.ErrorIs(t, testDB.AppendAction(ctx, a), storage.ErrDuplicate)

	actions, err := testDB.ListActions(ctx, r.RaidID)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, model.VerifiedBySelfReport, actions[0].Verification.Method)
}

func TestSnapshotsTableCreatedLazily(t *testing.T) {
	ctx := context.Background()
	target := "target-" + uuid.NewString()
	likes := int64(12)
	base := time.Now().UTC().Truncate(time.Microsecond)

	require.NoError(t, testDB.AppendSnapshot(ctx, model.Snapshot{TargetID: target, Link: "https://x.com/a/status/1", Timestamp: base.Add(time.Second), Likes: &likes}))
	require.NoError(t, testDB.AppendSnapshot(ctx, model.Snapshot{TargetID: target, Link: "https://x.com/a/status/1", Timestamp: base}))

	snaps, err := testDB.ListSnapshots(ctx, target)
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.True(t, snaps[0].Timestamp.Before(snaps[1].Timestamp))
	assert.Nil(t, snaps[0].Likes)
	require.NotNil(t, snaps[1].Likes)
	assert.Equal(t, int64(12), *snaps[1].Likes)
}

func TestReportRoundTrip(t *testing.T) {
	ctx := context.Background()
	r := seedRaid(t, "raid-report-"+uuid.NewString())

	report := model.RaidReport{
		RaidID:      r.RaidID,
		State:       model.RaidFinalized,
		Final:       true,
		Metrics:     model.ReportMetrics{Participants: 3, TotalPoints: 15},
		GeneratedAt: time.Now().UTC(),
	}
	require.NoError(t, testDB.SaveReport(ctx, report))

	got, err := testDB.GetReport(ctx, r.RaidID)
	require.NoError(t, err)
	assert.Equal(t, 15, got.Metrics.TotalPoints)
	assert.True(t, got.Final)
}
