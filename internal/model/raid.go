package model

import (
	"time"

	"github.com/google/uuid"
)

// ActionType is an engagement action a participant can perform on a post.
type ActionType string

const (
	ActionLike    ActionType = "like"
	ActionRetweet ActionType = "retweet"
	ActionReply   ActionType = "reply"
	ActionQuote   ActionType = "quote"
	ActionFollow  ActionType = "follow"
)

// DefaultPoints is the point value used for objectives created without an
// explicit value.
var DefaultPoints = map[ActionType]int{
	ActionLike:    1,
	ActionRetweet: 2,
	ActionReply:   3,
	ActionQuote:   3,
	ActionFollow:  2,
}

// Valid reports whether a is a known action type.
func (a ActionType) Valid() bool {
	_, ok := DefaultPoints[a]
	return ok
}

// Objective is a goal within a raid: Count actions of ActionType on Target,
// each worth Points.
type Objective struct {
	ActionType ActionType `json:"action_type"`
	Target     string     `json:"target"`
	Count      int        `json:"count"`
	Points     int        `json:"points"`
}

// RaidState is the lifecycle state of a raid.
type RaidState string

const (
	RaidCreated   RaidState = "created"
	RaidActive    RaidState = "active"
	RaidEnded     RaidState = "ended"
	RaidTimedOut  RaidState = "timed_out"
	RaidFinalized RaidState = "finalized"
)

// Open reports whether the raid still accepts joins and actions.
func (s RaidState) Open() bool {
	return s == RaidCreated || s == RaidActive
}

// Raid is a time-boxed engagement campaign. It extends the raid-typed
// Session identified by SessionID.
type Raid struct {
	RaidID          string        `json:"raid_id"`
	SessionID       uuid.UUID     `json:"session_id"`
	AgentID         string        `json:"agent_id"`
	TargetURL       string        `json:"target_url"`
	Objectives      []Objective   `json:"objectives"`
	MaxParticipants int           `json:"max_participants"`
	Duration        time.Duration `json:"duration"`
	State           RaidState     `json:"state"`
	CreatedAt       time.Time     `json:"created_at"`
	EndsAt          time.Time     `json:"ends_at"`
	EndedAt         *time.Time    `json:"ended_at,omitempty"`
	FinalizedAt     *time.Time    `json:"finalized_at,omitempty"`
}

// Identity identifies a participant on the external platform.
type Identity struct {
	PlatformID       string  `json:"platform_id"`
	PlatformUsername string  `json:"platform_username"`
	SecondaryHandle  *string `json:"secondary_handle,omitempty"`
}

// Participant is a member of a raid.
type Participant struct {
	ID               uuid.UUID  `json:"id"`
	RaidID           string     `json:"raid_id"`
	Identity         Identity   `json:"identity"`
	ActionsCompleted int        `json:"actions_completed"`
	PointsEarned     int        `json:"points_earned"`
	Verified         bool       `json:"verified"`
	JoinedAt         time.Time  `json:"joined_at"`
	LastActionAt     *time.Time `json:"last_action_at,omitempty"`
}

// Evidence is platform-reported proof that an action happened.
type Evidence struct {
	ActionID   string     `json:"action_id"`
	ActionType ActionType `json:"action_type"`
	TargetID   string     `json:"target_id"`
	ActorID    string     `json:"actor_id"`
	ObservedAt time.Time  `json:"observed_at"`
}

// Observation is what a caller reports alongside an action claim.
type Observation struct {
	Evidence *Evidence `json:"evidence,omitempty"`
	Note     string    `json:"note,omitempty"`
}

// VerificationMethod records how an action was verified.
type VerificationMethod string

const (
	VerifiedByEvidence     VerificationMethod = "evidence"
	VerifiedByPlatform     VerificationMethod = "platform"
	VerifiedBySelfReport   VerificationMethod = "self_report"
	VerificationNotReached VerificationMethod = "none"
)

// Verification is the typed verification metadata stored with an action.
type Verification struct {
	Confidence float64            `json:"confidence"`
	Method     VerificationMethod `json:"method"`
	Reason     string             `json:"reason,omitempty"`
	Evidence   *Evidence          `json:"evidence,omitempty"`
}

// ActionRecord is an append-only record of a credited action.
type ActionRecord struct {
	ID             uuid.UUID    `json:"id"`
	RaidID         string       `json:"raid_id"`
	ParticipantID  uuid.UUID    `json:"participant_id"`
	ActionType     ActionType   `json:"action_type"`
	TargetID       string       `json:"target_id"`
	ObjectiveIndex int          `json:"objective_index"`
	PointsEarned   int          `json:"points_earned"`
	Verified       bool         `json:"verified"`
	Verification   Verification `json:"verification"`
	Timestamp      time.Time    `json:"timestamp"`
}

// ObjectiveProgress is the completion of one objective.
type ObjectiveProgress struct {
	Index         int        `json:"index"`
	ActionType    ActionType `json:"action_type"`
	Target        string     `json:"target"`
	Required      int        `json:"required"`
	Achieved      int        `json:"achieved"`
	Points        int        `json:"points"`
	CompletionPct float64    `json:"completion_pct"`
}

// RaidStatus is a point-in-time view of raid progress.
type RaidStatus struct {
	RaidID       string              `json:"raid_id"`
	State        RaidState           `json:"state"`
	Achieved     int                 `json:"achieved"`
	Required     int                 `json:"required"`
	Completion   float64             `json:"completion"` // 0..1
	Objectives   []ObjectiveProgress `json:"objectives"`
	Participants int                 `json:"participants"`
	TotalPoints  int                 `json:"total_points"`
	Elapsed      time.Duration       `json:"elapsed"`
	Remaining    time.Duration       `json:"remaining"`
}

// LeaderboardEntry is one ranked participant.
type LeaderboardEntry struct {
	Rank             int       `json:"rank"`
	ParticipantID    uuid.UUID `json:"participant_id"`
	PlatformUsername string    `json:"platform_username"`
	PointsEarned     int       `json:"points_earned"`
	ActionsCompleted int       `json:"actions_completed"`
	JoinedAt         time.Time `json:"joined_at"`
}

// ReportMetrics aggregates a raid's activity.
type ReportMetrics struct {
	Participants    int     `json:"participants"`
	TotalActions    int     `json:"total_actions"`
	VerifiedActions int     `json:"verified_actions"`
	TotalPoints     int     `json:"total_points"`
	Completion      float64 `json:"completion"`
}

// RaidReport is the summary produced when a raid is finalized.
type RaidReport struct {
	RaidID      string              `json:"raid_id"`
	State       RaidState           `json:"state"`
	Final       bool                `json:"final"`
	Metrics     ReportMetrics       `json:"metrics"`
	Leaderboard []LeaderboardEntry  `json:"leaderboard"`
	Objectives  []ObjectiveProgress `json:"objectives"`
	Target      *Snapshot           `json:"target,omitempty"`
	GeneratedAt time.Time           `json:"generated_at"`
}
