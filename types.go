package raidline

import (
	"github.com/ashita-ai/raidline/internal/auth"
	"github.com/ashita-ai/raidline/internal/executor"
	"github.com/ashita-ai/raidline/internal/model"
	"github.com/ashita-ai/raidline/internal/monitor"
	"github.com/ashita-ai/raidline/internal/platform"
	"github.com/ashita-ai/raidline/internal/raid"
)

// Public names for the domain types. They alias the internal model so values
// flow across the boundary without conversion.
type (
	ActionType        = model.ActionType
	Objective         = model.Objective
	Raid              = model.Raid
	RaidState         = model.RaidState
	Identity          = model.Identity
	Participant       = model.Participant
	Observation       = model.Observation
	Evidence          = model.Evidence
	Verification      = model.Verification
	RaidStatus        = model.RaidStatus
	RaidReport        = model.RaidReport
	LeaderboardEntry  = model.LeaderboardEntry
	ObjectiveProgress = model.ObjectiveProgress
	Snapshot          = model.Snapshot
	Metrics           = model.Metrics

	CreateRaidRequest = raid.CreateRequest
	ObjectiveSpec     = raid.ObjectiveSpec
	ActionRequest     = raid.ActionRequest
	ActionResult      = raid.ActionResult
	Rejection         = raid.Rejection
	RejectionCode     = raid.Code
	ValidationError   = raid.ValidationError

	MonitorStatus = monitor.Status
	AuthStatus    = auth.Status
	AuthOptions   = auth.Options
	Credentials   = platform.Credentials
	ExecutorStats = executor.Stats

	PlatformClient  = platform.Client
	PlatformFactory = platform.Factory
)

// Action types.
const (
	ActionLike    = model.ActionLike
	ActionRetweet = model.ActionRetweet
	ActionReply   = model.ActionReply
	ActionQuote   = model.ActionQuote
	ActionFollow  = model.ActionFollow
)

// Errors callers inspect with errors.Is.
var (
	ErrAlreadyMonitoring = monitor.ErrAlreadyMonitoring
	ErrRateLimited       = executor.ErrRateLimited
)

// Points returns a pointer to n for ObjectiveSpec.Points. An explicit zero
// makes an objective worth no points; nil takes the default table.
func Points(n int) *int { return &n }
