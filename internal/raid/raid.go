// Package raid coordinates time-boxed engagement raids: objectives,
// participants, verified action credit and final reports.
//
// Every raid is backed by a raid-typed session. The Controller keeps one
// entry per raid in memory, guarded by its own mutex so different raids never
// contend, and writes every change through to a storage.RaidStore. Entries
// not in memory are loaded from the store on first use.
package raid

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/raidline/internal/model"
	"github.com/ashita-ai/raidline/internal/session"
	"github.com/ashita-ai/raidline/internal/storage"
	"github.com/ashita-ai/raidline/internal/telemetry"
	"github.com/ashita-ai/raidline/internal/verify"
)

// DefaultMaxParticipants caps raids created without an explicit limit.
const DefaultMaxParticipants = 500

// Policy selects among objectives that match an action's type and target.
type Policy string

const (
	PolicyFirstMatch    Policy = "first_match"
	PolicyHighestPoints Policy = "highest_points"
)

// Valid reports whether p is a known policy.
func (p Policy) Valid() bool { return p == PolicyFirstMatch || p == PolicyHighestPoints }

// Verifier judges action claims.
type Verifier interface {
	Verify(ctx context.Context, req verify.Request) verify.Result
}

// SnapshotSource supplies the latest engagement snapshot for a target.
type SnapshotSource interface {
	Latest(targetID string) (model.Snapshot, bool)
}

// Config configures a Controller.
type Config struct {
	Policy                 Policy
	DefaultMaxParticipants int
	Now                    func() time.Time
}

// ObjectiveSpec is an objective as requested. Nil Points takes the default
// point table; an explicit zero is kept.
type ObjectiveSpec struct {
	ActionType model.ActionType `json:"action_type"`
	Target     string           `json:"target"`
	Count      int              `json:"count"`
	Points     *int             `json:"points,omitempty"`
}

// CreateRequest defines a new raid. RaidID is generated when empty.
type CreateRequest struct {
	RaidID          string          `json:"raid_id"`
	AgentID         string          `json:"agent_id"`
	TargetURL       string          `json:"target_url"`
	Objectives      []ObjectiveSpec `json:"objectives"`
	MaxParticipants int             `json:"max_participants"`
	Duration        time.Duration   `json:"duration"`
}

// Controller owns raids and their participants and action records.
type Controller struct {
	store     storage.RaidStore
	sessions  *session.Manager
	verifier  Verifier
	scorer    verify.Scorer
	snapshots SnapshotSource
	logger    *slog.Logger
	cfg       Config

	mu    sync.Mutex
	raids map[string]*entry

	joinCounter   metric.Int64Counter
	actionCounter metric.Int64Counter
	finalCounter  metric.Int64Counter
}

// entry is the in-memory state of one raid. All fields are guarded by mu.
type entry struct {
	mu           sync.Mutex
	raid         model.Raid
	participants []*model.Participant
	byID         map[uuid.UUID]*model.Participant
	byPlatform   map[string]*model.Participant
	actions      []model.ActionRecord
	credited     map[creditKey]struct{}
	lastAttempt  map[uuid.UUID]time.Time
	report       *model.RaidReport
}

type creditKey struct {
	participant uuid.UUID
	action      model.ActionType
	target      string
}

// NewController wires a Controller. scorer defaults to verify.FixedScorer and
// snapshots may be nil.
func NewController(
	store storage.RaidStore,
	sessions *session.Manager,
	verifier Verifier,
	scorer verify.Scorer,
	snapshots SnapshotSource,
	cfg Config,
	logger *slog.Logger,
) *Controller {
	if !cfg.Policy.Valid() {
		cfg.Policy = PolicyFirstMatch
	}
	if cfg.DefaultMaxParticipants <= 0 {
		cfg.DefaultMaxParticipants = DefaultMaxParticipants
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if scorer == nil {
		scorer = verify.FixedScorer{}
	}
	c := &Controller{
		store:     store,
		sessions:  sessions,
		verifier:  verifier,
		scorer:    scorer,
		snapshots: snapshots,
		logger:    logger,
		cfg:       cfg,
		raids:     make(map[string]*entry),
	}

	meter := telemetry.Meter("raidline/raid")
	c.joinCounter, _ = meter.Int64Counter("raidline.raid.joins",
		metric.WithDescription("Join attempts by outcome"))
	c.actionCounter, _ = meter.Int64Counter("raidline.raid.actions",
		metric.WithDescription("Recorded actions by outcome"))
	c.finalCounter, _ = meter.Int64Counter("raidline.raid.finalized",
		metric.WithDescription("Raids finalized by terminal state"))
	return c
}

// CreateRaid validates req, opens the backing session and activates the raid.
func (c *Controller) CreateRaid(ctx context.Context, req CreateRequest) (model.Raid, error) {
	objectives, err := validate(&req)
	if err != nil {
		return model.Raid{}, err
	}
	if req.RaidID == "" {
		req.RaidID = uuid.NewString()
	}
	if req.MaxParticipants == 0 {
		req.MaxParticipants = c.cfg.DefaultMaxParticipants
	}

	// Reserve the ID before any I/O so concurrent creates cannot both win.
	e := &entry{}
	e.mu.Lock()
	defer e.mu.Unlock()
	c.mu.Lock()
	if _, ok := c.raids[req.RaidID]; ok {
		c.mu.Unlock()
		return model.Raid{}, &ValidationError{Field: "raid_id", Message: fmt.Sprintf("raid %q already exists", req.RaidID)}
	}
	c.raids[req.RaidID] = e
	c.mu.Unlock()

	raid, err := c.create(ctx, req, objectives)
	if err != nil {
		c.mu.Lock()
		delete(c.raids, req.RaidID)
		c.mu.Unlock()
		return model.Raid{}, err
	}
	e.init(raid, nil, nil)
	return cloneRaid(raid), nil
}

func (c *Controller) create(ctx context.Context, req CreateRequest, objectives []model.Objective) (model.Raid, error) {
	_, err := c.store.GetRaid(ctx, req.RaidID)
	switch {
	case err == nil:
		return model.Raid{}, &ValidationError{Field: "raid_id", Message: fmt.Sprintf("raid %q already exists", req.RaidID)}
	case !errors.Is(err, storage.ErrNotFound):
		return model.Raid{}, fmt.Errorf("raid: create: %w", err)
	}

	sess, err := c.sessions.Create(ctx, model.SessionConfig{
		Type:    model.SessionRaid,
		AgentID: req.AgentID,
		Timeout: req.Duration,
		Extra:   map[string]string{"raid_id": req.RaidID},
	})
	if err != nil {
		return model.Raid{}, fmt.Errorf("raid: create: %w", err)
	}

	raid := model.Raid{
		RaidID:          req.RaidID,
		SessionID:       sess.ID,
		AgentID:         req.AgentID,
		TargetURL:       req.TargetURL,
		Objectives:      objectives,
		MaxParticipants: req.MaxParticipants,
		Duration:        req.Duration,
		State:           model.RaidCreated,
		CreatedAt:       sess.CreatedAt,
		EndsAt:          sess.ExpiresAt,
	}
	if err := c.store.SaveRaid(ctx, raid); err != nil {
		return model.Raid{}, fmt.Errorf("raid: create: %w", err)
	}
	raid.State = model.RaidActive
	if err := c.store.SaveRaid(ctx, raid); err != nil {
		return model.Raid{}, fmt.Errorf("raid: activate: %w", err)
	}

	c.logger.Info("raid: created",
		"raid_id", raid.RaidID,
		"session_id", raid.SessionID,
		"agent_id", raid.AgentID,
		"objectives", len(raid.Objectives),
		"max_participants", raid.MaxParticipants,
		"ends_at", raid.EndsAt,
	)
	return raid, nil
}

// validate checks req and returns its objectives with default points applied.
func validate(req *CreateRequest) ([]model.Objective, error) {
	u, err := url.Parse(req.TargetURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, &ValidationError{Field: "target_url", Message: fmt.Sprintf("%q is not an absolute http(s) URL", req.TargetURL)}
	}
	if req.Duration <= 0 {
		return nil, &ValidationError{Field: "duration", Message: "must be positive"}
	}
	if req.MaxParticipants < 0 {
		return nil, &ValidationError{Field: "max_participants", Message: "must not be negative"}
	}
	if len(req.Objectives) == 0 {
		return nil, &ValidationError{Field: "objectives", Message: "at least one objective is required"}
	}

	out := make([]model.Objective, len(req.Objectives))
	for i, o := range req.Objectives {
		field := fmt.Sprintf("objectives[%d]", i)
		switch {
		case !o.ActionType.Valid():
			return nil, &ValidationError{Field: field, Message: fmt.Sprintf("unknown action type %q", o.ActionType)}
		case strings.TrimSpace(o.Target) == "":
			return nil, &ValidationError{Field: field, Message: "target is required"}
		case o.Count <= 0:
			return nil, &ValidationError{Field: field, Message: "count must be positive"}
		case o.Points != nil && *o.Points < 0:
			return nil, &ValidationError{Field: field, Message: "points must not be negative"}
		}
		points := model.DefaultPoints[o.ActionType]
		if o.Points != nil {
			points = *o.Points
		}
		out[i] = model.Objective{ActionType: o.ActionType, Target: o.Target, Count: o.Count, Points: points}
	}
	return out, nil
}

// lookup returns the locked entry for raidID, loading it from the store on
// a miss. Callers must unlock the entry.
func (c *Controller) lookup(ctx context.Context, raidID string) (*entry, error) {
	c.mu.Lock()
	e, ok := c.raids[raidID]
	c.mu.Unlock()
	if ok {
		e.mu.Lock()
		if e.byID == nil {
			// A concurrent create failed after reserving the ID.
			e.mu.Unlock()
			return nil, reject(raidID, CodeRaidNotFound, "")
		}
		return e, nil
	}

	raid, err := c.store.GetRaid(ctx, raidID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, reject(raidID, CodeRaidNotFound, "")
	}
	if err != nil {
		return nil, fmt.Errorf("raid: load %s: %w", raidID, err)
	}
	participants, err := c.store.ListParticipants(ctx, raidID)
	if err != nil {
		return nil, fmt.Errorf("raid: load %s participants: %w", raidID, err)
	}
	actions, err := c.store.ListActions(ctx, raidID)
	if err != nil {
		return nil, fmt.Errorf("raid: load %s actions: %w", raidID, err)
	}
	var report *model.RaidReport
	if raid.State == model.RaidFinalized {
		r, err := c.store.GetReport(ctx, raidID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("raid: load %s report: %w", raidID, err)
		}
		if err == nil {
			report = &r
		}
	}

	loaded := &entry{}
	loaded.init(raid, participants, actions)
	loaded.report = report

	c.mu.Lock()
	if existing, ok := c.raids[raidID]; ok {
		loaded = existing
	} else {
		c.raids[raidID] = loaded
	}
	c.mu.Unlock()
	loaded.mu.Lock()
	return loaded, nil
}

func (e *entry) init(raid model.Raid, participants []model.Participant, actions []model.ActionRecord) {
	e.raid = raid
	e.byID = make(map[uuid.UUID]*model.Participant, len(participants))
	e.byPlatform = make(map[string]*model.Participant, len(participants))
	e.credited = make(map[creditKey]struct{}, len(actions))
	e.lastAttempt = make(map[uuid.UUID]time.Time)
	e.participants = nil
	for i := range participants {
		p := participants[i]
		e.add(&p)
		if p.LastActionAt != nil {
			e.lastAttempt[p.ID] = *p.LastActionAt
		}
	}
	e.actions = append([]model.ActionRecord(nil), actions...)
	for _, a := range actions {
		e.credited[creditKey{a.ParticipantID, a.ActionType, a.TargetID}] = struct{}{}
	}
}

func (e *entry) add(p *model.Participant) {
	e.participants = append(e.participants, p)
	e.byID[p.ID] = p
	e.byPlatform[p.Identity.PlatformID] = p
}

// closed reports whether the raid no longer accepts joins or actions.
func (e *entry) closed(now time.Time) bool {
	return !e.raid.State.Open() || !now.Before(e.raid.EndsAt)
}

// effectiveState is the state a reader should see: an open raid past its
// deadline reads as timed out before the sweep persists it.
func (e *entry) effectiveState(now time.Time) model.RaidState {
	if e.raid.State.Open() && !now.Before(e.raid.EndsAt) {
		return model.RaidTimedOut
	}
	return e.raid.State
}

func (e *entry) participantValues() []model.Participant {
	out := make([]model.Participant, len(e.participants))
	for i, p := range e.participants {
		out[i] = *p
	}
	return out
}

// snapshotTarget derives the monitor target ID for a raid: the last path
// segment of its target URL (the post ID for status links).
func snapshotTarget(targetURL string) string {
	u, err := url.Parse(targetURL)
	if err != nil {
		return ""
	}
	base := path.Base(strings.TrimSuffix(u.Path, "/"))
	if base == "." || base == "/" {
		return ""
	}
	return base
}

func (c *Controller) count(ctx context.Context, counter metric.Int64Counter, outcome string) {
	if counter != nil {
		counter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

func cloneRaid(r model.Raid) model.Raid {
	r.Objectives = append([]model.Objective(nil), r.Objectives...)
	return r
}
