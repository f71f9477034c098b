package raid

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/raidline/internal/model"
	"github.com/ashita-ai/raidline/internal/session"
	"github.com/ashita-ai/raidline/internal/storage"
	"github.com/ashita-ai/raidline/internal/verify"
)

// Join adds a participant. Rejections (duplicate_participant,
// raid_not_found, raid_full, raid_ended) are returned as *Rejection.
func (c *Controller) Join(ctx context.Context, raidID string, identity model.Identity) (model.Participant, error) {
	if strings.TrimSpace(identity.PlatformID) == "" {
		return model.Participant{}, &ValidationError{Field: "platform_id", Message: "is required"}
	}

	e, err := c.lookup(ctx, raidID)
	if err != nil {
		c.count(ctx, c.joinCounter, outcomeOf(err))
		return model.Participant{}, err
	}
	defer e.mu.Unlock()

	now := c.cfg.Now()
	switch {
	case e.closed(now):
		err = reject(raidID, CodeRaidEnded, "")
	case e.byPlatform[identity.PlatformID] != nil:
		err = reject(raidID, CodeDuplicateParticipant, identity.PlatformID)
	case len(e.participants) >= e.raid.MaxParticipants:
		err = reject(raidID, CodeRaidFull, fmt.Sprintf("max %d", e.raid.MaxParticipants))
	}
	if err != nil {
		c.count(ctx, c.joinCounter, outcomeOf(err))
		return model.Participant{}, err
	}

	p := model.Participant{
		ID:       uuid.New(),
		RaidID:   raidID,
		Identity: identity,
		JoinedAt: now,
	}
	if err := c.store.SaveParticipant(ctx, p); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return model.Participant{}, reject(raidID, CodeDuplicateParticipant, identity.PlatformID)
		}
		return model.Participant{}, fmt.Errorf("raid: join: %w", err)
	}
	e.add(&p)
	c.touch(ctx, e, "join")
	c.count(ctx, c.joinCounter, "joined")

	c.logger.Info("raid: participant joined",
		"raid_id", raidID,
		"participant_id", p.ID,
		"platform_username", identity.PlatformUsername,
		"participants", len(e.participants),
	)
	return p, nil
}

// ActionRequest is one participant's claim to have performed an action.
type ActionRequest struct {
	RaidID        string            `json:"raid_id"`
	ParticipantID uuid.UUID         `json:"participant_id"`
	ActionType    model.ActionType  `json:"action_type"`
	TargetID      string            `json:"target_id"`
	Observation   model.Observation `json:"observation"`
}

// ActionResult is the outcome of RecordAction. A rejected action has
// Credited false, zero Points and a non-nil Rejection.
type ActionResult struct {
	Credited       bool                `json:"credited"`
	Points         int                 `json:"points"`
	ObjectiveIndex int                 `json:"objective_index"`
	Verification   model.Verification  `json:"verification"`
	Participant    *model.Participant  `json:"participant,omitempty"`
	Record         *model.ActionRecord `json:"record,omitempty"`
	Rejection      *Rejection          `json:"rejection,omitempty"`
}

// RecordAction verifies a claim and credits the matching objective. Domain
// rejections are reported in the result; the error is reserved for storage
// failures.
func (c *Controller) RecordAction(ctx context.Context, req ActionRequest) (ActionResult, error) {
	res, err := c.recordAction(ctx, req)
	switch {
	case err != nil:
		c.count(ctx, c.actionCounter, "error")
	case res.Rejection != nil:
		c.count(ctx, c.actionCounter, string(res.Rejection.Code))
	default:
		c.count(ctx, c.actionCounter, "credited")
	}
	return res, err
}

func (c *Controller) recordAction(ctx context.Context, req ActionRequest) (ActionResult, error) {
	e, err := c.lookup(ctx, req.RaidID)
	if err != nil {
		var rej *Rejection
		if errors.As(err, &rej) {
			return ActionResult{ObjectiveIndex: -1, Rejection: rej}, nil
		}
		return ActionResult{}, err
	}
	now := c.cfg.Now()
	vreq, rej := c.admitAction(e, req, now)
	e.mu.Unlock()
	if rej != nil {
		return ActionResult{ObjectiveIndex: -1, Rejection: rej}, nil
	}

	// Verification may call the platform through the executor, so the raid
	// stays unlocked while it runs. credit re-checks everything it relied on.
	verdict := c.verifier.Verify(ctx, vreq)
	if !verdict.Verified {
		c.logger.Info("raid: action rejected",
			"raid_id", req.RaidID, "participant_id", vreq.ParticipantID,
			"action_type", string(req.ActionType), "target_id", req.TargetID,
			"reason", string(verdict.Reason))
		return ActionResult{
			ObjectiveIndex: -1,
			Verification:   verdict.Verification(),
			Rejection:      reject(req.RaidID, Code(verdict.Reason), ""),
		}, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return c.credit(ctx, e, req, verdict, now)
}

// admitAction runs the checks that need no platform call and records the
// attempt for pacing. It returns the verification request, or a rejection.
// e must be locked.
func (c *Controller) admitAction(e *entry, req ActionRequest, now time.Time) (verify.Request, *Rejection) {
	if e.closed(now) {
		return verify.Request{}, reject(req.RaidID, CodeRaidEnded, "")
	}
	p := e.byID[req.ParticipantID]
	if p == nil {
		return verify.Request{}, reject(req.RaidID, CodeParticipantNotFound, req.ParticipantID.String())
	}

	last := e.lastAttempt[p.ID]
	e.lastAttempt[p.ID] = now

	if _, dup := e.credited[creditKey{p.ID, req.ActionType, req.TargetID}]; dup {
		return verify.Request{}, reject(req.RaidID, CodeDuplicateAction, fmt.Sprintf("%s on %s", req.ActionType, req.TargetID))
	}
	return verify.Request{
		RaidID:        req.RaidID,
		ParticipantID: p.ID,
		ActorID:       p.Identity.PlatformID,
		ActionType:    req.ActionType,
		TargetID:      req.TargetID,
		Objectives:    append([]model.Objective(nil), e.raid.Objectives...),
		Observation:   req.Observation,
		LastAttempt:   last,
		Now:           now,
	}, nil
}

// credit applies a verified action. The raid may have ended, or a concurrent
// request may have taken the credit or the last objective slot, while
// verification ran, so those checks are repeated here. e must be locked.
func (c *Controller) credit(ctx context.Context, e *entry, req ActionRequest, verdict verify.Result, now time.Time) (ActionResult, error) {
	rejected := func(code Code, detail string) (ActionResult, error) {
		return ActionResult{
			ObjectiveIndex: -1,
			Verification:   verdict.Verification(),
			Rejection:      reject(req.RaidID, code, detail),
		}, nil
	}

	if e.closed(c.cfg.Now()) {
		return rejected(CodeRaidEnded, "")
	}
	p := e.byID[req.ParticipantID]
	key := creditKey{p.ID, req.ActionType, req.TargetID}
	if _, dup := e.credited[key]; dup {
		return rejected(CodeDuplicateAction, fmt.Sprintf("%s on %s", req.ActionType, req.TargetID))
	}

	idx, code := c.resolveObjective(e, req.ActionType, req.TargetID)
	if code != "" {
		return rejected(code, fmt.Sprintf("%s on %s", req.ActionType, req.TargetID))
	}
	points := c.scorer.Score(e.raid.Objectives[idx], verdict)

	record := model.ActionRecord{
		ID:             uuid.New(),
		RaidID:         req.RaidID,
		ParticipantID:  p.ID,
		ActionType:     req.ActionType,
		TargetID:       req.TargetID,
		ObjectiveIndex: idx,
		PointsEarned:   points,
		Verified:       true,
		Verification:   verdict.Verification(),
		Timestamp:      now,
	}
	if err := c.store.AppendAction(ctx, record); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			e.credited[key] = struct{}{}
			return rejected(CodeDuplicateAction, fmt.Sprintf("%s on %s", req.ActionType, req.TargetID))
		}
		return ActionResult{}, fmt.Errorf("raid: record action: %w", err)
	}

	updated := *p
	updated.ActionsCompleted++
	updated.PointsEarned += points
	updated.LastActionAt = &now
	if verdict.Method == model.VerifiedByEvidence || verdict.Method == model.VerifiedByPlatform {
		updated.Verified = true
	}
	if err := c.store.SaveParticipant(ctx, updated); err != nil {
		// The action record is durable; the participant row catches up on the
		// next credited action because points only grow.
		c.logger.Error("raid: save participant after credit",
			"raid_id", req.RaidID, "participant_id", p.ID, "error", err)
	}
	*p = updated
	e.actions = append(e.actions, record)
	e.credited[key] = struct{}{}
	c.touch(ctx, e, string(req.ActionType))

	c.logger.Info("raid: action credited",
		"raid_id", req.RaidID,
		"participant_id", p.ID,
		"action_type", string(req.ActionType),
		"target_id", req.TargetID,
		"objective", idx,
		"points", points,
		"method", string(verdict.Method),
	)
	credited := updated
	return ActionResult{
		Credited:       true,
		Points:         points,
		ObjectiveIndex: idx,
		Verification:   record.Verification,
		Participant:    &credited,
		Record:         &record,
	}, nil
}

// resolveObjective picks the objective an action credits. Only objectives of
// the same type and target that still have remaining count are candidates.
func (c *Controller) resolveObjective(e *entry, action model.ActionType, target string) (int, Code) {
	achieved := make([]int, len(e.raid.Objectives))
	for _, a := range e.actions {
		if a.ObjectiveIndex >= 0 && a.ObjectiveIndex < len(achieved) {
			achieved[a.ObjectiveIndex]++
		}
	}

	best, matched := -1, false
	for i, o := range e.raid.Objectives {
		if o.ActionType != action || o.Target != target {
			continue
		}
		matched = true
		if achieved[i] >= o.Count {
			continue
		}
		if best == -1 {
			best = i
			if c.cfg.Policy == PolicyFirstMatch {
				break
			}
			continue
		}
		if o.Points > e.raid.Objectives[best].Points {
			best = i
		}
	}
	switch {
	case best >= 0:
		return best, ""
	case matched:
		return -1, CodeObjectiveComplete
	default:
		return -1, CodeNoMatchingObjective
	}
}

// touch records activity on the raid's session. The session shares the
// raid's deadline, so failures here never block raid operations.
func (c *Controller) touch(ctx context.Context, e *entry, kind string) {
	if _, err := c.sessions.RecordEvent(ctx, e.raid.SessionID, kind); err != nil && !errors.Is(err, session.ErrExpired) {
		c.logger.Warn("raid: touch session", "raid_id", e.raid.RaidID, "session_id", e.raid.SessionID, "error", err)
	}
}

func outcomeOf(err error) string {
	if code := RejectionCode(err); code != "" {
		return string(code)
	}
	return "error"
}
