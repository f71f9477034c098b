// Package verify decides whether a reported raid action is credible and how
// many points it earns.
//
// Verification is an ordered chain of predicates; the first failing one
// supplies the rejection reason:
//
//  1. objective: the action type matches one of the raid's objectives
//  2. corroboration: evidence, a platform lookup, or the trust policy
//  3. pacing: the participant is not reporting faster than MinInterval
package verify

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/raidline/internal/model"
)

// Trust is the policy applied when no corroboration is available.
type Trust string

const (
	TrustSelfReport Trust = "self_report"
	TrustStrict     Trust = "strict"
)

// Valid reports whether t is a known policy.
func (t Trust) Valid() bool { return t == TrustSelfReport || t == TrustStrict }

// Reason is a verification rejection reason.
type Reason string

const (
	ReasonNoMatchingObjective Reason = "no_matching_objective"
	ReasonUnverified          Reason = "unverified"
	ReasonTooFast             Reason = "too_fast"
)

// Confidence levels per corroboration method.
const (
	ConfidenceEvidence   = 1.0
	ConfidencePlatform   = 0.9
	ConfidenceSelfReport = 0.5
)

// DefaultMinInterval is the minimum spacing between one participant's reports.
const DefaultMinInterval = 2 * time.Second

// Corroborator confirms an action against the platform.
type Corroborator interface {
	Corroborate(ctx context.Context, actorID string, action model.ActionType, targetID string) (bool, error)
}

// Request is one action claim.
type Request struct {
	RaidID        string
	ParticipantID uuid.UUID
	ActorID       string // the participant's platform ID
	ActionType    model.ActionType
	TargetID      string
	Objectives    []model.Objective
	Observation   model.Observation
	LastAttempt   time.Time // zero when the participant has not reported before
	Now           time.Time
}

// Result is the verdict for a Request.
type Result struct {
	Verified   bool
	Confidence float64
	Method     model.VerificationMethod
	Reason     Reason
	Evidence   *model.Evidence
}

// Verification converts r into the metadata stored with an action record.
func (r Result) Verification() model.Verification {
	return model.Verification{
		Confidence: r.Confidence,
		Method:     r.Method,
		Reason:     string(r.Reason),
		Evidence:   r.Evidence,
	}
}

// Config configures a Verifier.
type Config struct {
	Trust       Trust
	MinInterval time.Duration
}

// Verifier runs the predicate chain.
type Verifier struct {
	cfg          Config
	corroborator Corroborator
	logger       *slog.Logger
	chain        []predicate
}

// predicate inspects req and either rejects (returns a reason) or annotates res.
type predicate func(ctx context.Context, req *Request, res *Result) (Reason, bool)

// New creates a Verifier. corroborator may be nil.
func New(cfg Config, corroborator Corroborator, logger *slog.Logger) *Verifier {
	if !cfg.Trust.Valid() {
		cfg.Trust = TrustSelfReport
	}
	if cfg.MinInterval < 0 {
		cfg.MinInterval = 0
	}
	v := &Verifier{cfg: cfg, corroborator: corroborator, logger: logger}
	v.chain = []predicate{v.objective, v.corroboration, v.pacing}
	return v
}

// Verify runs the chain. It never returns an error: lookup failures degrade
// to the trust policy.
func (v *Verifier) Verify(ctx context.Context, req Request) Result {
	if req.Now.IsZero() {
		req.Now = time.Now()
	}
	res := Result{Method: model.VerificationNotReached}
	for _, p := range v.chain {
		if reason, ok := p(ctx, &req, &res); !ok {
			return Result{Method: res.Method, Confidence: 0, Reason: reason, Evidence: res.Evidence}
		}
	}
	res.Verified = true
	return res
}

func (v *Verifier) objective(_ context.Context, req *Request, _ *Result) (Reason, bool) {
	for _, o := range req.Objectives {
		if o.ActionType == req.ActionType {
			return "", true
		}
	}
	return ReasonNoMatchingObjective, false
}

func (v *Verifier) corroboration(ctx context.Context, req *Request, res *Result) (Reason, bool) {
	if ev := req.Observation.Evidence; ev != nil {
		if ev.ActionType == req.ActionType && ev.TargetID == req.TargetID &&
			(ev.ActorID == "" || ev.ActorID == req.ActorID) {
			res.Method = model.VerifiedByEvidence
			res.Confidence = ConfidenceEvidence
			res.Evidence = ev
			return "", true
		}
		v.logger.Info("verify: evidence does not match claim",
			"raid_id", req.RaidID, "participant_id", req.ParticipantID,
			"action_type", string(req.ActionType), "target_id", req.TargetID)
	}

	if v.corroborator != nil {
		ok, err := v.corroborator.Corroborate(ctx, req.ActorID, req.ActionType, req.TargetID)
		switch {
		case err != nil:
			v.logger.Warn("verify: platform corroboration failed",
				"raid_id", req.RaidID, "participant_id", req.ParticipantID, "error", err)
		case ok:
			res.Method = model.VerifiedByPlatform
			res.Confidence = ConfidencePlatform
			return "", true
		}
	}

	if v.cfg.Trust == TrustStrict {
		return ReasonUnverified, false
	}
	res.Method = model.VerifiedBySelfReport
	res.Confidence = ConfidenceSelfReport
	return "", true
}

func (v *Verifier) pacing(_ context.Context, req *Request, _ *Result) (Reason, bool) {
	if req.LastAttempt.IsZero() || v.cfg.MinInterval == 0 {
		return "", true
	}
	if req.Now.Sub(req.LastAttempt) < v.cfg.MinInterval {
		return ReasonTooFast, false
	}
	return "", true
}
