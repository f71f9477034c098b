package raidline

import "context"

// Corroborator confirms an action claim against an external source.
// When provided via WithCorroborator, replaces the platform engagement lookup.
// Errors degrade to the configured trust policy; they never fail the action.
type Corroborator interface {
	Corroborate(ctx context.Context, actorID string, action ActionType, targetID string) (bool, error)
}

// Scorer decides how many points a verified action earns against an objective.
// When provided via WithScorer, replaces the fixed objective point value.
// The verification carries the method and confidence of the verdict.
type Scorer interface {
	Score(obj Objective, v Verification) int
}
