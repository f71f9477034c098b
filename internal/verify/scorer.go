package verify

import "github.com/ashita-ai/raidline/internal/model"

// Scorer assigns points to a verified action against an objective.
type Scorer interface {
	Score(obj model.Objective, res Result) int
}

// FixedScorer awards the objective's point value regardless of confidence.
type FixedScorer struct{}

// Score returns obj.Points.
func (FixedScorer) Score(obj model.Objective, _ Result) int { return obj.Points }
