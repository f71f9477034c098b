// Package leaderboard ranks raid participants and computes objective
// completion from credited action records.
package leaderboard

import (
	"sort"

	"github.com/ashita-ai/raidline/internal/model"
)

// Board is the ranked view of a raid.
type Board struct {
	Entries    []model.LeaderboardEntry
	Objectives []model.ObjectiveProgress
	Achieved   int
	Required   int
	// Completion is Achieved/Required in [0, 1]; zero when nothing is required.
	Completion  float64
	TotalPoints int
}

// Build ranks participants by points (descending), breaking ties by earlier
// join time and then by ID so the order is stable across calls. Inputs are
// not modified.
func Build(participants []model.Participant, objectives []model.Objective, actions []model.ActionRecord) Board {
	ranked := append([]model.Participant(nil), participants...)
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.PointsEarned != b.PointsEarned {
			return a.PointsEarned > b.PointsEarned
		}
		if !a.JoinedAt.Equal(b.JoinedAt) {
			return a.JoinedAt.Before(b.JoinedAt)
		}
		return a.ID.String() < b.ID.String()
	})

	board := Board{Entries: make([]model.LeaderboardEntry, 0, len(ranked))}
	for i, p := range ranked {
		board.Entries = append(board.Entries, model.LeaderboardEntry{
			Rank:             i + 1,
			ParticipantID:    p.ID,
			PlatformUsername: p.Identity.PlatformUsername,
			PointsEarned:     p.PointsEarned,
			ActionsCompleted: p.ActionsCompleted,
			JoinedAt:         p.JoinedAt,
		})
		board.TotalPoints += p.PointsEarned
	}

	board.Objectives = Progress(objectives, actions)
	for _, o := range board.Objectives {
		board.Achieved += o.Achieved
		board.Required += o.Required
	}
	if board.Required > 0 {
		board.Completion = float64(board.Achieved) / float64(board.Required)
	}
	return board
}

// Progress counts credited actions per objective. Achieved is capped at the
// objective's required count.
func Progress(objectives []model.Objective, actions []model.ActionRecord) []model.ObjectiveProgress {
	counts := make([]int, len(objectives))
	for _, a := range actions {
		if a.ObjectiveIndex >= 0 && a.ObjectiveIndex < len(objectives) {
			counts[a.ObjectiveIndex]++
		}
	}
	out := make([]model.ObjectiveProgress, len(objectives))
	for i, o := range objectives {
		achieved := min(counts[i], o.Count)
		pct := 0.0
		if o.Count > 0 {
			pct = float64(achieved) / float64(o.Count) * 100
		}
		out[i] = model.ObjectiveProgress{
			Index:         i,
			ActionType:    o.ActionType,
			Target:        o.Target,
			Required:      o.Count,
			Achieved:      achieved,
			Points:        o.Points,
			CompletionPct: pct,
		}
	}
	return out
}
