package raid

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ashita-ai/raidline/internal/leaderboard"
	"github.com/ashita-ai/raidline/internal/model"
)

// Status returns a point-in-time view of raid progress.
func (c *Controller) Status(ctx context.Context, raidID string) (model.RaidStatus, error) {
	e, err := c.lookup(ctx, raidID)
	if err != nil {
		return model.RaidStatus{}, err
	}
	defer e.mu.Unlock()

	now := c.cfg.Now()
	board := leaderboard.Build(e.participantValues(), e.raid.Objectives, e.actions)
	elapsed, remaining := e.timing(now)
	return model.RaidStatus{
		RaidID:       raidID,
		State:        e.effectiveState(now),
		Achieved:     board.Achieved,
		Required:     board.Required,
		Completion:   board.Completion,
		Objectives:   board.Objectives,
		Participants: len(e.participants),
		TotalPoints:  board.TotalPoints,
		Elapsed:      elapsed,
		Remaining:    remaining,
	}, nil
}

// Report returns the final report of a finalized raid, or a provisional
// report (Final false) built from current state.
func (c *Controller) Report(ctx context.Context, raidID string) (model.RaidReport, error) {
	e, err := c.lookup(ctx, raidID)
	if err != nil {
		return model.RaidReport{}, err
	}
	defer e.mu.Unlock()

	if e.report != nil {
		return *e.report, nil
	}
	now := c.cfg.Now()
	return c.buildReport(e, e.effectiveState(now), now), nil
}

// Stop ends an open raid early and finalizes it. Stopping a finalized raid
// returns its stored report.
func (c *Controller) Stop(ctx context.Context, raidID string) (model.RaidReport, error) {
	return c.finalize(ctx, raidID, model.RaidEnded)
}

// Finalize freezes the raid, persists the final report and expires the
// backing session. An open raid past its deadline finalizes as timed out,
// otherwise as ended. Idempotent.
func (c *Controller) Finalize(ctx context.Context, raidID string) (model.RaidReport, error) {
	return c.finalize(ctx, raidID, model.RaidEnded)
}

func (c *Controller) finalize(ctx context.Context, raidID string, stopped model.RaidState) (model.RaidReport, error) {
	e, err := c.lookup(ctx, raidID)
	if err != nil {
		return model.RaidReport{}, err
	}
	defer e.mu.Unlock()

	if e.report != nil {
		return *e.report, nil
	}

	now := c.cfg.Now()
	if e.raid.State.Open() {
		next := stopped
		if !now.Before(e.raid.EndsAt) {
			next = model.RaidTimedOut
		}
		ended := now
		e.raid.State = next
		e.raid.EndedAt = &ended
		if err := c.store.SaveRaid(ctx, e.raid); err != nil {
			return model.RaidReport{}, fmt.Errorf("raid: end %s: %w", raidID, err)
		}
		c.logger.Info("raid: ended", "raid_id", raidID, "state", string(next))
	}
	terminal := e.raid.State

	report := c.buildReport(e, model.RaidFinalized, now)
	report.Final = true
	if err := c.store.SaveReport(ctx, report); err != nil {
		return model.RaidReport{}, fmt.Errorf("raid: save report %s: %w", raidID, err)
	}

	finalized := now
	e.raid.State = model.RaidFinalized
	e.raid.FinalizedAt = &finalized
	if err := c.store.SaveRaid(ctx, e.raid); err != nil {
		return model.RaidReport{}, fmt.Errorf("raid: finalize %s: %w", raidID, err)
	}
	e.report = &report

	if err := c.sessions.Expire(ctx, e.raid.SessionID); err != nil {
		c.logger.Warn("raid: expire session", "raid_id", raidID, "session_id", e.raid.SessionID, "error", err)
	}
	c.count(ctx, c.finalCounter, string(terminal))

	c.logger.Info("raid: finalized",
		"raid_id", raidID,
		"terminal_state", string(terminal),
		"participants", report.Metrics.Participants,
		"total_points", report.Metrics.TotalPoints,
		"completion", report.Metrics.Completion,
	)
	return report, nil
}

func (c *Controller) buildReport(e *entry, state model.RaidState, now time.Time) model.RaidReport {
	board := leaderboard.Build(e.participantValues(), e.raid.Objectives, e.actions)
	verified := 0
	for _, a := range e.actions {
		if a.Verified {
			verified++
		}
	}
	report := model.RaidReport{
		RaidID: e.raid.RaidID,
		State:  state,
		Metrics: model.ReportMetrics{
			Participants:    len(e.participants),
			TotalActions:    len(e.actions),
			VerifiedActions: verified,
			TotalPoints:     board.TotalPoints,
			Completion:      board.Completion,
		},
		Leaderboard: board.Entries,
		Objectives:  board.Objectives,
		GeneratedAt: now,
	}
	if c.snapshots != nil {
		if target := snapshotTarget(e.raid.TargetURL); target != "" {
			if snap, ok := c.snapshots.Latest(target); ok {
				report.Target = &snap
			}
		}
	}
	return report
}

// Sweep finalizes every raid whose deadline has passed, plus raids left
// ended but unfinalized. Raids not held in memory are found through the
// store, so raids still open across a restart are swept too. Returns the
// number of raids finalized.
func (c *Controller) Sweep(ctx context.Context) (int, error) {
	now := c.cfg.Now()
	c.mu.Lock()
	loaded := make(map[string]struct{}, len(c.raids))
	var due []string
	for id, e := range c.raids {
		loaded[id] = struct{}{}
		// TryLock skips raids busy with a request; the next sweep gets them.
		if !e.mu.TryLock() {
			continue
		}
		if e.byID != nil && e.report == nil && sweepable(e.raid, now) {
			due = append(due, id)
		}
		e.mu.Unlock()
	}
	c.mu.Unlock()

	var errs []error
	stored, err := c.store.ListUnfinalizedRaids(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("raid: sweep: %w", err))
	}
	for _, r := range stored {
		if _, ok := loaded[r.RaidID]; ok {
			continue
		}
		if sweepable(r, now) {
			due = append(due, r.RaidID)
		}
	}

	n := 0
	for _, id := range due {
		if _, err := c.finalize(ctx, id, model.RaidTimedOut); err != nil {
			errs = append(errs, err)
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

// sweepable reports whether r needs finalizing: open past its deadline, or
// already ended without a report.
func sweepable(r model.Raid, now time.Time) bool {
	if r.State == model.RaidFinalized {
		return false
	}
	return !r.State.Open() || !now.Before(r.EndsAt)
}

// Run sweeps every interval until ctx is cancelled.
func (c *Controller) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := c.Sweep(ctx); err != nil {
				c.logger.Warn("raid: sweep failed", "error", err)
			}
		}
	}
}

func (e *entry) timing(now time.Time) (elapsed, remaining time.Duration) {
	end := now
	if e.raid.EndedAt != nil {
		end = *e.raid.EndedAt
	}
	if end.After(e.raid.EndsAt) {
		end = e.raid.EndsAt
	}
	elapsed = max(end.Sub(e.raid.CreatedAt), 0)
	if e.raid.State.Open() {
		remaining = max(e.raid.EndsAt.Sub(now), 0)
	}
	return elapsed, remaining
}
