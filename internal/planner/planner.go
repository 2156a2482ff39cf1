// Package planner computes API-legal discovery windows from a checkpoint.
// The listing endpoint rejects windows longer than 24h and starts older than
// 7 days; all of that arithmetic is localised here.
package planner

import (
	"time"

	"o365collect/internal/domain"
)

const (
	// MaxWindow is the longest interval the listing endpoint accepts.
	MaxWindow = 24 * time.Hour
	// Retention is how far back the API keeps content.
	Retention = 7 * 24 * time.Hour
	// clampEpsilon keeps a clamped start strictly inside the retention edge.
	clampEpsilon = time.Second
)

// Plan is the discovery schedule for one (tenant, feed) cycle.
type Plan struct {
	Windows []domain.TimeWindow
	// Clamped is set when the checkpoint was older than retention and the
	// covered range lost its head. The caller logs the gap.
	Clamped bool
	// BookmarkOnly is set on an only-future-events first run: no discovery,
	// just move last_log_time to now.
	BookmarkOnly bool
}

// Next computes the windows covering [checkpoint, now].
//
// Guarantees: windows are contiguous, non-overlapping, each at most 24h, and
// cover the span exactly (modulo the retention clamp). A span that is empty
// or inverted (clock moved backwards) yields no windows.
func Next(cp domain.Checkpoint, now time.Time, onlyFuture bool, hoursToCollect int) Plan {
	now = now.UTC()

	if cp.FirstRun {
		if onlyFuture {
			return Plan{BookmarkOnly: true}
		}
		if hoursToCollect <= 0 {
			hoursToCollect = 24
		}
		start := now.Add(-time.Duration(hoursToCollect) * time.Hour)
		return clampAndSplit(start, now)
	}
	return clampAndSplit(cp.LastLogTime.UTC(), now)
}

func clampAndSplit(start, end time.Time) Plan {
	var plan Plan
	if !start.Before(end) {
		return plan
	}
	oldest := end.Add(-Retention)
	if start.Before(oldest) {
		start = oldest.Add(clampEpsilon)
		plan.Clamped = true
		if !start.Before(end) {
			return plan
		}
	}
	for end.Sub(start) > MaxWindow {
		split := start.Add(MaxWindow)
		plan.Windows = append(plan.Windows, domain.TimeWindow{Start: start, End: split})
		start = split
	}
	plan.Windows = append(plan.Windows, domain.TimeWindow{Start: start, End: end})
	return plan
}
