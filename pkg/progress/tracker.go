// Package progress accumulates per-job durations for a batch run and derives
// the running average and the estimated time left.
package progress

import (
	"fmt"
	"time"

	"github.com/menta2k/image-captioner/pkg/types"
)

// Tracker is owned by a single worker and is not safe for concurrent use.
//
// Every job counts toward Completed. Only successful jobs contribute to the
// average, so a fast failure does not drag the estimate down.
type Tracker struct {
	runID     string
	total     int
	completed int
	succeeded int
	failed    int
	sum       time.Duration
	last      time.Duration
}

// NewTracker creates a tracker for a run of total jobs
func NewTracker(runID string, total int) *Tracker {
	return &Tracker{runID: runID, total: total}
}

// Reset clears all accumulated values for a new run
func (t *Tracker) Reset(runID string, total int) {
	*t = Tracker{runID: runID, total: total}
}

// Record accounts a successful job that took d
func (t *Tracker) Record(d time.Duration) types.Snapshot {
	t.completed++
	t.succeeded++
	t.sum += d
	t.last = d
	return t.Snapshot()
}

// RecordFailure accounts a job that did not succeed. It advances the
// completed count without touching the duration aggregates.
func (t *Tracker) RecordFailure(d time.Duration) types.Snapshot {
	t.completed++
	t.failed++
	t.last = d
	return t.Snapshot()
}

// Average returns the mean duration of successful jobs so far
func (t *Tracker) Average() time.Duration {
	if t.succeeded == 0 {
		return 0
	}
	return t.sum / time.Duration(t.succeeded)
}

// Snapshot returns the current readout without recording anything
func (t *Tracker) Snapshot() types.Snapshot {
	avg := t.Average()
	remaining := t.total - t.completed
	if remaining < 0 {
		remaining = 0
	}
	return types.Snapshot{
		RunID:              t.runID,
		Completed:          t.completed,
		Succeeded:          t.succeeded,
		Failed:             t.failed,
		Total:              t.total,
		LastDuration:       t.last,
		AverageDuration:    avg,
		EstimatedRemaining: time.Duration(remaining) * avg,
	}
}

// SplitHMS breaks d into whole hours, minutes and seconds
func SplitHMS(d time.Duration) (hours, minutes, seconds int) {
	total := int(d / time.Second)
	if total < 0 {
		total = 0
	}
	hours = total / 3600
	minutes = (total % 3600) / 60
	seconds = total % 60
	return hours, minutes, seconds
}

// FormatRemaining renders d as "1h 2m 3s"
func FormatRemaining(d time.Duration) string {
	h, m, s := SplitHMS(d)
	return fmt.Sprintf("%dh %dm %ds", h, m, s)
}

// FormatTimeInfo renders the three-line timing readout shown after each image
func FormatTimeInfo(s types.Snapshot) string {
	return fmt.Sprintf(
		"Last Image Duration: %.2f sec\nAverage Duration: %.2f sec/image\nEstimated Remaining Time: %s",
		s.LastDuration.Seconds(), s.AverageDuration.Seconds(), FormatRemaining(s.EstimatedRemaining),
	)
}
