package jobs

import (
	"math"
	"time"

	"github.com/optimode/mailverify/types"
)

// Phase weights of the two-phase progress formula. Phase 1 is far cheaper
// per address than phase 2.
const (
	Phase1Weight = 0.4
	Phase2Weight = 0.6
)

// Percent returns the weighted completion of job in [0, 100]. It never
// decreases over a job's lifetime: both phase ratios only grow, and a job
// that skips phase 2 (nothing to probe) gets the full phase-2 share once
// it leaves precheck.
func Percent(job types.ValidationJob) float64 {
	if job.Status == types.StatusCompleted {
		return 100
	}
	p1 := 1.0
	if job.Total > 0 {
		p1 = float64(job.Phase1Done) / float64(job.Total)
	}
	p2 := 0.0
	switch {
	case job.Phase2Total > 0:
		p2 = float64(job.Phase2Done) / float64(job.Phase2Total)
	case job.Phase == types.PhaseSMTP || job.Phase == types.PhaseDone:
		p2 = 1
	case job.Phase == types.PhaseFailed && job.Phase1Done >= job.Total:
		// failed after a precheck that left nothing to probe
		p2 = 1
	}
	pct := 100 * (Phase1Weight*math.Min(p1, 1) + Phase2Weight*math.Min(p2, 1))
	return math.Floor(pct*10) / 10
}

// Snapshot builds the progress view of job at now. The poll and push paths
// both use it, so they report identical values for the same job state.
func Snapshot(job types.ValidationJob, now time.Time) types.Progress {
	counts := emptyCounts()
	for b, n := range job.OutcomeCounts {
		counts[b] = n
	}
	done := job.Resolved()
	return types.Progress{
		JobID:      job.ID,
		Phase:      job.Phase,
		Status:     job.Status,
		Percent:    Percent(job),
		Total:      job.Total,
		Done:       done,
		Counts:     counts,
		ETASeconds: eta(job, done, now),
		Error:      job.Error,
	}
}

// eta is (total - done) / observed throughput, -1 while throughput is unknown.
func eta(job types.ValidationJob, done int, now time.Time) float64 {
	if job.Status.Terminal() {
		return 0
	}
	if job.StartedAt == nil || done == 0 {
		return -1
	}
	elapsed := now.Sub(*job.StartedAt).Seconds()
	if elapsed <= 0 {
		return -1
	}
	throughput := float64(done) / elapsed
	return math.Round(float64(job.Total-done)/throughput*10) / 10
}
