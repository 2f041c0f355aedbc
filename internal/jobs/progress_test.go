package jobs_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/optimode/mailverify/internal/jobs"
	"github.com/optimode/mailverify/types"
)

func TestPercent_TwoPhase(t *testing.T) {
	job := types.ValidationJob{Total: 10, Status: types.StatusRunning, Phase: types.PhasePrecheck}
	assert.Equal(t, 0.0, jobs.Percent(job))

	job.Phase1Done = 5
	assert.Equal(t, 20.0, jobs.Percent(job))

	job.Phase1Done = 10
	assert.Equal(t, 40.0, jobs.Percent(job))

	job.Phase, job.Phase2Total = types.PhaseSMTP, 4
	assert.Equal(t, 40.0, jobs.Percent(job))

	job.Phase2Done = 2
	assert.Equal(t, 70.0, jobs.Percent(job))

	job.Phase2Done = 4
	assert.Equal(t, 100.0, jobs.Percent(job))

	job.Status, job.Phase = types.StatusCompleted, types.PhaseDone
	assert.Equal(t, 100.0, jobs.Percent(job))
}

func TestPercent_NothingToProbe(t *testing.T) {
	job := types.ValidationJob{Total: 4, Phase1Done: 4, Status: types.StatusRunning, Phase: types.PhasePrecheck}
	assert.Equal(t, 40.0, jobs.Percent(job))

	job.Phase = types.PhaseSMTP
	assert.Equal(t, 100.0, jobs.Percent(job))

	// cancelled before completion is recorded
	job.Status, job.Phase = types.StatusFailed, types.PhaseFailed
	assert.Equal(t, 100.0, jobs.Percent(job))
}

func TestPercent_FailedKeepsProgress(t *testing.T) {
	job := types.ValidationJob{Total: 10, Phase1Done: 6, Status: types.StatusRunning, Phase: types.PhasePrecheck}
	assert.Equal(t, 24.0, jobs.Percent(job))
	job.Status, job.Phase = types.StatusFailed, types.PhaseFailed
	assert.Equal(t, 24.0, jobs.Percent(job))

	job = types.ValidationJob{Total: 10, Phase1Done: 10, Phase2Total: 4, Phase2Done: 2, Status: types.StatusRunning, Phase: types.PhaseSMTP}
	before := jobs.Percent(job)
	job.Status, job.Phase = types.StatusFailed, types.PhaseFailed
	assert.Equal(t, before, jobs.Percent(job))
}

func TestPercent_Monotonic(t *testing.T) {
	job := types.ValidationJob{Total: 7, Status: types.StatusRunning, Phase: types.PhasePrecheck}
	last := jobs.Percent(job)
	step := func() {
		p := jobs.Percent(job)
		assert.GreaterOrEqual(t, p, last)
		last = p
	}
	for job.Phase1Done < job.Total {
		job.Phase1Done++
		step()
	}
	job.Phase, job.Phase2Total = types.PhaseSMTP, 3
	step()
	for job.Phase2Done < job.Phase2Total {
		job.Phase2Done++
		step()
	}
	job.Status, job.Phase = types.StatusCompleted, types.PhaseDone
	step()
}

func TestSnapshot(t *testing.T) {
	started := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	job := types.ValidationJob{
		ID:            "j1",
		Total:         10,
		Phase1Done:    10,
		Phase2Total:   8,
		Phase2Done:    3,
		Phase:         types.PhaseSMTP,
		Status:        types.StatusRunning,
		StartedAt:     &started,
		OutcomeCounts: map[types.Bucket]int{types.BucketValid: 3, types.BucketDisposable: 2},
	}

	p := jobs.Snapshot(job, started.Add(10*time.Second))
	assert.Equal(t, "j1", p.JobID)
	assert.Equal(t, 5, p.Done)
	assert.Equal(t, 10, p.Total)
	assert.Equal(t, 0, p.Counts[types.BucketCatchAll], "every bucket is reported")
	// 5 done in 10s -> 0.5/s -> 5 remaining need 10s
	assert.Equal(t, 10.0, p.ETASeconds)
	assert.Equal(t, p, jobs.Snapshot(job, started.Add(10*time.Second)))

	job.StartedAt = nil
	assert.Equal(t, -1.0, jobs.Snapshot(job, started).ETASeconds)

	job.Status = types.StatusCompleted
	assert.Equal(t, 0.0, jobs.Snapshot(job, started).ETASeconds)
}
