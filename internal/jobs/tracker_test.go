package jobs_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/optimode/mailverify/internal/jobs"
	"github.com/optimode/mailverify/types"
)

// memStore is a jobs.Store that round-trips jobs through JSON, so every
// LoadJob hands out an independent copy as a durable store would.
type memStore struct {
	mu        sync.Mutex
	jobs      map[string][]byte
	versions  map[string]int64
	conflicts atomic.Int64
	failSwap  error
}

func newMemStore() *memStore {
	return &memStore{jobs: map[string][]byte{}, versions: map[string]int64{}}
}

func (s *memStore) CreateJob(_ context.Context, job types.ValidationJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return errors.New("duplicate job")
	}
	b, _ := json.Marshal(job)
	s.jobs[job.ID] = b
	s.versions[job.ID] = job.Version
	return nil
}

func (s *memStore) LoadJob(_ context.Context, id string) (types.ValidationJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.jobs[id]
	if !ok {
		return types.ValidationJob{}, jobs.ErrJobNotFound
	}
	var job types.ValidationJob
	err := json.Unmarshal(b, &job)
	return job, err
}

func (s *memStore) SwapJob(_ context.Context, job types.ValidationJob, expected int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSwap != nil {
		return s.failSwap
	}
	if s.versions[job.ID] != expected {
		s.conflicts.Add(1)
		return jobs.ErrVersionConflict
	}
	b, _ := json.Marshal(job)
	s.jobs[job.ID] = b
	s.versions[job.ID] = job.Version
	return nil
}

func (s *memStore) ActiveJobs(_ context.Context) ([]types.ValidationJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.ValidationJob
	for _, b := range s.jobs {
		var job types.ValidationJob
		if err := json.Unmarshal(b, &job); err != nil {
			return nil, err
		}
		if !job.Status.Terminal() {
			out = append(out, job)
		}
	}
	return out, nil
}

func counts(b types.Bucket, n int) types.ProgressDelta {
	return types.ProgressDelta{Phase2Done: n, Counts: map[types.Bucket]int{b: n}}
}

func TestTracker_Lifecycle(t *testing.T) {
	tr := jobs.NewTracker(newMemStore())
	ctx := context.Background()

	job, err := tr.Create(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, job.Status)
	assert.NotEmpty(t, job.ID)

	job, err = tr.Start(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusRunning, job.Status)
	assert.Equal(t, types.PhasePrecheck, job.Phase)
	assert.NotNil(t, job.StartedAt)

	job, err = tr.UpdateProgress(ctx, job.ID, types.ProgressDelta{Phase1Done: 3, Counts: map[types.Bucket]int{types.BucketDisposable: 1}})
	require.NoError(t, err)

	before := job.Version
	job, err = tr.UpdateProgress(ctx, job.ID, types.ProgressDelta{Counts: map[types.Bucket]int{types.BucketValid: 0}})
	require.NoError(t, err)
	assert.Equal(t, before, job.Version, "empty delta is not written")

	job, err = tr.EnterSMTP(ctx, job.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, types.PhaseSMTP, job.Phase)

	_, err = tr.UpdateProgress(ctx, job.ID, counts(types.BucketValid, 1))
	require.NoError(t, err)
	_, err = tr.UpdateProgress(ctx, job.ID, counts(types.BucketInvalid, 1))
	require.NoError(t, err)

	job, err = tr.Complete(ctx, job.ID, true, "")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, job.Status)
	assert.Equal(t, types.PhaseDone, job.Phase)
	assert.Equal(t, job.Total, job.Resolved())
	assert.NotNil(t, job.CompletedAt)

	got, err := tr.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.Version, got.Version)
	assert.Equal(t, 1, got.OutcomeCounts[types.BucketValid])
}

func TestTracker_InvalidTransitions(t *testing.T) {
	tr := jobs.NewTracker(newMemStore())
	ctx := context.Background()
	job, _ := tr.Create(ctx, 1)

	_, err := tr.EnterSMTP(ctx, job.ID, 1)
	assert.ErrorIs(t, err, jobs.ErrInvalidTransition)

	_, err = tr.UpdateProgress(ctx, job.ID, counts(types.BucketValid, 1))
	assert.ErrorIs(t, err, jobs.ErrInvalidTransition)

	_, _ = tr.Start(ctx, job.ID)
	_, err = tr.Start(ctx, job.ID)
	assert.ErrorIs(t, err, jobs.ErrInvalidTransition)

	_, err = tr.UpdateProgress(ctx, job.ID, types.ProgressDelta{Phase1Done: 2})
	assert.ErrorIs(t, err, jobs.ErrInvalidDelta)

	_, err = tr.Get(ctx, "missing")
	assert.ErrorIs(t, err, jobs.ErrJobNotFound)
}

func TestTracker_TerminalRejectsMutation(t *testing.T) {
	tr := jobs.NewTracker(newMemStore())
	ctx := context.Background()
	job, _ := tr.Create(ctx, 1)
	_, _ = tr.Start(ctx, job.ID)

	job, err := tr.Complete(ctx, job.ID, false, "storage unavailable")
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, job.Status)
	assert.Equal(t, "storage unavailable", job.Error)

	_, err = tr.UpdateProgress(ctx, job.ID, types.ProgressDelta{Phase1Done: 1})
	assert.ErrorIs(t, err, jobs.ErrJobTerminal)
	_, err = tr.Complete(ctx, job.ID, true, "")
	assert.ErrorIs(t, err, jobs.ErrJobTerminal)
}

func TestTracker_IncompleteSuccessFails(t *testing.T) {
	tr := jobs.NewTracker(newMemStore())
	ctx := context.Background()
	job, _ := tr.Create(ctx, 2)
	_, _ = tr.Start(ctx, job.ID)
	_, _ = tr.UpdateProgress(ctx, job.ID, types.ProgressDelta{Phase1Done: 2, Counts: map[types.Bucket]int{types.BucketInvalid: 1}})

	job, err := tr.Complete(ctx, job.ID, true, "")
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, job.Status)
	assert.Contains(t, job.Error, "incomplete")
}

func TestTracker_ConcurrentUpdatesAcrossProcesses(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()

	// three trackers model three processes sharing one durable store
	trackers := make([]*jobs.Tracker, 3)
	for i := range trackers {
		trackers[i] = jobs.NewTracker(store, jobs.WithMaxAttempts(100))
	}
	const perWorker, workers = 20, 9
	total := perWorker * workers

	job, err := trackers[0].Create(ctx, total)
	require.NoError(t, err)
	_, err = trackers[1].Start(ctx, job.ID)
	require.NoError(t, err)
	_, err = trackers[2].UpdateProgress(ctx, job.ID, types.ProgressDelta{Phase1Done: total})
	require.NoError(t, err)
	_, err = trackers[0].EnterSMTP(ctx, job.ID, total)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(tr *jobs.Tracker) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				_, err := tr.UpdateProgress(ctx, job.ID, counts(types.BucketValid, 1))
				assert.NoError(t, err)
			}
		}(trackers[w%len(trackers)])
	}
	wg.Wait()

	job, err = trackers[1].Complete(ctx, job.ID, true, "")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, job.Status)
	assert.Equal(t, total, job.OutcomeCounts[types.BucketValid])
	assert.Equal(t, total, job.Phase2Done)
	t.Logf("%d version conflicts retried", store.conflicts.Load())
}

func TestTracker_StorageErrorSurfaces(t *testing.T) {
	store := newMemStore()
	tr := jobs.NewTracker(store)
	ctx := context.Background()
	job, _ := tr.Create(ctx, 1)

	store.failSwap = errors.New("disk full")
	_, err := tr.Start(ctx, job.ID)
	assert.ErrorContains(t, err, "disk full")
	assert.NotErrorIs(t, err, jobs.ErrVersionConflict)
}

func TestTracker_Contention(t *testing.T) {
	store := &alwaysConflict{memStore: newMemStore()}
	tr := jobs.NewTracker(store, jobs.WithMaxAttempts(3))
	ctx := context.Background()
	job, _ := tr.Create(ctx, 1)

	_, err := tr.Start(ctx, job.ID)
	assert.ErrorIs(t, err, jobs.ErrContention)
}

type alwaysConflict struct{ *memStore }

func (alwaysConflict) SwapJob(context.Context, types.ValidationJob, int64) error {
	return jobs.ErrVersionConflict
}

func TestTracker_FailStale(t *testing.T) {
	store := newMemStore()
	tr := jobs.NewTracker(store)
	ctx := context.Background()

	stale, _ := tr.Create(ctx, 1)
	_, _ = tr.Start(ctx, stale.ID)
	time.Sleep(30 * time.Millisecond)
	fresh, _ := tr.Create(ctx, 1)

	failed, err := tr.FailStale(ctx, 20*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, []string{stale.ID}, failed)

	job, _ := tr.Get(ctx, stale.ID)
	assert.Equal(t, types.StatusFailed, job.Status)
	assert.Contains(t, job.Error, "abandoned")

	job, _ = tr.Get(ctx, fresh.ID)
	assert.Equal(t, types.StatusPending, job.Status)
}
