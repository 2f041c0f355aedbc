// Package jobs tracks the lifecycle of validation jobs in durable storage.
//
// Every mutation reloads the job from the Store, applies the change and
// writes it back with a compare-and-swap on the job version, so several
// processes sharing one store merge their updates instead of overwriting
// each other.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/optimode/mailverify/internal/metrics"
	"github.com/optimode/mailverify/types"
)

var (
	ErrJobNotFound       = errors.New("jobs: job not found")
	ErrVersionConflict   = errors.New("jobs: version conflict")
	ErrJobTerminal       = errors.New("jobs: job is terminal")
	ErrInvalidTransition = errors.New("jobs: invalid transition")
	ErrContention        = errors.New("jobs: too many conflicting updates")
	ErrInvalidDelta      = errors.New("jobs: invalid progress delta")
)

// Store is the durable backing for jobs.
type Store interface {
	// CreateJob inserts a new job. The ID must be unused.
	CreateJob(ctx context.Context, job types.ValidationJob) error
	// LoadJob returns the authoritative state, or ErrJobNotFound.
	LoadJob(ctx context.Context, id string) (types.ValidationJob, error)
	// SwapJob replaces the job only if the stored version equals
	// expectedVersion, returning ErrVersionConflict otherwise.
	SwapJob(ctx context.Context, job types.ValidationJob, expectedVersion int64) error
	// ActiveJobs returns every job that is not terminal.
	ActiveJobs(ctx context.Context) ([]types.ValidationJob, error)
}

const defaultMaxAttempts = 10

// Tracker applies state transitions to jobs in a Store.
type Tracker struct {
	store       Store
	maxAttempts int
	metrics     *metrics.Metrics
	log         zerolog.Logger

	// locks serializes mutations of one job within this process so that
	// CAS conflicts only come from other processes
	locks sync.Map // job id -> *sync.Mutex
}

// Option configures a Tracker.
type Option func(*Tracker)

func WithMetrics(m *metrics.Metrics) Option { return func(t *Tracker) { t.metrics = m } }

func WithLogger(l zerolog.Logger) Option { return func(t *Tracker) { t.log = l } }

// WithMaxAttempts bounds the reload-and-swap retries per mutation.
func WithMaxAttempts(n int) Option {
	return func(t *Tracker) {
		if n > 0 {
			t.maxAttempts = n
		}
	}
}

func NewTracker(store Store, opts ...Option) *Tracker {
	t := &Tracker{store: store, maxAttempts: defaultMaxAttempts, log: zerolog.Nop()}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Create stores a new pending job for total addresses.
func (t *Tracker) Create(ctx context.Context, total int) (types.ValidationJob, error) {
	if total < 0 {
		return types.ValidationJob{}, fmt.Errorf("jobs: negative total %d", total)
	}
	now := time.Now().UTC()
	job := types.ValidationJob{
		ID:            uuid.NewString(),
		Version:       1,
		Total:         total,
		OutcomeCounts: emptyCounts(),
		Phase:         types.PhasePrecheck,
		Status:        types.StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := t.store.CreateJob(ctx, job); err != nil {
		return types.ValidationJob{}, fmt.Errorf("jobs: create: %w", err)
	}
	t.log.Debug().Str("job_id", job.ID).Int("total", total).Msg("job created")
	return job, nil
}

// Get returns the current state of a job from the store.
func (t *Tracker) Get(ctx context.Context, id string) (types.ValidationJob, error) {
	return t.store.LoadJob(ctx, id)
}

// Start moves a pending job into the precheck phase.
func (t *Tracker) Start(ctx context.Context, id string) (types.ValidationJob, error) {
	return t.mutate(ctx, id, func(job *types.ValidationJob) error {
		if job.Status != types.StatusPending {
			return fmt.Errorf("%w: start from %s", ErrInvalidTransition, job.Status)
		}
		now := time.Now().UTC()
		job.Status = types.StatusRunning
		job.Phase = types.PhasePrecheck
		job.StartedAt = &now
		return nil
	})
}

// EnterSMTP moves a running job from precheck to the SMTP phase, recording
// how many addresses phase 2 will probe.
func (t *Tracker) EnterSMTP(ctx context.Context, id string, phase2Total int) (types.ValidationJob, error) {
	return t.mutate(ctx, id, func(job *types.ValidationJob) error {
		if job.Status != types.StatusRunning || job.Phase != types.PhasePrecheck {
			return fmt.Errorf("%w: enter smtp from %s/%s", ErrInvalidTransition, job.Status, job.Phase)
		}
		if phase2Total < 0 || phase2Total > job.Total {
			return fmt.Errorf("%w: phase 2 total %d of %d", ErrInvalidDelta, phase2Total, job.Total)
		}
		job.Phase = types.PhaseSMTP
		job.Phase2Total = phase2Total
		return nil
	})
}

// UpdateProgress merges delta into the stored counters. Safe to call
// concurrently from any number of goroutines and processes.
func (t *Tracker) UpdateProgress(ctx context.Context, id string, delta types.ProgressDelta) (types.ValidationJob, error) {
	if delta.Empty() {
		// nothing to merge, so the stored version stays put
		job, err := t.Get(ctx, id)
		switch {
		case err != nil:
			return types.ValidationJob{}, err
		case job.Status.Terminal():
			return job, fmt.Errorf("%w: %s is %s", ErrJobTerminal, id, job.Status)
		case job.Status != types.StatusRunning:
			return job, fmt.Errorf("%w: update progress while %s", ErrInvalidTransition, job.Status)
		}
		return job, nil
	}
	return t.mutate(ctx, id, func(job *types.ValidationJob) error {
		if job.Status != types.StatusRunning {
			return fmt.Errorf("%w: update progress while %s", ErrInvalidTransition, job.Status)
		}
		resolved := 0
		for _, n := range delta.Counts {
			if n < 0 {
				return fmt.Errorf("%w: negative count", ErrInvalidDelta)
			}
			resolved += n
		}
		if delta.Phase1Done < 0 || delta.Phase2Done < 0 ||
			job.Phase1Done+delta.Phase1Done > job.Total ||
			job.Resolved()+resolved > job.Total {
			return fmt.Errorf("%w: %+v exceeds total %d", ErrInvalidDelta, delta, job.Total)
		}
		if delta.Phase2Done > 0 && job.Phase2Done+delta.Phase2Done > job.Phase2Total {
			return fmt.Errorf("%w: phase 2 done exceeds %d", ErrInvalidDelta, job.Phase2Total)
		}

		job.Phase1Done += delta.Phase1Done
		job.Phase2Done += delta.Phase2Done
		if job.OutcomeCounts == nil {
			job.OutcomeCounts = emptyCounts()
		}
		for b, n := range delta.Counts {
			job.OutcomeCounts[b] += n
		}
		return nil
	})
}

// Complete moves a job to a terminal status. A successful completion whose
// counts do not add up to the total is recorded as failed instead.
func (t *Tracker) Complete(ctx context.Context, id string, success bool, reason string) (types.ValidationJob, error) {
	job, err := t.mutate(ctx, id, func(job *types.ValidationJob) error {
		ok, reason := success, reason
		now := time.Now().UTC()
		job.CompletedAt = &now
		if ok && job.Resolved() != job.Total {
			ok = false
			reason = fmt.Sprintf("incomplete: %d of %d addresses resolved", job.Resolved(), job.Total)
		}
		if ok {
			job.Status = types.StatusCompleted
			job.Phase = types.PhaseDone
			job.Error = ""
			return nil
		}
		if reason == "" {
			reason = "failed"
		}
		job.Status = types.StatusFailed
		job.Phase = types.PhaseFailed
		job.Error = reason
		return nil
	})
	if err != nil {
		return job, err
	}
	t.metrics.JobFinished(string(job.Status))
	ev := t.log.Info()
	if job.Status == types.StatusFailed {
		ev = t.log.Warn().Str("error", job.Error)
	}
	ev.Str("job_id", id).Str("status", string(job.Status)).Interface("counts", job.OutcomeCounts).Msg("job finished")
	return job, nil
}

// FailStale marks running or pending jobs that have not been updated for
// olderThan as failed. It returns the ids it failed. Used at startup to
// close out jobs abandoned by a crashed process.
func (t *Tracker) FailStale(ctx context.Context, olderThan time.Duration) ([]string, error) {
	active, err := t.store.ActiveJobs(ctx)
	if err != nil {
		return nil, fmt.Errorf("jobs: list active: %w", err)
	}
	cutoff := time.Now().Add(-olderThan)
	var failed []string
	for _, job := range active {
		if job.UpdatedAt.After(cutoff) {
			continue
		}
		_, err := t.mutate(ctx, job.ID, func(j *types.ValidationJob) error {
			if j.UpdatedAt.After(cutoff) {
				return errFresh
			}
			now := time.Now().UTC()
			j.Status = types.StatusFailed
			j.Phase = types.PhaseFailed
			j.Error = "abandoned: no progress since " + j.UpdatedAt.Format(time.RFC3339)
			j.CompletedAt = &now
			return nil
		})
		switch {
		case err == nil:
			failed = append(failed, job.ID)
			t.metrics.JobFinished(string(types.StatusFailed))
		case errors.Is(err, errFresh), errors.Is(err, ErrJobTerminal):
		default:
			return failed, err
		}
	}
	return failed, nil
}

var errFresh = errors.New("jobs: job updated recently")

// mutate reloads the job, applies fn and swaps it in, retrying on version
// conflicts with a short jittered backoff.
func (t *Tracker) mutate(ctx context.Context, id string, fn func(*types.ValidationJob) error) (types.ValidationJob, error) {
	mu := t.lock(id)
	mu.Lock()
	defer mu.Unlock()

	for attempt := 1; attempt <= t.maxAttempts; attempt++ {
		job, err := t.store.LoadJob(ctx, id)
		if err != nil {
			return types.ValidationJob{}, err
		}
		if job.Status.Terminal() {
			return job, fmt.Errorf("%w: %s is %s", ErrJobTerminal, id, job.Status)
		}
		if err := fn(&job); err != nil {
			return job, err
		}
		expected := job.Version
		job.Version++
		job.UpdatedAt = time.Now().UTC()

		err = t.store.SwapJob(ctx, job, expected)
		if err == nil {
			return job, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			t.metrics.StorageError("jobs")
			return types.ValidationJob{}, fmt.Errorf("jobs: write %s: %w", id, err)
		}
		t.log.Debug().Str("job_id", id).Int("attempt", attempt).Msg("job version conflict, reloading")

		backoff := time.Duration(attempt)*2*time.Millisecond + rand.N(2*time.Millisecond)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return types.ValidationJob{}, ctx.Err()
		}
	}
	return types.ValidationJob{}, fmt.Errorf("%w: %s", ErrContention, id)
}

func (t *Tracker) lock(id string) *sync.Mutex {
	mu, _ := t.locks.LoadOrStore(id, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Forget drops per-job in-process state once a job is terminal.
func (t *Tracker) Forget(id string) {
	t.locks.Delete(id)
}

func emptyCounts() map[types.Bucket]int {
	m := make(map[types.Bucket]int, len(types.Buckets))
	for _, b := range types.Buckets {
		m[b] = 0
	}
	return m
}
