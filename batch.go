package mailverify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/optimode/mailverify/internal/jobs"
	"github.com/optimode/mailverify/internal/scheduler"
	"github.com/optimode/mailverify/types"
)

// maxFlush caps how many queued updates one store write coalesces.
const maxFlush = 256

// SubmitBatch creates a job for addresses and runs it in the background.
// concurrency bounds both phases; zero uses max_workers, which is also the
// ceiling. timeout bounds each probe (zero uses probe_timeout_seconds). The
// job keeps running after ctx ends; stop it with Cancel.
func (e *Engine) SubmitBatch(ctx context.Context, addresses []string, concurrency int, timeout time.Duration) (string, error) {
	if len(addresses) == 0 {
		return "", ErrEmptyBatch
	}
	if concurrency <= 0 || concurrency > e.opts.Config.MaxWorkers {
		concurrency = e.opts.Config.MaxWorkers
	}
	concurrency = min(concurrency, len(addresses))
	if timeout <= 0 {
		timeout = e.opts.Config.ProbeTimeout()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return "", ErrClosed
	}
	job, err := e.tracker.Create(ctx, len(addresses))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrStorage, err)
	}

	runCtx, cancel := context.WithCancelCause(e.base)
	r := &run{cancel: cancel, done: make(chan struct{})}
	e.runs[job.ID] = r
	e.wg.Add(1)

	batch := append([]string(nil), addresses...)
	go e.runJob(runCtx, r, job.ID, batch, concurrency, timeout)
	return job.ID, nil
}

// Cancel stops a job running in this process. Addresses already resolved
// stay recorded; the job ends failed with ErrCancelled as its reason.
func (e *Engine) Cancel(jobID string) error {
	e.mu.Lock()
	r, ok := e.runs[jobID]
	e.mu.Unlock()
	if ok {
		r.cancel(ErrCancelled)
		return nil
	}
	job, err := e.tracker.Get(context.Background(), jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return fmt.Errorf("%w: %s", jobs.ErrJobTerminal, job.Status)
	}
	return ErrNotRunning
}

// GetProgress returns the current progress of a job.
func (e *Engine) GetProgress(ctx context.Context, jobID string) (Progress, error) {
	job, err := e.tracker.Get(ctx, jobID)
	if err != nil {
		return Progress{}, err
	}
	return jobs.Snapshot(job, time.Now()), nil
}

// SubscribeProgress streams progress snapshots of a job. Snapshots are the
// same values GetProgress returns; a slow reader skips intermediate ones.
// The channel closes after the terminal snapshot, or when ctx ends.
// Jobs run by another process are followed by polling.
func (e *Engine) SubscribeProgress(ctx context.Context, jobID string) (<-chan Progress, error) {
	first, err := e.GetProgress(ctx, jobID)
	if err != nil {
		return nil, err
	}
	out := make(chan Progress, 1)
	if first.Status.Terminal() {
		out <- first
		close(out)
		return out, nil
	}

	updates, unsubscribe := e.hub.Subscribe(jobID)
	go func() {
		defer close(out)
		defer unsubscribe()

		last := first
		send := func(p Progress) bool {
			// a poll can overtake a queued hub snapshot
			stale := p.Percent < last.Percent || sameProgress(last, p)
			if stale && !p.Status.Terminal() {
				return true
			}
			last = p
			select {
			case out <- p:
				return true
			case <-ctx.Done():
				return false
			}
		}
		if !send(first) {
			return
		}
		// catches a job that finished between the first read and Subscribe
		ticker := time.NewTicker(e.opts.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case p, ok := <-updates:
				if !ok {
					if final, err := e.GetProgress(ctx, jobID); err == nil && final.Status.Terminal() {
						send(final)
					}
					return
				}
				if !send(p) || p.Status.Terminal() {
					return
				}
			case <-ticker.C:
				p, err := e.GetProgress(ctx, jobID)
				if err != nil {
					e.log.Debug().Err(err).Str("job_id", jobID).Msg("progress poll failed")
					continue
				}
				if !send(p) || p.Status.Terminal() {
					return
				}
			}
		}
	}()
	return out, nil
}

func sameProgress(a, b Progress) bool {
	return a.Status == b.Status && a.Phase == b.Phase && a.Done == b.Done && a.Percent == b.Percent
}

// Wait blocks until the job reaches a terminal status or ctx ends, and
// returns its final progress.
func (e *Engine) Wait(ctx context.Context, jobID string) (Progress, error) {
	e.mu.Lock()
	r, ok := e.runs[jobID]
	e.mu.Unlock()
	if ok {
		select {
		case <-r.done:
		case <-ctx.Done():
			return Progress{}, ctx.Err()
		}
	}

	ticker := time.NewTicker(e.opts.PollInterval)
	defer ticker.Stop()
	for {
		p, err := e.GetProgress(ctx, jobID)
		if err != nil {
			return p, err
		}
		if p.Status.Terminal() {
			return p, nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return p, ctx.Err()
		}
	}
}

// update is one resolved (or precheck-completed) address on its way to
// the aggregator.
type update struct {
	record *types.EmailRecord
	delta  types.ProgressDelta
}

func (e *Engine) runJob(ctx context.Context, r *run, id string, addresses []string, concurrency int, timeout time.Duration) {
	defer e.wg.Done()
	defer close(r.done)
	defer func() {
		e.mu.Lock()
		delete(e.runs, id)
		e.mu.Unlock()
		e.tracker.Forget(id)
		r.cancel(nil)
	}()

	log := e.log.With().Str("job_id", id).Logger()
	// store writes outlive cancellation so the final state is recorded
	bg := context.WithoutCancel(ctx)
	agg := &aggregator{engine: e, jobID: id, ctx: bg, fail: r.cancel, log: log}

	start := time.Now()
	if _, err := e.tracker.Start(bg, id); err != nil {
		r.cancel(fmt.Errorf("%w: %w", ErrStorage, err))
	}

	var toProbe []types.EmailRecord
	if ctx.Err() == nil {
		agg.phase(concurrency, func(updates chan<- update) {
			toProbe = e.precheck(ctx, addresses, concurrency, updates)
		})
		log.Debug().Int("to_probe", len(toProbe)).Dur("elapsed", time.Since(start)).Msg("precheck done")
	}

	if ctx.Err() == nil {
		if _, err := e.tracker.EnterSMTP(bg, id, len(toProbe)); err != nil {
			r.cancel(fmt.Errorf("%w: %w", ErrStorage, err))
		} else {
			agg.publish()
		}
	}

	if ctx.Err() == nil && len(toProbe) > 0 {
		agg.phase(concurrency, func(updates chan<- update) {
			e.probeAll(ctx, toProbe, scheduler.Options{Workers: concurrency, Timeout: timeout}, updates)
		})
	}

	success, reason := true, ""
	if cause := context.Cause(ctx); cause != nil {
		success, reason = false, cause.Error()
	}
	job, err := e.tracker.Complete(bg, id, success, reason)
	if err != nil {
		log.Error().Err(err).Msg("recording job outcome")
		job.ID = id
		job.Status = types.StatusFailed
		job.Phase = types.PhaseFailed
		job.Error = fmt.Errorf("%w: %w", ErrStorage, err).Error()
	}
	e.hub.Finish(jobs.Snapshot(job, time.Now()))
}

// precheck classifies every address with bounded parallelism and returns
// the records that still need a probe. After cancellation nothing further
// is reported.
func (e *Engine) precheck(ctx context.Context, addresses []string, limit int, updates chan<- update) []types.EmailRecord {
	pending := make([]*types.EmailRecord, len(addresses))
	var g errgroup.Group
	g.SetLimit(limit)
	for i, addr := range addresses {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			pc := e.classifier.Precheck(ctx, addr)
			if ctx.Err() != nil {
				return nil
			}
			u := update{delta: types.ProgressDelta{Phase1Done: 1}}
			if pc.NeedsProbe {
				pending[i] = &pc.Record
			} else {
				u.record = &pc.Record
				u.delta.Counts = map[types.Bucket]int{pc.Bucket: 1}
			}
			updates <- u
			return nil
		})
	}
	_ = g.Wait()

	var out []types.EmailRecord
	for _, rec := range pending {
		if rec != nil {
			out = append(out, *rec)
		}
	}
	return out
}

// probeAll runs phase 2 through the scheduler and turns each result into an
// update. Results for addresses cut short by cancellation are dropped.
func (e *Engine) probeAll(ctx context.Context, records []types.EmailRecord, opts scheduler.Options, updates chan<- update) {
	byAddress := make(map[string]types.EmailRecord, len(records))
	addresses := make([]string, len(records))
	for i, rec := range records {
		byAddress[rec.Address] = rec
		addresses[i] = rec.Address
	}

	results := make(chan scheduler.Result, min(opts.Workers, len(records)))
	go func() {
		e.scheduler.Run(ctx, addresses, opts, results)
		close(results)
	}()
	for res := range results {
		if ctx.Err() != nil {
			continue
		}
		rec := byAddress[res.Address]
		rec.ApplyVerdict(res.Verdict)
		updates <- update{
			record: &rec,
			delta:  types.ProgressDelta{Phase2Done: 1, Counts: map[types.Bucket]int{rec.Bucket(): 1}},
		}
	}
}

// aggregator is the single writer of a job's counters and records. It
// coalesces queued updates into one record write and one counter delta.
type aggregator struct {
	engine *Engine
	jobID  string
	ctx    context.Context
	fail   context.CancelCauseFunc
	failed bool
	log    zerolog.Logger
}

// phase runs produce with a fresh update channel and returns once every
// update it sent has been flushed.
func (a *aggregator) phase(buffer int, produce func(chan<- update)) {
	updates := make(chan update, buffer)
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.consume(updates)
	}()
	produce(updates)
	close(updates)
	<-done
}

func (a *aggregator) consume(updates <-chan update) {
	for u := range updates {
		batch := []update{u}
	drain:
		for len(batch) < maxFlush {
			select {
			case u, ok := <-updates:
				if !ok {
					break drain
				}
				batch = append(batch, u)
			default:
				break drain
			}
		}
		a.flush(batch)
	}
}

func (a *aggregator) flush(batch []update) {
	if a.failed {
		return
	}
	var delta types.ProgressDelta
	var records []types.EmailRecord
	for _, u := range batch {
		delta.Add(u.delta)
		if u.record != nil && u.record.Address != "" {
			records = append(records, *u.record)
		}
	}

	if len(records) > 0 {
		if err := a.engine.dedup.UpsertMany(a.ctx, records); err != nil {
			a.abort(err)
			return
		}
	}
	job, err := a.engine.tracker.UpdateProgress(a.ctx, a.jobID, delta)
	if err != nil {
		a.abort(err)
		return
	}
	a.engine.hub.Publish(jobs.Snapshot(job, time.Now()))
}

// publish pushes the stored state of the job to subscribers.
func (a *aggregator) publish() {
	job, err := a.engine.tracker.Get(a.ctx, a.jobID)
	if err != nil {
		return
	}
	a.engine.hub.Publish(jobs.Snapshot(job, time.Now()))
}

func (a *aggregator) abort(err error) {
	a.failed = true
	if errors.Is(err, jobs.ErrJobTerminal) {
		a.log.Warn().Err(err).Msg("job ended elsewhere")
	} else {
		a.log.Error().Err(err).Msg("persisting job state")
	}
	a.fail(fmt.Errorf("%w: %w", ErrStorage, err))
}
