// Package scheduler drives the SMTP phase of a batch: a bounded pool of
// workers drains a queue of addresses into a Prober and emits exactly one
// Result per address.
package scheduler

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/optimode/mailverify/internal/metrics"
	"github.com/optimode/mailverify/internal/probe"
	"github.com/optimode/mailverify/types"
)

const (
	DefaultWorkers    = 50
	DefaultTimeout    = 5 * time.Second
	DefaultMaxRetries = 1
)

// ErrPanic wraps a value recovered from a panicking probe.
var ErrPanic = errors.New("scheduler: probe panicked")

// Prober verifies one address. *probe.Prober implements it.
type Prober interface {
	Probe(ctx context.Context, address string, timeout time.Duration) (types.Verdict, error)
}

// Result is the terminal outcome for one address.
type Result struct {
	Address  string
	Verdict  types.Verdict
	Attempts int
	// Err is the last probe error, nil when the verdict is a server answer.
	Err error
}

// Config configures a Scheduler.
type Config struct {
	// MaxRetries is how many times a failed item is requeued. Default 1.
	MaxRetries int
	// Global caps concurrent probes across every Run sharing it.
	Global *semaphore.Weighted
	// Limiter paces probe starts across every Run sharing it.
	Limiter *rate.Limiter
	Metrics *metrics.Metrics
	Logger  zerolog.Logger
}

// Options are per-run settings.
type Options struct {
	Workers int
	Timeout time.Duration
}

type Scheduler struct {
	prober     Prober
	maxRetries int
	global     *semaphore.Weighted
	limiter    *rate.Limiter
	metrics    *metrics.Metrics
	log        zerolog.Logger
}

func New(p Prober, cfg Config) *Scheduler {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	return &Scheduler{
		prober:     p,
		maxRetries: cfg.MaxRetries,
		global:     cfg.Global,
		limiter:    cfg.Limiter,
		metrics:    cfg.Metrics,
		log:        cfg.Logger,
	}
}

// item is one unit of work with its retry state.
type item struct {
	address  string
	attempts int
	lastErr  error
}

// Run probes every address and sends exactly one Result per address to out,
// then returns. out must not be closed by the caller before Run returns.
//
// A probe that panics or fails with a transport error is requeued up to
// MaxRetries times. Timeouts are terminal on first occurrence. After ctx is
// cancelled, remaining items resolve as invalid/low without being probed.
func (s *Scheduler) Run(ctx context.Context, addresses []string, opts Options, out chan<- Result) {
	if len(addresses) == 0 {
		return
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}

	// Sorting by domain keeps DNS cache and SMTP pool hits together
	items := make([]*item, len(addresses))
	for i, a := range addresses {
		items[i] = &item{address: a}
	}
	slices.SortStableFunc(items, func(a, b *item) int {
		return cmp.Compare(domainOf(a.address), domainOf(b.address))
	})

	// The queue holds every item at most once, so sends never block.
	queue := make(chan *item, len(items))
	for _, it := range items {
		queue <- it
	}
	var remaining atomic.Int64
	remaining.Store(int64(len(items)))

	finish := func(it *item, v types.Verdict) {
		out <- Result{Address: it.address, Verdict: v, Attempts: it.attempts, Err: it.lastErr}
		if remaining.Add(-1) == 0 {
			close(queue)
		}
	}

	workers := min(opts.Workers, len(items))
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.metrics.WorkerStarted()
			defer s.metrics.WorkerStopped()
			for it := range queue {
				s.handle(ctx, it, opts.Timeout, queue, finish)
			}
		}()
	}
	wg.Wait()
}

func (s *Scheduler) handle(ctx context.Context, it *item, timeout time.Duration, queue chan<- *item, finish func(*item, types.Verdict)) {
	if err := ctx.Err(); err != nil {
		it.lastErr = fmt.Errorf("%w: %w", probe.ErrCancelled, err)
		finish(it, probe.TransportFailure("cancelled"))
		return
	}

	it.attempts++
	v, err := s.probeOnce(ctx, it.address, timeout)
	if err == nil {
		it.lastErr = nil
		finish(it, v)
		return
	}
	it.lastErr = err

	if retryable(err) && it.attempts <= s.maxRetries && ctx.Err() == nil {
		s.metrics.Retry()
		s.log.Debug().Err(err).Str("address", it.address).Int("attempt", it.attempts).Msg("requeue probe")
		queue <- it
		return
	}

	if errors.Is(err, ErrPanic) || v.Outcome == "" {
		v = probe.TransportFailure("probe failed: " + err.Error())
	}
	finish(it, v)
}

// probeOnce runs one attempt under the shared limits, converting a panic
// into ErrPanic.
func (s *Scheduler) probeOnce(ctx context.Context, address string, timeout time.Duration) (v types.Verdict, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Str("address", address).Interface("panic", r).Msg("probe panicked")
			v, err = types.Verdict{}, fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()

	if s.global != nil {
		if err := s.global.Acquire(ctx, 1); err != nil {
			return probe.TransportFailure("cancelled"), fmt.Errorf("%w: %w", probe.ErrCancelled, err)
		}
		defer s.global.Release(1)
	}
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return probe.TransportFailure("cancelled"), fmt.Errorf("%w: %w", probe.ErrCancelled, err)
		}
	}
	return s.prober.Probe(ctx, address, timeout)
}

func retryable(err error) bool {
	return !errors.Is(err, probe.ErrTimeout) &&
		!errors.Is(err, probe.ErrCancelled) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}

func domainOf(address string) string {
	if i := strings.LastIndexByte(address, '@'); i >= 0 {
		return strings.ToLower(address[i+1:])
	}
	return ""
}
