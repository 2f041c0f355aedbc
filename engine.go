package mailverify

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/optimode/mailverify/check"
	"github.com/optimode/mailverify/internal/dedup"
	"github.com/optimode/mailverify/internal/dnscache"
	"github.com/optimode/mailverify/internal/jobs"
	"github.com/optimode/mailverify/internal/metrics"
	"github.com/optimode/mailverify/internal/parse"
	"github.com/optimode/mailverify/internal/probe"
	"github.com/optimode/mailverify/internal/progress"
	"github.com/optimode/mailverify/internal/scheduler"
	"github.com/optimode/mailverify/internal/smtppool"
	"github.com/optimode/mailverify/internal/store/redisstore"
	"github.com/optimode/mailverify/internal/store/sqlitestore"
)

// Engine validates single addresses and runs batch jobs. It is safe for
// concurrent use. Call Close when done to stop running jobs and release
// pooled connections and storage handles.
type Engine struct {
	opts    Options
	log     zerolog.Logger
	metrics *metrics.Metrics

	db    *sqlitestore.Store
	redis *redisstore.Store

	cache      *dnscache.Cache
	pool       *smtppool.Pool
	prober     *probe.Prober
	classifier *check.Classifier
	scheduler  *scheduler.Scheduler
	tracker    *jobs.Tracker
	dedup      *dedup.Store
	hub        *progress.Hub
	single     singleflight.Group

	base context.Context
	stop context.CancelCauseFunc
	wg   sync.WaitGroup

	mu     sync.Mutex
	runs   map[string]*run
	closed bool
}

// run is a job executing in this process.
type run struct {
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// New builds an Engine from opts, opening the database and failing jobs a
// previous process abandoned.
func New(opts Options) (*Engine, error) {
	if err := opts.applyDefaults(); err != nil {
		return nil, err
	}
	cfg := opts.Config
	log := opts.Logger
	m := metrics.New(opts.Registerer)
	ctx := context.Background()

	db, err := sqlitestore.Open(ctx, cfg.DatabasePath, sqlitestore.WithMetrics(m), sqlitestore.WithLogger(log))
	if err != nil {
		return nil, fmt.Errorf("mailverify: open database: %w", err)
	}

	policy := probe.DefaultPolicy()
	if cfg.ProviderTable != "" {
		if policy, err = probe.LoadPolicy(cfg.ProviderTable); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%w: %w", ErrInvalidOptions, err)
		}
	}

	e := &Engine{
		opts:    opts,
		log:     log,
		metrics: m,
		db:      db,
		hub:     progress.NewHub(),
		runs:    make(map[string]*run),
	}
	e.base, e.stop = context.WithCancelCause(context.Background())

	jobStore := opts.JobStore
	if jobStore == nil && cfg.RedisURL != "" {
		if e.redis, err = redisstore.Dial(ctx, cfg.RedisURL); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("mailverify: connect redis: %w", err)
		}
		jobStore = e.redis
	}
	if jobStore == nil {
		jobStore = db
	}

	resolver := opts.Resolver
	if resolver == nil {
		resolver = dnscache.NewResolver(dnscache.ResolverConfig{
			Nameservers: cfg.Nameservers,
			Timeout:     cfg.ProbeTimeout(),
		})
	}
	e.cache = dnscache.New(dnscache.Config{
		LookupTimeout: cfg.ProbeTimeout(),
		MXTTL:         cfg.MXCacheTTL(),
		CatchAllTTL:   cfg.CatchAllCacheTTL(),
		Resolver:      resolver,
		Store:         db,
		Metrics:       m,
		Logger:        log,
	})
	e.pool = smtppool.New(smtppool.Config{
		HeloDomain:      cfg.HeloDomain,
		MailFrom:        cfg.MailFrom,
		Port:            strconv.Itoa(cfg.SMTPPort),
		CommandTimeout:  cfg.ProbeTimeout(),
		MaxConnsPerHost: cfg.MaxConnsPerHost,
		Dial:            opts.Dial,
	})
	e.prober = probe.New(probe.Config{
		Cache:             e.cache,
		SMTP:              e.pool,
		Policy:            policy,
		Timeout:           cfg.ProbeTimeout(),
		MaxMXHosts:        cfg.MaxMXHosts,
		CatchAllDetection: cfg.CatchAllDetection,
		Metrics:           m,
		Logger:            log,
	})
	e.classifier = check.NewClassifier(check.NewDomainChecker(e.cache, check.DomainConfig{TypoThreshold: opts.TypoThreshold}))

	schedCfg := scheduler.Config{Metrics: m, Logger: log}
	if cfg.GlobalMaxProbes > 0 {
		schedCfg.Global = semaphore.NewWeighted(int64(cfg.GlobalMaxProbes))
	}
	if cfg.ProbeRatePerSecond > 0 {
		schedCfg.Limiter = rate.NewLimiter(rate.Limit(cfg.ProbeRatePerSecond), max(1, int(cfg.ProbeRatePerSecond)))
	}
	e.scheduler = scheduler.New(e.prober, schedCfg)
	e.tracker = jobs.NewTracker(jobStore, jobs.WithMetrics(m), jobs.WithLogger(log))
	e.dedup = dedup.New(db, dedup.WithMetrics(m), dedup.WithLogger(log))

	stale, err := e.tracker.FailStale(ctx, cfg.StaleJobAfter())
	if err != nil {
		log.Warn().Err(err).Msg("failing abandoned jobs")
	} else if len(stale) > 0 {
		log.Warn().Strs("job_ids", stale).Msg("failed abandoned jobs")
	}
	return e, nil
}

// Close cancels running jobs, waits for them to record their final state
// and releases every resource. Safe to call multiple times.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.stop(ErrClosed)
	e.wg.Wait()
	e.hub.Shutdown()

	var errs []error
	errs = append(errs, e.pool.Close())
	if e.redis != nil {
		errs = append(errs, e.redis.Close())
	}
	errs = append(errs, e.db.Close())
	return errors.Join(errs...)
}

// Ping reports whether the database is reachable.
func (e *Engine) Ping(ctx context.Context) error {
	return e.db.Ping(ctx)
}

// ValidateOne runs both phases for a single address and records the
// outcome. A zero timeout uses probe_timeout_seconds. Concurrent calls for
// the same address share one probe.
//
// Per-address failures are part of the Result. The error is non-nil when
// ctx ends first or the record could not be stored; in the latter case the
// Result is still complete.
func (e *Engine) ValidateOne(ctx context.Context, address string, timeout time.Duration) (Result, error) {
	if e.isClosed() {
		return Result{}, ErrClosed
	}
	if timeout <= 0 {
		timeout = e.opts.Config.ProbeTimeout()
	}

	key := parse.Normalize(address)
	ch := e.single.DoChan(key, func() (any, error) {
		return e.validate(context.WithoutCancel(ctx), address, timeout)
	})
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case r := <-ch:
		res, _ := r.Val.(Result)
		return res, r.Err
	}
}

func (e *Engine) validate(ctx context.Context, address string, timeout time.Duration) (Result, error) {
	pc := e.classifier.Precheck(ctx, address)
	rec := pc.Record
	if pc.NeedsProbe {
		// a transport failure already carries its verdict
		v, _ := e.prober.Probe(ctx, rec.Address, timeout)
		rec.ApplyVerdict(v)
	}
	res := newResult(address, rec, pc.NeedsProbe)
	if rec.Address == "" {
		return res, nil
	}
	if err := e.dedup.Upsert(ctx, rec); err != nil {
		return res, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return res, nil
}

// CheckDuplicates records addresses as seen and splits them into first
// sightings and repeats.
func (e *Engine) CheckDuplicates(ctx context.Context, addresses []string) (Partition, error) {
	return e.dedup.Partition(ctx, addresses)
}

// RecordBatch stores externally obtained verdicts for addresses, which
// must be the same length.
func (e *Engine) RecordBatch(ctx context.Context, addresses []string, verdicts []Verdict) error {
	return e.dedup.RecordVerdicts(ctx, addresses, verdicts)
}

// Lookup returns the stored record for address, or ErrRecordNotFound.
func (e *Engine) Lookup(ctx context.Context, address string) (EmailRecord, error) {
	return e.dedup.Get(ctx, address)
}

// Forget soft-deletes the records of addresses. The next sighting of a
// forgotten address counts as new.
func (e *Engine) Forget(ctx context.Context, addresses []string) (int64, error) {
	return e.dedup.Forget(ctx, addresses)
}

func (e *Engine) DedupStats(ctx context.Context) (DedupStats, error) {
	return e.dedup.Stats(ctx)
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

var (
	_ jobs.Store        = (*sqlitestore.Store)(nil)
	_ jobs.Store        = (*redisstore.Store)(nil)
	_ dedup.Backend     = (*sqlitestore.Store)(nil)
	_ dnscache.Store    = (*sqlitestore.Store)(nil)
	_ probe.RCPTChecker = (*smtppool.Pool)(nil)
	_ scheduler.Prober  = (*probe.Prober)(nil)
	_ check.Resolver    = (*dnscache.Cache)(nil)
)
