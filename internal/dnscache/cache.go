// Package dnscache memoizes per-domain mail routing (MX records, address
// fallback) and catch-all detection, each with its own TTL.
//
// Concurrent lookups for the same domain share one in-flight resolution.
// Callers wait on it with their own context, so a caller's deadline bounds
// its wait without aborting the shared lookup for everybody else.
package dnscache

import (
	"context"
	"fmt"
	"net"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/optimode/mailverify/internal/metrics"
	"github.com/optimode/mailverify/types"
)

const (
	DefaultMXTTL       = time.Hour
	DefaultCatchAllTTL = 24 * time.Hour
)

// Store persists cache entries so they survive restarts and can be shared
// by processes using the same database.
type Store interface {
	LoadDomain(ctx context.Context, domain string) (types.DomainCacheEntry, bool, error)
	SaveDomain(ctx context.Context, entry types.DomainCacheEntry) error
}

// DetectFunc decides whether a domain accepts mail for any local part.
// It is called at most once per domain per in-flight detection.
type DetectFunc func(ctx context.Context, domain string) (bool, types.Confidence, error)

// Config configures a Cache. Zero values take the package defaults.
type Config struct {
	LookupTimeout time.Duration
	MXTTL         time.Duration
	CatchAllTTL   time.Duration
	Resolver      Resolver
	Store         Store
	Metrics       *metrics.Metrics
	Logger        zerolog.Logger
}

// Cache is a thread-safe domain resolution cache.
type Cache struct {
	mu       sync.Mutex
	mx       map[string]*mxEntry
	catchAll map[string]*catchAllEntry

	lookupTimeout time.Duration
	mxTTL         time.Duration
	catchAllTTL   time.Duration
	resolver      Resolver
	store         Store
	metrics       *metrics.Metrics
	log           zerolog.Logger
}

type mxEntry struct {
	data    types.DomainCacheEntry
	err     error
	expires time.Time
	done    chan struct{} // closed when the lookup is complete
}

type catchAllEntry struct {
	isCatchAll bool
	confidence types.Confidence
	cachedAt   time.Time
	err        error
	expires    time.Time
	done       chan struct{}
}

// New creates a cache from cfg.
func New(cfg Config) *Cache {
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = 5 * time.Second
	}
	if cfg.MXTTL <= 0 {
		cfg.MXTTL = DefaultMXTTL
	}
	if cfg.CatchAllTTL <= 0 {
		cfg.CatchAllTTL = DefaultCatchAllTTL
	}
	if cfg.Resolver == nil {
		cfg.Resolver = &net.Resolver{}
	}
	return &Cache{
		mx:            make(map[string]*mxEntry),
		catchAll:      make(map[string]*catchAllEntry),
		lookupTimeout: cfg.LookupTimeout,
		mxTTL:         cfg.MXTTL,
		catchAllTTL:   cfg.CatchAllTTL,
		resolver:      cfg.Resolver,
		store:         cfg.Store,
		metrics:       cfg.Metrics,
		log:           cfg.Logger,
	}
}

// Lookup returns the routing entry for domain: MX hosts ordered by
// preference, and whether the domain has an address record. Authoritative
// "no such domain" answers are cached as an entry with neither; transient
// resolver failures are returned as errors and not cached.
func (c *Cache) Lookup(ctx context.Context, domain string) (types.DomainCacheEntry, error) {
	domain = normalizeDomain(domain)
	if domain == "" {
		return types.DomainCacheEntry{}, fmt.Errorf("dnscache: empty domain")
	}

	c.mu.Lock()
	e, ok := c.mx[domain]
	if ok {
		select {
		case <-e.done:
			if time.Now().Before(e.expires) {
				c.mu.Unlock()
				c.metrics.CacheLookup("mx", true)
				return cloneEntry(e.data), nil
			}
			// expired, refresh below
			ok = false
		default:
			// in flight, join it
		}
	}
	if !ok {
		e = &mxEntry{done: make(chan struct{})}
		c.mx[domain] = e
		c.metrics.CacheLookup("mx", false)
		go c.fillMX(domain, e)
	}
	c.mu.Unlock()

	select {
	case <-e.done:
		if e.err != nil {
			return types.DomainCacheEntry{}, e.err
		}
		return cloneEntry(e.data), nil
	case <-ctx.Done():
		return types.DomainCacheEntry{}, ctx.Err()
	}
}

func (c *Cache) fillMX(domain string, e *mxEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), c.lookupTimeout)
	defer cancel()

	fromStore := false
	stored, loaded := c.load(ctx, domain)
	if loaded && !stored.CachedAt.IsZero() && time.Since(stored.CachedAt) < c.mxTTL {
		e.data = stored
		e.data.TTL = c.mxTTL
		fromStore = true
	} else {
		e.data, e.err = c.resolve(ctx, domain)
	}
	e.expires = e.data.CachedAt.Add(c.mxTTL)

	c.mu.Lock()
	if e.err != nil && c.mx[domain] == e {
		delete(c.mx, domain)
	}
	if loaded {
		c.seedCatchAllLocked(domain, stored)
	}
	close(e.done)
	c.mu.Unlock()

	if e.err != nil {
		c.log.Debug().Err(e.err).Str("domain", domain).Msg("mx lookup failed")
		return
	}
	if !fromStore {
		c.persist(domain)
	}
}

func (c *Cache) resolve(ctx context.Context, domain string) (types.DomainCacheEntry, error) {
	entry := types.DomainCacheEntry{Domain: domain, TTL: c.mxTTL}

	records, err := c.resolver.LookupMX(ctx, domain)
	if err != nil && !IsNotFound(err) {
		return entry, fmt.Errorf("dnscache: mx lookup %s: %w", domain, err)
	}
	slices.SortStableFunc(records, func(a, b *net.MX) int { return int(a.Pref) - int(b.Pref) })

	nullMX := false
	for _, r := range records {
		host := strings.TrimSuffix(r.Host, ".")
		if host == "" {
			// RFC 7505 null MX: the domain explicitly accepts no mail
			nullMX = true
			continue
		}
		entry.MXRecords = append(entry.MXRecords, strings.ToLower(host))
	}
	entry.HasMX = len(entry.MXRecords) > 0

	if !entry.HasMX && !nullMX {
		addrs, err := c.resolver.LookupHost(ctx, domain)
		if err != nil && !IsNotFound(err) {
			return entry, fmt.Errorf("dnscache: address lookup %s: %w", domain, err)
		}
		entry.HasAddress = len(addrs) > 0
	}
	entry.CachedAt = time.Now()
	return entry, nil
}

// CatchAll reports whether domain accepts mail for any local part. Cached
// results are reused for the catch-all TTL. Low-confidence results and
// errors are returned to the caller but never cached.
func (c *Cache) CatchAll(ctx context.Context, domain string, detect DetectFunc) (bool, types.Confidence, error) {
	domain = normalizeDomain(domain)

	c.mu.Lock()
	e, ok := c.catchAll[domain]
	if ok {
		select {
		case <-e.done:
			if e.err == nil && time.Now().Before(e.expires) {
				c.mu.Unlock()
				c.metrics.CacheLookup("catch_all", true)
				return e.isCatchAll, e.confidence, nil
			}
			ok = false
		default:
		}
	}
	if !ok {
		e = &catchAllEntry{done: make(chan struct{})}
		c.catchAll[domain] = e
		c.metrics.CacheLookup("catch_all", false)
		go c.fillCatchAll(context.WithoutCancel(ctx), domain, e, detect)
	}
	c.mu.Unlock()

	select {
	case <-e.done:
		return e.isCatchAll, e.confidence, e.err
	case <-ctx.Done():
		return false, types.ConfidenceLow, ctx.Err()
	}
}

func (c *Cache) fillCatchAll(ctx context.Context, domain string, e *catchAllEntry, detect DetectFunc) {
	e.isCatchAll, e.confidence, e.err = detect(ctx, domain)
	e.cachedAt = time.Now()
	e.expires = e.cachedAt.Add(c.catchAllTTL)
	cacheable := e.err == nil && e.confidence != types.ConfidenceLow

	c.mu.Lock()
	if !cacheable && c.catchAll[domain] == e {
		delete(c.catchAll, domain)
	}
	close(e.done)
	c.mu.Unlock()

	if cacheable {
		c.log.Debug().Str("domain", domain).Bool("catch_all", e.isCatchAll).
			Str("confidence", string(e.confidence)).Msg("catch-all detected")
		c.persist(domain)
	}
}

// seedCatchAllLocked installs a still-fresh catch-all result loaded from
// the store, unless a detection is already known.
func (c *Cache) seedCatchAllLocked(domain string, stored types.DomainCacheEntry) {
	if stored.CatchAllCachedAt.IsZero() || stored.CatchAllConfidence == "" {
		return
	}
	expires := stored.CatchAllCachedAt.Add(c.catchAllTTL)
	if !time.Now().Before(expires) {
		return
	}
	if _, ok := c.catchAll[domain]; ok {
		return
	}
	done := make(chan struct{})
	close(done)
	c.catchAll[domain] = &catchAllEntry{
		isCatchAll: stored.IsCatchAll,
		confidence: stored.CatchAllConfidence,
		cachedAt:   stored.CatchAllCachedAt,
		expires:    expires,
		done:       done,
	}
}

func (c *Cache) load(ctx context.Context, domain string) (types.DomainCacheEntry, bool) {
	if c.store == nil {
		return types.DomainCacheEntry{}, false
	}
	entry, ok, err := c.store.LoadDomain(ctx, domain)
	if err != nil {
		c.log.Warn().Err(err).Str("domain", domain).Msg("domain cache load failed")
		return types.DomainCacheEntry{}, false
	}
	return entry, ok
}

// persist writes the merged MX and catch-all view of domain to the store.
// Failures are logged; the in-memory cache stays authoritative.
func (c *Cache) persist(domain string) {
	if c.store == nil {
		return
	}
	entry, ok := c.Entry(domain)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.lookupTimeout)
	defer cancel()
	if err := c.store.SaveDomain(ctx, entry); err != nil {
		c.metrics.StorageError("domain_cache")
		c.log.Warn().Err(err).Str("domain", domain).Msg("domain cache save failed")
	}
}

// Entry returns the completed, unexpired state cached for domain.
func (c *Cache) Entry(domain string) (types.DomainCacheEntry, bool) {
	domain = normalizeDomain(domain)
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	var out types.DomainCacheEntry
	found := false
	if e, ok := c.mx[domain]; ok && isDone(e.done) && e.err == nil && now.Before(e.expires) {
		out = cloneEntry(e.data)
		found = true
	}
	if e, ok := c.catchAll[domain]; ok && isDone(e.done) && e.err == nil && now.Before(e.expires) {
		out.IsCatchAll = e.isCatchAll
		out.CatchAllConfidence = e.confidence
		out.CatchAllCachedAt = e.cachedAt
		out.CatchAllTTL = c.catchAllTTL
		found = true
	}
	if found {
		out.Domain = domain
	}
	return out, found
}

// Len returns the number of domains with an MX entry (for diagnostics).
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.mx)
}

func isDone(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// cloneEntry copies the record slice so callers cannot mutate cached data.
func cloneEntry(e types.DomainCacheEntry) types.DomainCacheEntry {
	e.MXRecords = slices.Clone(e.MXRecords)
	return e
}
