// Package probe decides whether a single address is deliverable by running
// an SMTP RCPT handshake against the domain's mail exchangers and mapping
// the reply through a Policy.
package probe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/optimode/mailverify/internal/dnscache"
	"github.com/optimode/mailverify/internal/metrics"
	"github.com/optimode/mailverify/internal/parse"
	"github.com/optimode/mailverify/internal/smtppool"
	"github.com/optimode/mailverify/types"
)

const DefaultTimeout = 5 * time.Second

var (
	ErrTimeout   = errors.New("probe: timeout")
	ErrCancelled = errors.New("probe: cancelled")
)

// RCPTChecker runs one RCPT handshake. *smtppool.Pool implements it.
type RCPTChecker interface {
	CheckRCPT(ctx context.Context, mxHost, email string) (int, string, error)
}

// Config configures a Prober.
type Config struct {
	Cache  *dnscache.Cache
	SMTP   RCPTChecker
	Policy *Policy
	// Timeout used when Probe is called with a zero timeout, and for
	// catch-all detection.
	Timeout time.Duration
	// MaxMXHosts is how many exchangers are tried on transport failure.
	MaxMXHosts int
	// CatchAllDetection enables the synthetic-recipient check per domain.
	CatchAllDetection bool
	Metrics           *metrics.Metrics
	Logger            zerolog.Logger
}

// Prober probes single addresses. It is safe for concurrent use.
type Prober struct {
	cache    *dnscache.Cache
	smtp     RCPTChecker
	policy   *Policy
	timeout  time.Duration
	maxHosts int
	catchAll bool
	metrics  *metrics.Metrics
	log      zerolog.Logger
}

// New creates a Prober.
func New(cfg Config) *Prober {
	if cfg.Policy == nil {
		cfg.Policy = DefaultPolicy()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxMXHosts <= 0 {
		cfg.MaxMXHosts = 2
	}
	return &Prober{
		cache:    cfg.Cache,
		smtp:     cfg.SMTP,
		policy:   cfg.Policy,
		timeout:  cfg.Timeout,
		maxHosts: cfg.MaxMXHosts,
		catchAll: cfg.CatchAllDetection,
		metrics:  cfg.Metrics,
		log:      cfg.Logger,
	}
}

// Probe verifies address within timeout, which bounds DNS resolution,
// catch-all detection, TCP connect and the SMTP exchange together.
//
// A nil error means the verdict reflects a server answer or a definitive
// DNS result. When no reply code was obtained, Probe returns the transport
// failure verdict (invalid, low) together with an error wrapping ErrTimeout,
// ErrCancelled or the underlying transport failure.
func (p *Prober) Probe(ctx context.Context, address string, timeout time.Duration) (types.Verdict, error) {
	if timeout <= 0 {
		timeout = p.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	v, err := p.probe(ctx, address)
	p.metrics.ObserveProbe(string(v.RecordOutcome()), string(v.Confidence), time.Since(start))
	if err != nil {
		p.log.Debug().Err(err).Str("address", address).Msg("probe failed")
	}
	return v, err
}

func (p *Prober) probe(ctx context.Context, address string) (types.Verdict, error) {
	e := parse.NewEmail(address)
	if !e.Valid {
		return types.Verdict{Outcome: types.OutcomeInvalid, Confidence: types.ConfidenceHigh, Verified: true, Reason: "malformed address"}, nil
	}

	hosts, v, err := p.hosts(ctx, e.Domain)
	if err != nil || len(hosts) == 0 {
		return v, err
	}

	if p.catchAll {
		isCatchAll, _, err := p.cache.CatchAll(ctx, e.Domain, p.detect)
		if err != nil {
			return p.failure(ctx, err)
		}
		if isCatchAll {
			v := CatchAll()
			v.MXHost = hosts[0]
			return v, nil
		}
	}

	code, host, err := p.rcpt(ctx, hosts, e.Local+"@"+e.Domain)
	if err != nil {
		var re *smtppool.ReplyError
		if errors.As(err, &re) {
			return types.Verdict{
				Outcome:    types.OutcomeValid,
				Confidence: types.ConfidenceLow,
				Code:       re.Code,
				Reason:     "session rejected at " + re.Stage,
				MXHost:     host,
			}, nil
		}
		return p.failure(ctx, err)
	}

	v = p.policy.Classify(e.Domain, code)
	v.MXHost = host
	return v, nil
}

// hosts resolves the exchangers to try for domain. With no hosts and a nil
// error, the returned verdict is final.
func (p *Prober) hosts(ctx context.Context, domain string) ([]string, types.Verdict, error) {
	entry, err := p.cache.Lookup(ctx, domain)
	if err != nil {
		v, err := p.failure(ctx, err)
		return nil, v, err
	}
	hosts := entry.MXRecords
	if !entry.HasMX {
		if !entry.HasAddress {
			return nil, types.Verdict{Outcome: types.OutcomeInvalid, Confidence: types.ConfidenceHigh, Verified: true, Reason: "domain has no mail host"}, nil
		}
		// RFC 5321 implicit MX
		hosts = []string{domain}
	}
	if len(hosts) > p.maxHosts {
		hosts = hosts[:p.maxHosts]
	}
	return hosts, types.Verdict{}, nil
}

// rcpt tries each host in preference order until one answers.
func (p *Prober) rcpt(ctx context.Context, hosts []string, email string) (int, string, error) {
	var lastErr error
	for _, host := range hosts {
		code, _, err := p.smtp.CheckRCPT(ctx, host, email)
		if err == nil {
			return code, host, nil
		}
		var re *smtppool.ReplyError
		if errors.As(err, &re) {
			return 0, host, err
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return 0, "", lastErr
}

// detect probes a random local part that cannot exist. Acceptance marks the
// domain catch-all; an explicit rejection clears it. Anything else is
// inconclusive and returned with low confidence.
func (p *Prober) detect(ctx context.Context, domain string) (bool, types.Confidence, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	hosts, _, err := p.hosts(ctx, domain)
	if err != nil || len(hosts) == 0 {
		return false, types.ConfidenceLow, err
	}

	local := "mv" + strings.ToLower(ulid.Make().String())
	code, _, err := p.rcpt(ctx, hosts, local+"@"+domain)
	if err != nil {
		var re *smtppool.ReplyError
		if errors.As(err, &re) {
			return false, types.ConfidenceLow, nil
		}
		return false, types.ConfidenceLow, err
	}
	switch {
	case code == 250 || code == 251:
		return true, types.ConfidenceHigh, nil
	case code >= 500:
		return false, types.ConfidenceHigh, nil
	default:
		return false, types.ConfidenceLow, nil
	}
}

// failure builds the transport-failure verdict and error for err.
func (p *Prober) failure(ctx context.Context, err error) (types.Verdict, error) {
	switch {
	case errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled):
		return TransportFailure("cancelled"), fmt.Errorf("%w: %w", ErrCancelled, err)
	case errors.Is(err, smtppool.ErrTimeout) || errors.Is(err, context.DeadlineExceeded):
		return TransportFailure("timeout"), fmt.Errorf("%w: %w", ErrTimeout, err)
	default:
		return TransportFailure("transport error: " + err.Error()), err
	}
}
