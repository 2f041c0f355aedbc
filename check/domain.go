package check

import (
	"context"
	"strings"

	"github.com/optimode/mailverify/internal/levenshtein"
	"github.com/optimode/mailverify/types"
)

// Resolver is the slice of the domain cache the classifier needs.
// *dnscache.Cache implements it.
type Resolver interface {
	Lookup(ctx context.Context, domain string) (types.DomainCacheEntry, error)
}

// DomainResult describes whether a domain can receive mail.
type DomainResult struct {
	Valid     bool     `json:"valid"`
	HasMX     bool     `json:"has_mx"`
	MXRecords []string `json:"mx_records,omitempty"`
	// Suggestion is a close known provider when the domain looks like a typo.
	Suggestion string `json:"suggestion,omitempty"`
}

// DomainConfig is the domain checker configuration.
type DomainConfig struct {
	// TypoThreshold is the maximum edit distance for a typo suggestion.
	// Zero disables suggestions.
	TypoThreshold int
}

// DomainChecker resolves domains through the cache and spots typos of
// well-known providers.
type DomainChecker struct {
	resolver       Resolver
	cfg            DomainConfig
	knownProviders []string
}

// defaultKnownProviders are the targets for typo suggestions.
var defaultKnownProviders = []string{
	"gmail.com", "googlemail.com",
	"yahoo.com", "yahoo.co.uk", "yahoo.fr", "yahoo.de",
	"outlook.com", "hotmail.com", "hotmail.co.uk", "live.com",
	"icloud.com", "me.com", "mac.com",
	"protonmail.com", "proton.me",
	"aol.com",
	"zoho.com",
	"yandex.com", "yandex.ru",
	"mail.com",
	"gmx.com", "gmx.net", "gmx.de",
	"fastmail.com",
	"tutanota.com",
	"freemail.hu", "citromail.hu", "t-online.hu",
}

func NewDomainChecker(r Resolver, cfg DomainConfig) *DomainChecker {
	return &DomainChecker{resolver: r, cfg: cfg, knownProviders: defaultKnownProviders}
}

// CheckDomain looks domain up through the cache. A domain is valid when it
// has MX records or, lacking them, an address record. The error is non-nil
// only for transient resolver failures, in which case validity is unknown.
func (c *DomainChecker) CheckDomain(ctx context.Context, domain string) (DomainResult, error) {
	domain = strings.ToLower(strings.TrimSpace(domain))
	res := DomainResult{Suggestion: c.suggest(domain)}
	if domain == "" {
		return res, nil
	}

	entry, err := c.resolver.Lookup(ctx, domain)
	if err != nil {
		return res, err
	}
	res.HasMX = entry.HasMX
	res.MXRecords = entry.MXRecords
	res.Valid = entry.HasMX || entry.HasAddress
	return res, nil
}

// suggest returns the closest known provider within the typo threshold, or
// "" for an exact match or no close match.
func (c *DomainChecker) suggest(domain string) string {
	if c.cfg.TypoThreshold <= 0 || domain == "" {
		return ""
	}
	best, bestDist := "", c.cfg.TypoThreshold+1
	for _, provider := range c.knownProviders {
		if domain == provider {
			return ""
		}
		if d, ok := levenshtein.Within(domain, provider, c.cfg.TypoThreshold); ok && d < bestDist {
			best, bestDist = provider, d
		}
	}
	return best
}
