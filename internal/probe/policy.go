package probe

import (
	"bufio"
	_ "embed"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/optimode/mailverify/types"
)

// ProviderPolicy says how RCPT replies from a provider are interpreted.
type ProviderPolicy string

const (
	ProviderOpaque      ProviderPolicy = "opaque"
	ProviderTransparent ProviderPolicy = "transparent"
)

//go:embed providers.txt
var defaultProviders string

// Policy maps an RCPT reply code and the domain's provider policy to a
// verdict. It is deterministic: the same code and provider membership always
// yield the same outcome and confidence.
type Policy struct {
	providers map[string]ProviderPolicy
}

// providerMatch restricts a rule to opaque or transparent domains.
type providerMatch int

const (
	anyProvider providerMatch = iota
	opaqueOnly
	transparentOnly
)

type rule struct {
	codes    []int
	provider providerMatch
	verdict  types.Verdict
}

var rules = []rule{
	{
		codes:   []int{250, 251},
		verdict: types.Verdict{Outcome: types.OutcomeValid, Confidence: types.ConfidenceHigh, Verified: true, Reason: "recipient accepted"},
	},
	{
		codes:   []int{450, 451, 452},
		verdict: types.Verdict{Outcome: types.OutcomeValid, Confidence: types.ConfidenceMedium, Verified: true, Reason: "temporary failure"},
	},
	{
		codes:    []int{550},
		provider: opaqueOnly,
		verdict:  types.Verdict{Outcome: types.OutcomeValid, Confidence: types.ConfidenceMedium, Reason: "provider blocks mailbox verification"},
	},
	{
		codes:    []int{550},
		provider: transparentOnly,
		verdict:  types.Verdict{Outcome: types.OutcomeInvalid, Confidence: types.ConfidenceHigh, Verified: true, Reason: "mailbox unknown"},
	},
	{
		codes:   []int{421, 554},
		verdict: types.Verdict{Outcome: types.OutcomeValid, Confidence: types.ConfidenceLow, Reason: "service unavailable"},
	},
}

var fallback = types.Verdict{Outcome: types.OutcomeValid, Confidence: types.ConfidenceLow, Reason: "unrecognized response"}

// DefaultPolicy returns the policy built from the embedded provider table.
func DefaultPolicy() *Policy {
	p, err := ParsePolicy(strings.NewReader(defaultProviders))
	if err != nil {
		panic(fmt.Sprintf("probe: embedded provider table: %v", err))
	}
	return p
}

// LoadPolicy returns the default policy overlaid with the provider table
// at path.
func LoadPolicy(path string) (*Policy, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("probe: open provider table: %w", err)
	}
	defer func() { _ = f.Close() }()

	override, err := ParsePolicy(f)
	if err != nil {
		return nil, err
	}
	p := DefaultPolicy()
	for domain, pol := range override.providers {
		p.providers[domain] = pol
	}
	return p, nil
}

// ParsePolicy reads a provider table: one "domain policy" pair per line,
// blank lines and # comments ignored.
func ParsePolicy(r io.Reader) (*Policy, error) {
	p := &Policy{providers: make(map[string]ProviderPolicy)}
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, fmt.Errorf("probe: provider table line %d: want \"domain policy\"", lineNo)
		}
		pol := ProviderPolicy(strings.ToLower(fields[1]))
		if pol != ProviderOpaque && pol != ProviderTransparent {
			return nil, fmt.Errorf("probe: provider table line %d: unknown policy %q", lineNo, fields[1])
		}
		p.providers[strings.ToLower(fields[0])] = pol
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("probe: read provider table: %w", err)
	}
	return p, nil
}

// Opaque reports whether replies from domain carry no mailbox signal.
func (p *Policy) Opaque(domain string) bool {
	return p.providers[strings.ToLower(domain)] == ProviderOpaque
}

// Classify maps an RCPT reply code received for an address at domain.
func (p *Policy) Classify(domain string, code int) types.Verdict {
	opaque := p.Opaque(domain)
	for _, r := range rules {
		if !slices.Contains(r.codes, code) {
			continue
		}
		if (r.provider == opaqueOnly && !opaque) || (r.provider == transparentOnly && opaque) {
			continue
		}
		v := r.verdict
		v.Code = code
		return v
	}
	v := fallback
	v.Code = code
	return v
}

// TransportFailure is the verdict for a probe that got no reply code.
func TransportFailure(reason string) types.Verdict {
	return types.Verdict{Outcome: types.OutcomeInvalid, Confidence: types.ConfidenceLow, Verified: true, Reason: reason}
}

// CatchAll is the verdict for any address at a catch-all domain.
func CatchAll() types.Verdict {
	return types.Verdict{Outcome: types.OutcomeCatchAll, Confidence: types.ConfidenceMedium, Reason: "domain accepts all recipients"}
}
