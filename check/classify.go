package check

import (
	"context"
	"fmt"
	"strings"

	"github.com/optimode/mailverify/internal/disposable"
	"github.com/optimode/mailverify/internal/parse"
	"github.com/optimode/mailverify/internal/rolebased"
	"github.com/optimode/mailverify/types"
)

type TypeResult struct {
	Disposable bool            `json:"disposable"`
	RoleBased  bool            `json:"role_based"`
	Type       types.EmailType `json:"type"`
}

// ClassifyType looks the address up in the embedded disposable-domain and
// role-prefix tables. A disposable domain wins over a role local part.
func ClassifyType(address string) TypeResult {
	email := parse.NewEmail(address)
	if !email.Valid {
		return TypeResult{Type: types.TypeUnknown}
	}
	res := TypeResult{
		Disposable: disposable.IsDisposable(email.Domain),
		RoleBased:  rolebased.IsRole(email.Local),
		Type:       types.TypePersonal,
	}
	switch {
	case res.Disposable:
		res.Type = types.TypeDisposable
	case res.RoleBased:
		res.Type = types.TypeRoleBased
	}
	return res
}

// Precheck is the phase 1 view of one address. When NeedsProbe is false
// the address is resolved and Bucket is its final bucket.
type Precheck struct {
	Record     types.EmailRecord
	NeedsProbe bool
	Bucket     types.Bucket
}

// Classifier runs the three checks and decides whether an address still
// needs an SMTP probe.
type Classifier struct {
	domains *DomainChecker
}

func NewClassifier(domains *DomainChecker) *Classifier {
	return &Classifier{domains: domains}
}

// Precheck never fails: malformed input and resolver errors both resolve
// the address as invalid.
func (c *Classifier) Precheck(ctx context.Context, address string) Precheck {
	rec := types.EmailRecord{Address: parse.Normalize(address), Type: types.TypeUnknown}

	syn := CheckSyntax(address)
	rec.SyntaxValid = syn.Valid
	if !syn.Valid {
		rec.SMTPOutcome = types.OutcomeInvalid
		rec.Confidence = types.ConfidenceHigh
		rec.Reason = "syntax: " + strings.Join(syn.Errors, "; ")
		return resolved(rec)
	}

	rec.Type = ClassifyType(address).Type
	email := parse.NewEmail(address)

	dom, err := c.domains.CheckDomain(ctx, email.Domain)
	rec.DomainValid = dom.Valid
	rec.HasMX = dom.HasMX
	rec.Suggestion = dom.Suggestion
	if len(dom.MXRecords) > 0 {
		rec.MXHost = dom.MXRecords[0]
	}

	switch {
	case err != nil:
		rec.SMTPOutcome = types.OutcomeInvalid
		rec.Confidence = types.ConfidenceLow
		rec.Reason = fmt.Sprintf("dns lookup failed: %v", err)
	case !dom.Valid:
		rec.SMTPOutcome = types.OutcomeInvalid
		rec.Confidence = types.ConfidenceHigh
		rec.Reason = "domain has no mail server"
	case rec.Type == types.TypeDisposable:
		rec.Reason = "disposable domain"
	case rec.Type == types.TypeRoleBased:
		rec.Reason = "role-based mailbox"
	default:
		return Precheck{Record: rec, NeedsProbe: true}
	}
	return resolved(rec)
}

func resolved(rec types.EmailRecord) Precheck {
	return Precheck{Record: rec, Bucket: rec.Bucket()}
}
