package mailverify

import (
	"fmt"

	"github.com/optimode/mailverify/types"
)

// Result is the outcome of validating one address.
// Valid is true only if all executed checks passed.
type Result struct {
	Email  string        `json:"email"`
	Valid  bool          `json:"valid"`
	Bucket Bucket        `json:"bucket"`
	Record EmailRecord   `json:"record"`
	Checks []CheckResult `json:"checks"`
}

func newResult(email string, rec types.EmailRecord, probed bool) Result {
	res := Result{
		Email:  email,
		Record: rec,
		Bucket: rec.Bucket(),
	}
	res.Checks = append(res.Checks, types.CheckResult{
		Level:   LevelSyntax,
		Passed:  rec.SyntaxValid,
		Details: detail(rec.SyntaxValid, "syntax ok", rec.Reason),
	})
	if !rec.SyntaxValid {
		return res
	}
	res.Checks = append(res.Checks, types.CheckResult{
		Level:      LevelDomain,
		Passed:     rec.DomainValid,
		Details:    detail(rec.DomainValid, "domain ok", rec.Reason),
		MXHost:     rec.MXHost,
		Suggestion: rec.Suggestion,
	})
	res.Checks = append(res.Checks, types.CheckResult{
		Level:   LevelType,
		Passed:  rec.Type != types.TypeDisposable,
		Details: string(rec.Type),
	})
	if probed {
		res.Checks = append(res.Checks, types.CheckResult{
			Level:    LevelSMTP,
			Passed:   rec.SMTPOutcome != types.OutcomeInvalid,
			Details:  fmt.Sprintf("%s (%s confidence): %s", rec.SMTPOutcome, rec.Confidence, rec.Reason),
			MXHost:   rec.MXHost,
			SMTPCode: rec.SMTPCode,
		})
	}
	res.Valid = len(res.FailedChecks()) == 0
	return res
}

func detail(ok bool, pass, reason string) string {
	if ok {
		return pass
	}
	return reason
}

// FailedChecks returns those CheckResults that did not pass.
func (r Result) FailedChecks() []CheckResult {
	var out []CheckResult
	for _, c := range r.Checks {
		if !c.Passed {
			out = append(out, c)
		}
	}
	return out
}

// CheckFor returns the CheckResult for the given level, if it exists.
// The second return value indicates whether the given level was executed.
func (r Result) CheckFor(level CheckLevel) (CheckResult, bool) {
	for _, c := range r.Checks {
		if c.Level == level {
			return c, true
		}
	}
	return CheckResult{}, false
}
