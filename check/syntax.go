package check

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/optimode/mailverify/internal/parse"
)

const (
	maxLocalLen   = 64
	maxDomainLen  = 255
	maxAddressLen = 320
)

// SyntaxResult lists every rule an address violates. Valid is true only
// when Errors is empty.
type SyntaxResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// CheckSyntax validates an address against RFC 5321 with RFC 6531
// (SMTPUTF8) local parts and IDNA2008 domains.
func CheckSyntax(address string) SyntaxResult {
	raw := strings.TrimSpace(address)
	if raw == "" {
		return SyntaxResult{Errors: []string{"empty email address"}}
	}
	if n := strings.Count(raw, "@"); n != 1 {
		return SyntaxResult{Errors: []string{"address must contain exactly one @"}}
	}

	var errs []string
	at := strings.LastIndexByte(raw, '@')
	rawLocal, rawDomain := raw[:at], raw[at+1:]

	if len(raw) > maxAddressLen {
		errs = append(errs, "email address exceeds 320 characters")
	}
	if len(rawLocal) > maxLocalLen {
		errs = append(errs, "local part exceeds 64 characters")
	}
	if len(rawDomain) > maxDomainLen {
		errs = append(errs, "domain exceeds 255 characters")
	}

	// net/mail strips quotes from quoted local parts, so the quoted form
	// is detected on the raw input
	if !isQuoted(rawLocal) {
		errs = append(errs, validateLocal(rawLocal)...)
	}

	// the domain is parsed on its own so a bad local part cannot mask it
	email := parse.NewEmail("x@" + rawDomain)
	switch {
	case rawDomain == "":
		errs = append(errs, "domain is empty")
	case !email.Valid:
		errs = append(errs, "domain is not a valid internationalized name")
	default:
		errs = append(errs, validateDomain(email.DomainUnicode)...)
	}

	return SyntaxResult{Valid: len(errs) == 0, Errors: errs}
}

func isQuoted(local string) bool {
	return len(local) >= 2 && strings.HasPrefix(local, `"`) && strings.HasSuffix(local, `"`)
}

func validateLocal(local string) []string {
	if local == "" {
		return []string{"local part is empty"}
	}
	if !utf8.ValidString(local) {
		return []string{"local part is not valid UTF-8"}
	}

	var errs []string
	const asciiSpecial = "!#$%&'*+/=?^_`{|}~-."
	for _, ch := range local {
		if ch > 127 {
			if unicode.IsControl(ch) {
				errs = append(errs, "local part contains control character")
				break
			}
			continue
		}
		if (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') || (ch >= '0' && ch <= '9') {
			continue
		}
		if !strings.ContainsRune(asciiSpecial, ch) {
			errs = append(errs, "local part contains invalid character: "+string(ch))
			break
		}
	}
	if strings.HasPrefix(local, ".") || strings.HasSuffix(local, ".") {
		errs = append(errs, "local part cannot start or end with a dot")
	}
	if strings.Contains(local, "..") {
		errs = append(errs, "local part cannot contain consecutive dots")
	}
	return errs
}

func validateDomain(domain string) []string {
	// IP literal: [127.0.0.1]
	if strings.HasPrefix(domain, "[") && strings.HasSuffix(domain, "]") {
		return nil
	}

	labels := strings.Split(domain, ".")
	if len(labels) < 2 {
		return []string{"domain must have at least two labels"}
	}

	var errs []string
	for _, label := range labels {
		switch {
		case label == "":
			errs = append(errs, "domain contains empty label")
		case len(label) > 63:
			errs = append(errs, "domain label exceeds 63 characters")
		case strings.HasPrefix(label, "-") || strings.HasSuffix(label, "-"):
			errs = append(errs, "domain label cannot start or end with a hyphen")
		default:
			for _, ch := range label {
				if !unicode.IsLetter(ch) && !unicode.IsDigit(ch) && ch != '-' {
					errs = append(errs, "domain label contains invalid character: "+string(ch))
					break
				}
			}
		}
	}

	tld := labels[len(labels)-1]
	if tld != "" && strings.TrimFunc(tld, unicode.IsDigit) == "" {
		errs = append(errs, "TLD cannot be all digits")
	}
	return errs
}
