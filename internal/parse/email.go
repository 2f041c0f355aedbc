// Package parse splits and normalizes email addresses.
package parse

import (
	"net/mail"
	"strings"

	"golang.org/x/net/idna"
)

// Email is the internal representation of a parsed email address.
type Email struct {
	Raw           string // the trimmed input
	Normalized    string // lower-cased Raw, the dedup key
	Local         string // the part before @
	Domain        string // ASCII/Punycode domain (for DNS/SMTP)
	DomainUnicode string // Unicode domain (for display/typo detection)
	Valid         bool   // false if Raw cannot be split into local@domain
}

// Normalize returns the canonical key for an address: trimmed and lower-cased.
func Normalize(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

// NewEmail attempts to parse the given email string.
// If parsing fails, Valid=false but Raw and Normalized are always populated.
// Internationalized local parts (RFC 6531) and domains (IDNA2008) are accepted.
func NewEmail(raw string) Email {
	raw = strings.TrimSpace(raw)
	base := Email{Raw: raw, Normalized: strings.ToLower(raw)}

	if strings.Count(raw, "@") != 1 {
		return base
	}

	local, domain, ok := split(raw)
	if !ok {
		return base
	}

	ascii, unicode, ok := convertDomain(strings.ToLower(domain))
	if !ok {
		return base
	}

	base.Local = local
	base.Domain = ascii
	base.DomainUnicode = unicode
	base.Valid = true
	return base
}

// split separates local and domain, preferring net/mail so that quoted
// local parts are unwrapped, and falling back to a plain split for
// Unicode local parts that net/mail rejects.
func split(raw string) (local, domain string, ok bool) {
	if addr, err := mail.ParseAddress("<" + raw + ">"); err == nil {
		if i := strings.LastIndex(addr.Address, "@"); i > 0 && i < len(addr.Address)-1 {
			return addr.Address[:i], addr.Address[i+1:], true
		}
	}
	i := strings.LastIndex(raw, "@")
	if i < 1 || i >= len(raw)-1 {
		return "", "", false
	}
	return raw[:i], raw[i+1:], true
}

// convertDomain returns the ASCII and Unicode forms of a domain.
// ok is false if a non-ASCII domain fails IDNA2008 validation.
func convertDomain(domain string) (ascii, unicode string, ok bool) {
	for _, r := range domain {
		if r > 127 {
			a, err := idna.Lookup.ToASCII(domain)
			if err != nil {
				return "", "", false
			}
			return a, domain, true
		}
	}

	// Existing Punycode (xn--mnchen-3ya.de) decodes to its display form.
	u, err := idna.Display.ToUnicode(domain)
	if err != nil {
		u = domain
	}
	return domain, u, true
}
