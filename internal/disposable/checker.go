package disposable

import "strings"

// IsDisposable returns whether the given domain, or any parent domain of it,
// is a known disposable domain.
func IsDisposable(domain string) bool {
	domain = strings.TrimSuffix(strings.ToLower(domain), ".")
	for domain != "" {
		if _, ok := disposableSet[domain]; ok {
			return true
		}
		i := strings.IndexByte(domain, '.')
		if i < 0 {
			return false
		}
		domain = domain[i+1:]
		if !strings.Contains(domain, ".") {
			// never match on a bare TLD
			return false
		}
	}
	return false
}

// Len returns the number of domains in the table.
func Len() int { return len(disposableSet) }
