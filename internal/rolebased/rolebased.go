// Package rolebased recognizes local parts that belong to shared role mailboxes.
package rolebased

import (
	_ "embed"
	"strings"
)

//go:embed roles.txt
var rawRoles string

var roles = func() map[string]struct{} {
	set := make(map[string]struct{})
	for _, line := range strings.Split(rawRoles, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "#") {
			set[strings.ToLower(line)] = struct{}{}
		}
	}
	return set
}()

// IsRole reports whether local names a role mailbox. Sub-address tags
// ("support+eu") and a leading token before '-', '_' or '.' ("sales-emea")
// are considered.
func IsRole(local string) bool {
	local = strings.ToLower(strings.TrimSpace(local))
	if i := strings.IndexByte(local, '+'); i >= 0 {
		local = local[:i]
	}
	if _, ok := roles[local]; ok {
		return true
	}
	if i := strings.IndexAny(local, "-_."); i > 0 {
		_, ok := roles[local[:i]]
		return ok
	}
	return false
}
