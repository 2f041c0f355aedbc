// Package disposable detects throwaway mailbox providers from an embedded table.
package disposable

import (
	_ "embed"
	"strings"
)

//go:embed list.txt
var rawList string

var disposableSet = parseList(rawList)

func parseList(raw string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "#") {
			set[strings.ToLower(line)] = struct{}{}
		}
	}
	return set
}
