// Package hostrouter implements C6: mapping an incoming Host header to a
// route by exact match or longest-suffix left-wildcard match.
package hostrouter

import (
	"strings"

	"github.com/divortio/wafu/internal/waf"
)

// Resolve returns the route bound to host, or false if none matches. Exact
// matches win outright; otherwise the route with the longest matching
// wildcard suffix (*.suffix) is chosen. Only left-anchored "*." wildcards
// are recognized; embedded wildcards never match.
func Resolve(host string, routes []waf.Route) (waf.Route, bool) {
	for _, r := range routes {
		if r.IncomingHost == host {
			return r, true
		}
	}

	var best waf.Route
	found := false
	bestSuffixLen := -1
	for _, r := range routes {
		suffix, ok := wildcardSuffix(r.IncomingHost)
		if !ok {
			continue
		}
		if !strings.HasSuffix(host, suffix) {
			continue
		}
		// "*.ex.com" must not match "ex.com" itself; the host must carry at
		// least one label before the suffix.
		if len(host) == len(suffix) {
			continue
		}
		if len(suffix) > bestSuffixLen {
			best = r
			bestSuffixLen = len(suffix)
			found = true
		}
	}
	return best, found
}

// wildcardSuffix returns the ".suffix" portion of a "*.suffix" host pattern.
func wildcardSuffix(pattern string) (string, bool) {
	if !strings.HasPrefix(pattern, "*.") {
		return "", false
	}
	return pattern[1:], true // keep the leading dot: "*.ex.com" -> ".ex.com"
}
