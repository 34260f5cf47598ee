// pattern.go — Site-pattern matching: one wildcard label, longest-match
// wins, ties favor the rule with a deny list. Adapted from the teacher's
// label-oriented origin handling in internal/security (origin parsing,
// prefix/suffix classification) generalized to the spec's pattern grammar.
package permissions

import "strings"

func hostLabels(hostOrOrigin string) []string {
	host := hostOrOrigin
	if idx := strings.Index(host, "://"); idx >= 0 {
		host = host[idx+3:]
	}
	if idx := strings.IndexByte(host, '/'); idx >= 0 {
		host = host[:idx]
	}
	if idx := strings.IndexByte(host, ':'); idx >= 0 {
		host = host[:idx]
	}
	return strings.Split(host, ".")
}

// matchesPattern reports whether host matches pattern, where pattern may
// contain exactly one "*" label matching any single label at that position.
func matchesPattern(pattern, host string) bool {
	patLabels := strings.Split(pattern, ".")
	hostLbls := hostLabels(host)
	if len(patLabels) != len(hostLbls) {
		return false
	}
	for i, p := range patLabels {
		if p == "*" {
			continue
		}
		if !strings.EqualFold(p, hostLbls[i]) {
			return false
		}
	}
	return true
}

// specificity counts the non-wildcard labels in a pattern; a higher count
// is a more specific — and thus higher-precedence — match.
func specificity(pattern string) int {
	n := 0
	for _, p := range strings.Split(pattern, ".") {
		if p != "*" {
			n++
		}
	}
	return n
}

// bestMatch returns the index of the rule that wins for origin, or -1 if no
// rule matches.
func bestMatch(rules []Rule, origin string) int {
	best := -1
	bestSpecificity := -1
	for i, r := range rules {
		if !matchesPattern(r.Pattern, origin) {
			continue
		}
		s := specificity(r.Pattern)
		switch {
		case s > bestSpecificity:
			best, bestSpecificity = i, s
		case s == bestSpecificity && best >= 0:
			if len(r.Deny) > 0 && len(rules[best].Deny) == 0 {
				best = i
			}
		}
	}
	return best
}
