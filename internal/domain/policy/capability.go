package policy

import (
	"regexp"
	"strings"
)

// CapabilityMatcher answers whether a demanded capability is covered by
// the granted set. Grants without a wildcard must match demands exactly;
// grants containing `*` are compiled once with each `*` expanded to `.*`
// over the whole colon-delimited token.
type CapabilityMatcher struct {
	exact    map[string]struct{}
	patterns []capPattern
}

type capPattern struct {
	grant string
	re    *regexp.Regexp
}

// NewCapabilityMatcher compiles the granted capability set. Empty and
// whitespace-only grants are skipped. Compilation cannot fail because
// every non-wildcard byte is quoted.
func NewCapabilityMatcher(grants []string) *CapabilityMatcher {
	m := &CapabilityMatcher{exact: make(map[string]struct{}, len(grants))}
	for _, g := range grants {
		g = strings.TrimSpace(g)
		if g == "" {
			continue
		}
		if !strings.Contains(g, "*") {
			m.exact[g] = struct{}{}
			continue
		}
		parts := strings.Split(g, "*")
		for i, p := range parts {
			parts[i] = regexp.QuoteMeta(p)
		}
		re := regexp.MustCompile("^" + strings.Join(parts, ".*") + "$")
		m.patterns = append(m.patterns, capPattern{grant: g, re: re})
	}
	return m
}

// Matches reports whether the demanded capability is covered.
func (m *CapabilityMatcher) Matches(demand string) bool {
	demand = strings.TrimSpace(demand)
	if demand == "" {
		return false
	}
	if _, ok := m.exact[demand]; ok {
		return true
	}
	for _, p := range m.patterns {
		if p.re.MatchString(demand) {
			return true
		}
	}
	return false
}

// Missing returns the demands not covered by the granted set,
// deduplicated by trimmed value with order preserved.
func (m *CapabilityMatcher) Missing(demands []string) []string {
	var missing []string
	seen := make(map[string]struct{}, len(demands))
	for _, d := range demands {
		d = strings.TrimSpace(d)
		if d == "" {
			continue
		}
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		if !m.Matches(d) {
			missing = append(missing, d)
		}
	}
	return missing
}
