package policy

// Intersect returns the strict intersection of d with a constraint set.
// The result is never more permissive than either input: allow-sets
// intersect, deny-sets union, numeric caps take the minimum, permissive
// booleans AND, restrictive booleans OR, risks escalate.
//
// A nil set on either side means "no constraint" and passes the other
// side through. A present-but-empty set is a real empty set and wins
// the intersection.
func (d Document) Intersect(c Document) Document {
	out := Document{
		Version:                      maxInt(d.Version, c.Version),
		AllowTools:                   intersectSet(d.AllowTools, c.AllowTools),
		DenyTools:                    unionSet(d.DenyTools, c.DenyTools),
		GrantedCapabilities:          intersectSet(d.GrantedCapabilities, c.GrantedCapabilities),
		ExecSafeBins:                 intersectSet(d.ExecSafeBins, c.ExecSafeBins),
		FetchAllowedDomains:          intersectSet(d.FetchAllowedDomains, c.FetchAllowedDomains),
		FetchAllowSubdomains:         d.FetchAllowSubdomains && c.FetchAllowSubdomains,
		EnforceFetchDomainAllowlist:  d.EnforceFetchDomainAllowlist || c.EnforceFetchDomainAllowlist,
		BlockExecCommandSubstitution: d.BlockExecCommandSubstitution || c.BlockExecCommandSubstitution,
		MaxArgsBytes:                 minCap(d.MaxArgsBytes, c.MaxArgsBytes),
	}

	if d.EffectiveMode() == ModeAllowAll && c.EffectiveMode() == ModeAllowAll {
		out.Mode = ModeAllowAll
	} else {
		out.Mode = ModeAllowlist
	}
	// An allowlist document must carry an allow set; intersecting two
	// unconstrained documents under allowlist mode yields the empty set.
	if out.Mode == ModeAllowlist && out.AllowTools == nil {
		out.AllowTools = []string{}
	}

	if len(d.ToolRules) > 0 || len(c.ToolRules) > 0 {
		out.ToolRules = make(map[string]ToolRule, len(d.ToolRules)+len(c.ToolRules))
		for tool, rule := range d.ToolRules {
			out.ToolRules[tool] = rule
		}
		for tool, rule := range c.ToolRules {
			if existing, ok := out.ToolRules[tool]; ok {
				out.ToolRules[tool] = mergeRules(existing, rule)
			} else {
				out.ToolRules[tool] = rule
			}
		}
	}

	return out
}

func mergeRules(a, b ToolRule) ToolRule {
	merged := ToolRule{
		Risk:                 a.Risk.Stricter(b.Risk),
		MaxArgsBytes:         minCap(a.MaxArgsBytes, b.MaxArgsBytes),
		CapabilitiesRequired: unionSet(a.CapabilitiesRequired, b.CapabilitiesRequired),
		RequireSandbox:       a.RequireSandbox || b.RequireSandbox,
		RequireApproval:      a.RequireApproval || b.RequireApproval,
	}
	switch {
	case a.DenyWhen == "":
		merged.DenyWhen = b.DenyWhen
	case b.DenyWhen == "":
		merged.DenyWhen = a.DenyWhen
	default:
		merged.DenyWhen = "(" + a.DenyWhen + ") || (" + b.DenyWhen + ")"
	}
	return merged
}

// intersectSet treats nil as unconstrained. The result preserves the
// order of the first constrained operand for deterministic output.
func intersectSet(a, b []string) []string {
	if a == nil {
		return copySet(b)
	}
	if b == nil {
		return copySet(a)
	}
	lookup := make(map[string]struct{}, len(b))
	for _, v := range b {
		lookup[v] = struct{}{}
	}
	out := make([]string, 0, len(a))
	for _, v := range a {
		if _, ok := lookup[v]; ok {
			out = append(out, v)
		}
	}
	return out
}

// unionSet deduplicates while preserving first-seen order.
func unionSet(a, b []string) []string {
	if a == nil && b == nil {
		return nil
	}
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, v := range append(append([]string{}, a...), b...) {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func copySet(s []string) []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s))
	copy(out, s)
	return out
}

// minCap treats zero as unset.
func minCap(a, b int) int {
	switch {
	case a <= 0:
		return b
	case b <= 0:
		return a
	case a < b:
		return a
	default:
		return b
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
