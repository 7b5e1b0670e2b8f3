package policy

import "strings"

// HostAllowed reports whether a fetch hostname passes the domain
// allowlist. Entry forms:
//
//	example.com     exact match; also any subdomain when allowSubdomains
//	*.example.com   any subdomain of example.com (not the apex itself)
//
// Hostnames and entries are compared lowercased with trailing dots
// stripped.
func HostAllowed(host string, allowed []string, allowSubdomains bool) bool {
	host = normalizeHost(host)
	if host == "" {
		return false
	}
	for _, entry := range allowed {
		entry = normalizeHost(entry)
		if entry == "" {
			continue
		}
		if wild, ok := strings.CutPrefix(entry, "*."); ok {
			if strings.HasSuffix(host, "."+wild) {
				return true
			}
			continue
		}
		if host == entry {
			return true
		}
		if allowSubdomains && strings.HasSuffix(host, "."+entry) {
			return true
		}
	}
	return false
}

func normalizeHost(h string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(h)), ".")
}
