package node

import (
	"fmt"
	"sort"
	"strings"
)

// safeEnvKeys are the environment keys a caller may hand to system.run
// without the arbitrary-env override.
var safeEnvKeys = map[string]struct{}{
	"PATH": {}, "HOME": {}, "LANG": {}, "LC_ALL": {}, "TMPDIR": {},
	"TERM": {}, "SHELL": {}, "USER": {}, "LOGNAME": {}, "TZ": {},
	"COLORTERM": {}, "FORCE_COLOR": {}, "NO_COLOR": {}, "NODE_ENV": {},
}

// Loader and interpreter injection vectors, refused before the
// allowlist is even consulted. Matched case-insensitively.
var (
	deniedEnvPrefixes = []string{"LD_", "DYLD_"}
	deniedEnvKeys     = map[string]struct{}{
		"NODE_OPTIONS": {}, "PYTHONPATH": {}, "PYTHONSTARTUP": {},
		"BASH_ENV": {}, "ENV": {}, "SHELLOPTS": {}, "PERL5LIB": {},
		"RUBYOPT": {}, "IFS": {},
	}
)

// CheckEnv validates caller-supplied environment keys for system.run.
// With allowArbitrary set the whole check is skipped. Keys are checked
// in sorted order so the reported offender is deterministic.
func CheckEnv(env map[string]string, allowArbitrary bool) error {
	if allowArbitrary || len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		upper := strings.ToUpper(k)
		for _, p := range deniedEnvPrefixes {
			if strings.HasPrefix(upper, p) {
				return fmt.Errorf("env key %q denied", k)
			}
		}
		if _, denied := deniedEnvKeys[upper]; denied {
			return fmt.Errorf("env key %q denied", k)
		}
		if _, ok := safeEnvKeys[k]; !ok {
			return fmt.Errorf("env key %q not in safe allowlist", k)
		}
	}
	return nil
}

// SafeEnvKeys returns the allowlisted key names sorted.
func SafeEnvKeys() []string {
	out := make([]string, 0, len(safeEnvKeys))
	for k := range safeEnvKeys {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
