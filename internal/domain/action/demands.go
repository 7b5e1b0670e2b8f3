package action

import (
	"net/url"
	"strings"
)

// Capability tokens demanded dynamically from normalized arguments.
const (
	CapProcSpawnPrefix   = "proc:spawn:"
	CapNetOutboundPrefix = "net:outbound:"
	CapBrowserUnsafeEval = "browser:unsafe_eval"
)

// ExecDemands derives proc:spawn:<bin> for every distinct executable in
// a normalized exec command, covering each command position of a
// pipeline or compound command. A command that fails to lex yields no
// demands; normalization already denied it.
func ExecDemands(normalized map[string]any) []string {
	command, _ := normalized["command"].(string)
	if command == "" {
		return nil
	}
	tokens, err := Lex(command)
	if err != nil {
		return nil
	}
	bins := CommandBins(tokens)
	demands := make([]string, 0, len(bins))
	for _, bin := range bins {
		demands = append(demands, CapProcSpawnPrefix+bin)
	}
	return demands
}

// FetchHost extracts the normalized hostname from web_fetch arguments,
// or "" when absent or unparseable.
func FetchHost(normalized map[string]any) string {
	rawURL, _ := normalized["url"].(string)
	if rawURL == "" {
		return ""
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
}

// BrowserWantsEval reports whether browser arguments carry a script to
// run inside the page: action "act" with a non-empty function body on
// the embedded request. Documented kinds are evaluate and wait; any
// other kind carrying a function body is treated the same way.
func BrowserWantsEval(args map[string]any) bool {
	if action, _ := args["action"].(string); action != "act" {
		return false
	}
	request, _ := args["request"].(map[string]any)
	if request == nil {
		return false
	}
	for _, key := range []string{"fn", "function", "script"} {
		if body, _ := request[key].(string); strings.TrimSpace(body) != "" {
			return true
		}
	}
	return false
}

func browserProfile(args map[string]any) string {
	if p, _ := args["profile"].(string); p != "" {
		return p
	}
	if request, _ := args["request"].(map[string]any); request != nil {
		if p, _ := request["profile"].(string); p != "" {
			return p
		}
	}
	return ""
}
