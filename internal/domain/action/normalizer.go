package action

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/agentward/agentward/internal/domain/policy"
)

// Deny reasons produced by normalization. Dynamic variants append a
// `:<detail>` suffix to the prefixes below.
const (
	ReasonUnknownFieldPrefix = "invalid:args:unknown_field:"

	ReasonCommandRequired     = "invalid:args:command_required"
	ReasonCommandControlChars = "invalid:args:command_control_chars"
	ReasonCommandUnparseable  = "invalid:args:command_unparseable"

	ReasonExecSubstitutionBlocked = "policy:exec_command_substitution_blocked"
	ReasonExecHostPrefix          = "policy:exec_host_forbidden:"
	ReasonExecElevatedForbidden   = "policy:exec_elevated_forbidden"
	ReasonExecBinNotAllowlisted   = "policy:exec_bin_not_allowlisted"

	ReasonURLRequired       = "invalid:args:url_required"
	ReasonURLInvalid        = "invalid:args:url_invalid"
	ReasonURLSchemePrefix   = "invalid:args:url_scheme:"
	ReasonExtractModePrefix = "invalid:args:extract_mode:"
	ReasonMaxCharsInvalid   = "invalid:args:max_chars_invalid"
	ReasonMaxCharsTooSmall  = "invalid:args:max_chars_too_small"

	ReasonBrowserChromeEval = "policy:browser_unsafe_eval_chrome_forbidden"
)

// HostSandbox is the only exec host the kernel will run commands on.
const HostSandbox = "sandbox"

var execFields = map[string]struct{}{
	"command": {}, "workdir": {}, "yieldMs": {}, "background": {},
	"timeout": {}, "pty": {}, "host": {}, "security": {}, "ask": {},
	"node": {}, "elevated": {}, "env": {},
}

var fetchFields = map[string]struct{}{
	"url": {}, "extractMode": {}, "maxChars": {},
}

// Normalize validates and canonicalizes tool arguments against the
// policy document. It returns the normalized tree and the deny reasons;
// an empty reason list means the arguments passed. Tools without a
// schema pass through as a detached copy. Normalize never mutates args
// and is idempotent over its own output.
func Normalize(toolName string, args map[string]any, doc policy.Document, sandboxed bool) (map[string]any, []string) {
	switch toolName {
	case "exec":
		return normalizeExec(args, doc)
	case "web_fetch":
		return normalizeWebFetch(args)
	case "browser":
		return normalizeBrowser(args)
	default:
		return DeepCopyArgs(args), nil
	}
}

func normalizeExec(args map[string]any, doc policy.Document) (map[string]any, []string) {
	reasons := unknownFieldReasons(args, execFields)
	out := make(map[string]any, len(args)+1)

	command, _ := args["command"].(string)
	switch {
	case command == "":
		reasons = append(reasons, ReasonCommandRequired)
	case strings.ContainsAny(command, "\x00\r"):
		reasons = append(reasons, ReasonCommandControlChars)
	default:
		out["command"] = command
	}

	if command != "" && doc.BlockExecCommandSubstitution &&
		(strings.Contains(command, "$(") || strings.Contains(command, "`")) {
		reasons = append(reasons, ReasonExecSubstitutionBlocked)
	}

	host := HostSandbox
	if v, present := args["host"]; present {
		s, ok := v.(string)
		if !ok {
			reasons = append(reasons, "invalid:args:host_invalid")
		} else if s != HostSandbox {
			reasons = append(reasons, ReasonExecHostPrefix+s)
		} else {
			host = s
		}
	}
	out["host"] = host

	if v, present := args["elevated"]; present {
		b, ok := v.(bool)
		switch {
		case !ok:
			reasons = append(reasons, "invalid:args:elevated_invalid")
		case b:
			reasons = append(reasons, ReasonExecElevatedForbidden)
		default:
			out["elevated"] = false
		}
	}

	for _, field := range []string{"security", "ask", "node", "env"} {
		if _, present := args[field]; present {
			reasons = append(reasons, "policy:exec_"+field+"_forbidden")
		}
	}

	if v, present := args["workdir"]; present {
		if s, ok := v.(string); ok {
			out["workdir"] = s
		} else {
			reasons = append(reasons, "invalid:args:workdir_invalid")
		}
	}
	for _, field := range []string{"yieldMs", "timeout"} {
		if v, present := args[field]; present {
			if _, ok := numberValue(v); ok {
				out[field] = v
			} else {
				reasons = append(reasons, "invalid:args:"+field+"_invalid")
			}
		}
	}
	for _, field := range []string{"background", "pty"} {
		if v, present := args[field]; present {
			if b, ok := v.(bool); ok {
				out[field] = b
			} else {
				reasons = append(reasons, "invalid:args:"+field+"_invalid")
			}
		}
	}

	if command != "" && !strings.ContainsAny(command, "\x00\r") {
		tokens, err := Lex(command)
		switch {
		case err != nil:
			reasons = append(reasons, ReasonCommandUnparseable)
		case LeadingBin(tokens) == "":
			reasons = append(reasons, ReasonCommandRequired)
		case !doc.ExecBinAllowed(LeadingBin(tokens)):
			reasons = append(reasons, ReasonExecBinNotAllowlisted)
		}
	}

	return out, reasons
}

func normalizeWebFetch(args map[string]any) (map[string]any, []string) {
	reasons := unknownFieldReasons(args, fetchFields)
	out := make(map[string]any, len(args))

	rawURL, _ := args["url"].(string)
	if rawURL == "" {
		reasons = append(reasons, ReasonURLRequired)
	} else {
		u, err := url.Parse(rawURL)
		switch {
		case err != nil, u.Hostname() == "":
			reasons = append(reasons, ReasonURLInvalid)
		case u.Scheme != "http" && u.Scheme != "https":
			reasons = append(reasons, ReasonURLSchemePrefix+u.Scheme)
		default:
			host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
			if port := u.Port(); port != "" {
				u.Host = host + ":" + port
			} else {
				u.Host = host
			}
			out["url"] = u.String()
		}
	}

	if v, present := args["extractMode"]; present {
		s, ok := v.(string)
		if ok && (s == "markdown" || s == "text") {
			out["extractMode"] = s
		} else {
			reasons = append(reasons, fmt.Sprintf("%s%v", ReasonExtractModePrefix, v))
		}
	}

	if v, present := args["maxChars"]; present {
		f, ok := numberValue(v)
		switch {
		case !ok:
			reasons = append(reasons, ReasonMaxCharsInvalid)
		case f < 100:
			reasons = append(reasons, ReasonMaxCharsTooSmall)
		default:
			out["maxChars"] = v
		}
	}

	return out, reasons
}

func normalizeBrowser(args map[string]any) (map[string]any, []string) {
	out := DeepCopyArgs(args)
	var reasons []string
	if BrowserWantsEval(args) && browserProfile(args) == "chrome" {
		reasons = append(reasons, ReasonBrowserChromeEval)
	}
	return out, reasons
}

func unknownFieldReasons(args map[string]any, allowed map[string]struct{}) []string {
	var unknown []string
	for k := range args {
		if _, ok := allowed[k]; !ok {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) == 0 {
		return nil
	}
	sort.Strings(unknown)
	reasons := make([]string, len(unknown))
	for i, k := range unknown {
		reasons[i] = ReasonUnknownFieldPrefix + k
	}
	return reasons
}

func numberValue(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case float32:
		return float64(t), true
	case float64:
		return t, true
	case interface{ Float64() (float64, error) }: // json.Number
		f, err := t.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
