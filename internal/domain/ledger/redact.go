package ledger

import "strings"

// Redacted replaces secret values in ledger payloads.
const Redacted = "[REDACTED]"

// secretFields are matched case-insensitively against exact key names,
// which also covers Authorization header maps.
var secretFields = map[string]struct{}{
	"apikey":        {},
	"token":         {},
	"password":      {},
	"authorization": {},
}

// Redact returns a copy of the payload tree with secret-bearing fields
// replaced by the Redacted marker. The input is never mutated; ledger
// writes must not change what the tool execution sees.
func Redact(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		if _, secret := secretFields[strings.ToLower(k)]; secret {
			out[k] = Redacted
			continue
		}
		out[k] = redactValue(v)
	}
	return out
}

func redactValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return Redact(t)
	case []any:
		out := make([]any, len(t))
		for i, elem := range t {
			out[i] = redactValue(elem)
		}
		return out
	default:
		return v
	}
}
