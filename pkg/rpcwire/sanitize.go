package rpcwire

// Caller-supplied fields that could impersonate kernel verdicts.
// Stripped from every inbound params object before anything else
// looks at it.
const (
	fieldApproved         = "approved"
	fieldApprovalDecision = "approvalDecision"
	fieldApprovalToken    = "approvalToken"
)

// StripBypassFields returns a copy of params with the bypass fields
// removed, plus the approval token the caller presented (empty if
// none). The token is captured out-of-band so the approval step can
// verify it while the cleaned params feed payload hashing, meaning a
// token value can never perturb an idempotency hash.
func StripBypassFields(params map[string]any) (map[string]any, string) {
	if params == nil {
		return nil, ""
	}

	cleaned := make(map[string]any, len(params))
	token := ""
	for k, v := range params {
		switch k {
		case fieldApproved, fieldApprovalDecision:
			continue
		case fieldApprovalToken:
			if s, ok := v.(string); ok {
				token = s
			}
			continue
		}
		cleaned[k] = v
	}
	return cleaned, token
}
