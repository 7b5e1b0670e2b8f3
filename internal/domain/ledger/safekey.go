package ledger

// SafeKey sanitizes a session key into a filename segment: bytes
// outside [A-Za-z0-9._-] become underscores, which makes path traversal
// through separator characters impossible. An empty key maps to a
// single underscore.
func SafeKey(sessionKey string) string {
	if sessionKey == "" {
		return "_"
	}
	out := make([]byte, len(sessionKey))
	for i := 0; i < len(sessionKey); i++ {
		c := sessionKey[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9',
			c == '.', c == '_', c == '-':
			out[i] = c
		default:
			out[i] = '_'
		}
	}
	return string(out)
}
