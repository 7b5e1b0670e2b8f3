package node

// Budget bounds a single node command execution. The node enforces the
// stream limits while the command runs; the gateway enforces the
// timeout and the response cap.
type Budget struct {
	TimeoutMs      int64
	MaxStdoutBytes int64
	MaxStderrBytes int64
	MaxTotalBytes  int64
}

// MaxResponseBytes is the hard cap applied to any node response
// payload regardless of budget.
const MaxResponseBytes = 3 * 1024 * 1024

var (
	execBudget = Budget{
		TimeoutMs:      120_000,
		MaxStdoutBytes: 2 * 1024 * 1024,
		MaxStderrBytes: 1024 * 1024,
		MaxTotalBytes:  3 * 1024 * 1024,
	}
	dangerousBudget = Budget{
		TimeoutMs:      60_000,
		MaxStdoutBytes: 512 * 1024,
		MaxStderrBytes: 256 * 1024,
		MaxTotalBytes:  768 * 1024,
	}
)

// BudgetFor returns the default budget for a command; dangerous
// commands run under the tighter one.
func BudgetFor(dangerous bool) Budget {
	if dangerous {
		return dangerousBudget
	}
	return execBudget
}

// WithUserTimeout lowers the budget timeout to a caller-supplied
// value. Callers can shrink the window, never extend it.
func (b Budget) WithUserTimeout(timeoutMs int64) Budget {
	if timeoutMs > 0 && timeoutMs < b.TimeoutMs {
		b.TimeoutMs = timeoutMs
	}
	return b
}

// CapPayload truncates a response payload to limit bytes, defaulting
// to MaxResponseBytes. The second return reports whether truncation
// occurred.
func CapPayload(payload []byte, limit int64) ([]byte, bool) {
	if limit <= 0 {
		limit = MaxResponseBytes
	}
	if int64(len(payload)) <= limit {
		return payload, false
	}
	return payload[:limit], true
}
