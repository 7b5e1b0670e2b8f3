// Package ratelimit implements the dangerous-action limiter: sliding
// attempt windows per key, a denial tripwire that escalates into an
// absolute block, per-key concurrency caps, and a global slot governor
// for dangerous commands.
package ratelimit

// Outcome classifies an admission check.
type Outcome string

const (
	// OutcomeAllowed admits the attempt and consumes window budget.
	OutcomeAllowed Outcome = "allowed"
	// OutcomeRateLimited rejects the attempt; the rejection itself
	// counts as a denial toward the tripwire.
	OutcomeRateLimited Outcome = "rate_limited"
	// OutcomeBlocked rejects without consuming anything; the key is
	// tripwired until BlockedUntilMs.
	OutcomeBlocked Outcome = "blocked"
)

// Default limiter parameters.
const (
	DefaultWindowMs            = 60_000
	DefaultMaxAttempts         = 20
	DefaultMaxDenials          = 5
	DefaultBlockMs             = 300_000
	DefaultMaxConcurrentPerKey = 2
	DefaultMaxTrackedKeys      = 5000
	DefaultGlobalSlots         = 8
)

// Params tunes the limiter. Zero fields fall back to the defaults.
type Params struct {
	// WindowMs is the sliding-window size for attempts and denials.
	WindowMs int64
	// MaxAttempts is the per-window attempt budget (A).
	MaxAttempts int
	// MaxDenials is the per-window tripwire threshold (D).
	MaxDenials int
	// BlockMs is how long a tripped key stays blocked (B).
	BlockMs int64
	// MaxConcurrentPerKey caps in-flight work per key (K).
	MaxConcurrentPerKey int
	// MaxTrackedKeys bounds the key table; least recently seen keys
	// are evicted beyond it.
	MaxTrackedKeys int
	// GlobalSlots caps concurrently executing dangerous commands
	// across all keys (G).
	GlobalSlots int
}

// DefaultParams returns the documented defaults.
func DefaultParams() Params {
	return Params{
		WindowMs:            DefaultWindowMs,
		MaxAttempts:         DefaultMaxAttempts,
		MaxDenials:          DefaultMaxDenials,
		BlockMs:             DefaultBlockMs,
		MaxConcurrentPerKey: DefaultMaxConcurrentPerKey,
		MaxTrackedKeys:      DefaultMaxTrackedKeys,
		GlobalSlots:         DefaultGlobalSlots,
	}
}

func (p Params) normalized() Params {
	d := DefaultParams()
	if p.WindowMs <= 0 {
		p.WindowMs = d.WindowMs
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.MaxDenials <= 0 {
		p.MaxDenials = d.MaxDenials
	}
	if p.BlockMs <= 0 {
		p.BlockMs = d.BlockMs
	}
	if p.MaxConcurrentPerKey <= 0 {
		p.MaxConcurrentPerKey = d.MaxConcurrentPerKey
	}
	if p.MaxTrackedKeys <= 0 {
		p.MaxTrackedKeys = d.MaxTrackedKeys
	}
	if p.GlobalSlots <= 0 {
		p.GlobalSlots = d.GlobalSlots
	}
	return p
}

// Result carries the outcome of CheckAndConsume.
type Result struct {
	Outcome Outcome
	// Remaining is the attempt budget left in the current window.
	Remaining int
	// RetryAfterMs hints when the next attempt could succeed.
	RetryAfterMs int64
	// BlockedUntilMs is the absolute block end, set only when blocked.
	BlockedUntilMs int64
}

// Allowed reports whether the attempt was admitted.
func (r Result) Allowed() bool { return r.Outcome == OutcomeAllowed }

// KeyFor builds the limiter key with the documented preference order:
// session key, then client id, then device id, then the command name.
// Each form carries a distinct prefix so identifiers from different
// spaces can never collide.
func KeyFor(sessionKey, clientID, deviceID, command string) string {
	switch {
	case sessionKey != "":
		return "session:" + sessionKey
	case clientID != "":
		return "client:" + clientID
	case deviceID != "":
		return "device:" + deviceID
	default:
		return "command:" + command
	}
}
