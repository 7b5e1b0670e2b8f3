package ledger

import "context"

// Store appends sealed envelopes to per-session hash chains. Appends to
// the same session serialize; appends to different sessions may proceed
// in parallel. Implementations redact payloads before sealing.
type Store interface {
	// Append seals the payload onto the session's chain and persists
	// it, returning the stored envelope.
	Append(ctx context.Context, sessionKey string, payload any) (Envelope, error)

	// Close releases any held file handles. Appends after Close fail.
	Close() error
}
