// Package ctxkey defines shared context key types used across multiple packages.
// This package should have no dependencies on other internal packages to avoid import cycles.
package ctxkey

// LoggerKey is the context key type for the enriched logger.
// Used by inbound middleware to store and retrieve the logger with call_id/session fields.
type LoggerKey struct{}

// SessionKey is the context key type for the caller's session identity,
// set by the RPC front before dispatching into the kernel.
type SessionKey struct{}
