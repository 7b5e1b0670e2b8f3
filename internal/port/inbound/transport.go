// Package inbound defines the inbound port interfaces for the kernel's
// listeners. Inbound adapters (rpc, http, admin) implement these and
// the start command drives them.
package inbound

import (
	"context"
)

// Transport is one inbound listener surface.
type Transport interface {
	// Start begins serving. Blocks until the context is cancelled or a
	// fatal listener error occurs; returns nil on graceful shutdown.
	Start(ctx context.Context) error

	// Close gracefully shuts the listener down and releases resources.
	Close() error
}
