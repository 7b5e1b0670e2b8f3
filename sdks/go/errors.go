package agentward

import (
	"errors"
	"fmt"
)

// Stable error codes carried in the gateway's error envelope. They
// never change across releases; programs branch on these, not on
// message text.
const (
	CodeInvalidRequest = "INVALID_REQUEST"
	CodeUnavailable    = "UNAVAILABLE"
	CodeNotConnected   = "NOT_CONNECTED"
	CodeNotAllowed     = "NOT_ALLOWED"
)

// Sentinel errors for use with errors.Is().
var (
	// ErrNotAllowed is returned when the gateway's policy refused the
	// request: denylisted command, missing capability, unsafe exec, or
	// a rejected approval.
	ErrNotAllowed = errors.New("not allowed")

	// ErrNotConnected is returned when the target node has no live
	// connection to the gateway.
	ErrNotConnected = errors.New("node not connected")

	// ErrUnavailable is returned when the gateway accepted the request
	// but could not complete it: rate limited, node failure, timeout,
	// or an internal fault.
	ErrUnavailable = errors.New("gateway unavailable")

	// ErrInvalidRequest is returned when the gateway rejected the
	// request shape before evaluating policy.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrClosed is returned when the client connection has been
	// closed, by Close or by the gateway hanging up.
	ErrClosed = errors.New("client closed")
)

// GatewayError is a structured refusal from the gateway. It decodes
// the error envelope that every gateway refusal carries, so callers
// can branch on Code or use errors.Is with the sentinels above.
type GatewayError struct {
	// Code is one of the stable Code* constants.
	Code string `json:"code"`
	// Message is a human-readable explanation.
	Message string `json:"message"`
	// BreakGlassEnv names the environment variable that would lift
	// this specific refusal, when one exists. Empty otherwise.
	BreakGlassEnv string `json:"breakGlassEnv,omitempty"`
}

// Error returns a human-readable description of the refusal.
func (e *GatewayError) Error() string {
	if e.BreakGlassEnv != "" {
		return fmt.Sprintf("agentward [%s]: %s (override: %s=1)", e.Code, e.Message, e.BreakGlassEnv)
	}
	return fmt.Sprintf("agentward [%s]: %s", e.Code, e.Message)
}

// Is reports whether this error matches the target sentinel.
// It supports errors.Is(err, ErrNotAllowed) and friends.
func (e *GatewayError) Is(target error) bool {
	switch target {
	case ErrNotAllowed:
		return e.Code == CodeNotAllowed
	case ErrNotConnected:
		return e.Code == CodeNotConnected
	case ErrUnavailable:
		return e.Code == CodeUnavailable
	case ErrInvalidRequest:
		return e.Code == CodeInvalidRequest
	}
	return false
}
