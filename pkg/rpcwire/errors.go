package rpcwire

import "errors"

// Code is a stable machine-readable outcome token. Clients switch on
// these, never on the numeric JSON-RPC codes.
type Code string

const (
	// CodeInvalidRequest covers protocol violations and malformed params.
	CodeInvalidRequest Code = "INVALID_REQUEST"
	// CodeUnavailable covers downstream and resource failures
	// (rate limits, tripwire blocks, concurrency exhaustion, transport).
	CodeUnavailable Code = "UNAVAILABLE"
	// CodeNotConnected means the addressed node has no live session.
	CodeNotConnected Code = "NOT_CONNECTED"
	// CodeNotAllowed means the kernel denied the command.
	CodeNotAllowed Code = "NOT_ALLOWED"
)

// wireCode maps the stable token onto a JSON-RPC numeric code.
func (c Code) wireCode() int {
	switch c {
	case CodeInvalidRequest:
		return -32600
	case CodeNotConnected:
		return -32001
	case CodeNotAllowed:
		return -32002
	case CodeUnavailable:
		return -32003
	default:
		return -32000
	}
}

// Error is an enforcement outcome carried in the data field of a
// JSON-RPC error response.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`

	// BreakGlassEnv names the environment variable that would unlock
	// the denied operation, when one exists. Set on denials only.
	BreakGlassEnv string `json:"breakGlassEnv,omitempty"`
}

// NewError returns an Error with the given code and message.
func NewError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Denied returns a NOT_ALLOWED error naming the break-glass
// environment variable that would unlock the operation, if any.
func Denied(message, breakGlassEnv string) *Error {
	return &Error{Code: CodeNotAllowed, Message: message, BreakGlassEnv: breakGlassEnv}
}

// Error implements the error interface.
func (e *Error) Error() string {
	return string(e.Code) + ": " + e.Message
}

// AsError coerces any error into a wire Error. Errors that are not
// already wire errors report as UNAVAILABLE so internal failures never
// masquerade as policy verdicts.
func AsError(err error) *Error {
	var we *Error
	if errors.As(err, &we) {
		return we
	}
	return &Error{Code: CodeUnavailable, Message: err.Error()}
}
