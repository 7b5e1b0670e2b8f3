// Package rpcwire provides JSON-RPC frame types and codec utilities
// for the agentward enforcement front.
package rpcwire

import (
	"encoding/json"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

// Version is the JSON-RPC protocol version spoken on every connection.
const Version = "2.0"

// Frame wraps a decoded JSON-RPC message with connection metadata
// stamped by the listener. It stores both the raw bytes (for replay
// caching and hashing) and the decoded message (for routing).
//
// RemoteAddr and AdminScope come from the transport, never from the
// payload: a caller cannot grant itself admin scope by naming it in
// params.
type Frame struct {
	// Raw contains the original bytes of the message.
	Raw []byte

	// Decoded contains the parsed JSON-RPC message.
	// The concrete type is either *jsonrpc.Request or *jsonrpc.Response.
	Decoded jsonrpc.Message

	// Received records when the listener read the message.
	Received time.Time

	// RemoteAddr is the peer address as reported by the listener.
	RemoteAddr string

	// AdminScope is true when the connection itself carries operator
	// privilege (unix control socket, or an authenticated admin key).
	AdminScope bool

	// ConnID identifies the connection the frame arrived on. Stable for
	// the connection's lifetime, unique per listener.
	ConnID string

	// Send writes one frame back down the originating connection,
	// serialized against concurrent writers. Nil for transports that
	// cannot push (one-shot handlers in tests).
	Send func([]byte) error

	// ParsedParams caches the generic params decode from ParseParams.
	// Nil if not a request or parsing failed.
	ParsedParams map[string]any
}

// Wrap decodes raw JSON-RPC bytes into a Frame with the current
// timestamp. The listener fills RemoteAddr and AdminScope afterwards.
func Wrap(raw []byte) (*Frame, error) {
	decoded, err := jsonrpc.DecodeMessage(raw)
	if err != nil {
		return nil, err
	}

	return &Frame{
		Raw:      raw,
		Decoded:  decoded,
		Received: time.Now(),
	}, nil
}

// IsRequest returns true if the frame is a JSON-RPC request.
func (f *Frame) IsRequest() bool {
	if f.Decoded == nil {
		return false
	}
	_, ok := f.Decoded.(*jsonrpc.Request)
	return ok
}

// IsResponse returns true if the frame is a JSON-RPC response.
func (f *Frame) IsResponse() bool {
	if f.Decoded == nil {
		return false
	}
	_, ok := f.Decoded.(*jsonrpc.Response)
	return ok
}

// IsNotification reports whether the frame is a request without an id.
// Detected from the raw bytes because the SDK models notifications as
// requests with a zero ID.
func (f *Frame) IsNotification() bool {
	return f.IsRequest() && f.RawID() == nil
}

// Method returns the method name if this is a request, empty string otherwise.
func (f *Frame) Method() string {
	req := f.Request()
	if req == nil {
		return ""
	}
	return req.Method
}

// Request returns the underlying Request if this is a request frame.
// Returns nil otherwise.
func (f *Frame) Request() *jsonrpc.Request {
	if f.Decoded == nil {
		return nil
	}
	req, _ := f.Decoded.(*jsonrpc.Request)
	return req
}

// Response returns the underlying Response if this is a response frame.
// Returns nil otherwise.
func (f *Frame) Response() *jsonrpc.Response {
	if f.Decoded == nil {
		return nil
	}
	resp, _ := f.Decoded.(*jsonrpc.Response)
	return resp
}

// ParseParams parses the request params into a generic map and caches
// the result. Safe to call multiple times. Returns nil if this is not
// a request or the params are not a JSON object.
func (f *Frame) ParseParams() map[string]any {
	if f.ParsedParams != nil {
		return f.ParsedParams
	}

	req := f.Request()
	if req == nil || req.Params == nil {
		return nil
	}

	var params map[string]any
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil
	}

	f.ParsedParams = params
	return params
}

// BindParams unmarshals the request params into v. Returns an
// INVALID_REQUEST error when the frame is not a request or the params
// do not match the expected shape.
func (f *Frame) BindParams(v any) error {
	req := f.Request()
	if req == nil {
		return NewError(CodeInvalidRequest, "invalid:frame: not a request")
	}
	if req.Params == nil {
		return NewError(CodeInvalidRequest, "invalid:params: missing")
	}
	if err := json.Unmarshal(req.Params, v); err != nil {
		return NewError(CodeInvalidRequest, "invalid:params: "+err.Error())
	}
	return nil
}

// RawID extracts the request id from the raw bytes as json.RawMessage.
// The SDK's jsonrpc.ID type does not marshal correctly through
// interface{}, so responses echo the id straight from the raw JSON.
// Returns nil if the message carries no id.
func (f *Frame) RawID() json.RawMessage {
	if f.Raw == nil {
		return nil
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(f.Raw, &raw); err != nil {
		return nil
	}

	return raw["id"]
}
