package rpcwire

import (
	"encoding/json"
)

// Outbound envelopes are marshaled from plain structs rather than SDK
// types so the original request id bytes pass through untouched
// (number, string, or null).

type resultEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result"`
}

type errorEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Error   errorBody       `json:"error"`
}

type errorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    *Error `json:"data"`
}

type notificationEnvelope struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type requestEnvelope struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// NewResult encodes a success response echoing the given raw id.
// A nil id encodes as null.
func NewResult(id json.RawMessage, result any) ([]byte, error) {
	if id == nil {
		id = json.RawMessage("null")
	}
	return json.Marshal(resultEnvelope{
		JSONRPC: Version,
		ID:      id,
		Result:  result,
	})
}

// NewErrorResponse encodes an error response for the given raw id.
// The stable token, human message, and break-glass hint travel in
// error.data; the numeric code is derived from the token.
func NewErrorResponse(id json.RawMessage, e *Error) ([]byte, error) {
	if id == nil {
		id = json.RawMessage("null")
	}
	if e == nil {
		e = NewError(CodeUnavailable, "unknown error")
	}
	return json.Marshal(errorEnvelope{
		JSONRPC: Version,
		ID:      id,
		Error: errorBody{
			Code:    e.Code.wireCode(),
			Message: e.Message,
			Data:    e,
		},
	})
}

// NewNotification encodes a server-originated notification
// (a request without an id, per JSON-RPC 2.0).
func NewNotification(method string, params any) ([]byte, error) {
	return json.Marshal(notificationEnvelope{
		JSONRPC: Version,
		Method:  method,
		Params:  params,
	})
}

// NewRequest encodes a server-originated request with a string id, used
// when the gateway calls back into a connected node.
func NewRequest(id, method string, params any) ([]byte, error) {
	return json.Marshal(requestEnvelope{
		JSONRPC: Version,
		ID:      id,
		Method:  method,
		Params:  params,
	})
}
