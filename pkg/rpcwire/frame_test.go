package rpcwire

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

func TestWrapRequest(t *testing.T) {
	raw := []byte(`{"jsonrpc":"2.0","id":7,"method":"node.invoke","params":{"nodeId":"mac-1","command":"system.which","params":{"bin":"rg"}}}`)

	frame, err := Wrap(raw)
	if err != nil {
		t.Fatalf("Wrap failed: %v", err)
	}

	if !frame.IsRequest() {
		t.Error("expected IsRequest() to return true")
	}
	if frame.IsResponse() {
		t.Error("expected IsResponse() to return false")
	}
	if frame.IsNotification() {
		t.Error("request with id should not be a notification")
	}
	if got := frame.Method(); got != "node.invoke" {
		t.Errorf("Method() = %q, want %q", got, "node.invoke")
	}
	if frame.Received.IsZero() {
		t.Error("Received should be set")
	}
	if string(frame.Raw) != string(raw) {
		t.Errorf("raw bytes not preserved: got %q", frame.Raw)
	}

	params := frame.ParseParams()
	if params == nil {
		t.Fatal("ParseParams returned nil")
	}
	if params["nodeId"] != "mac-1" {
		t.Errorf("params[nodeId] = %v, want mac-1", params["nodeId"])
	}

	// Cached map is returned on subsequent calls.
	params["nodeId"] = "other"
	if again := frame.ParseParams(); again["nodeId"] != "other" {
		t.Error("ParseParams should return the cached map")
	}

	if got := string(frame.RawID()); got != "7" {
		t.Errorf("RawID() = %q, want 7", got)
	}
}

func TestWrapResponse(t *testing.T) {
	raw := []byte(`{"jsonrpc":"2.0","id":"req-9","result":{"ok":true}}`)

	frame, err := Wrap(raw)
	if err != nil {
		t.Fatalf("Wrap failed: %v", err)
	}

	if !frame.IsResponse() {
		t.Error("expected IsResponse() to return true")
	}
	if frame.IsRequest() {
		t.Error("expected IsRequest() to return false")
	}
	if frame.Response() == nil {
		t.Error("Response() should be non-nil")
	}
	if frame.Request() != nil {
		t.Error("Request() should be nil for a response frame")
	}
	if frame.Method() != "" {
		t.Errorf("Method() = %q, want empty", frame.Method())
	}
	if frame.ParseParams() != nil {
		t.Error("ParseParams should be nil for a response frame")
	}
	if got := string(frame.RawID()); got != `"req-9"` {
		t.Errorf("RawID() = %q, want %q", got, `"req-9"`)
	}
}

func TestWrapNotification(t *testing.T) {
	raw := []byte(`{"jsonrpc":"2.0","method":"node.bye","params":{"nodeId":"mac-1"}}`)

	frame, err := Wrap(raw)
	if err != nil {
		t.Fatalf("Wrap failed: %v", err)
	}

	if !frame.IsNotification() {
		t.Error("request without id should be a notification")
	}
	if frame.RawID() != nil {
		t.Errorf("RawID() = %q, want nil", frame.RawID())
	}
	if got := frame.Method(); got != "node.bye" {
		t.Errorf("Method() = %q, want node.bye", got)
	}
}

func TestWrapMalformed(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"not valid json", []byte(`{not valid`)},
		{"empty object", []byte(`{}`)},
		{"missing jsonrpc version", []byte(`{"id":1,"method":"test"}`)},
		{"wrong jsonrpc version", []byte(`{"jsonrpc":"1.0","id":1,"method":"test"}`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Wrap(tt.data); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestFrameWithNilDecoded(t *testing.T) {
	frame := &Frame{Raw: []byte(`invalid`)}

	if frame.IsRequest() {
		t.Error("IsRequest() should return false for nil Decoded")
	}
	if frame.IsResponse() {
		t.Error("IsResponse() should return false for nil Decoded")
	}
	if frame.Method() != "" {
		t.Error("Method() should return empty string for nil Decoded")
	}
	if frame.Request() != nil {
		t.Error("Request() should return nil for nil Decoded")
	}
	if frame.Response() != nil {
		t.Error("Response() should return nil for nil Decoded")
	}
}

func TestBindParams(t *testing.T) {
	raw := []byte(`{"jsonrpc":"2.0","id":1,"method":"node.invoke","params":{"nodeId":"mac-1","command":"node.ping","timeoutMs":2500}}`)
	frame, err := Wrap(raw)
	if err != nil {
		t.Fatalf("Wrap failed: %v", err)
	}

	var p struct {
		NodeID    string `json:"nodeId"`
		Command   string `json:"command"`
		TimeoutMs int64  `json:"timeoutMs"`
	}
	if err := frame.BindParams(&p); err != nil {
		t.Fatalf("BindParams failed: %v", err)
	}
	if p.NodeID != "mac-1" || p.Command != "node.ping" || p.TimeoutMs != 2500 {
		t.Errorf("unexpected params: %+v", p)
	}
}

func TestBindParamsErrors(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
	}{
		{"missing params", []byte(`{"jsonrpc":"2.0","id":1,"method":"node.invoke"}`)},
		{"params wrong shape", []byte(`{"jsonrpc":"2.0","id":1,"method":"node.invoke","params":{"nodeId":42}}`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := Wrap(tt.raw)
			if err != nil {
				t.Fatalf("Wrap failed: %v", err)
			}

			var p struct {
				NodeID string `json:"nodeId"`
			}
			err = frame.BindParams(&p)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			var we *Error
			if !errors.As(err, &we) {
				t.Fatalf("expected *Error, got %T", err)
			}
			if we.Code != CodeInvalidRequest {
				t.Errorf("code = %q, want %q", we.Code, CodeInvalidRequest)
			}
		})
	}

	resp := &Frame{}
	if err := resp.BindParams(&struct{}{}); err == nil {
		t.Error("BindParams on a non-request frame should fail")
	}
}

func TestStripBypassFields(t *testing.T) {
	params := map[string]any{
		"nodeId":           "mac-1",
		"command":          "system.run",
		"approved":         true,
		"approvalDecision": "allow-once",
		"approvalToken":    "tok_abc",
		"params":           map[string]any{"command": "git status"},
	}

	cleaned, token := StripBypassFields(params)

	if token != "tok_abc" {
		t.Errorf("token = %q, want tok_abc", token)
	}
	for _, k := range []string{"approved", "approvalDecision", "approvalToken"} {
		if _, ok := cleaned[k]; ok {
			t.Errorf("field %q should have been stripped", k)
		}
	}
	if cleaned["nodeId"] != "mac-1" || cleaned["command"] != "system.run" {
		t.Errorf("legitimate fields dropped: %v", cleaned)
	}
	if _, ok := cleaned["params"]; !ok {
		t.Error("nested params should survive")
	}

	// Original map is untouched.
	if _, ok := params["approved"]; !ok {
		t.Error("StripBypassFields must not mutate its input")
	}
}

func TestStripBypassFieldsEdgeCases(t *testing.T) {
	cleaned, token := StripBypassFields(nil)
	if cleaned != nil || token != "" {
		t.Errorf("nil params: got (%v, %q)", cleaned, token)
	}

	// A non-string token is discarded, not coerced.
	cleaned, token = StripBypassFields(map[string]any{"approvalToken": 42.0})
	if token != "" {
		t.Errorf("non-string token should be dropped, got %q", token)
	}
	if len(cleaned) != 0 {
		t.Errorf("cleaned = %v, want empty", cleaned)
	}
}

func TestNewResult(t *testing.T) {
	tests := []struct {
		name   string
		id     json.RawMessage
		wantID string
	}{
		{"numeric id", json.RawMessage(`42`), `42`},
		{"string id", json.RawMessage(`"req-1"`), `"req-1"`},
		{"nil id", nil, `null`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := NewResult(tt.id, map[string]any{"ok": true})
			if err != nil {
				t.Fatalf("NewResult failed: %v", err)
			}

			var env struct {
				JSONRPC string          `json:"jsonrpc"`
				ID      json.RawMessage `json:"id"`
				Result  map[string]any  `json:"result"`
				Error   json.RawMessage `json:"error"`
			}
			if err := json.Unmarshal(data, &env); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if env.JSONRPC != Version {
				t.Errorf("jsonrpc = %q, want %q", env.JSONRPC, Version)
			}
			if string(env.ID) != tt.wantID {
				t.Errorf("id = %s, want %s", env.ID, tt.wantID)
			}
			if env.Result["ok"] != true {
				t.Errorf("result = %v", env.Result)
			}
			if env.Error != nil {
				t.Errorf("error should be absent, got %s", env.Error)
			}
		})
	}
}

func TestNewErrorResponse(t *testing.T) {
	e := Denied("dangerous command denied", "AGENTWARD_ALLOW_NODE_EXEC")
	data, err := NewErrorResponse(json.RawMessage(`5`), e)
	if err != nil {
		t.Fatalf("NewErrorResponse failed: %v", err)
	}

	var env struct {
		ID    json.RawMessage `json:"id"`
		Error struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
			Data    struct {
				Code          string `json:"code"`
				Message       string `json:"message"`
				BreakGlassEnv string `json:"breakGlassEnv"`
			} `json:"data"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if string(env.ID) != "5" {
		t.Errorf("id = %s, want 5", env.ID)
	}
	if env.Error.Code != -32002 {
		t.Errorf("numeric code = %d, want -32002", env.Error.Code)
	}
	if env.Error.Data.Code != string(CodeNotAllowed) {
		t.Errorf("data.code = %q, want %q", env.Error.Data.Code, CodeNotAllowed)
	}
	if env.Error.Data.BreakGlassEnv != "AGENTWARD_ALLOW_NODE_EXEC" {
		t.Errorf("breakGlassEnv = %q", env.Error.Data.BreakGlassEnv)
	}
	if env.Error.Message != "dangerous command denied" {
		t.Errorf("message = %q", env.Error.Message)
	}
}

func TestNewErrorResponseDefaults(t *testing.T) {
	data, err := NewErrorResponse(nil, nil)
	if err != nil {
		t.Fatalf("NewErrorResponse failed: %v", err)
	}

	var env map[string]json.RawMessage
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if string(env["id"]) != "null" {
		t.Errorf("id = %s, want null", env["id"])
	}

	e := AsError(errors.New("boom"))
	if e.Code != CodeUnavailable {
		t.Errorf("AsError code = %q, want %q", e.Code, CodeUnavailable)
	}

	// Wrapped wire errors pass through with their code intact.
	wrapped := fmt.Errorf("dispatch: %w", NewError(CodeNotConnected, "node gone"))
	if got := AsError(wrapped); got.Code != CodeNotConnected {
		t.Errorf("AsError on wrapped = %q, want %q", got.Code, CodeNotConnected)
	}
}

func TestNewNotification(t *testing.T) {
	data, err := NewNotification("exec.approval.resolved", map[string]any{"id": "apr-1", "decision": "allow-once"})
	if err != nil {
		t.Fatalf("NewNotification failed: %v", err)
	}

	var env map[string]json.RawMessage
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := env["id"]; ok {
		t.Error("notification must not carry an id")
	}
	if string(env["method"]) != `"exec.approval.resolved"` {
		t.Errorf("method = %s", env["method"])
	}

	frame, err := Wrap(data)
	if err != nil {
		t.Fatalf("Wrap on own notification failed: %v", err)
	}
	if !frame.IsNotification() {
		t.Error("emitted notification should decode as one")
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	id, err := jsonrpc.MakeID(float64(3))
	if err != nil {
		t.Fatalf("MakeID failed: %v", err)
	}

	req := &jsonrpc.Request{
		ID:     id,
		Method: "node.invoke",
		Params: json.RawMessage(`{"nodeId":"mac-1","command":"node.ping"}`),
	}

	encoded, err := EncodeMessage(req)
	if err != nil {
		t.Fatalf("EncodeMessage failed: %v", err)
	}

	decoded, err := DecodeMessage(encoded)
	if err != nil {
		t.Fatalf("DecodeMessage failed: %v", err)
	}

	got, ok := decoded.(*jsonrpc.Request)
	if !ok {
		t.Fatalf("expected *jsonrpc.Request, got %T", decoded)
	}
	if got.Method != "node.invoke" {
		t.Errorf("method = %q, want node.invoke", got.Method)
	}
}

func TestErrorString(t *testing.T) {
	e := NewError(CodeNotAllowed, "capability_missing:node:exec")
	want := "NOT_ALLOWED: capability_missing:node:exec"
	if e.Error() != want {
		t.Errorf("Error() = %q, want %q", e.Error(), want)
	}
}
