package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/agentward/agentward/internal/adapter/outbound/ledgerfile"
	"github.com/agentward/agentward/internal/canonjson"
	"github.com/agentward/agentward/internal/domain/approval"
	"github.com/agentward/agentward/internal/domain/ledger"
	"github.com/agentward/agentward/internal/domain/node"
	"github.com/agentward/agentward/internal/domain/ratelimit"
	"github.com/agentward/agentward/internal/port/outbound"
	"github.com/agentward/agentward/internal/service"
	"github.com/agentward/agentward/pkg/rpcwire"
)

func invokeBody(sessionKey string, params map[string]any, extra map[string]any) map[string]any {
	body := map[string]any{
		"nodeId":  "n1",
		"command": "browser.proxy",
	}
	if sessionKey != "" {
		body["sessionKey"] = sessionKey
	}
	if params != nil {
		body["params"] = params
	}
	for k, v := range extra {
		body[k] = v
	}
	return body
}

func TestInvokeValidatesShape(t *testing.T) {
	h := newFrontHarness(t)

	resp := handle(t, h.front, requestFrame(t, 1, MethodNodeInvoke, map[string]any{"command": "node.ping"}))
	data := expectError(t, resp, rpcwire.CodeInvalidRequest)
	if !strings.Contains(data.Message, "nodeId") {
		t.Errorf("message = %q", data.Message)
	}

	resp = handle(t, h.front, requestFrame(t, 2, MethodNodeInvoke, map[string]any{"nodeId": "n1"}))
	data = expectError(t, resp, rpcwire.CodeInvalidRequest)
	if !strings.Contains(data.Message, "command") {
		t.Errorf("message = %q", data.Message)
	}
}

func TestInvokeUnknownNode(t *testing.T) {
	h := newFrontHarness(t)
	resp := handle(t, h.front, requestFrame(t, 1, MethodNodeInvoke, map[string]any{
		"nodeId":  "ghost",
		"command": "node.ping",
	}))
	data := expectError(t, resp, rpcwire.CodeNotConnected)
	if !strings.Contains(data.Message, "ghost") {
		t.Errorf("message = %q", data.Message)
	}
}

func TestInvokeUnknownCommandRefused(t *testing.T) {
	h := newFrontHarness(t)
	h.connectNode(t, "n1", "system.format")
	resp := handle(t, h.front, requestFrame(t, 1, MethodNodeInvoke, map[string]any{
		"nodeId":  "n1",
		"command": "system.format",
	}))
	data := expectError(t, resp, rpcwire.CodeNotAllowed)
	if !strings.Contains(data.Message, "not a known node command") {
		t.Errorf("message = %q", data.Message)
	}
}

func TestInvokeUnsupportedCommandUnavailable(t *testing.T) {
	h := newFrontHarness(t)
	h.connectNode(t, "n1", "system.which")
	resp := handle(t, h.front, requestFrame(t, 1, MethodNodeInvoke, map[string]any{
		"nodeId":  "n1",
		"command": "node.ping",
	}))
	data := expectError(t, resp, rpcwire.CodeUnavailable)
	if !strings.Contains(data.Message, "does not support") {
		t.Errorf("message = %q", data.Message)
	}
}

func TestInvokeForwardsAndStripsBypassFields(t *testing.T) {
	h := newFrontHarness(t)
	h.connectNode(t, "n1", "system.which")

	var got outbound.NodeInvocation
	h.transport.Handle("n1", "system.which", func(_ context.Context, inv outbound.NodeInvocation) (outbound.NodeResponse, error) {
		got = inv
		return outbound.NodeResponse{OK: true, Payload: json.RawMessage(`{"path":"/usr/bin/git"}`)}, nil
	})

	resp := handle(t, h.front, requestFrame(t, 1, MethodNodeInvoke, map[string]any{
		"nodeId":     "n1",
		"command":    "system.which",
		"sessionKey": "s1",
		"params": map[string]any{
			"binary":           "git",
			"approved":         true,
			"approvalDecision": "allow-always",
			"approvalToken":    "forged",
		},
	}))

	var out invokeResult
	decodeResult(t, resp, &out)
	if !out.OK || out.OutputTruncated {
		t.Fatalf("result = %+v", out)
	}
	if string(out.Payload) != `{"path":"/usr/bin/git"}` {
		t.Errorf("payload = %s", out.Payload)
	}

	if got.Params["binary"] != "git" {
		t.Errorf("params = %v, binary lost", got.Params)
	}
	for _, k := range []string{"approved", "approvalDecision", "approvalToken"} {
		if _, present := got.Params[k]; present {
			t.Errorf("bypass field %q reached the node", k)
		}
	}
	if got.Budget.TimeoutMs != 120_000 {
		t.Errorf("timeout = %d, want the exec default", got.Budget.TimeoutMs)
	}
	if got.Budget.MaxTotalBytes != 3<<20 {
		t.Errorf("total budget = %d", got.Budget.MaxTotalBytes)
	}
}

func TestInvokeUserTimeoutOnlyLowers(t *testing.T) {
	h := newFrontHarness(t)
	h.connectNode(t, "n1", "system.which")

	var budgets []node.Budget
	h.transport.Handle("n1", "system.which", func(_ context.Context, inv outbound.NodeInvocation) (outbound.NodeResponse, error) {
		budgets = append(budgets, inv.Budget)
		return outbound.NodeResponse{OK: true}, nil
	})

	body := map[string]any{"nodeId": "n1", "command": "system.which", "sessionKey": "s1", "timeoutMs": 50}
	decodeResult(t, handle(t, h.front, requestFrame(t, 1, MethodNodeInvoke, body)), &invokeResult{})

	body["timeoutMs"] = 600_000
	decodeResult(t, handle(t, h.front, requestFrame(t, 2, MethodNodeInvoke, body)), &invokeResult{})

	if len(budgets) != 2 {
		t.Fatalf("handler ran %d times", len(budgets))
	}
	if budgets[0].TimeoutMs != 50 {
		t.Errorf("lowered timeout = %d, want 50", budgets[0].TimeoutMs)
	}
	if budgets[1].TimeoutMs != 120_000 {
		t.Errorf("raised timeout = %d, want clamped to 120000", budgets[1].TimeoutMs)
	}
}

func TestInvokeDangerousBudget(t *testing.T) {
	h := newFrontHarness(t)
	t.Setenv(node.EnvAllowBrowserProxy, "1")
	h.connectNode(t, "n1", "browser.proxy")

	var got node.Budget
	h.transport.Handle("n1", "browser.proxy", func(_ context.Context, inv outbound.NodeInvocation) (outbound.NodeResponse, error) {
		got = inv.Budget
		return outbound.NodeResponse{OK: true}, nil
	})

	decodeResult(t, handle(t, h.front, requestFrame(t, 1, MethodNodeInvoke, invokeBody("s1", nil, nil))), &invokeResult{})
	if got.TimeoutMs != 60_000 || got.MaxStdoutBytes != 512<<10 || got.MaxStderrBytes != 256<<10 || got.MaxTotalBytes != 768<<10 {
		t.Errorf("dangerous budget = %+v", got)
	}
}

func TestInvokeBreakGlassClosed(t *testing.T) {
	h := newFrontHarness(t)
	h.connectNode(t, "n1", "browser.proxy")

	resp := handle(t, h.front, requestFrame(t, 1, MethodNodeInvoke, invokeBody("s1", nil, nil)))
	data := expectError(t, resp, rpcwire.CodeNotAllowed)
	if !strings.Contains(data.Message, "disabled on this gateway") {
		t.Errorf("message = %q", data.Message)
	}
	if data.BreakGlassEnv != node.EnvAllowBrowserProxy {
		t.Errorf("breakGlassEnv = %q, want %q", data.BreakGlassEnv, node.EnvAllowBrowserProxy)
	}
}

func TestInvokeSafeModeBlocksDangerous(t *testing.T) {
	h := newFrontHarness(t)
	t.Setenv(node.EnvAllowBrowserProxy, "1")
	t.Setenv(node.EnvSafeMode, "1")
	h.connectNode(t, "n1", "browser.proxy")

	resp := handle(t, h.front, requestFrame(t, 1, MethodNodeInvoke, invokeBody("s1", nil, nil)))
	data := expectError(t, resp, rpcwire.CodeNotAllowed)
	if !strings.Contains(data.Message, node.EnvSafeMode) {
		t.Errorf("message = %q", data.Message)
	}
}

func TestInvokeExposureGate(t *testing.T) {
	h := newFrontHarness(t, WithExposure(node.ExposureOpen))
	t.Setenv(node.EnvAllowBrowserProxy, "1")
	h.connectNode(t, "n1", "browser.proxy")
	h.transport.Handle("n1", "browser.proxy", func(context.Context, outbound.NodeInvocation) (outbound.NodeResponse, error) {
		return outbound.NodeResponse{OK: true}, nil
	})

	resp := handle(t, h.front, requestFrame(t, 1, MethodNodeInvoke, invokeBody("s1", nil, nil)))
	data := expectError(t, resp, rpcwire.CodeNotAllowed)
	if data.BreakGlassEnv != node.EnvAllowDangerousExposed {
		t.Errorf("breakGlassEnv = %q", data.BreakGlassEnv)
	}

	t.Setenv(node.EnvAllowDangerousExposed, "1")
	var out invokeResult
	decodeResult(t, handle(t, h.front, requestFrame(t, 2, MethodNodeInvoke, invokeBody("s1", nil, nil))), &out)
	if !out.OK {
		t.Fatal("override did not admit the command")
	}
}

func TestInvokeSessionKeyRequired(t *testing.T) {
	h := newFrontHarness(t)
	t.Setenv(node.EnvAllowBrowserProxy, "1")
	h.connectNode(t, "n1", "browser.proxy")

	resp := handle(t, h.front, requestFrame(t, 1, MethodNodeInvoke, invokeBody("", nil, nil)))
	data := expectError(t, resp, rpcwire.CodeNotAllowed)
	if !strings.Contains(data.Message, "session key") {
		t.Errorf("message = %q", data.Message)
	}
}

func TestInvokeIdempotencyReplay(t *testing.T) {
	h := newFrontHarness(t)
	t.Setenv(node.EnvAllowBrowserProxy, "1")
	h.connectNode(t, "n1", "browser.proxy")

	calls := 0
	h.transport.Handle("n1", "browser.proxy", func(_ context.Context, inv outbound.NodeInvocation) (outbound.NodeResponse, error) {
		calls++
		payload, _ := json.Marshal(map[string]any{"echo": inv.Params["path"]})
		return outbound.NodeResponse{OK: true, Payload: payload}, nil
	})

	body := func(path string) map[string]any {
		return invokeBody("s1", map[string]any{"path": path}, map[string]any{"idempotencyKey": "K"})
	}

	var first, second invokeResult
	decodeResult(t, handle(t, h.front, requestFrame(t, 1, MethodNodeInvoke, body("/a"))), &first)
	decodeResult(t, handle(t, h.front, requestFrame(t, 2, MethodNodeInvoke, body("/a"))), &second)
	if calls != 1 {
		t.Fatalf("node executed %d times, want 1", calls)
	}
	if string(first.Payload) != string(second.Payload) {
		t.Errorf("replay diverged: %s vs %s", first.Payload, second.Payload)
	}

	resp := handle(t, h.front, requestFrame(t, 3, MethodNodeInvoke, body("/b")))
	data := expectError(t, resp, rpcwire.CodeNotAllowed)
	if data.Message != node.ErrPayloadMismatch.Error() {
		t.Errorf("message = %q, want %q", data.Message, node.ErrPayloadMismatch.Error())
	}
	if calls != 1 {
		t.Errorf("mismatched payload still executed, calls = %d", calls)
	}
}

func TestInvokeReplayStoresFailure(t *testing.T) {
	h := newFrontHarness(t)
	t.Setenv(node.EnvAllowBrowserProxy, "1")
	h.connectNode(t, "n1", "browser.proxy")

	calls := 0
	h.transport.Handle("n1", "browser.proxy", func(context.Context, outbound.NodeInvocation) (outbound.NodeResponse, error) {
		calls++
		return outbound.NodeResponse{OK: false, Payload: json.RawMessage(`{"error":"upstream refused"}`)}, nil
	})

	body := invokeBody("s1", map[string]any{"path": "/a"}, map[string]any{"idempotencyKey": "K"})
	var first, second invokeResult
	decodeResult(t, handle(t, h.front, requestFrame(t, 1, MethodNodeInvoke, body)), &first)
	decodeResult(t, handle(t, h.front, requestFrame(t, 2, MethodNodeInvoke, body)), &second)

	if first.OK || second.OK {
		t.Fatalf("failures replayed as success: %+v %+v", first, second)
	}
	if calls != 1 {
		t.Errorf("failed invocation ran %d times, want 1", calls)
	}
}

func TestInvokeInFlightDuplicate(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newFrontHarness(t)
	t.Setenv(node.EnvAllowBrowserProxy, "1")
	h.connectNode(t, "n1", "browser.proxy")

	var once sync.Once
	started := make(chan struct{})
	release := make(chan struct{})
	calls := 0
	h.transport.Handle("n1", "browser.proxy", func(context.Context, outbound.NodeInvocation) (outbound.NodeResponse, error) {
		calls++
		once.Do(func() { close(started) })
		<-release
		return outbound.NodeResponse{OK: true, Payload: json.RawMessage(`{"done":true}`)}, nil
	})

	body := invokeBody("s1", map[string]any{"path": "/a"}, map[string]any{"idempotencyKey": "K"})

	firstDone := make(chan wireResponse, 1)
	go func() {
		raw := h.front.HandleFrame(context.Background(), requestFrame(t, 1, MethodNodeInvoke, body))
		var r wireResponse
		_ = json.Unmarshal(raw, &r)
		firstDone <- r
	}()
	<-started

	resp := handle(t, h.front, requestFrame(t, 2, MethodNodeInvoke, body))
	data := expectError(t, resp, rpcwire.CodeUnavailable)
	if !strings.Contains(data.Message, "still in flight") {
		t.Errorf("message = %q", data.Message)
	}

	close(release)
	var first invokeResult
	select {
	case r := <-firstDone:
		decodeResult(t, r, &first)
	case <-time.After(2 * time.Second):
		t.Fatal("first invocation never returned")
	}
	if !first.OK {
		t.Fatalf("first invocation failed: %+v", first)
	}

	var third invokeResult
	decodeResult(t, handle(t, h.front, requestFrame(t, 3, MethodNodeInvoke, body)), &third)
	if string(third.Payload) != string(first.Payload) {
		t.Errorf("replay diverged: %s vs %s", third.Payload, first.Payload)
	}
	if calls != 1 {
		t.Errorf("node executed %d times, want 1", calls)
	}
}

func TestInvokeDenialTripwire(t *testing.T) {
	h := newFrontHarness(t)
	h.connectNode(t, "n1", "browser.proxy")
	h.transport.Handle("n1", "browser.proxy", func(context.Context, outbound.NodeInvocation) (outbound.NodeResponse, error) {
		return outbound.NodeResponse{OK: true}, nil
	})

	// Break-glass closed: every attempt is a policy denial.
	for i := 0; i < ratelimit.DefaultMaxDenials; i++ {
		resp := handle(t, h.front, requestFrame(t, i+1, MethodNodeInvoke, invokeBody("trip", nil, nil)))
		expectError(t, resp, rpcwire.CodeNotAllowed)
	}

	// Opening the gate does not matter: the key is tripwired and the
	// block wins before any profile gate is consulted.
	t.Setenv(node.EnvAllowBrowserProxy, "1")
	resp := handle(t, h.front, requestFrame(t, 99, MethodNodeInvoke, invokeBody("trip", nil, nil)))
	data := expectError(t, resp, rpcwire.CodeUnavailable)
	if !strings.HasPrefix(data.Message, service.TokenBlocked) {
		t.Errorf("message = %q, want %s prefix", data.Message, service.TokenBlocked)
	}

	// A different session key is unaffected.
	var out invokeResult
	decodeResult(t, handle(t, h.front, requestFrame(t, 100, MethodNodeInvoke, invokeBody("other", nil, nil))), &out)
	if !out.OK {
		t.Fatal("unrelated key caught by the tripwire")
	}
}

func TestInvokeAdminScope(t *testing.T) {
	h := newFrontHarness(t)
	h.connectNode(t, "n1", "system.update")
	h.transport.Handle("n1", "system.update", func(context.Context, outbound.NodeInvocation) (outbound.NodeResponse, error) {
		return outbound.NodeResponse{OK: true}, nil
	})

	body := map[string]any{"nodeId": "n1", "command": "system.update", "sessionKey": "ops"}

	resp := handle(t, h.front, requestFrame(t, 1, MethodNodeInvoke, body))
	data := expectError(t, resp, rpcwire.CodeNotAllowed)
	if !strings.Contains(data.Message, "admin scope") {
		t.Errorf("message = %q", data.Message)
	}

	frame := requestFrame(t, 2, MethodNodeInvoke, body)
	frame.AdminScope = true
	var out invokeResult
	decodeResult(t, handle(t, h.front, frame), &out)
	if !out.OK {
		t.Fatal("admin frame refused")
	}
}

func TestInvokeApprovalTokenFlow(t *testing.T) {
	defer goleak.VerifyNone(t)

	ws, err := node.NewWorkspace(t.TempDir())
	if err != nil {
		t.Fatalf("workspace: %v", err)
	}
	h := newFrontHarness(t, WithWorkspace(ws))
	t.Setenv(node.EnvAllowNodeExec, "1")
	h.connectNode(t, "n1", "system.run")

	var captured outbound.NodeInvocation
	h.transport.Handle("n1", "system.run", func(_ context.Context, inv outbound.NodeInvocation) (outbound.NodeResponse, error) {
		captured = inv
		return outbound.NodeResponse{OK: true, Payload: json.RawMessage(`{"exitCode":0}`)}, nil
	})

	base := func(params map[string]any) map[string]any {
		return map[string]any{
			"nodeId":     "n1",
			"command":    "system.run",
			"sessionKey": "s-run",
			"agentId":    "a1",
			"params":     params,
		}
	}

	resp := handle(t, h.front, requestFrame(t, 1, MethodNodeInvoke, base(map[string]any{"command": "git status"})))
	data := expectError(t, resp, rpcwire.CodeNotAllowed)
	if !strings.Contains(data.Message, "approval token") {
		t.Errorf("message = %q", data.Message)
	}

	// The binding covers the exact cleaned payload the invoke will hash.
	payloadHash, err := node.PayloadHash("n1", "system.run", map[string]any{"command": "git status"})
	if err != nil {
		t.Fatalf("payload hash: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		resolvePending(t, h.approvals, approval.DecisionAllowOnce)
	}()
	capResp := handle(t, h.front, requestFrame(t, 2, MethodCapApprovalRequest, map[string]any{
		"capability":  "node:exec",
		"subject":     "n1",
		"payloadHash": payloadHash,
		"agentId":     "a1",
		"sessionKey":  "s-run",
		"timeoutMs":   3000,
	}))
	<-done

	var grant approvalResult
	decodeResult(t, capResp, &grant)
	if grant.Decision != string(approval.DecisionAllowOnce) || grant.ApprovalToken == "" {
		t.Fatalf("grant = %+v", grant)
	}

	var out invokeResult
	decodeResult(t, handle(t, h.front, requestFrame(t, 3, MethodNodeInvoke, base(map[string]any{
		"command":       "git status",
		"approvalToken": grant.ApprovalToken,
	}))), &out)
	if !out.OK {
		t.Fatal("approved invocation refused")
	}

	if captured.Params["cwd"] != ws.Root() {
		t.Errorf("cwd = %v, want the workspace root", captured.Params["cwd"])
	}
	if _, present := captured.Params["approvalToken"]; present {
		t.Error("token leaked into node params")
	}
	if captured.Budget.TimeoutMs != 60_000 {
		t.Errorf("budget timeout = %d", captured.Budget.TimeoutMs)
	}

	// Single use: replaying the same token is refused.
	resp = handle(t, h.front, requestFrame(t, 4, MethodNodeInvoke, base(map[string]any{
		"command":       "git status",
		"approvalToken": grant.ApprovalToken,
	})))
	data = expectError(t, resp, rpcwire.CodeNotAllowed)
	if !strings.Contains(data.Message, "approval token") {
		t.Errorf("message = %q", data.Message)
	}
}

func TestCheckRunGuards(t *testing.T) {
	ws, err := node.NewWorkspace(t.TempDir())
	if err != nil {
		t.Fatalf("workspace: %v", err)
	}
	h := newFrontHarness(t, WithWorkspace(ws))
	outside := t.TempDir()

	cases := []struct {
		name    string
		params  map[string]any
		code    rpcwire.Code
		message string
	}{
		{
			name:    "shell operator",
			params:  map[string]any{"command": "git status && rm -rf /"},
			code:    rpcwire.CodeNotAllowed,
			message: "shell operators are not allowed",
		},
		{
			name:    "command substitution",
			params:  map[string]any{"command": "echo $(whoami)"},
			code:    rpcwire.CodeNotAllowed,
			message: "substitution",
		},
		{
			name:    "inline script",
			params:  map[string]any{"command": "sh -c 'ls /'"},
			code:    rpcwire.CodeNotAllowed,
			message: "-c invocations are not allowed",
		},
		{
			name:    "inline script via argv",
			params:  map[string]any{"commandArgv": []any{"bash", "-c", "ls"}},
			code:    rpcwire.CodeNotAllowed,
			message: "-c invocations are not allowed",
		},
		{
			name:    "denied env key",
			params:  map[string]any{"command": "git status", "commandEnv": map[string]any{"LD_PRELOAD": "/tmp/x.so"}},
			code:    rpcwire.CodeNotAllowed,
			message: "denied",
		},
		{
			name:    "cwd outside workspace",
			params:  map[string]any{"command": "git status", "cwd": outside},
			code:    rpcwire.CodeNotAllowed,
			message: "escapes the workspace root",
		},
		{
			name:    "command wrong type",
			params:  map[string]any{"command": 42},
			code:    rpcwire.CodeInvalidRequest,
			message: "invalid:params.command",
		},
		{
			name:    "argv wrong type",
			params:  map[string]any{"commandArgv": []any{"git", 7}},
			code:    rpcwire.CodeInvalidRequest,
			message: "invalid:params.commandArgv",
		},
		{
			name:    "env wrong type",
			params:  map[string]any{"command": "ls", "commandEnv": map[string]any{"PATH": 1}},
			code:    rpcwire.CodeInvalidRequest,
			message: "invalid:params.commandEnv",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			werr := h.front.checkRun(tc.params)
			if werr == nil {
				t.Fatal("expected a refusal")
			}
			if werr.Code != tc.code {
				t.Errorf("code = %s, want %s", werr.Code, tc.code)
			}
			if !strings.Contains(werr.Message, tc.message) {
				t.Errorf("message = %q, want %q in it", werr.Message, tc.message)
			}
		})
	}

	t.Run("denied env names the override", func(t *testing.T) {
		werr := h.front.checkRun(map[string]any{"command": "ls", "commandEnv": map[string]any{"LD_PRELOAD": "/x"}})
		if werr == nil || werr.BreakGlassEnv != node.EnvAllowArbitraryEnv {
			t.Fatalf("werr = %+v", werr)
		}
	})

	t.Run("arbitrary env override admits", func(t *testing.T) {
		t.Setenv(node.EnvAllowArbitraryEnv, "1")
		params := map[string]any{"command": "ls", "commandEnv": map[string]any{"WHATEVER_KEY": "v"}}
		if werr := h.front.checkRun(params); werr != nil {
			t.Fatalf("override refused: %+v", werr)
		}
	})

	t.Run("safe env passes without override", func(t *testing.T) {
		params := map[string]any{"command": "ls", "commandEnv": map[string]any{"LANG": "C"}}
		if werr := h.front.checkRun(params); werr != nil {
			t.Fatalf("safe env refused: %+v", werr)
		}
	})
}

func TestCheckRunResolvesCwd(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "sub"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	ws, err := node.NewWorkspace(root)
	if err != nil {
		t.Fatalf("workspace: %v", err)
	}
	h := newFrontHarness(t, WithWorkspace(ws))

	params := map[string]any{"command": "git status", "cwd": "sub"}
	if werr := h.front.checkRun(params); werr != nil {
		t.Fatalf("contained cwd refused: %+v", werr)
	}
	if want := filepath.Join(ws.Root(), "sub"); params["cwd"] != want {
		t.Errorf("cwd = %v, want %s", params["cwd"], want)
	}
}

func TestCheckRunWithoutWorkspace(t *testing.T) {
	h := newFrontHarness(t)

	if werr := h.front.checkRun(map[string]any{"command": "ls"}); werr != nil {
		t.Fatalf("cwd-less run refused: %+v", werr)
	}

	werr := h.front.checkRun(map[string]any{"command": "ls", "cwd": "/tmp"})
	if werr == nil || !strings.Contains(werr.Message, "workspace root") {
		t.Fatalf("werr = %+v", werr)
	}
}

func TestInvokeTruncatesOversizedPayload(t *testing.T) {
	h := newFrontHarness(t)
	h.connectNode(t, "n1", "system.which")

	big := append([]byte(`{"blob":"`), bytes.Repeat([]byte("a"), node.MaxResponseBytes)...)
	big = append(big, `"}`...)
	h.transport.Handle("n1", "system.which", func(context.Context, outbound.NodeInvocation) (outbound.NodeResponse, error) {
		return outbound.NodeResponse{OK: true, Payload: big}, nil
	})

	var out invokeResult
	decodeResult(t, handle(t, h.front, requestFrame(t, 1, MethodNodeInvoke, map[string]any{
		"nodeId": "n1", "command": "system.which", "sessionKey": "s1",
	})), &out)

	if !out.OutputTruncated {
		t.Fatal("oversized payload not flagged")
	}
	if out.Payload != nil {
		t.Error("truncated payload still travelled as JSON")
	}
	if len(out.PayloadJSON) != node.MaxResponseBytes {
		t.Errorf("payloadJSON length = %d, want %d", len(out.PayloadJSON), node.MaxResponseBytes)
	}
}

func TestInvokeTimeoutReportsPending(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newFrontHarness(t)
	t.Setenv(node.EnvAllowBrowserProxy, "1")
	h.connectNode(t, "n1", "browser.proxy")
	h.transport.Handle("n1", "browser.proxy", func(ctx context.Context, _ outbound.NodeInvocation) (outbound.NodeResponse, error) {
		<-ctx.Done()
		return outbound.NodeResponse{}, ctx.Err()
	})

	resp := handle(t, h.front, requestFrame(t, 1, MethodNodeInvoke, invokeBody("s1", nil, map[string]any{"timeoutMs": 30})))
	data := expectError(t, resp, rpcwire.CodeUnavailable)
	if !strings.Contains(data.Message, "timed out after 30ms") {
		t.Errorf("message = %q", data.Message)
	}

	envs, err := ledgerfile.ReadLedger(h.trail.Path(node.DangerPrefix))
	if err != nil {
		t.Fatalf("read trail: %v", err)
	}
	last := envs[len(envs)-1]
	if last.Payload["result"] != trailPending || last.Payload["decision"] != trailAllowed {
		t.Errorf("trail entry = %v", last.Payload)
	}
}

func TestInvokeDangerTrail(t *testing.T) {
	h := newFrontHarness(t)
	t.Setenv(node.EnvAllowBrowserProxy, "1")
	h.connectNode(t, "n1", "browser.proxy")
	h.transport.Handle("n1", "browser.proxy", func(context.Context, outbound.NodeInvocation) (outbound.NodeResponse, error) {
		return outbound.NodeResponse{OK: true, Payload: json.RawMessage(`{}`)}, nil
	})

	// Allowed and executed.
	var out invokeResult
	decodeResult(t, handle(t, h.front, requestFrame(t, 1, MethodNodeInvoke, invokeBody("sk-1", map[string]any{"path": "/a"}, nil))), &out)

	// Denied at the break-glass gate.
	t.Setenv(node.EnvAllowBrowserProxy, "")
	expectError(t, handle(t, h.front, requestFrame(t, 2, MethodNodeInvoke, invokeBody("sk-1", nil, nil))), rpcwire.CodeNotAllowed)

	// Allowed but the transport failed with an unknown outcome.
	t.Setenv(node.EnvAllowBrowserProxy, "1")
	h.transport.Handle("n1", "browser.proxy", func(context.Context, outbound.NodeInvocation) (outbound.NodeResponse, error) {
		return outbound.NodeResponse{}, context.Canceled
	})
	expectError(t, handle(t, h.front, requestFrame(t, 3, MethodNodeInvoke, invokeBody("sk-1", nil, nil))), rpcwire.CodeUnavailable)

	envs, err := ledgerfile.ReadLedger(h.trail.Path(node.DangerPrefix))
	if err != nil {
		t.Fatalf("read trail: %v", err)
	}
	if _, err := ledger.VerifyChain(envs); err != nil {
		t.Fatalf("trail chain broken: %v", err)
	}
	if len(envs) != 3 {
		t.Fatalf("trail holds %d entries, want 3", len(envs))
	}

	wantHash := canonjson.HashString("sk-1")
	for i, env := range envs {
		if env.Payload["command"] != "browser.proxy" || env.Payload["nodeId"] != "n1" {
			t.Errorf("entry %d = %v", i, env.Payload)
		}
		if env.Payload["sessionKeyHash"] != wantHash {
			t.Errorf("entry %d session hash = %v", i, env.Payload["sessionKeyHash"])
		}
		if s, _ := env.Payload["payloadHash"].(string); s == "" {
			t.Errorf("entry %d missing payload hash", i)
		}
	}

	if envs[0].Payload["decision"] != trailAllowed || envs[0].Payload["result"] != trailSuccess {
		t.Errorf("success entry = %v", envs[0].Payload)
	}
	if envs[1].Payload["decision"] != trailDenied || envs[1].Payload["result"] != trailFailure {
		t.Errorf("denial entry = %v", envs[1].Payload)
	}
	if reason, ok := envs[1].Payload["reason"].(string); !ok || !strings.Contains(reason, "disabled") {
		t.Errorf("denial reason = %v", envs[1].Payload["reason"])
	}
	if envs[2].Payload["decision"] != trailAllowed || envs[2].Payload["result"] != trailPending {
		t.Errorf("unknown-outcome entry = %v", envs[2].Payload)
	}
}

func TestInvokeConcurrencyCap(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newFrontHarness(t, WithLimiter(ratelimit.New(ratelimit.Params{MaxConcurrentPerKey: 1}, testLogger(t))))
	t.Setenv(node.EnvAllowBrowserProxy, "1")
	h.connectNode(t, "n1", "browser.proxy")

	var once sync.Once
	started := make(chan struct{})
	release := make(chan struct{})
	h.transport.Handle("n1", "browser.proxy", func(context.Context, outbound.NodeInvocation) (outbound.NodeResponse, error) {
		once.Do(func() { close(started) })
		<-release
		return outbound.NodeResponse{OK: true}, nil
	})

	firstDone := make(chan wireResponse, 1)
	go func() {
		raw := h.front.HandleFrame(context.Background(), requestFrame(t, 1, MethodNodeInvoke, invokeBody("s1", map[string]any{"path": "/a"}, nil)))
		var r wireResponse
		_ = json.Unmarshal(raw, &r)
		firstDone <- r
	}()
	<-started

	resp := handle(t, h.front, requestFrame(t, 2, MethodNodeInvoke, invokeBody("s1", map[string]any{"path": "/b"}, nil)))
	data := expectError(t, resp, rpcwire.CodeUnavailable)
	if data.Message != service.TokenTooManyConcurrent {
		t.Errorf("message = %q, want %q", data.Message, service.TokenTooManyConcurrent)
	}

	close(release)
	select {
	case r := <-firstDone:
		var out invokeResult
		decodeResult(t, r, &out)
		if !out.OK {
			t.Fatalf("held invocation failed: %+v", out)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("held invocation never returned")
	}

	// Slot released: the key admits work again.
	var out invokeResult
	decodeResult(t, handle(t, h.front, requestFrame(t, 3, MethodNodeInvoke, invokeBody("s1", map[string]any{"path": "/c"}, nil))), &out)
	if !out.OK {
		t.Fatal("released slot still refused")
	}
}
