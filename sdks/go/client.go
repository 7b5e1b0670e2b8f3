package agentward

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// Framing limits matching the gateway's listener.
const (
	defaultAddr    = "127.0.0.1:8700"
	defaultTimeout = 30 * time.Second
	maxFrameBytes  = 4 << 20
	eventBuffer    = 16

	// paramApprovalToken is the reserved params key the gateway strips
	// and verifies before hashing the invoke payload.
	paramApprovalToken = "approvalToken"
)

// ExecHandler answers one gateway exec request. The returned value is
// serialized as the command payload; a non-nil error refuses the
// command. The context expires when the granted budget does.
type ExecHandler func(ctx context.Context, req ExecRequest) (any, error)

// ApprovalHandler receives approval lifecycle events broadcast by the
// gateway.
type ApprovalHandler func(ev ApprovalEvent)

// Client is a connection to an AgentWard gateway. It multiplexes
// calls, gateway exec callbacks, and approval event notifications over
// one newline-delimited JSON-RPC stream. Safe for concurrent use.
type Client struct {
	addr            string
	sessionKey      string
	agentID         string
	timeout         time.Duration
	logger          *slog.Logger
	execHandler     ExecHandler
	approvalHandler ApprovalHandler

	conn   net.Conn
	events chan ApprovalEvent
	done   chan struct{}

	nextID    atomic.Uint64
	closeOnce sync.Once

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan *rpcFrame
	closed  bool
}

// rpcFrame is one decoded line from the gateway. Requests carry a
// method, responses a result or error; notifications are requests
// without an id.
type rpcFrame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *wireError      `json:"error,omitempty"`
}

type wireError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type requestEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  any             `json:"params,omitempty"`
}

type resultEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result"`
}

type errorEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Error   wireError       `json:"error"`
}

type execAnswer struct {
	OK      bool            `json:"ok"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type helloParams struct {
	NodeID      string   `json:"nodeId"`
	DisplayName string   `json:"displayName,omitempty"`
	Commands    []string `json:"commands,omitempty"`
}

type byeParams struct {
	NodeID string `json:"nodeId"`
}

type resolveParams struct {
	ID         string `json:"id"`
	Decision   string `json:"decision"`
	ResolvedBy string `json:"resolvedBy,omitempty"`
}

// Dial connects to an AgentWard gateway.
// It reads configuration from AGENTWARD_* environment variables by
// default. Options can be used to override the defaults.
func Dial(ctx context.Context, opts ...Option) (*Client, error) {
	c := &Client{
		addr:       envOrDefault("AGENTWARD_ADDR", defaultAddr),
		sessionKey: os.Getenv("AGENTWARD_SESSION_KEY"),
		agentID:    os.Getenv("AGENTWARD_AGENT_ID"),
		timeout:    parseDurationEnv("AGENTWARD_TIMEOUT", defaultTimeout),
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		events:     make(chan ApprovalEvent, eventBuffer),
		done:       make(chan struct{}),
		pending:    make(map[string]chan *rpcFrame),
	}

	for _, opt := range opts {
		opt(c)
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("agentward: dial %s: %w", c.addr, err)
	}
	c.conn = conn

	go c.readLoop()
	go c.dispatchEvents()

	return c, nil
}

// Invoke runs one command on a node through the gateway's enforcement
// path. A set ApprovalToken travels inside params under the gateway's
// reserved key. Refusals come back as *GatewayError.
func (c *Client) Invoke(ctx context.Context, req InvokeRequest) (*InvokeResult, error) {
	if req.SessionKey == "" {
		req.SessionKey = c.sessionKey
	}
	if req.AgentID == "" {
		req.AgentID = c.agentID
	}
	if req.ApprovalToken != "" {
		params := make(map[string]any, len(req.Params)+1)
		for k, v := range req.Params {
			params[k] = v
		}
		params[paramApprovalToken] = req.ApprovalToken
		req.Params = params
	}

	var res InvokeResult
	if err := c.call(ctx, methodInvoke, req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Hello registers this connection as the named node. The gateway
// routes exec callbacks for the node here until Bye or disconnect;
// install a handler with WithExecHandler to answer them.
func (c *Client) Hello(ctx context.Context, nodeID, displayName string, commands ...string) (*HelloResult, error) {
	var res HelloResult
	err := c.call(ctx, methodHello, helloParams{
		NodeID:      nodeID,
		DisplayName: displayName,
		Commands:    commands,
	}, &res)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// Bye unregisters the named node from this connection.
func (c *Client) Bye(ctx context.Context, nodeID string) error {
	var res struct {
		OK bool `json:"ok"`
	}
	return c.call(ctx, methodBye, byeParams{NodeID: nodeID}, &res)
}

// RequestExecApproval asks for a one-shot approval of the given exec
// invocation and blocks until a decision, the request's expiry, or the
// gateway's wait timeout. The client's default timeout is not applied;
// the gateway always resolves the wait.
func (c *Client) RequestExecApproval(ctx context.Context, req ExecApprovalRequest) (*ApprovalOutcome, error) {
	if req.SessionKey == "" {
		req.SessionKey = c.sessionKey
	}
	if req.AgentID == "" {
		req.AgentID = c.agentID
	}
	var out ApprovalOutcome
	if err := c.do(ctx, methodExecApproval, req, &out, 0); err != nil {
		return nil, err
	}
	return &out, nil
}

// RequestCapabilityApproval asks for a one-shot approval of a
// capability use bound to a payload hash. Blocks like
// RequestExecApproval.
func (c *Client) RequestCapabilityApproval(ctx context.Context, req CapabilityApprovalRequest) (*ApprovalOutcome, error) {
	if req.SessionKey == "" {
		req.SessionKey = c.sessionKey
	}
	if req.AgentID == "" {
		req.AgentID = c.agentID
	}
	var out ApprovalOutcome
	if err := c.do(ctx, methodCapabilityApproval, req, &out, 0); err != nil {
		return nil, err
	}
	return &out, nil
}

// ResolveApproval records a decision for a pending approval request.
// Decision is one of DecisionAllowOnce, DecisionAllowAlways, or
// DecisionDeny. Requires an operator-scoped connection or admin key.
func (c *Client) ResolveApproval(ctx context.Context, id, decision, resolvedBy string) (*ResolveResult, error) {
	var res ResolveResult
	err := c.call(ctx, methodApprovalResolve, resolveParams{
		ID:         id,
		Decision:   decision,
		ResolvedBy: resolvedBy,
	}, &res)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// Close shuts the connection down. In-flight calls fail with ErrClosed
// and the approval handler stops receiving events. Safe to call more
// than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		err = c.conn.Close()
	})
	<-c.done
	return err
}

// call issues one request with the client's default timeout applied
// when the caller's context has no deadline.
func (c *Client) call(ctx context.Context, method string, params, result any) error {
	return c.do(ctx, method, params, result, c.timeout)
}

func (c *Client) do(ctx context.Context, method string, params, result any, timeout time.Duration) error {
	if _, ok := ctx.Deadline(); !ok && timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	// The gateway echoes request id bytes untouched, so the quoted
	// string doubles as the pending-map key.
	key := strconv.Quote("c" + strconv.FormatUint(c.nextID.Add(1), 10))
	ch := make(chan *rpcFrame, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.pending[key] = ch
	c.mu.Unlock()

	body, err := json.Marshal(requestEnvelope{
		JSONRPC: "2.0",
		ID:      json.RawMessage(key),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		c.forget(key)
		return fmt.Errorf("agentward: encode %s: %w", method, err)
	}
	if err := c.send(body); err != nil {
		c.forget(key)
		return err
	}

	select {
	case <-ctx.Done():
		c.forget(key)
		return ctx.Err()
	case fr, ok := <-ch:
		if !ok {
			return ErrClosed
		}
		if fr.Error != nil {
			return decodeGatewayError(fr.Error)
		}
		if result != nil && len(fr.Result) > 0 {
			if err := json.Unmarshal(fr.Result, result); err != nil {
				return fmt.Errorf("agentward: decode %s result: %w", method, err)
			}
		}
		return nil
	}
}

func (c *Client) forget(key string) {
	c.mu.Lock()
	delete(c.pending, key)
	c.mu.Unlock()
}

func (c *Client) send(body []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.conn.Write(append(body, '\n')); err != nil {
		return fmt.Errorf("agentward: write: %w", err)
	}
	return nil
}

// readLoop owns the receive side: it routes responses to pending
// calls, exec callbacks to the handler, and notifications to the event
// channel. When the stream ends it fails everything still waiting.
func (c *Client) readLoop() {
	defer c.teardown()

	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 64*1024), maxFrameBytes)
	for scanner.Scan() {
		raw := scanner.Bytes()
		if len(bytes.TrimSpace(raw)) == 0 {
			continue
		}

		var fr rpcFrame
		if err := json.Unmarshal(raw, &fr); err != nil {
			c.logger.Warn("dropping unparseable frame", "error", err)
			continue
		}

		switch {
		case fr.Method != "" && len(fr.ID) == 0:
			c.handleNotification(&fr)
		case fr.Method != "":
			c.handleServerRequest(&fr)
		default:
			c.handleResponse(&fr)
		}
	}
}

func (c *Client) teardown() {
	c.mu.Lock()
	c.closed = true
	pending := c.pending
	c.pending = make(map[string]chan *rpcFrame)
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	close(c.events)
	close(c.done)
}

func (c *Client) handleResponse(fr *rpcFrame) {
	key := string(fr.ID)
	c.mu.Lock()
	ch, ok := c.pending[key]
	if ok {
		delete(c.pending, key)
	}
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("dropping unmatched response", "id", key)
		return
	}
	ch <- fr
}

func (c *Client) handleNotification(fr *rpcFrame) {
	var ev ApprovalEvent
	if err := json.Unmarshal(fr.Params, &ev); err != nil || ev.Topic == "" {
		c.logger.Debug("ignoring notification", "method", fr.Method)
		return
	}
	select {
	case c.events <- ev:
	default:
		c.logger.Warn("approval event dropped, handler too slow", "topic", ev.Topic)
	}
}

func (c *Client) handleServerRequest(fr *rpcFrame) {
	if fr.Method != methodExec || c.execHandler == nil {
		c.respondError(fr.ID, -32601, fmt.Sprintf("method %q not handled", fr.Method))
		return
	}

	var req ExecRequest
	if err := json.Unmarshal(fr.Params, &req); err != nil {
		c.respondError(fr.ID, -32602, "malformed exec params")
		return
	}

	// The read loop must keep draining while the command runs, or a
	// node could deadlock itself by invoking through the same client.
	id := make(json.RawMessage, len(fr.ID))
	copy(id, fr.ID)
	go c.runExec(id, req)
}

func (c *Client) runExec(id json.RawMessage, req ExecRequest) {
	ctx := context.Background()
	if req.Budget.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.Budget.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	payload, err := c.execHandler(ctx, req)
	if err != nil {
		c.respondError(id, -32000, err.Error())
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		c.respondError(id, -32000, fmt.Sprintf("marshal payload: %v", err))
		return
	}
	c.respondResult(id, execAnswer{OK: true, Payload: raw})
}

func (c *Client) respondResult(id json.RawMessage, result any) {
	body, err := json.Marshal(resultEnvelope{JSONRPC: "2.0", ID: id, Result: result})
	if err != nil {
		c.logger.Warn("encoding exec response failed", "error", err)
		return
	}
	if err := c.send(body); err != nil {
		c.logger.Warn("sending exec response failed", "error", err)
	}
}

func (c *Client) respondError(id json.RawMessage, code int, message string) {
	body, err := json.Marshal(errorEnvelope{
		JSONRPC: "2.0",
		ID:      id,
		Error:   wireError{Code: code, Message: message},
	})
	if err != nil {
		return
	}
	if err := c.send(body); err != nil {
		c.logger.Warn("sending exec error failed", "error", err)
	}
}

// dispatchEvents delivers approval events one at a time so a handler
// never races itself. Exits when teardown closes the channel.
func (c *Client) dispatchEvents() {
	for ev := range c.events {
		if c.approvalHandler != nil {
			c.approvalHandler(ev)
		}
	}
}

// decodeGatewayError prefers the structured envelope in error.data
// and falls back to mapping the numeric code for gateways that omit
// it.
func decodeGatewayError(we *wireError) error {
	ge := &GatewayError{}
	if len(we.Data) > 0 && json.Unmarshal(we.Data, ge) == nil && ge.Code != "" {
		return ge
	}
	ge.Code = tokenForWireCode(we.Code)
	ge.Message = we.Message
	return ge
}

func tokenForWireCode(code int) string {
	switch code {
	case -32600:
		return CodeInvalidRequest
	case -32001:
		return CodeNotConnected
	case -32002:
		return CodeNotAllowed
	}
	return CodeUnavailable
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func parseDurationEnv(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	// Try parsing as seconds (integer).
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	// Try parsing as duration string.
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	return defaultVal
}
