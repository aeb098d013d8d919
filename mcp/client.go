package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// ClientOption configures a Client.
type ClientOption func(*Client)

// Client drives the JSON-RPC protocol of one memory-server session. It owns the session it is given and
// walks the handshake state machine New → Initializing → Ready → (Closed | Failed). Tool calls are only
// accepted in Ready.
//
// A Client must be created using NewClient (or Dial) and requires Initialize to be called before any tool
// operations can be performed. The client should be properly closed using Close when it's no longer
// needed.
type Client struct {
	info            Info
	capabilities    ClientCapabilities
	protocolVersion string

	sess *Session
	corr *Correlator

	requestTimeout time.Duration
	writeTimeout   time.Duration
	toolResultWait time.Duration

	logger *slog.Logger

	mu                 sync.Mutex
	state              State
	serverInfo         Info
	serverCapabilities ServerCapabilities
	instructions       string
}

// ToolResult is the outcome of a tool call. A provisional result means the server accepted the call for
// processing (HTTP 202) and has not reported what the tool did.
type ToolResult struct {
	RequestID   string
	Provisional bool
	Result      CallToolResult
}

var maxToolPages = 100

// WithClientRequestTimeout sets how long a request waits for a response delivered on the stream.
func WithClientRequestTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		if timeout > 0 {
			c.requestTimeout = timeout
		}
	}
}

// WithClientWriteTimeout sets the timeout of each HTTP POST.
func WithClientWriteTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.writeTimeout = timeout
	}
}

// WithClientToolResultWait makes CallTool wait up to d for the stream-delivered result of a call the
// server only accepted. When nothing arrives in time the provisional result is returned.
func WithClientToolResultWait(d time.Duration) ClientOption {
	return func(c *Client) {
		c.toolResultWait = d
	}
}

// WithClientProtocolVersion overrides the protocol revision offered on initialize.
func WithClientProtocolVersion(version string) ClientOption {
	return func(c *Client) {
		c.protocolVersion = version
	}
}

// WithClientCapabilities sets the capabilities advertised on initialize.
func WithClientCapabilities(capabilities ClientCapabilities) ClientOption {
	return func(c *Client) {
		c.capabilities = capabilities
	}
}

// WithClientLogger sets the logger for the client and its correlator.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a client for sess and takes ownership of it. The info parameter identifies the client
// to the server on initialize.
func NewClient(info Info, sess *Session, options ...ClientOption) *Client {
	c := &Client{
		info:            info,
		protocolVersion: ProtocolVersion,
		sess:            sess,
		requestTimeout:  defaultRequestTimeout,
		writeTimeout:    defaultWriteTimeout,
		logger:          slog.Default(),
		state:           StateNew,
	}
	for _, opt := range options {
		opt(c)
	}

	c.corr = NewCorrelator(sess,
		WithCorrelatorTimeout(c.requestTimeout),
		WithCorrelatorWriteTimeout(c.writeTimeout),
		WithCorrelatorLogger(c.logger),
	)

	return c
}

// Dial acquires a persistent session from sse and initializes a client on it.
func Dial(ctx context.Context, sse *SSEClient, info Info, options ...ClientOption) (*Client, error) {
	sess, err := sse.AcquireSession(ctx, ModePersistent)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire session: %w", err)
	}

	c := NewClient(info, sess, options...)
	if err := c.Initialize(ctx); err != nil {
		c.Close()
		return nil, err
	}

	return c, nil
}

// SSEURL returns the handshake stream URL of a memory server rooted at baseURL.
func SSEURL(baseURL string) string {
	return strings.TrimRight(baseURL, "/") + "/sse"
}

// Initialize performs the protocol handshake. The initialize response may come back in the HTTP body or,
// after a 202, on the session stream. On success the client posts notifications/initialized without
// waiting for its outcome and becomes Ready. Any failure leaves the client Failed and is returned as a
// *ProtocolError.
func (c *Client) Initialize(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateNew {
		st := c.state
		c.mu.Unlock()
		return &ProtocolError{Method: MethodInitialize, State: st, Err: errors.New("initialize already attempted")}
	}
	c.state = StateInitializing
	c.mu.Unlock()

	params := initializeParams{
		ProtocolVersion: c.protocolVersion,
		Capabilities:    c.capabilities,
		ClientInfo:      c.info,
	}
	paramsBs, err := json.Marshal(params)
	if err != nil {
		return c.fail(fmt.Errorf("failed to marshal initialize params: %w", err))
	}

	res, err := c.corr.SubmitAndAwait(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  MethodInitialize,
		Params:  paramsBs,
	})
	if err != nil {
		return c.fail(err)
	}
	if res.Message.Error != nil {
		return c.fail(fmt.Errorf("initialize error: %w", res.Message.Error))
	}

	var result initializeResult
	if err := json.Unmarshal(res.Message.Result, &result); err != nil {
		return c.fail(fmt.Errorf("failed to unmarshal initialize result: %w", err))
	}
	if !protocolVersionSupported(result.ProtocolVersion) {
		return c.fail(fmt.Errorf("unsupported protocol version %q", result.ProtocolVersion))
	}

	if err := c.corr.Notify(ctx, JSONRPCMessage{Method: MethodNotificationsInitialized}); err != nil {
		c.logger.Warn("failed to send initialized notification", "session", c.sess.ID(), "err", err)
	}

	c.mu.Lock()
	c.state = StateReady
	c.serverInfo = result.ServerInfo
	c.serverCapabilities = result.Capabilities
	c.instructions = result.Instructions
	c.mu.Unlock()

	c.logger.Info("session initialized",
		"session", c.sess.ID(),
		"server", result.ServerInfo.Name,
		"protocolVersion", result.ProtocolVersion)

	return nil
}

// ListTools retrieves every tool the server offers, following pagination cursors.
func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	if err := c.requireReady(MethodToolsList); err != nil {
		return nil, err
	}

	var tools []Tool
	params := ListToolsParams{}
	seen := make(map[string]struct{})

	for range maxToolPages {
		paramsBs, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
		res, err := c.corr.SubmitAndAwait(ctx, JSONRPCMessage{
			JSONRPC: JSONRPCVersion,
			Method:  MethodToolsList,
			Params:  paramsBs,
		})
		if err != nil {
			return nil, err
		}
		if res.Message.Error != nil {
			return nil, &ProtocolError{Method: MethodToolsList, State: StateReady, Err: res.Message.Error}
		}

		var page ListToolsResult
		if err := json.Unmarshal(res.Message.Result, &page); err != nil {
			return nil, fmt.Errorf("failed to unmarshal tools: %w", err)
		}
		tools = append(tools, page.Tools...)

		if page.NextCursor == "" {
			return tools, nil
		}
		if _, ok := seen[page.NextCursor]; ok {
			return tools, nil
		}
		seen[page.NextCursor] = struct{}{}
		params.Cursor = page.NextCursor
	}

	c.logger.Warn("tool listing truncated", "session", c.sess.ID(), "pages", maxToolPages)
	return tools, nil
}

// CallTool invokes the named tool with args, which are marshaled as the call's arguments object.
//
// A 202 answer returns a provisional result: the call was queued, nothing more. A JSON-RPC error or a
// result flagged isError returns a *ToolError.
func (c *Client) CallTool(ctx context.Context, name string, args any) (ToolResult, error) {
	if err := c.requireReady(MethodToolsCall); err != nil {
		return ToolResult{}, err
	}

	argsBs, err := json.Marshal(args)
	if err != nil {
		return ToolResult{}, fmt.Errorf("failed to marshal arguments: %w", err)
	}
	paramsBs, err := json.Marshal(CallToolParams{Name: name, Arguments: argsBs})
	if err != nil {
		return ToolResult{}, fmt.Errorf("failed to marshal params: %w", err)
	}

	res, err := c.corr.Submit(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  MethodToolsCall,
		Params:  paramsBs,
	})
	if err != nil {
		return ToolResult{}, fmt.Errorf("call tool %s: %w", name, err)
	}

	id := string(res.Message.ID)
	if res.Provisional {
		if c.toolResultWait <= 0 || c.sess.Events() == nil {
			return ToolResult{RequestID: id, Provisional: true}, nil
		}

		wCtx, wCancel := context.WithTimeout(ctx, c.toolResultWait)
		defer wCancel()

		awaited, err := c.corr.Await(wCtx, id)
		if errors.Is(err, ErrCorrelationTimeout) {
			c.logger.Debug("tool result not delivered yet", "tool", name, "id", id)
			return ToolResult{RequestID: id, Provisional: true}, nil
		}
		if err != nil {
			return ToolResult{}, fmt.Errorf("call tool %s: %w", name, err)
		}
		res = awaited
	}

	if res.Message.Error != nil {
		return ToolResult{}, &ToolError{Tool: name, RPC: res.Message.Error}
	}

	var result CallToolResult
	if len(res.Message.Result) > 0 {
		if err := json.Unmarshal(res.Message.Result, &result); err != nil {
			return ToolResult{}, fmt.Errorf("failed to unmarshal tool result: %w", err)
		}
	}
	if result.IsError {
		return ToolResult{}, &ToolError{Tool: name, Result: &result}
	}

	return ToolResult{RequestID: id, Result: result}, nil
}

// Text returns the text content of a non-provisional result.
func (r ToolResult) Text() string {
	return r.Result.Text()
}

// AddMemory submits an episode through the server's add_memory tool.
func (c *Client) AddMemory(ctx context.Context, episode Episode) (ToolResult, error) {
	return c.CallTool(ctx, ToolAddMemory, episode)
}

// State returns the client's protocol state. A Ready client whose session stream has ended is Closed.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateReady && c.sess.Mode() == ModePersistent && c.sess.closed() {
		c.state = StateClosed
	}
	return c.state
}

// SessionID returns the identifier of the owned session.
func (c *Client) SessionID() string {
	return c.sess.ID()
}

// ServerInfo returns the server's info reported on initialize.
func (c *Client) ServerInfo() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverInfo
}

// ToolServerSupported returns true if the server announced the tools capability.
func (c *Client) ToolServerSupported() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverCapabilities.Tools != nil
}

// Close resolves outstanding requests as cancelled and releases the session.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosed
	c.mu.Unlock()

	c.corr.Stop()
	c.sess.Stop()
	c.corr.wait()

	return nil
}

func (c *Client) requireReady(method string) error {
	if st := c.State(); st != StateReady {
		return &ProtocolError{Method: method, State: st}
	}
	return nil
}

func (c *Client) fail(err error) error {
	c.mu.Lock()
	c.state = StateFailed
	c.mu.Unlock()

	c.logger.Error("initialize failed", "session", c.sess.ID(), "err", err)
	return &ProtocolError{Method: MethodInitialize, State: StateFailed, Err: err}
}
