// Package mcptest provides an in-process memory server speaking the SSE flavor of the Model Context
// Protocol, for tests of code built on package mcp.
package mcptest

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"

	"github.com/MegaGrindStone/episodic/mcp"
)

// Reply selects how the server answers a request.
type Reply int

const (
	// ReplyInline answers with 200 and the JSON-RPC response in the body.
	ReplyInline Reply = iota
	// ReplyStream accepts with 202 and delivers the response on the session stream.
	ReplyStream
	// ReplyStreamDuplicate is ReplyStream with the response event sent twice.
	ReplyStreamDuplicate
	// ReplyStreamEmptyOK answers with an empty 200 and delivers the response on the stream.
	ReplyStreamEmptyOK
	// ReplyAcceptOnly accepts with 202 and never responds.
	ReplyAcceptOnly
)

// ToolHandler implements a tool. A returned error becomes a result flagged isError.
type ToolHandler func(args json.RawMessage) (mcp.CallToolResult, error)

// Option configures a Server.
type Option func(*Server)

// Server is a fake memory server backed by httptest. It serves the handshake stream on /sse and
// JSON-RPC posts on /messages/. Instances are created with NewServer and released with Close.
type Server struct {
	URL string

	srv    *httptest.Server
	logger *slog.Logger

	protocolVersion string
	handshakeDelay  time.Duration
	endpoint        func(id string) string
	preamble        []sse.Message

	mu       sync.Mutex
	replies  map[string]Reply
	tools    map[string]mcp.Tool
	handlers map[string]ToolHandler
	sessions map[string]*session
	received []mcp.JSONRPCMessage
	episodes []mcp.Episode

	done      chan struct{}
	closeOnce sync.Once
}

type session struct {
	id      string
	out     chan *sse.Message
	end     chan struct{}
	endOnce sync.Once
}

// NewServer starts a fake memory server offering the add_memory tool. Every method is answered inline
// unless WithReply says otherwise.
func NewServer(options ...Option) *Server {
	s := &Server{
		logger:          slog.Default(),
		protocolVersion: mcp.ProtocolVersion,
		endpoint: func(id string) string {
			return "/messages/?session_id=" + id
		},
		replies:  make(map[string]Reply),
		tools:    make(map[string]mcp.Tool),
		handlers: make(map[string]ToolHandler),
		sessions: make(map[string]*session),
		done:     make(chan struct{}),
	}
	s.tools[mcp.ToolAddMemory] = mcp.Tool{
		Name:        mcp.ToolAddMemory,
		Description: "Add an episode to memory.",
		InputSchema: json.RawMessage(`{"type":"object","required":["name","episode_body"]}`),
	}
	s.handlers[mcp.ToolAddMemory] = s.addMemory

	for _, opt := range options {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /sse", s.handleSSE)
	mux.HandleFunc("POST /messages/", s.handleMessage)
	s.srv = httptest.NewServer(mux)
	s.URL = s.srv.URL

	return s
}

// WithReply sets how requests of method are answered.
func WithReply(method string, reply Reply) Option {
	return func(s *Server) {
		s.replies[method] = reply
	}
}

// WithTool registers an extra tool.
func WithTool(tool mcp.Tool, handler ToolHandler) Option {
	return func(s *Server) {
		s.tools[tool.Name] = tool
		s.handlers[tool.Name] = handler
	}
}

// WithProtocolVersion sets the version reported in the initialize result.
func WithProtocolVersion(version string) Option {
	return func(s *Server) {
		s.protocolVersion = version
	}
}

// WithHandshakeDelay holds back the endpoint event.
func WithHandshakeDelay(d time.Duration) Option {
	return func(s *Server) {
		s.handshakeDelay = d
	}
}

// WithEndpoint overrides the payload of the endpoint event.
func WithEndpoint(endpoint func(id string) string) Option {
	return func(s *Server) {
		s.endpoint = endpoint
	}
}

// WithPreamble sends events of the given type before the endpoint event.
func WithPreamble(eventType, data string) Option {
	return func(s *Server) {
		msg := sse.Message{Type: sse.Type(eventType)}
		msg.AppendData(data)
		s.preamble = append(s.preamble, msg)
	}
}

// WithLogger sets the server's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// Client returns an HTTP client wired to the server.
func (s *Server) Client() *http.Client {
	return s.srv.Client()
}

// SSEURL returns the URL of the handshake stream.
func (s *Server) SSEURL() string {
	return mcp.SSEURL(s.URL)
}

// Received returns a copy of every message posted so far, in arrival order.
func (s *Server) Received() []mcp.JSONRPCMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]mcp.JSONRPCMessage(nil), s.received...)
}

// Episodes returns the episodes accepted by add_memory.
func (s *Server) Episodes() []mcp.Episode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]mcp.Episode(nil), s.episodes...)
}

// Sessions returns the number of sessions whose stream is still open. Sessions whose stream ended keep
// accepting posts, answered inline only.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, sess := range s.sessions {
		if !sess.ended() {
			n++
		}
	}
	return n
}

// Push sends a raw message event on the stream of session id. It reports false when the session is gone.
func (s *Server) Push(id, data string) bool {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	s.mu.Unlock()
	if !ok || sess.ended() {
		return false
	}

	msg := &sse.Message{Type: sse.Type("message")}
	msg.AppendData(data)
	select {
	case sess.out <- msg:
		return true
	case <-sess.end:
		return false
	}
}

// EndStreams closes every open session stream from the server side.
func (s *Server) EndStreams() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		sess.stop()
	}
}

// Close ends all streams and shuts the server down.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.srv.Close()
	})
}

func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	stream, err := sse.Upgrade(w, r)
	if err != nil {
		s.logger.Error("failed to upgrade session", "err", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	for i := range s.preamble {
		if err := stream.Send(&s.preamble[i]); err != nil {
			return
		}
	}
	if len(s.preamble) > 0 {
		if err := stream.Flush(); err != nil {
			return
		}
	}

	if s.handshakeDelay > 0 {
		select {
		case <-time.After(s.handshakeDelay):
		case <-r.Context().Done():
			return
		case <-s.done:
			return
		}
	}

	sess := &session{
		id:  uuid.New().String(),
		out: make(chan *sse.Message, 16),
		end: make(chan struct{}),
	}
	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()
	defer sess.stop()

	endpoint := sse.Message{Type: sse.Type("endpoint")}
	endpoint.AppendData(s.endpoint(sess.id))
	if err := stream.Send(&endpoint); err != nil {
		s.logger.Error("failed to write endpoint", "err", err)
		return
	}
	if err := stream.Flush(); err != nil {
		s.logger.Error("failed to flush endpoint", "err", err)
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.done:
			return
		case <-sess.end:
			return
		case msg := <-sess.out:
			if err := stream.Send(msg); err != nil {
				return
			}
			if err := stream.Flush(); err != nil {
				return
			}
		}
	}
}

func (s *session) stop() {
	s.endOnce.Do(func() { close(s.end) })
}

func (s *session) ended() bool {
	select {
	case <-s.end:
		return true
	default:
		return false
	}
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("session_id")

	s.mu.Lock()
	sess, ok := s.sessions[id]
	s.mu.Unlock()
	if !ok {
		http.Error(w, "Could not find session", http.StatusNotFound)
		return
	}

	var msg mcp.JSONRPCMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		http.Error(w, "Could not parse message", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.received = append(s.received, msg)
	reply := s.replies[msg.Method]
	s.mu.Unlock()

	if msg.ID == "" {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	res := s.respond(msg)
	resBs, err := json.Marshal(res)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	switch reply {
	case ReplyInline:
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(resBs)
	case ReplyStream, ReplyStreamDuplicate:
		w.WriteHeader(http.StatusAccepted)
		s.deliver(sess, resBs)
		if reply == ReplyStreamDuplicate {
			s.deliver(sess, resBs)
		}
	case ReplyStreamEmptyOK:
		w.WriteHeader(http.StatusOK)
		s.deliver(sess, resBs)
	case ReplyAcceptOnly:
		w.WriteHeader(http.StatusAccepted)
	}
}

func (s *Server) deliver(sess *session, data []byte) {
	msg := &sse.Message{Type: sse.Type("message")}
	msg.AppendData(string(data))
	select {
	case sess.out <- msg:
	case <-sess.end:
	case <-s.done:
	}
}

func (s *Server) respond(msg mcp.JSONRPCMessage) mcp.JSONRPCMessage {
	res := mcp.JSONRPCMessage{JSONRPC: mcp.JSONRPCVersion, ID: msg.ID}

	var (
		result any
		rpcErr *mcp.JSONRPCError
	)
	switch msg.Method {
	case mcp.MethodInitialize:
		result = map[string]any{
			"protocolVersion": s.protocolVersion,
			"capabilities":    map[string]any{"tools": map[string]any{"listChanged": false}},
			"serverInfo":      mcp.Info{Name: "mcptest", Version: "1.0.0"},
		}
	case mcp.MethodToolsList:
		s.mu.Lock()
		tools := make([]mcp.Tool, 0, len(s.tools))
		for _, t := range s.tools {
			tools = append(tools, t)
		}
		s.mu.Unlock()
		result = mcp.ListToolsResult{Tools: tools}
	case mcp.MethodToolsCall:
		result, rpcErr = s.callTool(msg.Params)
	default:
		rpcErr = &mcp.JSONRPCError{Code: mcp.CodeMethodNotFound, Message: "Method not found"}
	}

	if rpcErr != nil {
		res.Error = rpcErr
		return res
	}
	resBs, err := json.Marshal(result)
	if err != nil {
		res.Error = &mcp.JSONRPCError{Code: mcp.CodeInternalError, Message: err.Error()}
		return res
	}
	res.Result = resBs
	return res
}

func (s *Server) callTool(params json.RawMessage) (any, *mcp.JSONRPCError) {
	var p mcp.CallToolParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &mcp.JSONRPCError{Code: mcp.CodeInvalidParams, Message: err.Error()}
	}

	s.mu.Lock()
	handler, ok := s.handlers[p.Name]
	s.mu.Unlock()
	if !ok {
		return nil, &mcp.JSONRPCError{Code: mcp.CodeInvalidParams, Message: fmt.Sprintf("Unknown tool: %s", p.Name)}
	}

	result, err := handler(p.Arguments)
	if err != nil {
		return mcp.CallToolResult{
			Content: []mcp.Content{{Type: mcp.ContentTypeText, Text: err.Error()}},
			IsError: true,
		}, nil
	}
	return result, nil
}

func (s *Server) addMemory(args json.RawMessage) (mcp.CallToolResult, error) {
	var ep mcp.Episode
	if err := json.Unmarshal(args, &ep); err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("invalid arguments: %w", err)
	}
	if ep.Name == "" || ep.Body == "" {
		return mcp.CallToolResult{}, fmt.Errorf("name and episode_body are required")
	}

	s.mu.Lock()
	s.episodes = append(s.episodes, ep)
	s.mu.Unlock()

	return mcp.CallToolResult{
		Content: []mcp.Content{{
			Type: mcp.ContentTypeText,
			Text: fmt.Sprintf("Episode '%s' queued for processing", ep.Name),
		}},
	}, nil
}
