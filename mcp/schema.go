package mcp

import (
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// MustString holds a request ID, which peers may send as a JSON string or number. It is always written
// back as a string.
type MustString string

// JSONRPCMessage is one JSON-RPC 2.0 envelope exchanged with the memory server. Requests carry an ID and a
// method, notifications a method only, and responses an ID with a result or an error.
type JSONRPCMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      MustString      `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

// JSONRPCError is the error member of a failed response.
type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Info names a peer: clientInfo on initialize, serverInfo in its result.
type Info struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ClientCapabilities represents client capabilities sent on initialize.
type ClientCapabilities struct {
	Roots    *RootsCapability    `json:"roots,omitempty"`
	Sampling *SamplingCapability `json:"sampling,omitempty"`
}

// ServerCapabilities represents server capabilities returned by initialize.
type ServerCapabilities struct {
	Prompts   *ListChangedCapability `json:"prompts,omitempty"`
	Resources *ListChangedCapability `json:"resources,omitempty"`
	Tools     *ListChangedCapability `json:"tools,omitempty"`
	Logging   *struct{}              `json:"logging,omitempty"`
}

// RootsCapability is offered by clients that expose filesystem roots.
type RootsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// SamplingCapability is offered by clients that can run model completions for the server.
type SamplingCapability struct{}

// ListChangedCapability is the common shape of the server's list-based capabilities.
type ListChangedCapability struct {
	Subscribe   bool `json:"subscribe,omitempty"`
	ListChanged bool `json:"listChanged,omitempty"`
}

// ListToolsParams asks for one page of tools/list; an empty cursor is the first page.
type ListToolsParams struct {
	Cursor string `json:"cursor,omitempty"`
}

// ListToolsResult represents a page of tools returned by tools/list.
type ListToolsResult struct {
	Tools      []Tool `json:"tools"`
	NextCursor string `json:"nextCursor,omitempty"`
}

// Tool is one entry of tools/list.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// CallToolParams are the params of tools/call.
type CallToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// CallToolResult is the result of tools/call. A tool that ran but failed sets IsError and explains why in
// Content.
type CallToolResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError"`
}

// Content is one part of a tool result. Text parts use Text; image and audio parts carry base64 Data.
type Content struct {
	Type     ContentType `json:"type"`
	Text     string      `json:"text,omitempty"`
	Data     string      `json:"data,omitempty"`
	MimeType string      `json:"mimeType,omitempty"`
}

// ContentType tags a Content part.
type ContentType string

// Episode is the argument set of the memory server's add_memory tool.
type Episode struct {
	Name              string `json:"name"`
	Body              string `json:"episode_body"`
	GroupID           string `json:"group_id,omitempty"`
	Source            string `json:"source,omitempty"`
	SourceDescription string `json:"source_description,omitempty"`
}

type initializeParams struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ClientCapabilities `json:"capabilities"`
	ClientInfo      Info               `json:"clientInfo"`
}

type initializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      Info               `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitempty"`
}

// ContentType values.
const (
	ContentTypeText  ContentType = "text"
	ContentTypeImage ContentType = "image"
	ContentTypeAudio ContentType = "audio"
)

const (
	// JSONRPCVersion is the jsonrpc member of every message.
	JSONRPCVersion = "2.0"

	// MethodInitialize is the method name of the protocol handshake request.
	MethodInitialize = "initialize"
	// MethodNotificationsInitialized is sent once the initialize result has been accepted.
	MethodNotificationsInitialized = "notifications/initialized"
	// MethodToolsList pages through the server's tools.
	MethodToolsList = "tools/list"
	// MethodToolsCall invokes one tool.
	MethodToolsCall = "tools/call"

	// ToolAddMemory is the memory server's episode ingestion tool.
	ToolAddMemory = "add_memory"

	// ProtocolVersion is the protocol revision offered on initialize.
	ProtocolVersion = "2025-03-26"

	// CodeMethodNotFound is the JSON-RPC error code for an unknown method.
	CodeMethodNotFound = -32601
	// CodeInvalidParams is the JSON-RPC error code for rejected parameters.
	CodeInvalidParams = -32602
	// CodeInternalError is the JSON-RPC error code for a server-side failure.
	CodeInternalError = -32603

	eventEndpoint = "endpoint"
	eventMessage  = "message"
)

// supportedProtocolVersions lists the revisions this client accepts in an initialize result.
var supportedProtocolVersions = []string{"2025-03-26", "2024-11-05"}

// UnmarshalJSON accepts a string, an integral number or null, which yields the empty ID.
func (m *MustString) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}

	switch v := v.(type) {
	case nil:
		*m = ""
	case string:
		*m = MustString(v)
	case float64:
		*m = MustString(strconv.FormatInt(int64(v), 10))
	default:
		return fmt.Errorf("invalid type: %T", v)
	}

	return nil
}

// MarshalJSON writes the ID as a JSON string.
func (m MustString) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(m))
}

func (j JSONRPCError) Error() string {
	if j.Data == nil {
		return fmt.Sprintf("request error, code: %d, message: %s", j.Code, j.Message)
	}
	return fmt.Sprintf("request error, code: %d, message: %s, data: %v", j.Code, j.Message, j.Data)
}

// Text joins the text parts of the result content.
func (r CallToolResult) Text() string {
	parts := make([]string, 0, len(r.Content))
	for _, c := range r.Content {
		if c.Type == ContentTypeText && c.Text != "" {
			parts = append(parts, c.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// isResponse reports whether the message answers a request.
func (m JSONRPCMessage) isResponse() bool {
	return m.ID != "" && m.Method == "" && (m.Result != nil || m.Error != nil)
}

func protocolVersionSupported(version string) bool {
	return slices.Contains(supportedProtocolVersions, version)
}
