package analysis

import "encoding/json"

// Message is one chat message.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// Tool is a function the model may call.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ToolCall is a function call requested by the model. Arguments is the raw JSON object the model produced.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// Request is one chat completion request. Zero Temperature and MaxTokens fall back to the client's
// settings.
type Request struct {
	Messages    []Message
	Tools       []Tool
	Temperature float32
	MaxTokens   int
}

// Response is the first choice of a chat completion.
type Response struct {
	ID           string
	Model        string
	Content      string
	ToolCalls    []ToolCall
	FinishReason string
	Usage        Usage
}

// Usage is the token accounting of a completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

type chatCompletionRequest struct {
	Model       string       `json:"model"`
	Messages    []Message    `json:"messages"`
	Tools       []openAITool `json:"tools,omitempty"`
	Temperature float32      `json:"temperature,omitempty"`
	MaxTokens   int          `json:"max_tokens,omitempty"`
	Stream      bool         `json:"stream"`
}

type openAITool struct {
	Type     string             `json:"type"`
	Function openAIToolFunction `json:"function"`
}

type openAIToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters"`
}

type openAIToolCall struct {
	ID       string             `json:"id,omitempty"`
	Type     string             `json:"type"`
	Function openAIFunctionCall `json:"function"`
}

type openAIFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type chatCompletionResponse struct {
	ID      string                 `json:"id"`
	Model   string                 `json:"model"`
	Choices []chatCompletionChoice `json:"choices"`
	Usage   Usage                  `json:"usage"`
}

type chatCompletionChoice struct {
	Index        int             `json:"index"`
	Message      responseMessage `json:"message"`
	FinishReason string          `json:"finish_reason"`
}

type responseMessage struct {
	Role      string           `json:"role"`
	Content   *string          `json:"content"`
	ToolCalls []openAIToolCall `json:"tool_calls"`
}

type errorEnvelope struct {
	Error json.RawMessage `json:"error"`
}

// MarshalJSON encodes a tool call in the OpenAI wire shape so assistant messages can be replayed.
func (c ToolCall) MarshalJSON() ([]byte, error) {
	return json.Marshal(openAIToolCall{
		ID:       c.ID,
		Type:     "function",
		Function: openAIFunctionCall{Name: c.Name, Arguments: c.Arguments},
	})
}

// UnmarshalJSON decodes a tool call from the OpenAI wire shape.
func (c *ToolCall) UnmarshalJSON(data []byte) error {
	var raw openAIToolCall
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*c = ToolCall{ID: raw.ID, Name: raw.Function.Name, Arguments: raw.Function.Arguments}
	return nil
}
