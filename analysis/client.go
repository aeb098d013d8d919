// Package analysis talks to an OpenAI-compatible chat completion endpoint, such as a local LM Studio
// server, to describe source files and to draft memory episodes.
package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Client is a chat completion client.
type Client struct {
	baseURL     string
	model       string
	apiKey      string
	temperature float32
	maxTokens   int
	httpClient  *http.Client
	logger      *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// APIError is an error answer of the completion endpoint.
type APIError struct {
	StatusCode int
	Body       string
}

const (
	// DefaultBaseURL is the API root of a local LM Studio server.
	DefaultBaseURL = "http://127.0.0.1:1234/v1"
	// DefaultModel is the model files are analyzed with.
	DefaultModel = "qwen3-32b"
)

// ErrEmptyResponse is a completion without choices.
var ErrEmptyResponse = errors.New("empty completion")

var defaultTimeout = 600 * time.Second

// New returns a client for DefaultBaseURL and DefaultModel.
func New(options ...Option) *Client {
	c := &Client{
		baseURL:    DefaultBaseURL,
		model:      DefaultModel,
		httpClient: &http.Client{Timeout: defaultTimeout},
		logger:     slog.Default(),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// WithBaseURL sets the API root. A URL pointing at the completions endpoint itself is accepted too.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		if baseURL == "" {
			return
		}
		baseURL = strings.TrimRight(baseURL, "/")
		c.baseURL = strings.TrimSuffix(baseURL, "/chat/completions")
	}
}

// WithModel sets the model name.
func WithModel(model string) Option {
	return func(c *Client) {
		if model != "" {
			c.model = model
		}
	}
}

// WithAPIKey sends key as a bearer token.
func WithAPIKey(key string) Option {
	return func(c *Client) {
		c.apiKey = key
	}
}

// WithTemperature sets the default sampling temperature.
func WithTemperature(t float32) Option {
	return func(c *Client) {
		c.temperature = t
	}
}

// WithMaxTokens caps the completion length.
func WithMaxTokens(n int) Option {
	return func(c *Client) {
		c.maxTokens = n
	}
}

// WithHTTPClient sets the HTTP client used for requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithLogger sets the logger of the client.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// Model returns the configured model name.
func (c *Client) Model() string {
	return c.model
}

// Complete runs one non-streaming chat completion and returns its first choice.
func (c *Client) Complete(ctx context.Context, req Request) (Response, error) {
	payload := chatCompletionRequest{
		Model:       c.model,
		Messages:    req.Messages,
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	}
	if req.Temperature != 0 {
		payload.Temperature = req.Temperature
	}
	if req.MaxTokens != 0 {
		payload.MaxTokens = req.MaxTokens
	}
	for _, t := range req.Tools {
		params := t.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		payload.Tools = append(payload.Tools, openAITool{
			Type:     "function",
			Function: openAIToolFunction{Name: t.Name, Description: t.Description, Parameters: params},
		})
	}

	body, err := c.doRequest(ctx, http.MethodPost, "/chat/completions", payload)
	if err != nil {
		return Response{}, err
	}
	defer body.Close()

	var raw chatCompletionResponse
	if err := json.NewDecoder(body).Decode(&raw); err != nil {
		return Response{}, fmt.Errorf("failed to decode completion: %w", err)
	}
	if len(raw.Choices) == 0 {
		return Response{}, ErrEmptyResponse
	}

	choice := raw.Choices[0]
	res := Response{
		ID:           raw.ID,
		Model:        raw.Model,
		FinishReason: choice.FinishReason,
		Usage:        raw.Usage,
	}
	if choice.Message.Content != nil {
		res.Content = *choice.Message.Content
	}
	for _, tc := range choice.Message.ToolCalls {
		res.ToolCalls = append(res.ToolCalls, ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: tc.Function.Arguments})
	}

	c.logger.Debug("completion finished", "model", res.Model, "finish_reason", res.FinishReason,
		"tokens", res.Usage.TotalTokens, "tool_calls", len(res.ToolCalls))

	return res, nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, payload any) (io.ReadCloser, error) {
	buf := &bytes.Buffer{}
	if payload != nil {
		if err := json.NewEncoder(buf).Encode(payload); err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &APIError{StatusCode: resp.StatusCode, Body: apiErrorMessage(data)}
	}

	return resp.Body, nil
}

func (e *APIError) Error() string {
	return fmt.Sprintf("completion endpoint returned %d: %s", e.StatusCode, e.Body)
}

// apiErrorMessage extracts the message of an OpenAI error envelope, falling back to the raw body.
func apiErrorMessage(data []byte) string {
	var env errorEnvelope
	if json.Unmarshal(data, &env) == nil && len(env.Error) > 0 {
		var obj struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(env.Error, &obj) == nil && obj.Message != "" {
			return obj.Message
		}
		var s string
		if json.Unmarshal(env.Error, &s) == nil && s != "" {
			return s
		}
	}
	return strings.TrimSpace(string(data))
}
