package analysis_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MegaGrindStone/episodic/analysis"
	"github.com/MegaGrindStone/episodic/mcp"
)

type capture struct {
	path   string
	auth   string
	params map[string]any
}

func newCompletionServer(t *testing.T, status int, reply string) (*httptest.Server, *capture) {
	t.Helper()
	got := &capture{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.path = r.URL.Path
		got.auth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got.params)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, reply)
	}))
	t.Cleanup(srv.Close)
	return srv, got
}

func newClient(srv *httptest.Server, options ...analysis.Option) *analysis.Client {
	options = append([]analysis.Option{
		analysis.WithBaseURL(srv.URL + "/v1"),
		analysis.WithHTTPClient(srv.Client()),
		analysis.WithLogger(slog.New(slog.DiscardHandler)),
	}, options...)
	return analysis.New(options...)
}

func textReply(content string) string {
	bs, _ := json.Marshal(map[string]any{
		"id":    "chatcmpl-1",
		"model": "qwen3-32b",
		"choices": []any{map[string]any{
			"index":         0,
			"message":       map[string]any{"role": "assistant", "content": content},
			"finish_reason": "stop",
		}},
		"usage": map[string]any{"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15},
	})
	return string(bs)
}

func toolReply(name, arguments string) string {
	bs, _ := json.Marshal(map[string]any{
		"id": "chatcmpl-2",
		"choices": []any{map[string]any{
			"message": map[string]any{
				"role":    "assistant",
				"content": nil,
				"tool_calls": []any{map[string]any{
					"id":       "call_1",
					"type":     "function",
					"function": map[string]any{"name": name, "arguments": arguments},
				}},
			},
			"finish_reason": "tool_calls",
		}},
	})
	return string(bs)
}

func TestComplete(t *testing.T) {
	srv, got := newCompletionServer(t, http.StatusOK, toolReply("add_memory", `{"name":"a","episode_body":"b"}`))
	c := newClient(srv, analysis.WithModel("local-model"), analysis.WithAPIKey("secret"), analysis.WithMaxTokens(256))

	res, err := c.Complete(context.Background(), analysis.Request{
		Messages: []analysis.Message{{Role: analysis.RoleUser, Content: "remember this"}},
		Tools:    []analysis.Tool{analysis.AddMemoryTool},
	})
	require.NoError(t, err)

	assert.Equal(t, "/v1/chat/completions", got.path)
	assert.Equal(t, "Bearer secret", got.auth)
	assert.Equal(t, "local-model", got.params["model"])
	assert.Equal(t, false, got.params["stream"])
	assert.EqualValues(t, 256, got.params["max_tokens"])

	tools, ok := got.params["tools"].([]any)
	require.True(t, ok)
	require.Len(t, tools, 1)
	fn := tools[0].(map[string]any)["function"].(map[string]any)
	assert.Equal(t, "add_memory", fn["name"])

	assert.Empty(t, res.Content)
	assert.Equal(t, "tool_calls", res.FinishReason)
	require.Len(t, res.ToolCalls, 1)
	assert.Equal(t, analysis.ToolCall{ID: "call_1", Name: "add_memory", Arguments: `{"name":"a","episode_body":"b"}`},
		res.ToolCalls[0])
}

func TestCompleteErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		reply   string
		wantAPI *analysis.APIError
		wantErr error
	}{
		{
			name:    "openai error envelope",
			status:  http.StatusBadRequest,
			reply:   `{"error":{"message":"model not loaded","type":"invalid_request_error"}}`,
			wantAPI: &analysis.APIError{StatusCode: 400, Body: "model not loaded"},
		},
		{
			name:    "string error",
			status:  http.StatusNotFound,
			reply:   `{"error":"Unexpected endpoint or method."}`,
			wantAPI: &analysis.APIError{StatusCode: 404, Body: "Unexpected endpoint or method."},
		},
		{
			name:    "plain body",
			status:  http.StatusBadGateway,
			reply:   "upstream down\n",
			wantAPI: &analysis.APIError{StatusCode: 502, Body: "upstream down"},
		},
		{
			name:    "no choices",
			status:  http.StatusOK,
			reply:   `{"id":"x","choices":[]}`,
			wantErr: analysis.ErrEmptyResponse,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := newCompletionServer(t, tt.status, tt.reply)
			_, err := newClient(srv).Complete(context.Background(), analysis.Request{
				Messages: []analysis.Message{{Role: analysis.RoleUser, Content: "hi"}},
			})
			require.Error(t, err)

			if tt.wantAPI != nil {
				var apiErr *analysis.APIError
				require.True(t, errors.As(err, &apiErr))
				assert.Equal(t, tt.wantAPI, apiErr)
			}
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestWithBaseURLAcceptsEndpoint(t *testing.T) {
	srv, got := newCompletionServer(t, http.StatusOK, textReply("ok"))
	c := newClient(srv, analysis.WithBaseURL(srv.URL+"/v1/chat/completions/"))

	_, err := c.Complete(context.Background(), analysis.Request{})
	require.NoError(t, err)
	assert.Equal(t, "/v1/chat/completions", got.path)
}

func TestSummarize(t *testing.T) {
	srv, got := newCompletionServer(t, http.StatusOK,
		textReply("<think>\nThe user wants a summary.\n</think>\n\nDefines the queue monitor."))

	summary, err := newClient(srv).Summarize(context.Background(), "/src/queue.go", "package queue")
	require.NoError(t, err)
	assert.Equal(t, "Defines the queue monitor.", summary)

	msgs := got.params["messages"].([]any)
	require.Len(t, msgs, 1)
	prompt := msgs[0].(map[string]any)["content"].(string)
	assert.Contains(t, prompt, "File: /src/queue.go")
	assert.Contains(t, prompt, "Content:\npackage queue\n")
	assert.NotContains(t, got.params, "tools")
}

func TestSummarizeEmpty(t *testing.T) {
	srv, _ := newCompletionServer(t, http.StatusOK, textReply("<think>only thoughts</think>"))

	_, err := newClient(srv).Summarize(context.Background(), "a.go", "x")
	assert.ErrorIs(t, err, analysis.ErrEmptyResponse)
}

func TestProposeEpisode(t *testing.T) {
	tests := []struct {
		name    string
		reply   string
		want    mcp.Episode
		wantErr error
	}{
		{
			name:  "tool call",
			reply: toolReply("add_memory", `{"name":"/src/a.go","episode_body":"Defines A."}`),
			want:  mcp.Episode{Name: "/src/a.go", Body: "Defines A."},
		},
		{
			name:  "plain text",
			reply: textReply("<think>hm</think>Defines A."),
			want:  mcp.Episode{Body: "Defines A."},
		},
		{
			name:    "empty tool call",
			reply:   toolReply("add_memory", `{"name":"/src/a.go"}`),
			wantErr: analysis.ErrNoEpisode,
		},
		{
			name:    "other tool and no text",
			reply:   toolReply("search", `{}`),
			wantErr: analysis.ErrNoEpisode,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := newCompletionServer(t, http.StatusOK, tt.reply)

			ep, err := newClient(srv).ProposeEpisode(context.Background(), "Please add a memory")
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, ep)
		})
	}
}

func TestProposeEpisodeBadArguments(t *testing.T) {
	srv, _ := newCompletionServer(t, http.StatusOK, toolReply("add_memory", `{"name":`))

	_, err := newClient(srv).ProposeEpisode(context.Background(), "x")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "add_memory arguments"))
}

func TestStripReasoning(t *testing.T) {
	tests := map[string]string{
		"plain":                               "plain",
		"<think>a</think>b":                   "b",
		"<think>a</think>b<think>c</think> d": "b d",
		"answer <think>cut off":               "answer",
		"  \n<think>\nx\n</think>\n\n y ":     "y",
	}
	for in, want := range tests {
		assert.Equal(t, want, analysis.StripReasoning(in), in)
	}
}

func TestToolCallJSON(t *testing.T) {
	msg := analysis.Message{
		Role:      analysis.RoleAssistant,
		ToolCalls: []analysis.ToolCall{{ID: "call_1", Name: "add_memory", Arguments: "{}"}},
	}
	bs, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"role":"assistant","content":"","tool_calls":[{"id":"call_1","type":"function","function":{"name":"add_memory","arguments":"{}"}}]}`,
		string(bs))

	var back analysis.Message
	require.NoError(t, json.Unmarshal(bs, &back))
	assert.Equal(t, msg, back)
}
