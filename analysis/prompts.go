package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/MegaGrindStone/episodic/mcp"
)

var thinkBlock = regexp.MustCompile(`(?s)<think>.*?</think>`)

const summarizePrompt = `Please analyze this file and provide a concise summary of what it does:

File: %s
Content:
%s

Please provide a brief summary of:
1. What this file does
2. Key functions/classes
3. Purpose in the project
4. Any important details

Keep it concise but informative.`

// AddMemoryTool is the function offered to the model when it drafts an episode.
var AddMemoryTool = Tool{
	Name:        mcp.ToolAddMemory,
	Description: "Add a memory episode to the remote Graphiti server.",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"name":         map[string]any{"type": "string", "description": "The name of the memory episode."},
			"episode_body": map[string]any{"type": "string", "description": "The content to store in memory."},
		},
		"required": []string{"name", "episode_body"},
	},
}

// ErrNoEpisode is a draft the model left empty.
var ErrNoEpisode = errors.New("model produced no episode")

// Summarize describes a source file. The content is passed as is; callers bound its size.
func (c *Client) Summarize(ctx context.Context, ref, content string) (string, error) {
	res, err := c.Complete(ctx, Request{
		Messages: []Message{{Role: RoleUser, Content: fmt.Sprintf(summarizePrompt, ref, content)}},
	})
	if err != nil {
		return "", fmt.Errorf("failed to summarize %s: %w", ref, err)
	}

	summary := StripReasoning(res.Content)
	if summary == "" {
		return "", fmt.Errorf("failed to summarize %s: %w", ref, ErrEmptyResponse)
	}
	return summary, nil
}

// ProposeEpisode asks the model to turn instruction into an add_memory call. When the model answers in
// plain text instead, that text becomes the body of an episode with an empty name.
func (c *Client) ProposeEpisode(ctx context.Context, instruction string) (mcp.Episode, error) {
	res, err := c.Complete(ctx, Request{
		Messages: []Message{{Role: RoleUser, Content: instruction}},
		Tools:    []Tool{AddMemoryTool},
	})
	if err != nil {
		return mcp.Episode{}, fmt.Errorf("failed to draft episode: %w", err)
	}

	for _, call := range res.ToolCalls {
		if call.Name != mcp.ToolAddMemory {
			c.logger.Debug("ignoring tool call", "tool", call.Name)
			continue
		}
		var ep mcp.Episode
		if err := json.Unmarshal([]byte(call.Arguments), &ep); err != nil {
			return mcp.Episode{}, fmt.Errorf("failed to decode %s arguments: %w", call.Name, err)
		}
		if ep.Body == "" {
			return mcp.Episode{}, ErrNoEpisode
		}
		return ep, nil
	}

	body := StripReasoning(res.Content)
	if body == "" {
		return mcp.Episode{}, ErrNoEpisode
	}
	return mcp.Episode{Body: body}, nil
}

// StripReasoning removes <think> blocks some local models emit before their answer. An unterminated block
// swallows the rest of the text.
func StripReasoning(s string) string {
	s = thinkBlock.ReplaceAllString(s, "")
	if i := strings.Index(s, "<think>"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
