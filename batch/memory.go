package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MegaGrindStone/episodic/mcp"
)

// Dialer opens a ready client on a fresh session.
type Dialer func(ctx context.Context) (*mcp.Client, error)

// MCPMemory submits episodes through an MCP client that it opens on first use and reopens after the
// session is lost.
type MCPMemory struct {
	dial   Dialer
	logger *slog.Logger

	mu     sync.Mutex
	client *mcp.Client
}

// MCPMemoryOption configures an MCPMemory.
type MCPMemoryOption func(*MCPMemory)

// NewMCPMemory returns a memory that dials with dial.
func NewMCPMemory(dial Dialer, options ...MCPMemoryOption) *MCPMemory {
	m := &MCPMemory{
		dial:   dial,
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(m)
	}
	return m
}

// WithMCPMemoryLogger sets the logger of the memory.
func WithMCPMemoryLogger(logger *slog.Logger) MCPMemoryOption {
	return func(m *MCPMemory) {
		m.logger = logger
	}
}

// AddMemory submits episode. A call rejected because the client is no longer ready was never sent, so it
// is retried once on a new session. A tool-level rejection keeps the client. Any other failure drops it
// without retrying, since the server may have queued the episode already; the next call dials again.
func (m *MCPMemory) AddMemory(ctx context.Context, episode mcp.Episode) (mcp.ToolResult, error) {
	for attempt := 0; ; attempt++ {
		c, err := m.conn(ctx)
		if err != nil {
			return mcp.ToolResult{}, err
		}

		res, err := c.AddMemory(ctx, episode)
		if err == nil {
			return res, nil
		}

		var protoErr *mcp.ProtocolError
		var toolErr *mcp.ToolError
		switch {
		case errors.As(err, &toolErr):
		case errors.As(err, &protoErr):
			m.drop(c)
			if attempt == 0 {
				m.logger.Warn("session lost, reconnecting", "state", protoErr.State, "err", err)
				continue
			}
		default:
			m.logger.Warn("memory call failed, dropping session", "session", c.SessionID(), "err", err)
			m.drop(c)
		}
		return mcp.ToolResult{}, err
	}
}

// Close closes the current client, if any.
func (m *MCPMemory) Close() error {
	m.mu.Lock()
	c := m.client
	m.client = nil
	m.mu.Unlock()

	if c == nil {
		return nil
	}
	return c.Close()
}

func (m *MCPMemory) conn(ctx context.Context) (*mcp.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.client != nil && m.client.State() == mcp.StateReady {
		return m.client, nil
	}
	if m.client != nil {
		_ = m.client.Close()
		m.client = nil
	}

	c, err := m.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to memory server: %w", err)
	}
	m.logger.Debug("memory session opened", "session", c.SessionID())
	m.client = c

	return c, nil
}

func (m *MCPMemory) drop(c *mcp.Client) {
	m.mu.Lock()
	if m.client == c {
		m.client = nil
	}
	m.mu.Unlock()

	_ = c.Close()
}
