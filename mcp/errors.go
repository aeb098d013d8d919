package mcp

import (
	"errors"
	"fmt"
)

var (
	// ErrHandshakeTimeout is returned when the stream yields no endpoint event in time.
	ErrHandshakeTimeout = errors.New("handshake timeout")
	// ErrHandshakeMalformed is returned when the endpoint event carries no usable session marker.
	ErrHandshakeMalformed = errors.New("handshake malformed")
	// ErrCorrelationTimeout is returned when no response arrives for a request within its budget.
	ErrCorrelationTimeout = errors.New("correlation timeout")
	// ErrCorrelationMalformed marks an inbound event that could not be decoded. It is logged, never returned
	// from a request.
	ErrCorrelationMalformed = errors.New("correlation malformed")
	// ErrCancelled is the outcome of a pending request whose session was stopped.
	ErrCancelled = errors.New("request cancelled")
)

// ProtocolError reports a failed or rejected protocol step, or a call made outside the Ready state.
type ProtocolError struct {
	Method string
	State  State
	Err    error
}

// ToolError reports a tool-level rejection: either a JSON-RPC error answer or a result flagged isError.
type ToolError struct {
	Tool   string
	RPC    *JSONRPCError
	Result *CallToolResult
}

// StatusError reports an HTTP status the correlator does not understand.
type StatusError struct {
	Code int
	Body string
}

func (e *ProtocolError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("protocol error on %s: session is %s", e.Method, e.State)
	}
	return fmt.Sprintf("protocol error on %s (session %s): %v", e.Method, e.State, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

func (e *ToolError) Error() string {
	if e.RPC != nil {
		return fmt.Sprintf("tool %s rejected: %v", e.Tool, e.RPC)
	}
	if e.Result != nil {
		return fmt.Sprintf("tool %s failed: %s", e.Tool, e.Result.Text())
	}
	return fmt.Sprintf("tool %s failed", e.Tool)
}

func (e *ToolError) Unwrap() error {
	if e.RPC != nil {
		return e.RPC
	}
	return nil
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status code: %d", e.Code)
	}
	return fmt.Sprintf("unexpected status code: %d: %s", e.Code, e.Body)
}
