package mcp

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// SessionMode selects what happens to the handshake stream once the session identifier is known.
type SessionMode int

// State is the protocol state of a Client.
type State int

// Event is one Server-Sent Event received on a persistent session after the handshake.
type Event struct {
	Type       string
	Data       string
	ReceivedAt time.Time
}

// Session is a server-assigned processing context obtained from the SSE handshake. All JSON-RPC requests
// of a session are posted to its message URL. A persistent session also owns the handshake stream and
// exposes every later event on its Events channel; that stream is never shared with another session.
//
// Sessions are created by SSEClient.AcquireSession and released with Stop.
type Session struct {
	id            string
	messageURL    string
	establishedAt time.Time
	mode          SessionMode
	httpClient    *http.Client

	events   chan Event
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

const (
	// ModeShortLived closes the handshake stream right after the session identifier is extracted.
	ModeShortLived SessionMode = iota
	// ModePersistent keeps the handshake stream open as the session's inbound event channel.
	ModePersistent
)

const (
	// StateNew is the state of a client that has not sent initialize yet.
	StateNew State = iota
	// StateInitializing is the state while the initialize request is outstanding.
	StateInitializing
	// StateReady is the only state that accepts tool calls.
	StateReady
	// StateClosed is the state after Close or after the session stream ended.
	StateClosed
	// StateFailed is the state after a failed initialize.
	StateFailed
)

// ID returns the opaque session identifier assigned by the server.
func (s *Session) ID() string { return s.id }

// MessageURL returns the absolute URL JSON-RPC requests of this session are posted to.
func (s *Session) MessageURL() string { return s.messageURL }

// EstablishedAt returns the time the endpoint event was received.
func (s *Session) EstablishedAt() time.Time { return s.establishedAt }

// Mode returns the mode the session was acquired with.
func (s *Session) Mode() SessionMode { return s.mode }

// Events returns the inbound event channel. It is nil for short-lived sessions and is closed when the
// stream ends or the session is stopped.
func (s *Session) Events() <-chan Event { return s.events }

// Done is closed once the session's stream has been released.
func (s *Session) Done() <-chan struct{} { return s.done }

// Stop releases the stream and waits for the listener to exit. It is safe to call more than once.
func (s *Session) Stop() {
	s.stopOnce.Do(s.cancel)
	<-s.done
}

func (s *Session) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (m SessionMode) String() string {
	switch m {
	case ModeShortLived:
		return "short-lived"
	case ModePersistent:
		return "persistent"
	default:
		return "unknown"
	}
}

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}
