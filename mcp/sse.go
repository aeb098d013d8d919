package mcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/tmaxmax/go-sse"
)

// SSEClient resolves sessions from the memory server's Server-Sent Events handshake endpoint. Each call to
// AcquireSession opens a fresh stream, so one SSEClient can hand out any number of independent sessions.
// Use NewSSEClient to build one.
type SSEClient struct {
	httpClient *http.Client
	connectURL string
	logger     *slog.Logger

	maxPayloadSize   int
	handshakeTimeout time.Duration
	eventBuffer      int
}

// SSEClientOption configures an SSEClient.
type SSEClientOption func(*SSEClient)

type handshakeResult struct {
	err error
}

var (
	defaultHandshakeTimeout = 5 * time.Second
	defaultEventBuffer      = 64
)

// NewSSEClient returns a client for the event stream at connectURL. A nil httpClient means
// http.DefaultClient, which the sessions also use for their JSON-RPC posts.
func NewSSEClient(connectURL string, httpClient *http.Client, options ...SSEClientOption) *SSEClient {
	cli := httpClient
	if cli == nil {
		cli = http.DefaultClient
	}
	s := &SSEClient{
		connectURL:       connectURL,
		httpClient:       cli,
		logger:           slog.Default(),
		handshakeTimeout: defaultHandshakeTimeout,
		eventBuffer:      defaultEventBuffer,
	}

	for _, opt := range options {
		opt(s)
	}

	return s
}

// WithSSEClientMaxPayloadSize caps a single event. An oversized event ends the stream with a
// logged error.
func WithSSEClientMaxPayloadSize(size int) SSEClientOption {
	return func(s *SSEClient) {
		s.maxPayloadSize = size
	}
}

// WithSSEClientHandshakeTimeout bounds the wait for the endpoint event.
func WithSSEClientHandshakeTimeout(timeout time.Duration) SSEClientOption {
	return func(s *SSEClient) {
		if timeout > 0 {
			s.handshakeTimeout = timeout
		}
	}
}

// WithSSEClientEventBuffer sets the capacity of a persistent session's inbound event queue.
func WithSSEClientEventBuffer(size int) SSEClientOption {
	return func(s *SSEClient) {
		if size > 0 {
			s.eventBuffer = size
		}
	}
}

// WithSSEClientLogger sets the logger for the client and the sessions it creates.
func WithSSEClientLogger(logger *slog.Logger) SSEClientOption {
	return func(s *SSEClient) {
		s.logger = logger
	}
}

// AcquireSession opens the event stream and waits for the server's endpoint event, which carries the
// session identifier as its session_id query parameter.
//
// In ModeShortLived the stream is closed as soon as the identifier is known; the server may later notice
// the closed stream, which is expected. In ModePersistent a background listener keeps reading and pushes
// every subsequent event onto the returned session's Events channel until Stop is called.
//
// ErrHandshakeTimeout is returned when no endpoint event arrives within the handshake timeout, and
// ErrHandshakeMalformed when the endpoint payload has no parsable session marker.
func (s *SSEClient) AcquireSession(ctx context.Context, mode SessionMode) (*Session, error) {
	// The stream may outlive ctx in persistent mode, so it is cancelled through the session instead.
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	var timedOut atomic.Bool
	timer := time.AfterFunc(s.handshakeTimeout, func() {
		timedOut.Store(true)
		cancel()
	})
	stopWatch := context.AfterFunc(ctx, cancel)
	release := func() {
		timer.Stop()
		stopWatch()
		cancel()
	}

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, s.connectURL, nil)
	if err != nil {
		release()
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		release()
		if timedOut.Load() {
			return nil, fmt.Errorf("%w: no response within %s", ErrHandshakeTimeout, s.handshakeTimeout)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("failed to connect to SSE server: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		release()
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	sess := &Session{
		mode:       mode,
		httpClient: s.httpClient,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	if mode == ModePersistent {
		sess.events = make(chan Event, s.eventBuffer)
	}

	ready := make(chan handshakeResult, 1)
	go s.listen(streamCtx, sess, resp.Body, ready)

	res := <-ready
	// Either stop reports false once the cancellation has already fired, which tears the stream down.
	timerStopped := timer.Stop()
	watchStopped := stopWatch()
	if res.err == nil && (!timerStopped || !watchStopped) {
		res.err = context.Canceled
	}
	if res.err != nil {
		sess.Stop()
		if timedOut.Load() {
			return nil, fmt.Errorf("%w: no endpoint event within %s", ErrHandshakeTimeout, s.handshakeTimeout)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, res.err
	}

	if mode == ModeShortLived {
		// Disposing of the handshake stream is part of the protocol, not an error.
		sess.Stop()
	}

	s.logger.Debug("session acquired",
		slog.String("session", sess.id),
		slog.String("mode", mode.String()),
		slog.String("messageURL", sess.messageURL))

	return sess, nil
}

func (s *SSEClient) listen(ctx context.Context, sess *Session, body io.ReadCloser, ready chan<- handshakeResult) {
	defer func() {
		body.Close()
		if sess.events != nil {
			close(sess.events)
		}
		close(sess.done)
	}()

	var config *sse.ReadConfig
	if s.maxPayloadSize > 0 {
		config = &sse.ReadConfig{
			MaxEventSize: s.maxPayloadSize,
		}
	}

	established := false
	for ev, err := range sse.Read(body, config) {
		if err != nil {
			if !established {
				ready <- handshakeResult{err: fmt.Errorf("%w: %w", ErrHandshakeMalformed, err)}
				return
			}
			if !errors.Is(err, context.Canceled) {
				s.logger.Error("failed to read SSE message", "session", sess.id, "err", err)
			}
			return
		}

		if !established {
			if ev.Type != eventEndpoint {
				// Anything before the endpoint cannot be correlated with a session yet.
				s.logger.Warn("event before endpoint discarded", "type", ev.Type)
				continue
			}
			id, messageURL, err := parseEndpoint(s.connectURL, ev.Data)
			if err != nil {
				ready <- handshakeResult{err: err}
				return
			}
			sess.id = id
			sess.messageURL = messageURL
			sess.establishedAt = time.Now()
			established = true
			ready <- handshakeResult{}

			if sess.mode == ModeShortLived {
				return
			}
			continue
		}

		if ev.Type == eventEndpoint {
			s.logger.Warn("repeated endpoint event ignored", "session", sess.id, "data", ev.Data)
			continue
		}

		select {
		case sess.events <- Event{Type: ev.Type, Data: ev.Data, ReceivedAt: time.Now()}:
		case <-ctx.Done():
			return
		}
	}

	if !established {
		ready <- handshakeResult{err: fmt.Errorf("%w: stream closed before endpoint event", ErrHandshakeMalformed)}
		return
	}
	s.logger.Info("event stream closed", "session", sess.id)
}

// parseEndpoint extracts the session identifier from an endpoint payload such as
// "/messages/?session_id=abc123" and resolves the message URL against the stream URL.
func parseEndpoint(connectURL, data string) (string, string, error) {
	data = strings.TrimSpace(data)
	if data == "" {
		return "", "", fmt.Errorf("%w: empty endpoint payload", ErrHandshakeMalformed)
	}

	ref, err := url.Parse(data)
	if err != nil {
		return "", "", fmt.Errorf("%w: parse endpoint URL: %w", ErrHandshakeMalformed, err)
	}

	query := ref.Query()
	var id string
	for _, key := range []string{"session_id", "sessionId", "sessionID"} {
		if id = query.Get(key); id != "" {
			break
		}
	}
	if id == "" {
		return "", "", fmt.Errorf("%w: no session_id in %q", ErrHandshakeMalformed, data)
	}

	base, err := url.Parse(connectURL)
	if err != nil {
		return "", "", fmt.Errorf("parse connect URL: %w", err)
	}

	return id, base.ResolveReference(ref).String(), nil
}
