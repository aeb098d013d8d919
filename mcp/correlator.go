package mcp

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
	"sync"
	"time"

	"github.com/google/uuid"
)

// Correlator matches JSON-RPC requests posted on a session with their responses, which arrive either in
// the HTTP response body or later as an event on the session's inbound stream. One dispatcher goroutine
// reads the stream of a persistent session and routes each response to its pending request.
//
// Every request is fulfilled at most once. Later deliveries for the same ID are logged and discarded.
type Correlator struct {
	sess         *Session
	httpClient   *http.Client
	logger       *slog.Logger
	timeout      time.Duration
	writeTimeout time.Duration

	mu       sync.Mutex
	pending  map[string]*PendingRequest
	resolved map[string]time.Time
	stopped  bool

	dispatcherDone chan struct{}
}

// CorrelatorOption represents the options for the Correlator.
type CorrelatorOption func(*Correlator)

// PendingRequest is a request that has been posted and waits for its response.
type PendingRequest struct {
	ID          string
	Method      string
	SubmittedAt time.Time

	provisional bool
	awaiting    bool
	fulfilled   bool
	completion  chan completion
}

// Response is the outcome of a submitted request. A provisional response only means the server queued
// the request (HTTP 202); Message then carries nothing but the request ID.
type Response struct {
	Message     JSONRPCMessage
	Provisional bool
	StatusCode  int
}

type completion struct {
	res Response
	err error
}

var (
	defaultRequestTimeout = 30 * time.Second
	defaultWriteTimeout   = 30 * time.Second

	maxReplySize int64 = 4 << 20
)

// NewCorrelator creates a correlator for sess. For persistent sessions it starts the dispatcher that
// consumes sess.Events until the stream ends.
func NewCorrelator(sess *Session, options ...CorrelatorOption) *Correlator {
	c := &Correlator{
		sess:           sess,
		httpClient:     sess.httpClient,
		logger:         slog.Default(),
		timeout:        defaultRequestTimeout,
		writeTimeout:   defaultWriteTimeout,
		pending:        make(map[string]*PendingRequest),
		resolved:       make(map[string]time.Time),
		dispatcherDone: make(chan struct{}),
	}
	for _, opt := range options {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = http.DefaultClient
	}

	if sess.Events() != nil {
		go c.dispatch()
	} else {
		close(c.dispatcherDone)
	}

	return c
}

// WithCorrelatorTimeout bounds the wait for an asynchronous response.
func WithCorrelatorTimeout(timeout time.Duration) CorrelatorOption {
	return func(c *Correlator) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// WithCorrelatorWriteTimeout bounds each HTTP POST.
func WithCorrelatorWriteTimeout(timeout time.Duration) CorrelatorOption {
	return func(c *Correlator) {
		if timeout > 0 {
			c.writeTimeout = timeout
		}
	}
}

// WithCorrelatorLogger sets the logger for the correlator.
func WithCorrelatorLogger(logger *slog.Logger) CorrelatorOption {
	return func(c *Correlator) {
		c.logger = logger
	}
}

// Submit posts msg and returns as soon as its outcome is known to the HTTP exchange:
//   - 202 Accepted yields a provisional response without waiting; the request stays registered so
//     Await can still collect the response from the stream.
//   - 200 with a JSON-RPC body answering the request resolves it immediately.
//   - 200 or 204 without such a body waits for the response on the inbound stream.
//
// A message without an ID gets a fresh one. Any other status is returned as a *StatusError.
func (c *Correlator) Submit(ctx context.Context, msg JSONRPCMessage) (Response, error) {
	if msg.ID == "" {
		msg.ID = MustString(uuid.New().String())
	}
	msg.JSONRPC = JSONRPCVersion

	p, err := c.register(msg)
	if err != nil {
		return Response{}, err
	}

	status, body, err := c.post(ctx, msg)
	if err != nil {
		c.forget(p.ID)
		return Response{}, err
	}

	switch status {
	case http.StatusAccepted:
		c.mu.Lock()
		p.provisional = true
		c.mu.Unlock()
		c.logger.Debug("request accepted", "id", p.ID, "method", p.Method)
		return Response{
			Message:     JSONRPCMessage{JSONRPC: JSONRPCVersion, ID: msg.ID},
			Provisional: true,
			StatusCode:  status,
		}, nil
	case http.StatusOK, http.StatusNoContent:
		if reply, ok := c.decodeReply(body, p.ID); ok {
			res := Response{Message: reply, StatusCode: status}
			c.resolve(p.ID, completion{res: res})
			c.forget(p.ID)
			return res, nil
		}
		res, err := c.await(ctx, p)
		if err == nil && res.StatusCode == 0 {
			res.StatusCode = status
		}
		return res, err
	default:
		c.forget(p.ID)
		return Response{}, &StatusError{Code: status, Body: strings.TrimSpace(string(body))}
	}
}

// Await waits for the response to a request previously submitted with a provisional outcome.
// ErrCorrelationTimeout is returned when nothing arrives within the request timeout or before the
// deadline of ctx.
func (c *Correlator) Await(ctx context.Context, id string) (Response, error) {
	c.mu.Lock()
	p, ok := c.pending[id]
	_, done := c.resolved[id]
	c.mu.Unlock()

	if !ok {
		if done {
			return Response{}, fmt.Errorf("request %s already resolved", id)
		}
		return Response{}, fmt.Errorf("%w: no pending request %s", ErrCorrelationTimeout, id)
	}

	return c.await(ctx, p)
}

// SubmitAndAwait submits msg and, when the server only accepted it, waits for the real response.
func (c *Correlator) SubmitAndAwait(ctx context.Context, msg JSONRPCMessage) (Response, error) {
	res, err := c.Submit(ctx, msg)
	if err != nil || !res.Provisional {
		return res, err
	}
	return c.Await(ctx, string(res.Message.ID))
}

// Notify posts a notification. Notifications carry no ID and are never correlated.
func (c *Correlator) Notify(ctx context.Context, msg JSONRPCMessage) error {
	msg.JSONRPC = JSONRPCVersion
	msg.ID = ""

	c.mu.Lock()
	stopped := c.stopped
	c.mu.Unlock()
	if stopped {
		return ErrCancelled
	}

	status, body, err := c.post(ctx, msg)
	if err != nil {
		return err
	}
	switch status {
	case http.StatusOK, http.StatusAccepted, http.StatusNoContent:
		return nil
	default:
		return &StatusError{Code: status, Body: strings.TrimSpace(string(body))}
	}
}

// Stop resolves every pending request with ErrCancelled and rejects later submissions. It does not
// release the session; the session owner does that.
func (c *Correlator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return
	}
	c.stopped = true
	c.cancelPendingLocked()
}

// wait blocks until the dispatcher has exited, which happens once the session stream is released.
func (c *Correlator) wait() {
	<-c.dispatcherDone
}

// Pending returns the number of requests still waiting for a response.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, p := range c.pending {
		if !p.fulfilled {
			n++
		}
	}
	return n
}

func (c *Correlator) register(msg JSONRPCMessage) (*PendingRequest, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return nil, ErrCancelled
	}

	id := string(msg.ID)
	if _, ok := c.pending[id]; ok {
		return nil, fmt.Errorf("request id %s is already in use", id)
	}
	if _, ok := c.resolved[id]; ok {
		return nil, fmt.Errorf("request id %s was already used in this session", id)
	}

	now := time.Now()
	for pid, p := range c.pending {
		if p.provisional && !p.awaiting && now.Sub(p.SubmittedAt) > c.timeout {
			c.logger.Debug("dropping unawaited provisional request", "id", pid, "method", p.Method)
			delete(c.pending, pid)
		}
	}
	// A duplicate older than the timeout is discarded as unknown instead.
	for rid, at := range c.resolved {
		if now.Sub(at) > c.timeout {
			delete(c.resolved, rid)
		}
	}

	p := &PendingRequest{
		ID:          id,
		Method:      msg.Method,
		SubmittedAt: now,
		completion:  make(chan completion, 1),
	}
	c.pending[id] = p

	return p, nil
}

func (c *Correlator) forget(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, id)
}

// resolve fulfills the pending request id. It reports false when the request is unknown or was already
// fulfilled. The entry stays registered until its outcome is collected, so a response that overtakes
// the HTTP reply of its own request is not lost.
func (c *Correlator) resolve(id string, comp completion) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.resolved[id]; ok {
		return false
	}
	p, ok := c.pending[id]
	if !ok || p.fulfilled {
		return false
	}

	c.resolved[id] = time.Now()
	p.fulfilled = true
	p.completion <- comp

	return true
}

func (c *Correlator) cancelPendingLocked() {
	for id, p := range c.pending {
		delete(c.pending, id)
		if p.fulfilled {
			continue
		}
		p.fulfilled = true
		p.completion <- completion{err: ErrCancelled}
	}
}

func (c *Correlator) await(ctx context.Context, p *PendingRequest) (Response, error) {
	if c.sess.Events() == nil {
		c.forget(p.ID)
		return Response{}, fmt.Errorf("%w: session %s has no inbound channel", ErrCorrelationTimeout, c.sess.ID())
	}

	c.mu.Lock()
	p.awaiting = true
	c.mu.Unlock()

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case comp := <-p.completion:
		c.forget(p.ID)
		return comp.res, comp.err
	case <-timer.C:
		c.forget(p.ID)
		return Response{}, fmt.Errorf("%w: %s %s after %s", ErrCorrelationTimeout, p.Method, p.ID, c.timeout)
	case <-ctx.Done():
		c.forget(p.ID)
		err := ctx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			return Response{}, fmt.Errorf("%w: %s %s: %w", ErrCorrelationTimeout, p.Method, p.ID, err)
		}
		return Response{}, err
	}
}

func (c *Correlator) post(ctx context.Context, msg JSONRPCMessage) (int, []byte, error) {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to marshal message: %w", err)
	}

	sCtx, sCancel := context.WithTimeout(ctx, c.writeTimeout)
	defer sCancel()

	req, err := http.NewRequestWithContext(sCtx, http.MethodPost, c.sess.MessageURL(), bytes.NewReader(msgBs))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to send message: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxReplySize))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read response: %w", err)
	}

	return resp.StatusCode, body, nil
}

func (c *Correlator) decodeReply(body []byte, id string) (JSONRPCMessage, bool) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 || body[0] != '{' {
		return JSONRPCMessage{}, false
	}

	var msg JSONRPCMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		c.logger.Warn("ignoring undecodable response body", "id", id, "err", err)
		return JSONRPCMessage{}, false
	}
	if !msg.isResponse() {
		return JSONRPCMessage{}, false
	}
	if string(msg.ID) != id {
		c.logger.Warn("response body answers another request", "id", id, "got", msg.ID)
		return JSONRPCMessage{}, false
	}

	return msg, true
}

func (c *Correlator) dispatch() {
	defer close(c.dispatcherDone)

	for ev := range c.sess.Events() {
		if ev.Type != "" && ev.Type != eventMessage {
			c.logger.Debug("unhandled event type", "session", c.sess.ID(), "type", ev.Type)
			continue
		}

		var msg JSONRPCMessage
		if err := json.Unmarshal([]byte(ev.Data), &msg); err != nil {
			c.logger.Warn("skipping inbound event",
				"session", c.sess.ID(),
				"err", fmt.Errorf("%w: %w", ErrCorrelationMalformed, err))
			continue
		}

		if !msg.isResponse() {
			c.logger.Debug("server message ignored", "session", c.sess.ID(), "method", msg.Method)
			continue
		}

		id := string(msg.ID)
		if c.resolve(id, completion{res: Response{Message: msg}}) {
			continue
		}

		c.mu.Lock()
		_, duplicate := c.resolved[id]
		c.mu.Unlock()
		if duplicate {
			c.logger.Warn("duplicate response discarded", "session", c.sess.ID(), "id", id)
			continue
		}
		c.logger.Warn("response for unknown request discarded", "session", c.sess.ID(), "id", id)
	}

	// The stream is gone; nothing can fulfill the remaining requests.
	c.mu.Lock()
	c.cancelPendingLocked()
	c.mu.Unlock()
}
