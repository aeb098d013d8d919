package mcp_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/MegaGrindStone/episodic/mcp"
	"github.com/MegaGrindStone/episodic/mcp/mcptest"
)

func TestCorrelatorInlineResponse(t *testing.T) {
	srv, sess := setupSession(t, mcp.ModePersistent)
	corr := mcp.NewCorrelator(sess)
	defer corr.Stop()

	res, err := corr.Submit(context.Background(), listToolsMessage())
	if err != nil {
		t.Fatalf("failed to submit: %v", err)
	}
	if res.Provisional {
		t.Fatal("expected a definitive response")
	}
	if res.StatusCode != http.StatusOK {
		t.Errorf("got status %d, want %d", res.StatusCode, http.StatusOK)
	}

	var tools mcp.ListToolsResult
	if err := json.Unmarshal(res.Message.Result, &tools); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if len(tools.Tools) != 1 || tools.Tools[0].Name != mcp.ToolAddMemory {
		t.Errorf("unexpected tools %+v", tools.Tools)
	}
	if corr.Pending() != 0 {
		t.Errorf("got %d pending requests, want 0", corr.Pending())
	}
	if got := srv.Received(); len(got) != 1 || got[0].ID == "" {
		t.Errorf("expected one request with an assigned id, got %+v", got)
	}
}

func TestCorrelatorStreamResponse(t *testing.T) {
	_, sess := setupSession(t, mcp.ModePersistent,
		mcptest.WithReply(mcp.MethodToolsList, mcptest.ReplyStream))
	corr := mcp.NewCorrelator(sess)
	defer corr.Stop()

	ctx := context.Background()
	res, err := corr.Submit(ctx, listToolsMessage())
	if err != nil {
		t.Fatalf("failed to submit: %v", err)
	}
	if !res.Provisional {
		t.Fatal("expected a provisional response")
	}
	if res.StatusCode != http.StatusAccepted {
		t.Errorf("got status %d, want %d", res.StatusCode, http.StatusAccepted)
	}

	final, err := corr.Await(ctx, string(res.Message.ID))
	if err != nil {
		t.Fatalf("failed to await: %v", err)
	}
	if final.Provisional || final.Message.Result == nil {
		t.Fatalf("expected the stream-delivered result, got %+v", final)
	}
	if final.Message.ID != res.Message.ID {
		t.Errorf("got id %s, want %s", final.Message.ID, res.Message.ID)
	}

	if _, err := corr.Await(ctx, string(res.Message.ID)); err == nil {
		t.Error("expected a second await of the same request to fail")
	}
}

func TestCorrelatorEmptyOKWaitsForStream(t *testing.T) {
	_, sess := setupSession(t, mcp.ModePersistent,
		mcptest.WithReply(mcp.MethodToolsList, mcptest.ReplyStreamEmptyOK))
	corr := mcp.NewCorrelator(sess)
	defer corr.Stop()

	res, err := corr.Submit(context.Background(), listToolsMessage())
	if err != nil {
		t.Fatalf("failed to submit: %v", err)
	}
	if res.Provisional || res.Message.Result == nil {
		t.Fatalf("expected the stream-delivered result, got %+v", res)
	}
}

func TestCorrelatorDuplicateDiscarded(t *testing.T) {
	_, sess := setupSession(t, mcp.ModePersistent,
		mcptest.WithReply(mcp.MethodToolsList, mcptest.ReplyStreamDuplicate))
	corr := mcp.NewCorrelator(sess)
	defer corr.Stop()

	ctx := context.Background()
	for i := range 3 {
		res, err := corr.SubmitAndAwait(ctx, listToolsMessage())
		if err != nil {
			t.Fatalf("request %d: failed: %v", i, err)
		}
		if res.Message.Result == nil {
			t.Fatalf("request %d: expected result", i)
		}
	}
	if corr.Pending() != 0 {
		t.Errorf("got %d pending requests, want 0", corr.Pending())
	}
}

func TestCorrelatorConcurrentDuplicates(t *testing.T) {
	_, sess := setupSession(t, mcp.ModePersistent,
		mcptest.WithReply(mcp.MethodToolsList, mcptest.ReplyStreamDuplicate))
	corr := mcp.NewCorrelator(sess)
	defer corr.Stop()

	const n = 20
	ids := make([]string, n)
	errs := make([]error, n)

	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := corr.SubmitAndAwait(context.Background(), listToolsMessage())
			if err == nil && res.Message.Result == nil {
				err = fmt.Errorf("no result in %+v", res.Message)
			}
			ids[i], errs[i] = string(res.Message.ID), err
		}()
	}
	wg.Wait()

	seen := make(map[string]bool, n)
	for i := range n {
		if errs[i] != nil {
			t.Fatalf("request %d: %v", i, errs[i])
		}
		if seen[ids[i]] {
			t.Fatalf("request %d: id %s resolved twice", i, ids[i])
		}
		seen[ids[i]] = true
	}
	if corr.Pending() != 0 {
		t.Errorf("got %d pending requests, want 0", corr.Pending())
	}
}

func TestCorrelatorForgetsOldResolutions(t *testing.T) {
	_, sess := setupSession(t, mcp.ModePersistent)
	corr := mcp.NewCorrelator(sess, mcp.WithCorrelatorTimeout(50*time.Millisecond))
	defer corr.Stop()

	for range 3 {
		if _, err := corr.SubmitAndAwait(context.Background(), listToolsMessage()); err != nil {
			t.Fatalf("failed to submit: %v", err)
		}
	}
	if got := corr.ResolvedCount(); got != 3 {
		t.Fatalf("got %d resolved ids, want 3", got)
	}

	time.Sleep(100 * time.Millisecond)
	if _, err := corr.SubmitAndAwait(context.Background(), listToolsMessage()); err != nil {
		t.Fatalf("failed to submit: %v", err)
	}
	if got := corr.ResolvedCount(); got != 1 {
		t.Errorf("got %d resolved ids, want only the latest", got)
	}
}

func TestCorrelatorSkipsMalformedEvents(t *testing.T) {
	srv, sess := setupSession(t, mcp.ModePersistent,
		mcptest.WithReply(mcp.MethodToolsList, mcptest.ReplyStream))
	corr := mcp.NewCorrelator(sess)
	defer corr.Stop()

	srv.Push(sess.ID(), "this is not json")
	srv.Push(sess.ID(), `{"jsonrpc":"2.0","id":"unknown-request","result":{}}`)
	srv.Push(sess.ID(), `{"jsonrpc":"2.0","method":"notifications/message","params":{}}`)

	res, err := corr.SubmitAndAwait(context.Background(), listToolsMessage())
	if err != nil {
		t.Fatalf("failed after malformed events: %v", err)
	}
	if res.Message.Result == nil {
		t.Fatal("expected result")
	}
}

func TestCorrelatorTimeout(t *testing.T) {
	_, sess := setupSession(t, mcp.ModePersistent,
		mcptest.WithReply(mcp.MethodToolsList, mcptest.ReplyAcceptOnly))
	corr := mcp.NewCorrelator(sess, mcp.WithCorrelatorTimeout(100*time.Millisecond))
	defer corr.Stop()

	_, err := corr.SubmitAndAwait(context.Background(), listToolsMessage())
	if !errors.Is(err, mcp.ErrCorrelationTimeout) {
		t.Fatalf("got error %v, want %v", err, mcp.ErrCorrelationTimeout)
	}
	if corr.Pending() != 0 {
		t.Errorf("got %d pending requests, want 0", corr.Pending())
	}
}

func TestCorrelatorContextDeadline(t *testing.T) {
	_, sess := setupSession(t, mcp.ModePersistent,
		mcptest.WithReply(mcp.MethodToolsList, mcptest.ReplyAcceptOnly))
	corr := mcp.NewCorrelator(sess)
	defer corr.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := corr.SubmitAndAwait(ctx, listToolsMessage())
	if !errors.Is(err, mcp.ErrCorrelationTimeout) {
		t.Fatalf("got error %v, want %v", err, mcp.ErrCorrelationTimeout)
	}
}

func TestCorrelatorStopCancelsPending(t *testing.T) {
	_, sess := setupSession(t, mcp.ModePersistent,
		mcptest.WithReply(mcp.MethodToolsList, mcptest.ReplyAcceptOnly))
	corr := mcp.NewCorrelator(sess)

	errs := make(chan error, 1)
	go func() {
		_, err := corr.SubmitAndAwait(context.Background(), listToolsMessage())
		errs <- err
	}()

	waitPending(t, corr, 1)
	corr.Stop()

	select {
	case err := <-errs:
		if !errors.Is(err, mcp.ErrCancelled) {
			t.Fatalf("got error %v, want %v", err, mcp.ErrCancelled)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending request not resolved by Stop")
	}

	if _, err := corr.Submit(context.Background(), listToolsMessage()); !errors.Is(err, mcp.ErrCancelled) {
		t.Errorf("got error %v after Stop, want %v", err, mcp.ErrCancelled)
	}
}

func TestCorrelatorStreamEndCancelsPending(t *testing.T) {
	srv, sess := setupSession(t, mcp.ModePersistent,
		mcptest.WithReply(mcp.MethodToolsList, mcptest.ReplyAcceptOnly))
	corr := mcp.NewCorrelator(sess)
	defer corr.Stop()

	errs := make(chan error, 1)
	go func() {
		_, err := corr.SubmitAndAwait(context.Background(), listToolsMessage())
		errs <- err
	}()

	waitPending(t, corr, 1)
	srv.EndStreams()

	select {
	case err := <-errs:
		if !errors.Is(err, mcp.ErrCancelled) {
			t.Fatalf("got error %v, want %v", err, mcp.ErrCancelled)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending request not resolved when the stream ended")
	}
}

func TestCorrelatorShortLivedSession(t *testing.T) {
	_, sess := setupSession(t, mcp.ModeShortLived,
		mcptest.WithReply(mcp.MethodToolsList, mcptest.ReplyStream))
	corr := mcp.NewCorrelator(sess)
	defer corr.Stop()

	res, err := corr.Submit(context.Background(), listToolsMessage())
	if err != nil {
		t.Fatalf("failed to submit: %v", err)
	}
	if !res.Provisional {
		t.Fatal("expected provisional response")
	}

	_, err = corr.Await(context.Background(), string(res.Message.ID))
	if !errors.Is(err, mcp.ErrCorrelationTimeout) {
		t.Fatalf("got error %v, want %v", err, mcp.ErrCorrelationTimeout)
	}
}

func TestCorrelatorNotify(t *testing.T) {
	srv, sess := setupSession(t, mcp.ModePersistent)
	corr := mcp.NewCorrelator(sess)
	defer corr.Stop()

	err := corr.Notify(context.Background(), mcp.JSONRPCMessage{Method: mcp.MethodNotificationsInitialized})
	if err != nil {
		t.Fatalf("failed to notify: %v", err)
	}

	got := srv.Received()
	if len(got) != 1 || got[0].ID != "" || got[0].Method != mcp.MethodNotificationsInitialized {
		t.Errorf("unexpected notification %+v", got)
	}
}

func TestCorrelatorStatusError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /sse", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: endpoint\ndata: /messages/?session_id=abc\n\n")
	})
	mux.HandleFunc("POST /messages/", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	sess, err := mcp.NewSSEClient(srv.URL+"/sse", srv.Client()).AcquireSession(context.Background(), mcp.ModeShortLived)
	if err != nil {
		t.Fatalf("failed to acquire session: %v", err)
	}
	corr := mcp.NewCorrelator(sess)
	defer corr.Stop()

	_, err = corr.Submit(context.Background(), listToolsMessage())
	var statusErr *mcp.StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("got error %v, want *mcp.StatusError", err)
	}
	if statusErr.Code != http.StatusInternalServerError {
		t.Errorf("got status %d, want %d", statusErr.Code, http.StatusInternalServerError)
	}
	if corr.Pending() != 0 {
		t.Errorf("got %d pending requests, want 0", corr.Pending())
	}
}

func setupSession(t *testing.T, mode mcp.SessionMode, options ...mcptest.Option) (*mcptest.Server, *mcp.Session) {
	t.Helper()

	srv := mcptest.NewServer(options...)
	t.Cleanup(srv.Close)

	client := mcp.NewSSEClient(srv.SSEURL(), srv.Client())
	sess, err := client.AcquireSession(context.Background(), mode)
	if err != nil {
		t.Fatalf("failed to acquire session: %v", err)
	}
	t.Cleanup(sess.Stop)

	return srv, sess
}

func listToolsMessage() mcp.JSONRPCMessage {
	return mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		Method:  mcp.MethodToolsList,
		Params:  json.RawMessage(`{}`),
	}
}

func waitPending(t *testing.T, corr *mcp.Correlator, n int) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for corr.Pending() < n {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %d pending requests", n)
		}
		time.Sleep(10 * time.Millisecond)
	}
	// Give the submitter time to move from the POST into the wait.
	time.Sleep(100 * time.Millisecond)
}
