package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

// DefaultStatusURL is where the memory server's queue status endpoint usually lives.
const DefaultStatusURL = "http://localhost:8100/queue/status"

// StatusSource reads the server's structured queue status endpoint.
type StatusSource struct {
	url        string
	httpClient *http.Client
	logger     *slog.Logger
}

// StatusSourceOption configures a StatusSource.
type StatusSourceOption func(*StatusSource)

type statusBody struct {
	GroupQueues map[string]groupStatus `json:"group_queues"`
}

type groupStatus struct {
	Size                int               `json:"size"`
	Items               []json.RawMessage `json:"items"`
	WorkerActive        bool              `json:"worker_active"`
	CurrentlyProcessing json.RawMessage   `json:"currently_processing"`
}

// NewStatusSource creates a source reading url, DefaultStatusURL when empty.
func NewStatusSource(url string, options ...StatusSourceOption) *StatusSource {
	if url == "" {
		url = DefaultStatusURL
	}
	s := &StatusSource{
		url:        url,
		httpClient: http.DefaultClient,
		logger:     slog.Default(),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// WithStatusHTTPClient sets the HTTP client used to reach the endpoint.
func WithStatusHTTPClient(client *http.Client) StatusSourceOption {
	return func(s *StatusSource) {
		if client != nil {
			s.httpClient = client
		}
	}
}

// WithStatusLogger sets the logger of the source.
func WithStatusLogger(logger *slog.Logger) StatusSourceOption {
	return func(s *StatusSource) {
		s.logger = logger
	}
}

// Observe fetches the status document. Items may be listed as plain names or as objects carrying a name.
func (s *StatusSource) Observe(ctx context.Context) (Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to query queue status: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Snapshot{}, fmt.Errorf("queue status: unexpected status code %d: %s",
			resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var body statusBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Snapshot{}, fmt.Errorf("failed to decode queue status: %w", err)
	}
	if body.GroupQueues == nil {
		return Snapshot{}, fmt.Errorf("queue status: missing group_queues")
	}

	snap := newSnapshot("status", false)
	for gid, g := range body.GroupQueues {
		st := GroupState{
			Depth:        g.Size,
			WorkerAlive:  g.WorkerActive,
			InFlightItem: itemName(g.CurrentlyProcessing),
		}
		for _, raw := range g.Items {
			if name := itemName(raw); name != "" {
				st.PendingItems = append(st.PendingItems, name)
			}
		}
		if st.Depth < len(st.PendingItems) {
			st.Depth = len(st.PendingItems)
		}
		snap.Groups[gid] = st
	}

	s.logger.Debug("queue status observed", "groups", len(snap.Groups), "depth", snap.Depth())
	return snap, nil
}

func itemName(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var name string
	if err := json.Unmarshal(raw, &name); err == nil {
		return name
	}

	var obj struct {
		Name        string `json:"name"`
		EpisodeName string `json:"episode_name"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		if obj.Name != "" {
			return obj.Name
		}
		return obj.EpisodeName
	}
	return ""
}
