// Package verify checks the graph store behind the memory server for the episodes the batch submitted.
package verify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Neo4j queries a Neo4j server through its HTTP transactional endpoint.
type Neo4j struct {
	baseURL    string
	database   string
	user       string
	password   string
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures a Neo4j client.
type Option func(*Neo4j)

// Record is one result row keyed by column.
type Record map[string]any

// Node is a stored node matched by a search.
type Node struct {
	Name      string
	Labels    []string
	CreatedAt string
}

// QueryError is a statement the server rejected.
type QueryError struct {
	Code    string
	Message string
}

// StatusError is an HTTP failure of the endpoint itself.
type StatusError struct {
	Code int
	Body string
}

const (
	// DefaultURL is the HTTP endpoint of a local Neo4j.
	DefaultURL = "http://localhost:7474"
	// DefaultDatabase is the database the memory server writes to.
	DefaultDatabase = "neo4j"
)

type statement struct {
	Statement  string         `json:"statement"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

type commitRequest struct {
	Statements []statement `json:"statements"`
}

type commitResponse struct {
	Results []struct {
		Columns []string `json:"columns"`
		Data    []struct {
			Row []any `json:"row"`
		} `json:"data"`
	} `json:"results"`
	Errors []struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
}

// NewNeo4j returns a client for the server at baseURL, DefaultURL when empty.
func NewNeo4j(baseURL string, options ...Option) *Neo4j {
	if baseURL == "" {
		baseURL = DefaultURL
	}
	n := &Neo4j{
		baseURL:    strings.TrimRight(baseURL, "/"),
		database:   DefaultDatabase,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     slog.Default(),
	}
	for _, opt := range options {
		opt(n)
	}
	return n
}

// WithAuth sets basic auth credentials.
func WithAuth(user, password string) Option {
	return func(n *Neo4j) {
		n.user = user
		n.password = password
	}
}

// WithDatabase sets the database name.
func WithDatabase(database string) Option {
	return func(n *Neo4j) {
		if database != "" {
			n.database = database
		}
	}
}

// WithHTTPClient sets the HTTP client used for requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(n *Neo4j) {
		if hc != nil {
			n.httpClient = hc
		}
	}
}

// WithLogger sets the logger of the client.
func WithLogger(logger *slog.Logger) Option {
	return func(n *Neo4j) {
		n.logger = logger
	}
}

// Query runs statement in its own transaction and returns its rows.
func (n *Neo4j) Query(ctx context.Context, stmt string, params map[string]any) ([]Record, error) {
	payload, err := json.Marshal(commitRequest{Statements: []statement{{Statement: stmt, Parameters: params}}})
	if err != nil {
		return nil, fmt.Errorf("failed to encode statement: %w", err)
	}

	endpoint := fmt.Sprintf("%s/db/%s/tx/commit", n.baseURL, url.PathEscape(n.database))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json;charset=UTF-8")
	if n.user != "" {
		req.SetBasicAuth(n.user, n.password)
	}

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to query neo4j: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var res commitResponse
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(&res); err != nil {
		return nil, fmt.Errorf("failed to decode neo4j response: %w", err)
	}
	if len(res.Errors) > 0 {
		return nil, &QueryError{Code: res.Errors[0].Code, Message: res.Errors[0].Message}
	}
	if len(res.Results) == 0 {
		return nil, nil
	}

	result := res.Results[0]
	records := make([]Record, 0, len(result.Data))
	for _, d := range result.Data {
		rec := make(Record, len(result.Columns))
		for i, col := range result.Columns {
			if i < len(d.Row) {
				rec[col] = d.Row[i]
			}
		}
		records = append(records, rec)
	}

	n.logger.Debug("neo4j query", "rows", len(records))
	return records, nil
}

// Search returns nodes whose name contains term, newest first.
func (n *Neo4j) Search(ctx context.Context, term string, limit int) ([]Node, error) {
	if limit <= 0 {
		limit = 20
	}
	records, err := n.Query(ctx, `MATCH (n) WHERE n.name CONTAINS $term
RETURN n.name AS name, labels(n) AS labels, toString(n.created_at) AS created_at
ORDER BY n.created_at DESC LIMIT $limit`, map[string]any{"term": term, "limit": limit})
	if err != nil {
		return nil, err
	}

	nodes := make([]Node, 0, len(records))
	for _, rec := range records {
		node := Node{Name: rec.Text("name"), CreatedAt: rec.Text("created_at")}
		if labels, ok := rec["labels"].([]any); ok {
			for _, l := range labels {
				if s, ok := l.(string); ok {
					node.Labels = append(node.Labels, s)
				}
			}
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

// Verify reports whether any node's name contains name.
func (n *Neo4j) Verify(ctx context.Context, name string) (bool, error) {
	records, err := n.Query(ctx, "MATCH (n) WHERE n.name CONTAINS $name RETURN count(n) AS matches",
		map[string]any{"name": name})
	if err != nil {
		return false, err
	}
	if len(records) == 0 {
		return false, nil
	}
	return records[0].Int("matches") > 0, nil
}

// Exists reports whether a node is named exactly name.
func (n *Neo4j) Exists(ctx context.Context, name string) (bool, error) {
	records, err := n.Query(ctx, "MATCH (n) WHERE n.name = $name RETURN count(n) AS matches",
		map[string]any{"name": name})
	if err != nil {
		return false, err
	}
	if len(records) == 0 {
		return false, nil
	}
	return records[0].Int("matches") > 0, nil
}

// NodeCount returns the number of nodes in the database.
func (n *Neo4j) NodeCount(ctx context.Context) (int64, error) {
	records, err := n.Query(ctx, "MATCH (n) RETURN count(n) AS total", nil)
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}
	return records[0].Int("total"), nil
}

// Text returns column as a string, empty when absent or null.
func (r Record) Text(column string) string {
	switch v := r[column].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// Int returns column as an integer, zero when absent or not numeric.
func (r Record) Int(column string) int64 {
	switch v := r[column].(type) {
	case json.Number:
		i, err := v.Int64()
		if err != nil {
			f, _ := v.Float64()
			return int64(f)
		}
		return i
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	case string:
		i, _ := strconv.ParseInt(v, 10, 64)
		return i
	default:
		return 0
	}
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("neo4j query failed: %s: %s", e.Code, e.Message)
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("neo4j returned %d: %s", e.Code, e.Body)
}
