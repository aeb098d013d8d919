package cmd

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MegaGrindStone/episodic/config"
	"github.com/MegaGrindStone/episodic/internal/version"
	"github.com/MegaGrindStone/episodic/mcp/mcptest"
)

func executeCLI(t *testing.T, args ...string) (string, string, error) {
	t.Helper()

	root := newRootCmd()
	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetArgs(args)

	err := root.Execute()
	return stdout.String(), stderr.String(), err
}

// isolate keeps the user's config file and environment out of the test.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Chdir(dir)
	t.Setenv("EPISODIC_LOG_FORMAT", "json")
	t.Setenv("EPISODIC_RESOURCE_SAMPLER", config.SamplerNone)
	return dir
}

func writeFiles(t *testing.T, dir string, names ...string) (string, []string) {
	t.Helper()
	paths := make([]string, 0, len(names))
	for _, name := range names {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte("package "+strings.TrimSuffix(name, ".go")+"\n"), 0o644))
		paths = append(paths, p)
	}
	list := filepath.Join(dir, "file_list.txt")
	require.NoError(t, os.WriteFile(list, []byte(strings.Join(paths, "\n")+"\n"), 0o644))
	return list, paths
}

func newModelServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"1","choices":[{"message":{"role":"assistant","content":"A summary."},`+
			`"finish_reason":"stop"}]}`)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// newStoreServer answers verification queries from the episodes mem received.
func newStoreServer(t *testing.T, mem *mcptest.Server) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Statements []struct {
				Parameters map[string]any `json:"parameters"`
			} `json:"statements"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)

		matches := 0
		if len(req.Statements) == 1 {
			name, _ := req.Statements[0].Parameters["name"].(string)
			for _, ep := range mem.Episodes() {
				if name != "" && strings.Contains(ep.Name, name) {
					matches++
				}
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"results": []any{map[string]any{
				"columns": []string{"matches"},
				"data":    []any{map[string]any{"row": []int{matches}}},
			}},
			"errors": []any{},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

// newQueueServer reports every new episode as pending once and as gone afterwards.
func newQueueServer(t *testing.T, mem *mcptest.Server) *httptest.Server {
	t.Helper()
	var mu sync.Mutex
	reported := make(map[string]bool)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		groups := make(map[string]any)
		for _, ep := range mem.Episodes() {
			var items []string
			if !reported[ep.Name] {
				reported[ep.Name] = true
				items = append(items, ep.Name)
			}
			groups[ep.GroupID] = map[string]any{"size": len(items), "items": items, "worker_active": true}
		}
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"group_queues": groups})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newMemoryServer(t *testing.T) *mcptest.Server {
	t.Helper()
	srv := mcptest.NewServer()
	t.Cleanup(srv.Close)
	return srv
}

func TestVersion(t *testing.T) {
	stdout, _, err := executeCLI(t, "version")
	require.NoError(t, err)
	assert.Equal(t, version.Version+"\n", stdout)
}

func TestConfigInitAndShow(t *testing.T) {
	dir := isolate(t)
	t.Setenv("EPISODIC_ANALYSIS_MODEL", "llama-3")

	stdout, _, err := executeCLI(t, "config", "init", "--group-id", "repo")
	require.NoError(t, err)
	assert.Contains(t, stdout, "wrote episodic.toml")

	_, _, err = executeCLI(t, "config", "init")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	stdout, _, err = executeCLI(t, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, stdout, "# read from "+filepath.Join(dir, "episodic.toml"))
	assert.Regexp(t, `group_id = ['"]repo['"]`, stdout)
	assert.Regexp(t, `model = ['"]llama-3['"]`, stdout)

	cfg, err := config.Load(nil, filepath.Join(dir, "episodic.toml"))
	require.NoError(t, err)
	assert.Equal(t, "repo", cfg.Memory.GroupID)
}

func TestConfigInvalid(t *testing.T) {
	isolate(t)
	t.Setenv("EPISODIC_QUEUE_TIMEOUT", "soon")

	_, _, err := executeCLI(t, "config", "show")
	assert.ErrorIs(t, err, config.ErrInvalid)
}

func TestRunDryRun(t *testing.T) {
	dir := isolate(t)
	list, paths := writeFiles(t, dir, "a.go", "b.go")

	stdout, _, err := executeCLI(t, "run", "--dry-run", "--file-list", list, "--memory-url", "http://127.0.0.1:1")
	require.NoError(t, err)
	assert.Contains(t, stdout, paths[0])
	assert.Contains(t, stdout, paths[1])
	assert.Contains(t, stdout, "skipped: 2")

	data, err := os.ReadFile(list)
	require.NoError(t, err)
	assert.Equal(t, strings.Join(paths, "\n")+"\n", string(data), "a dry run leaves the list alone")
}

func TestRunEndToEnd(t *testing.T) {
	dir := isolate(t)
	list, paths := writeFiles(t, dir, "a.go", "b.go")

	mem := newMemoryServer(t)
	t.Setenv("EPISODIC_MEMORY_URL", mem.URL)
	t.Setenv("EPISODIC_ANALYSIS_URL", newModelServer(t).URL+"/v1")
	t.Setenv("EPISODIC_VERIFY_URL", newStoreServer(t, mem).URL)
	t.Setenv("EPISODIC_QUEUE_SOURCES", "status")
	t.Setenv("EPISODIC_QUEUE_STATUS_URL", newQueueServer(t, mem).URL)
	t.Setenv("EPISODIC_QUEUE_POLL_INTERVAL", "10ms")

	ledger := filepath.Join(dir, "ledger.yaml")
	stdout, stderr, err := executeCLI(t, "run", "--file-list", list, "--ledger", ledger,
		"--rate-limit-delay", "0", "--queue-timeout", "5s", "--group-id", "repo")
	require.NoError(t, err, stderr)
	assert.Contains(t, stdout, "verified: 2")

	episodes := mem.Episodes()
	require.Len(t, episodes, 2)
	assert.Equal(t, paths[0], episodes[0].Name)
	assert.Equal(t, "A summary.", episodes[0].Body)
	assert.Equal(t, "repo", episodes[0].GroupID)

	data, err := os.ReadFile(list)
	require.NoError(t, err)
	assert.Empty(t, strings.TrimSpace(string(data)), "verified files leave the list")

	_, err = os.Stat(ledger)
	assert.NoError(t, err)
}

func TestAddAndTools(t *testing.T) {
	isolate(t)
	mem := newMemoryServer(t)
	t.Setenv("EPISODIC_MEMORY_URL", mem.URL)

	stdout, _, err := executeCLI(t, "tools")
	require.NoError(t, err)
	assert.Contains(t, stdout, "add_memory")
	assert.Contains(t, stdout, "session: ")
	assert.NotContains(t, stdout, "warning")

	stdout, _, err = executeCLI(t, "add", "--name", "note", "--body", "remember this", "--group-id", "repo")
	require.NoError(t, err)
	assert.Contains(t, stdout, "stored note")

	episodes := mem.Episodes()
	require.Len(t, episodes, 1)
	assert.Equal(t, "note", episodes[0].Name)
	assert.Equal(t, "remember this", episodes[0].Body)
	assert.Equal(t, "repo", episodes[0].GroupID)

	_, _, err = executeCLI(t, "add", "--name", "note")
	assert.Error(t, err, "one of --body, --file or --propose is required")
}

func TestQueueStatus(t *testing.T) {
	isolate(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"group_queues":{"repo":{"size":2,"items":["a","b"],`+
			`"worker_active":true,"currently_processing":{"name":"z"}}}}`)
	}))
	t.Cleanup(srv.Close)
	t.Setenv("EPISODIC_QUEUE_SOURCES", "status")
	t.Setenv("EPISODIC_QUEUE_STATUS_URL", srv.URL)

	stdout, _, err := executeCLI(t, "queue", "status")
	require.NoError(t, err)
	assert.Contains(t, stdout, "source: status (approximate: false)")
	assert.Regexp(t, `repo\s+2\s+z\s+true`, stdout)

	_, _, err = executeCLI(t, "queue", "wait", "--timeout", "50ms")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "did not drain")
}

func TestResourceStatus(t *testing.T) {
	dir := isolate(t)
	card := filepath.Join(dir, "sys", "class", "drm", "card0", "device")
	require.NoError(t, os.MkdirAll(card, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(card, "gpu_busy_percent"), []byte("42\n"), 0o644))

	mr := miniredis.RunT(t)
	require.NoError(t, mr.Set(config.Default().Resource.LeaseKey, "other-producer"))

	t.Setenv("EPISODIC_RESOURCE_SAMPLER", config.SamplerSysfs)
	t.Setenv("EPISODIC_RESOURCE_SYSFS_ROOT", filepath.Join(dir, "sys"))
	t.Setenv("EPISODIC_RESOURCE_REDIS_URL", "redis://"+mr.Addr())

	stdout, _, err := executeCLI(t, "resource", "status")
	require.NoError(t, err)
	assert.Contains(t, stdout, "utilization: 42.0% (busy: true, sampler: sysfs)")
	assert.Contains(t, stdout, "lease episodic:gpu-lease: other-producer")

	_, _, err = executeCLI(t, "resource", "wait", "--timeout", "10ms")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "still busy")

	_, _, err = executeCLI(t, "resource", "wait", "--sampler", "none")
	assert.ErrorIs(t, err, errSamplingDisabled)
}

func TestVerifyCommands(t *testing.T) {
	isolate(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"results":[{"columns":["total"],"data":[{"row":[17]}]}],"errors":[]}`)
	}))
	t.Cleanup(srv.Close)
	t.Setenv("EPISODIC_VERIFY_URL", srv.URL)

	stdout, _, err := executeCLI(t, "verify", "count")
	require.NoError(t, err)
	assert.Equal(t, "17\n", stdout)
}
