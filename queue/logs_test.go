package queue_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MegaGrindStone/episodic/queue"
)

const graphitiLog = `2025-06-01 10:00:00,001 - INFO - Starting episode queue worker for group_id: research
2025-06-01 10:00:00,010 - INFO - Processing queued episode '/src/a.go' for group_id: research
2025-06-01 10:00:05,120 - INFO - Episode '/src/a.go' processed successfully
2025-06-01 10:00:05,130 - INFO - Processing queued episode '/src/b.go' for group_id: research
2025-06-01 10:00:09,500 - ERROR - Error processing episode '/src/b.go' for group_id research: LLM rate limit exceeded
2025-06-01 10:00:09,600 - INFO - Processing queued episode '/src/c go.go' for group_id: research
`

func TestParseLogGraphiti(t *testing.T) {
	snap := queue.ParseLog(graphitiLog, queue.DefaultPatterns())

	assert.True(t, snap.Approximate)
	require.Contains(t, snap.Groups, "research")

	st := snap.Groups["research"]
	assert.Equal(t, "/src/c go.go", st.InFlightItem)
	assert.Equal(t, queue.DepthUnknown, st.Depth)
	assert.True(t, st.WorkerAlive)

	outcome, _ := snap.Outcome("/src/a.go")
	assert.Equal(t, queue.OutcomeCompleted, outcome)

	outcome, reason := snap.Outcome("/src/b.go")
	assert.Equal(t, queue.OutcomeFailed, outcome)
	assert.Equal(t, "LLM rate limit exceeded", reason)

	assert.True(t, snap.Find("research", "/src/c go.go"))
	assert.False(t, snap.Find("research", "/src/a.go"))
	assert.False(t, snap.Empty("research"))
}

func TestParseLogWorkerStopped(t *testing.T) {
	log := `Processing queued episode 'x' for group_id: g1
Episode 'x' processed successfully
Stopped episode queue worker for group_id: g1
Processing queued episode 'y' for group_id: g2
Stopped episode queue worker for group_id: g2
`
	snap := queue.ParseLog(log, queue.DefaultPatterns())

	assert.Equal(t, 0, snap.Groups["g1"].Depth)
	assert.False(t, snap.Groups["g1"].WorkerAlive)
	assert.True(t, snap.Empty("g1"))

	// Worker stopped with an item still in flight: depth cannot be trusted.
	assert.Equal(t, queue.DepthUnknown, snap.Groups["g2"].Depth)
	assert.False(t, snap.Empty("g2"))
	assert.False(t, snap.Empty(""))
}

func TestParseLogGroupOnlyFailure(t *testing.T) {
	log := `Processing queued episode 'notes.md' for group_id: g1
Error processing queued episode for group_id g1: connection refused
`
	snap := queue.ParseLog(log, queue.DefaultPatterns())

	outcome, reason := snap.Outcome("notes.md")
	assert.Equal(t, queue.OutcomeFailed, outcome)
	assert.Equal(t, "connection refused", reason)
	assert.Empty(t, snap.Groups["g1"].InFlightItem)
}

func TestParseLogGenericPhrasing(t *testing.T) {
	log := `processing started for 'fileA'
processing started for fileB
fileA completed
error for 'fileC': out of memory
`
	snap := queue.ParseLog(log, queue.DefaultPatterns())

	outcome, _ := snap.Outcome("fileA")
	assert.Equal(t, queue.OutcomeCompleted, outcome)
	assert.True(t, snap.Find("any-group", "fileB"))

	outcome, reason := snap.Outcome("fileC")
	assert.Equal(t, queue.OutcomeFailed, outcome)
	assert.Equal(t, "out of memory", reason)
}

func TestParseLogErrorBeatsCompletion(t *testing.T) {
	for name, log := range map[string]string{
		"error after completion": "processing started for 'fileA'\n'fileA' completed\nerror for 'fileA': boom\n",
		"error before completion": "processing started for 'fileA'\nerror for 'fileA': boom\n'fileA' completed\n",
	} {
		t.Run(name, func(t *testing.T) {
			snap := queue.ParseLog(log, queue.DefaultPatterns())
			outcome, _ := snap.Outcome("fileA")
			assert.Equal(t, queue.OutcomeFailed, outcome)
		})
	}
}

func TestParseLogLatestAttemptWins(t *testing.T) {
	log := `Error processing episode '/r/a.go' for group_id repo: LLM rate limit exceeded
Episode '/r/b.go' processed successfully
Processing queued episode '/r/a.go' for group_id: repo
Processing queued episode '/r/b.go' for group_id: repo
Episode '/r/a.go' processed successfully
`
	snap := queue.ParseLog(log, queue.DefaultPatterns())

	outcome, _ := snap.Outcome("/r/a.go")
	assert.Equal(t, queue.OutcomeCompleted, outcome, "a retry that completes is not failed by the earlier attempt")

	outcome, _ = snap.Outcome("/r/b.go")
	assert.Equal(t, queue.OutcomeUnknown, outcome, "a restarted item is not done yet")
	assert.True(t, snap.Find("repo", "/r/b.go"))
}

func TestParseLogNoStartIsUnknown(t *testing.T) {
	snap := queue.ParseLog("some unrelated line\n", queue.DefaultPatterns())

	assert.Empty(t, snap.Groups)
	assert.False(t, snap.Empty("research"))
	assert.False(t, snap.Empty(""))
	assert.Equal(t, 0, snap.Depth())
}

func TestLogSourceObserve(t *testing.T) {
	var args []string
	run := func(_ context.Context, name string, a ...string) ([]byte, error) {
		args = append([]string{name}, a...)
		return []byte(graphitiLog), nil
	}

	src := queue.NewLogSource("", queue.WithLogTail(50), queue.WithLogRunner(run))
	snap, err := src.Observe(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"docker", "logs", "--tail", "50", queue.DefaultContainer}, args)
	assert.Equal(t, "logs:"+queue.DefaultContainer, snap.Source)
	assert.Contains(t, snap.Completed, "/src/a.go")
}

func TestLogSourceObserveSince(t *testing.T) {
	var args []string
	run := func(_ context.Context, name string, a ...string) ([]byte, error) {
		args = append([]string{name}, a...)
		return nil, nil
	}

	since := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	_, err := queue.NewLogSource("mcp", queue.WithLogRunner(run)).ObserveSince(context.Background(), since)
	require.NoError(t, err)
	assert.Equal(t, []string{"docker", "logs", "--tail", "200", "--since", "2025-06-01T10:00:00Z", "mcp"}, args)
}

func TestLogSourceUnavailable(t *testing.T) {
	run := func(context.Context, string, ...string) ([]byte, error) {
		return nil, errors.New("Cannot connect to the Docker daemon")
	}

	_, err := queue.NewLogSource("", queue.WithLogRunner(run)).Observe(context.Background())
	assert.Error(t, err)
}
