// Package batch feeds a persisted list of source files into the memory server one at a time. Each file
// is summarized, submitted as an episode, followed through the server's ingestion queue and verified in
// the graph store before it leaves the list.
package batch

import (
	"context"
	"errors"
	"time"

	"github.com/MegaGrindStone/episodic/mcp"
)

// Status is the position of a work item in its state machine:
// Pending → Analyzing → Submitted → AwaitingCompletion → Verified | Failed. Skipped items never leave
// Pending.
type Status int

const (
	// StatusPending is the state of an item that has not been worked on yet.
	StatusPending Status = iota
	// StatusAnalyzing is the state while the model summarizes the file.
	StatusAnalyzing
	// StatusSubmitted is the state once add_memory accepted the episode.
	StatusSubmitted
	// StatusAwaitingCompletion is the state while the server's queue processes the episode.
	StatusAwaitingCompletion
	// StatusVerified means the episode was found in the graph store. Only verified items leave the list.
	StatusVerified
	// StatusFailed means the item stays on the list for a later run.
	StatusFailed
	// StatusSkipped means the item was not submitted: a dry run, an episode already stored or an exhausted
	// attempt budget.
	StatusSkipped
)

// WorkItem is one source file and how far it got.
type WorkItem struct {
	SourceRef      string
	EpisodeName    string
	ContentSummary string
	Status         Status
	Attempts       int
	Err            error
}

// Report summarizes one run.
type Report struct {
	Items    []WorkItem
	Verified int
	Failed   int
	Skipped  int
}

// Analyzer turns file content into the text that becomes the episode body.
type Analyzer interface {
	Summarize(ctx context.Context, ref, content string) (string, error)
}

// Memory submits episodes to the memory server.
type Memory interface {
	AddMemory(ctx context.Context, episode mcp.Episode) (mcp.ToolResult, error)
}

// QueueWaiter follows the server's ingestion queue.
type QueueWaiter interface {
	WaitUntilEmpty(ctx context.Context, group string, timeout time.Duration) bool
	WaitUntilItemDone(ctx context.Context, group, item string, timeout time.Duration) bool
}

// IdleWaiter blocks until the shared GPU is idle.
type IdleWaiter interface {
	WaitUntilIdle(ctx context.Context, timeout time.Duration) bool
}

// Locker serializes GPU use between producers.
type Locker interface {
	Acquire(ctx context.Context, wait time.Duration) (bool, error)
	Release(ctx context.Context) error
}

// Verifier confirms an episode is durably stored. Verify may match leniently after a submission;
// Exists matches the name exactly and decides whether an item can be skipped without submitting it.
type Verifier interface {
	Verify(ctx context.Context, name string) (bool, error)
	Exists(ctx context.Context, name string) (bool, error)
}

// WorkList is the persisted list of source references still to be processed.
type WorkList interface {
	Load() ([]string, error)
	Remove(ref string) error
}

var (
	// ErrVerificationMismatch is an item the queue reported done but the store does not contain.
	ErrVerificationMismatch = errors.New("verification mismatch")
	// ErrNotCompleted is an item the queue never reported done within the timeout.
	ErrNotCompleted = errors.New("episode not completed")
	// ErrAttemptsExhausted is an item skipped because it failed too often.
	ErrAttemptsExhausted = errors.New("attempts exhausted")
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusAnalyzing:
		return "analyzing"
	case StatusSubmitted:
		return "submitted"
	case StatusAwaitingCompletion:
		return "awaiting_completion"
	case StatusVerified:
		return "verified"
	case StatusFailed:
		return "failed"
	case StatusSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// ParseStatus is the inverse of String.
func ParseStatus(s string) (Status, bool) {
	for st := StatusPending; st <= StatusSkipped; st++ {
		if st.String() == s {
			return st, true
		}
	}
	return StatusPending, false
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(text []byte) error {
	st, ok := ParseStatus(string(text))
	if !ok {
		return errors.New("unknown status " + string(text))
	}
	*s = st
	return nil
}

func (r *Report) add(item WorkItem) {
	r.Items = append(r.Items, item)
	switch item.Status {
	case StatusVerified:
		r.Verified++
	case StatusSkipped:
		r.Skipped++
	default:
		r.Failed++
	}
}
