// Package queue observes the memory server's episode ingestion queue. The server does not expose its
// queue reliably, so a Monitor merges whatever observation channels answer: a structured status endpoint
// when present, and the server container's log otherwise.
package queue

import (
	"context"
	"errors"
	"time"
)

// DepthUnknown is the depth of a group whose queue length cannot be derived from the observation.
const DepthUnknown = -1

// ErrObservationUnavailable is returned when no observation channel could be read.
var ErrObservationUnavailable = errors.New("queue observation unavailable")

// Source is one observation channel.
type Source interface {
	Observe(ctx context.Context) (Snapshot, error)
}

// WindowedSource is a Source whose history can be limited to events at or after a point in time, so
// outcomes left over from earlier submissions of an item are not mistaken for the current one.
type WindowedSource interface {
	Source
	ObserveSince(ctx context.Context, since time.Time) (Snapshot, error)
}

// GroupState is the observed state of one group's queue.
type GroupState struct {
	Depth        int
	PendingItems []string
	InFlightItem string
	WorkerAlive  bool
}

// Snapshot is a point-in-time, best-effort view of the server's queues. Approximate marks a view
// derived from log text, in which a missing group or item means unknown rather than absent.
type Snapshot struct {
	Groups      map[string]GroupState
	Completed   map[string]struct{}
	Failed      map[string]string
	Approximate bool
	Source      string
	TakenAt     time.Time
}

// Outcome is the observed terminal state of an item.
type Outcome int

const (
	// OutcomeUnknown means neither completion nor failure was observed.
	OutcomeUnknown Outcome = iota
	// OutcomeCompleted means the item was reported processed.
	OutcomeCompleted
	// OutcomeFailed means the item was reported failed. It wins over a completion of the same item.
	OutcomeFailed
)

func newSnapshot(source string, approximate bool) Snapshot {
	return Snapshot{
		Groups:      make(map[string]GroupState),
		Completed:   make(map[string]struct{}),
		Failed:      make(map[string]string),
		Approximate: approximate,
		Source:      source,
		TakenAt:     time.Now(),
	}
}

// Find reports whether item is pending or in flight. An empty group searches every group; otherwise the
// named group and items attributed to no group are searched.
func (s Snapshot) Find(group, item string) bool {
	for g, st := range s.Groups {
		if group != "" && g != group && g != "" {
			continue
		}
		if st.InFlightItem == item {
			return true
		}
		for _, p := range st.PendingItems {
			if p == item {
				return true
			}
		}
	}
	return false
}

// Empty reports whether the group is known to have nothing queued and nothing in flight. An empty group
// asks about every group. Unknown depth is never empty.
func (s Snapshot) Empty(group string) bool {
	if group != "" {
		st, ok := s.Groups[group]
		if !ok {
			return !s.Approximate
		}
		return st.empty()
	}

	if len(s.Groups) == 0 {
		return !s.Approximate
	}
	for _, st := range s.Groups {
		if !st.empty() {
			return false
		}
	}
	return true
}

// Outcome returns the terminal state observed for item, with the failure reason when it failed.
func (s Snapshot) Outcome(item string) (Outcome, string) {
	if reason, ok := s.Failed[item]; ok {
		return OutcomeFailed, reason
	}
	if _, ok := s.Completed[item]; ok {
		return OutcomeCompleted, ""
	}
	return OutcomeUnknown, ""
}

// Depth returns the total number of queued items across groups, or DepthUnknown when any group's depth
// is unknown.
func (s Snapshot) Depth() int {
	total := 0
	for _, st := range s.Groups {
		if st.Depth == DepthUnknown {
			return DepthUnknown
		}
		total += st.Depth
	}
	return total
}

func (g GroupState) empty() bool {
	return g.Depth == 0 && g.InFlightItem == "" && len(g.PendingItems) == 0
}

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}
