package queue

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/MegaGrindStone/episodic/internal/docker"
)

// Default log source settings.
const (
	DefaultContainer = "graphiti-graphiti-mcp-1"
	DefaultLogTail   = 200
)

// Patterns are the message shapes recognized in the server log. Each expression may capture the named
// groups item, group and reason. The first matching category wins, in the order failed, completed,
// started, worker started, worker stopped.
type Patterns struct {
	Started       []*regexp.Regexp
	Completed     []*regexp.Regexp
	Failed        []*regexp.Regexp
	WorkerStarted []*regexp.Regexp
	WorkerStopped []*regexp.Regexp
}

// LogSource derives a snapshot from the tail of the server container's log.
type LogSource struct {
	container string
	tail      int
	run       docker.Runner
	patterns  Patterns
	logger    *slog.Logger
}

// LogSourceOption configures a LogSource.
type LogSourceOption func(*LogSource)

type logEvent int

const (
	eventNone logEvent = iota
	eventFailed
	eventCompleted
	eventStarted
	eventWorkerStarted
	eventWorkerStopped
)

type groupLog struct {
	inFlight      string
	workerAlive   bool
	workerStopped bool
}

// DefaultPatterns covers the Graphiti server's own phrasing and the generic "processing started for",
// "completed" and "error for" phrasing.
func DefaultPatterns() Patterns {
	return Patterns{
		Started: []*regexp.Regexp{
			regexp.MustCompile(`Processing queued episode '(?P<item>[^']+)' for group_id: (?P<group>\S+)`),
			regexp.MustCompile(`(?i)processing started for '(?P<item>[^']+)'`),
			regexp.MustCompile(`(?i)processing started for (?P<item>[^\s']+)`),
		},
		Completed: []*regexp.Regexp{
			regexp.MustCompile(`Episode '(?P<item>[^']+)' processed successfully`),
			regexp.MustCompile(`'(?P<item>[^']+)' completed`),
			regexp.MustCompile(`(?P<item>[^\s']+) completed`),
		},
		Failed: []*regexp.Regexp{
			regexp.MustCompile(`Error processing episode '(?P<item>[^']+)' for group_id (?P<group>[^\s:]+): (?P<reason>.+)`),
			regexp.MustCompile(`Error processing queued episode for group_id (?P<group>[^\s:]+): (?P<reason>.+)`),
			regexp.MustCompile(`(?i)error for '(?P<item>[^']+)': (?P<reason>.+)`),
			regexp.MustCompile(`(?i)error for (?P<item>[^\s':]+): (?P<reason>.+)`),
		},
		WorkerStarted: []*regexp.Regexp{
			regexp.MustCompile(`Starting episode queue worker for group_id: (?P<group>\S+)`),
		},
		WorkerStopped: []*regexp.Regexp{
			regexp.MustCompile(`Stopped episode queue worker for group_id: (?P<group>\S+)`),
		},
	}
}

// NewLogSource creates a source reading the log of container, DefaultContainer when empty.
func NewLogSource(container string, options ...LogSourceOption) *LogSource {
	if container == "" {
		container = DefaultContainer
	}
	s := &LogSource{
		container: container,
		tail:      DefaultLogTail,
		run:       docker.Exec,
		patterns:  DefaultPatterns(),
		logger:    slog.Default(),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// WithLogTail sets how many trailing log lines are read.
func WithLogTail(lines int) LogSourceOption {
	return func(s *LogSource) {
		if lines > 0 {
			s.tail = lines
		}
	}
}

// WithLogRunner replaces the command runner.
func WithLogRunner(run docker.Runner) LogSourceOption {
	return func(s *LogSource) {
		s.run = run
	}
}

// WithLogPatterns replaces the recognized message shapes.
func WithLogPatterns(p Patterns) LogSourceOption {
	return func(s *LogSource) {
		s.patterns = p
	}
}

// WithLogSourceLogger sets the logger of the source.
func WithLogSourceLogger(logger *slog.Logger) LogSourceOption {
	return func(s *LogSource) {
		s.logger = logger
	}
}

// Observe reads the log tail and parses it.
func (s *LogSource) Observe(ctx context.Context) (Snapshot, error) {
	return s.ObserveSince(ctx, time.Time{})
}

// ObserveSince reads only the log lines written at or after since. A zero since reads the whole tail.
func (s *LogSource) ObserveSince(ctx context.Context, since time.Time) (Snapshot, error) {
	text, err := docker.Logs(ctx, s.run, s.container, s.tail, since)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to read logs of %s: %w", s.container, err)
	}

	snap := ParseLog(text, s.patterns)
	snap.Source = "logs:" + s.container
	s.logger.Debug("queue log observed",
		"container", s.container,
		"groups", len(snap.Groups),
		"completed", len(snap.Completed),
		"failed", len(snap.Failed))
	return snap, nil
}

// ParseLog builds an approximate snapshot from log text, oldest line first. Depth is DepthUnknown unless
// the latest worker event of the group is a stop and nothing is in flight. A failure that names only a
// group is charged to that group's in-flight item. Only an item's latest attempt counts: a start line
// discards the completion or failure recorded for the item before it.
func ParseLog(text string, p Patterns) Snapshot {
	snap := newSnapshot("logs", true)
	groups := make(map[string]*groupLog)
	order := make([]string, 0)

	groupOf := func(name string) *groupLog {
		g, ok := groups[name]
		if !ok {
			g = &groupLog{}
			groups[name] = g
			order = append(order, name)
		}
		return g
	}
	clearInFlight := func(item string) {
		for _, g := range groups {
			if g.inFlight == item {
				g.inFlight = ""
			}
		}
	}

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}

		ev, m := p.match(line)
		switch ev {
		case eventFailed:
			item := m["item"]
			if item == "" {
				if g, ok := groups[m["group"]]; ok {
					item = g.inFlight
				}
			}
			if item == "" {
				continue
			}
			snap.Failed[item] = strings.TrimSpace(m["reason"])
			clearInFlight(item)
		case eventCompleted:
			snap.Completed[m["item"]] = struct{}{}
			clearInFlight(m["item"])
		case eventStarted:
			delete(snap.Completed, m["item"])
			delete(snap.Failed, m["item"])
			g := groupOf(m["group"])
			g.inFlight = m["item"]
			g.workerAlive = true
			g.workerStopped = false
		case eventWorkerStarted:
			g := groupOf(m["group"])
			g.workerAlive = true
			g.workerStopped = false
		case eventWorkerStopped:
			g := groupOf(m["group"])
			g.workerAlive = false
			g.workerStopped = true
		}
	}

	for _, name := range order {
		g := groups[name]
		st := GroupState{
			Depth:        DepthUnknown,
			InFlightItem: g.inFlight,
			WorkerAlive:  g.workerAlive,
		}
		if g.workerStopped && g.inFlight == "" {
			st.Depth = 0
		}
		snap.Groups[name] = st
	}

	return snap
}

func (p Patterns) match(line string) (logEvent, map[string]string) {
	categories := []struct {
		ev   logEvent
		exps []*regexp.Regexp
	}{
		{eventFailed, p.Failed},
		{eventCompleted, p.Completed},
		{eventStarted, p.Started},
		{eventWorkerStarted, p.WorkerStarted},
		{eventWorkerStopped, p.WorkerStopped},
	}

	for _, c := range categories {
		for _, re := range c.exps {
			sub := re.FindStringSubmatch(line)
			if sub == nil {
				continue
			}
			m := make(map[string]string, len(sub))
			for i, name := range re.SubexpNames() {
				if name != "" {
					m[name] = sub[i]
				}
			}
			return c.ev, m
		}
	}
	return eventNone, nil
}
