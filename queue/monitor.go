package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Monitor polls its sources and answers whether a queue drained or an item finished. All waits are
// cooperative polls bounded by a caller-supplied timeout.
type Monitor struct {
	sources         []Source
	interval        time.Duration
	unobservedLimit int
	lookback        time.Duration
	logger          *slog.Logger
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

var (
	defaultPollInterval    = 5 * time.Second
	defaultUnobservedPolls = 6
	defaultItemLookback    = 5 * time.Second
)

// NewMonitor creates a monitor over sources, consulted in order.
func NewMonitor(sources []Source, options ...MonitorOption) *Monitor {
	m := &Monitor{
		sources:         sources,
		interval:        defaultPollInterval,
		unobservedLimit: defaultUnobservedPolls,
		lookback:        defaultItemLookback,
		logger:          slog.Default(),
	}
	for _, opt := range options {
		opt(m)
	}
	return m
}

// WithPollInterval sets the delay between polls.
func WithPollInterval(d time.Duration) MonitorOption {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithUnobservedPolls sets how many successful polls may miss an item before waiting for it is given up.
func WithUnobservedPolls(n int) MonitorOption {
	return func(m *Monitor) {
		if n > 0 {
			m.unobservedLimit = n
		}
	}
}

// WithItemLookback sets how far before the start of WaitUntilItemDone windowed sources are read. The
// item is submitted just before the wait begins, so the window has to reach back over the submission.
func WithItemLookback(d time.Duration) MonitorOption {
	return func(m *Monitor) {
		if d >= 0 {
			m.lookback = d
		}
	}
}

// WithMonitorLogger sets the logger of the monitor.
func WithMonitorLogger(logger *slog.Logger) MonitorOption {
	return func(m *Monitor) {
		m.logger = logger
	}
}

// Snapshot observes every source and merges the answers. A group's state comes from the first source
// that reported it; completed and failed items are unioned. ErrObservationUnavailable is returned when
// no source answered.
func (m *Monitor) Snapshot(ctx context.Context) (Snapshot, error) {
	return m.snapshot(ctx, time.Time{})
}

// snapshot reads windowed sources from since onwards when since is set.
func (m *Monitor) snapshot(ctx context.Context, since time.Time) (Snapshot, error) {
	var (
		merged Snapshot
		names  []string
		errs   []error
		got    bool
	)

	for _, src := range m.sources {
		var (
			snap Snapshot
			err  error
		)
		if ws, ok := src.(WindowedSource); ok && !since.IsZero() {
			snap, err = ws.ObserveSince(ctx, since)
		} else {
			snap, err = src.Observe(ctx)
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}

		if !got {
			merged = newSnapshot("", true)
			got = true
		}
		names = append(names, snap.Source)
		if !snap.Approximate {
			merged.Approximate = false
		}
		for g, st := range snap.Groups {
			if _, ok := merged.Groups[g]; !ok {
				merged.Groups[g] = st
			}
		}
		for item := range snap.Completed {
			merged.Completed[item] = struct{}{}
		}
		for item, reason := range snap.Failed {
			if _, ok := merged.Failed[item]; !ok {
				merged.Failed[item] = reason
			}
		}
	}

	if !got {
		if len(errs) == 0 {
			return Snapshot{}, fmt.Errorf("%w: no sources configured", ErrObservationUnavailable)
		}
		return Snapshot{}, fmt.Errorf("%w: %w", ErrObservationUnavailable, errors.Join(errs...))
	}
	for _, err := range errs {
		m.logger.Debug("queue source failed", "err", err)
	}

	merged.Source = strings.Join(names, "+")
	return merged, nil
}

// WaitUntilEmpty polls until group (every group when empty) has nothing queued and nothing in flight.
// It returns false when timeout elapses or ctx ends first; the caller decides whether to proceed anyway.
// An unavailable observation counts as unknown, never as empty.
func (m *Monitor) WaitUntilEmpty(ctx context.Context, group string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)

	for {
		snap, err := m.Snapshot(ctx)
		switch {
		case err != nil:
			m.logger.Warn("queue state unknown", "group", group, "err", err)
		case snap.Empty(group):
			return true
		default:
			m.logger.Debug("queue busy", "group", group, "depth", snap.Depth(), "source", snap.Source)
		}

		if !m.sleep(ctx, deadline) {
			m.logger.Warn("queue did not drain in time", "group", group, "timeout", timeout)
			return false
		}
	}
}

// WaitUntilItemDone polls until item is done. A failure observation wins over a completion of the same
// item. An item that was seen pending or in flight and is no longer reported counts as completed. An item
// never seen within the unobserved-poll limit is a soft failure: logged, and false is returned, since the
// channel may simply have missed it. Windowed sources are read from shortly before the wait started, so
// an outcome logged for an earlier submission of the same item is ignored.
func (m *Monitor) WaitUntilItemDone(ctx context.Context, group, item string, timeout time.Duration) bool {
	since := time.Now().Add(-m.lookback)
	deadline := time.Now().Add(timeout)
	seen := false
	unobserved := 0

	for {
		snap, err := m.snapshot(ctx, since)
		if err != nil {
			m.logger.Warn("queue state unknown", "item", item, "err", err)
		} else {
			switch outcome, reason := snap.Outcome(item); outcome {
			case OutcomeFailed:
				m.logger.Warn("item failed on the server", "item", item, "group", group, "reason", reason)
				return false
			case OutcomeCompleted:
				m.logger.Info("item processed", "item", item, "group", group)
				return true
			}

			switch {
			case snap.Find(group, item):
				seen = true
			case seen:
				m.logger.Info("item left the queue", "item", item, "group", group)
				return true
			default:
				unobserved++
				if unobserved >= m.unobservedLimit {
					m.logger.Warn("item never observed in the queue",
						"item", item, "group", group, "polls", unobserved)
					return false
				}
			}
		}

		if !m.sleep(ctx, deadline) {
			m.logger.Warn("item not done in time", "item", item, "group", group, "timeout", timeout)
			return false
		}
	}
}

// sleep waits one poll interval, cut short by the deadline so one last poll happens at the deadline. It
// reports false once the deadline has passed or ctx ended.
func (m *Monitor) sleep(ctx context.Context, deadline time.Time) bool {
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return false
	}

	timer := time.NewTimer(min(m.interval, remaining))
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
