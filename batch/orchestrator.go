package batch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
	"unicode/utf8"

	"github.com/MegaGrindStone/episodic/mcp"
)

// Orchestrator walks a work list and drives every item through its state machine. Items are processed
// strictly one after another: a submission is followed to its outcome before the next item is analyzed,
// so two episodes are never in flight on the same session.
type Orchestrator struct {
	list     WorkList
	analyzer Analyzer
	memory   Memory
	queue    QueueWaiter
	verifier Verifier
	guard    IdleWaiter
	locker   Locker
	ledger   *Ledger

	groupID           string
	source            string
	sourceDescription string
	maxChars          int
	rateLimitDelay    time.Duration
	queueTimeout      time.Duration
	idleTimeout       time.Duration
	lockWait          time.Duration
	maxAttempts       int
	dryRun            bool
	preVerify         bool
	drainFirst        bool

	logger *slog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

const (
	// DefaultMaxChars bounds the file content handed to the analyzer.
	DefaultMaxChars = 2000
	// DefaultSource is the episode source reported to the memory server.
	DefaultSource = "text"
	// DefaultSourceDescription describes where episodes come from.
	DefaultSourceDescription = "source file summary"
)

var (
	defaultRateLimitDelay = 2 * time.Second
	defaultQueueTimeout   = 300 * time.Second
	defaultIdleTimeout    = 300 * time.Second
	defaultLockWait       = 300 * time.Second
)

// New returns an orchestrator over list. A nil verifier trusts the queue's completion signal.
func New(list WorkList, analyzer Analyzer, memory Memory, queue QueueWaiter, verifier Verifier,
	options ...Option,
) *Orchestrator {
	o := &Orchestrator{
		list:              list,
		analyzer:          analyzer,
		memory:            memory,
		queue:             queue,
		verifier:          verifier,
		source:            DefaultSource,
		sourceDescription: DefaultSourceDescription,
		maxChars:          DefaultMaxChars,
		rateLimitDelay:    defaultRateLimitDelay,
		queueTimeout:      defaultQueueTimeout,
		idleTimeout:       defaultIdleTimeout,
		lockWait:          defaultLockWait,
		preVerify:         true,
		logger:            slog.Default(),
	}
	for _, opt := range options {
		opt(o)
	}
	return o
}

// WithGuard waits for the shared GPU to go idle before each item is analyzed.
func WithGuard(guard IdleWaiter, timeout time.Duration) Option {
	return func(o *Orchestrator) {
		o.guard = guard
		if timeout > 0 {
			o.idleTimeout = timeout
		}
	}
}

// WithLocker holds locker from analysis until the server finished the item.
func WithLocker(locker Locker, wait time.Duration) Option {
	return func(o *Orchestrator) {
		o.locker = locker
		if wait > 0 {
			o.lockWait = wait
		}
	}
}

// WithLedger records attempts in ledger.
func WithLedger(ledger *Ledger) Option {
	return func(o *Orchestrator) {
		o.ledger = ledger
	}
}

// WithEpisodeDefaults sets the group and source fields of every submitted episode.
func WithEpisodeDefaults(groupID, source, sourceDescription string) Option {
	return func(o *Orchestrator) {
		o.groupID = groupID
		if source != "" {
			o.source = source
		}
		if sourceDescription != "" {
			o.sourceDescription = sourceDescription
		}
	}
}

// WithMaxChars bounds the content handed to the analyzer.
func WithMaxChars(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxChars = n
		}
	}
}

// WithRateLimitDelay sets the pause between items. Zero disables it.
func WithRateLimitDelay(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.rateLimitDelay = max(d, 0)
	}
}

// WithQueueTimeout bounds the wait for the server to process one episode.
func WithQueueTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.queueTimeout = d
		}
	}
}

// WithMaxAttempts skips items that already failed n times. Zero means unlimited.
func WithMaxAttempts(n int) Option {
	return func(o *Orchestrator) {
		o.maxAttempts = max(n, 0)
	}
}

// WithDryRun only reads and reports the items.
func WithDryRun(dryRun bool) Option {
	return func(o *Orchestrator) {
		o.dryRun = dryRun
	}
}

// WithPreVerify controls whether items already present in the store are skipped without resubmission.
// Enabled by default.
func WithPreVerify(enabled bool) Option {
	return func(o *Orchestrator) {
		o.preVerify = enabled
	}
}

// WithDrainFirst waits for the server's queue to empty before the first item.
func WithDrainFirst(enabled bool) Option {
	return func(o *Orchestrator) {
		o.drainFirst = enabled
	}
}

// WithLogger sets the logger of the orchestrator.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// Run processes the work list once. Item failures are reported, never returned: the only errors are an
// unreadable work list and a cancelled context, in which case the report covers the items finished so
// far.
func (o *Orchestrator) Run(ctx context.Context) (Report, error) {
	var report Report

	refs, err := o.list.Load()
	if err != nil {
		return report, err
	}
	o.logger.Info("batch started", "items", len(refs), "dry_run", o.dryRun)

	if o.drainFirst && !o.dryRun && len(refs) > 0 {
		if !o.queue.WaitUntilEmpty(ctx, o.groupID, o.queueTimeout) {
			o.logger.Warn("queue did not drain, proceeding anyway")
		}
	}

	for i, ref := range refs {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		item := o.process(ctx, ref)
		report.add(item)

		attrs := []any{"ref", ref, "status", item.Status, "attempts", item.Attempts}
		if item.Err != nil {
			attrs = append(attrs, "err", item.Err)
		}
		switch item.Status {
		case StatusFailed:
			o.logger.Warn("item failed", attrs...)
		default:
			o.logger.Info("item finished", attrs...)
		}

		if i < len(refs)-1 && o.rateLimitDelay > 0 && !o.dryRun {
			if err := sleep(ctx, o.rateLimitDelay); err != nil {
				return report, err
			}
		}
	}

	o.logger.Info("batch finished", "verified", report.Verified, "failed", report.Failed,
		"skipped", report.Skipped)

	return report, ctx.Err()
}

func (o *Orchestrator) process(ctx context.Context, ref string) WorkItem {
	item := WorkItem{SourceRef: ref, EpisodeName: episodeName(ref), Status: StatusPending}

	if o.dryRun {
		if _, err := o.readContent(item.EpisodeName); err != nil {
			item.Status, item.Err = StatusFailed, err
			return item
		}
		item.Status = StatusSkipped
		return item
	}

	if o.preVerify && o.verifier != nil {
		ok, err := o.verifier.Exists(ctx, item.EpisodeName)
		switch {
		case err != nil:
			o.logger.Warn("pre-check against the store failed", "ref", ref, "err", err)
		case ok:
			o.logger.Debug("already in the store", "ref", ref)
			item.Status = StatusSkipped
			o.remove(item.SourceRef)
			o.finish(&item, "")
			return item
		}
	}

	content, err := o.readContent(item.EpisodeName)
	if err != nil {
		item.Status, item.Err = StatusFailed, err
		o.finish(&item, "")
		return item
	}
	hash := ContentHash(content)

	if o.ledger != nil && o.maxAttempts > 0 {
		if n := o.ledger.Attempts(ref, hash); n >= o.maxAttempts {
			item.Status, item.Attempts, item.Err = StatusSkipped, n, ErrAttemptsExhausted
			return item
		}
	}

	o.waitIdle(ctx)
	if release := o.lock(ctx); release != nil {
		defer release()
	}

	o.submit(ctx, &item, content)
	o.finish(&item, hash)

	return item
}

func (o *Orchestrator) submit(ctx context.Context, item *WorkItem, content string) {
	item.Status = StatusAnalyzing
	summary, err := o.analyzer.Summarize(ctx, item.EpisodeName, content)
	if err != nil {
		item.Status, item.Err = StatusFailed, fmt.Errorf("failed to analyze %s: %w", item.SourceRef, err)
		return
	}
	item.ContentSummary = summary

	item.Status = StatusSubmitted
	res, err := o.memory.AddMemory(ctx, mcp.Episode{
		Name:              item.EpisodeName,
		Body:              summary,
		GroupID:           o.groupID,
		Source:            o.source,
		SourceDescription: o.sourceDescription,
	})
	if err != nil {
		item.Status, item.Err = StatusFailed, fmt.Errorf("failed to submit %s: %w", item.SourceRef, err)
		return
	}
	o.logger.Debug("episode accepted", "ref", item.SourceRef, "provisional", res.Provisional,
		"reply", res.Text())

	item.Status = StatusAwaitingCompletion
	if !o.queue.WaitUntilItemDone(ctx, o.groupID, item.EpisodeName, o.queueTimeout) {
		item.Status, item.Err = StatusFailed, ErrNotCompleted
		return
	}

	if o.verifier != nil {
		ok, err := o.verifier.Verify(ctx, item.EpisodeName)
		if err != nil {
			item.Status, item.Err = StatusFailed, fmt.Errorf("failed to verify %s: %w", item.SourceRef, err)
			return
		}
		if !ok {
			item.Status, item.Err = StatusFailed, ErrVerificationMismatch
			return
		}
	}

	item.Status = StatusVerified
}

// finish records the outcome and drops verified items from the list.
func (o *Orchestrator) finish(item *WorkItem, hash string) {
	if item.Status == StatusVerified {
		o.remove(item.SourceRef)
	}

	if o.ledger == nil {
		item.Attempts = 1
		return
	}
	o.ledger.Record(*item, hash)
	item.Attempts = o.ledger.Attempts(item.SourceRef, hash)
	if err := o.ledger.Save(); err != nil {
		o.logger.Error("failed to save ledger", "err", err)
	}
}

func (o *Orchestrator) remove(ref string) {
	if err := o.list.Remove(ref); err != nil {
		o.logger.Error("failed to remove item from work list", "ref", ref, "err", err)
	}
}

func (o *Orchestrator) waitIdle(ctx context.Context) {
	if o.guard == nil {
		return
	}
	if !o.guard.WaitUntilIdle(ctx, o.idleTimeout) {
		o.logger.Warn("resource still busy, proceeding anyway", "timeout", o.idleTimeout)
	}
}

// lock takes the cross-producer lease. An unreachable or busy lease never blocks the item.
func (o *Orchestrator) lock(ctx context.Context) func() {
	if o.locker == nil {
		return nil
	}

	ok, err := o.locker.Acquire(ctx, o.lockWait)
	if err != nil {
		o.logger.Warn("lease unavailable, proceeding without it", "err", err)
		return nil
	}
	if !ok {
		o.logger.Warn("lease still held elsewhere, proceeding anyway", "wait", o.lockWait)
		return nil
	}

	return func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := o.locker.Release(rctx); err != nil {
			o.logger.Warn("failed to release lease", "err", err)
		}
	}
}

func (o *Orchestrator) readContent(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	return truncate(string(data), o.maxChars), nil
}

// episodeName is the absolute form of ref; the server and the store know items by it.
func episodeName(ref string) string {
	abs, err := filepath.Abs(ref)
	if err != nil {
		return ref
	}
	return abs
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
