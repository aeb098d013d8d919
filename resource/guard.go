package resource

import (
	"context"
	"log/slog"
	"time"
)

// Guard waits for the shared resource to go idle. Sampling is read-only, so one Guard may be used from
// several goroutines.
type Guard struct {
	sampler   Sampler
	threshold float64
	interval  time.Duration
	logger    *slog.Logger
}

// GuardOption configures a Guard.
type GuardOption func(*Guard)

var (
	defaultThreshold = 1.0
	defaultInterval  = 5 * time.Second
)

// NewGuard creates a guard over sampler.
func NewGuard(sampler Sampler, options ...GuardOption) *Guard {
	g := &Guard{
		sampler:   sampler,
		threshold: defaultThreshold,
		interval:  defaultInterval,
		logger:    slog.Default(),
	}
	for _, opt := range options {
		opt(g)
	}
	return g
}

// WithThreshold sets the utilization percent below which the resource counts as idle. Near zero rather
// than zero absorbs sampling noise.
func WithThreshold(percent float64) GuardOption {
	return func(g *Guard) {
		if percent > 0 {
			g.threshold = percent
		}
	}
}

// WithInterval sets the delay between samples.
func WithInterval(d time.Duration) GuardOption {
	return func(g *Guard) {
		if d > 0 {
			g.interval = d
		}
	}
}

// WithGuardLogger sets the logger of the guard.
func WithGuardLogger(logger *slog.Logger) GuardOption {
	return func(g *Guard) {
		g.logger = logger
	}
}

// State takes one sample. Nothing is cached.
func (g *Guard) State(ctx context.Context) (State, error) {
	v, err := g.sampler.Sample(ctx)
	if err != nil {
		return State{}, err
	}
	return State{
		Utilization: v,
		IsBusy:      v >= g.threshold,
		SampledAt:   time.Now(),
	}, nil
}

// WaitUntilIdle samples until utilization drops below the threshold and returns true. When sampling
// fails the guard fails open: it logs a warning and returns true at once, so broken monitoring never
// stalls the batch. It returns false when timeout elapses or ctx ends first, leaving the decision to
// proceed to the caller.
func (g *Guard) WaitUntilIdle(ctx context.Context, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)

	for {
		st, err := g.State(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return false
			}
			g.logger.Warn("resource monitor unavailable, proceeding", "err", err)
			return true
		}
		if !st.IsBusy {
			g.logger.Debug("resource idle", "utilization", st.Utilization)
			return true
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			g.logger.Warn("resource still busy", "utilization", st.Utilization, "timeout", timeout)
			return false
		}
		g.logger.Info("resource busy, waiting",
			"utilization", st.Utilization,
			"threshold", g.threshold,
			"remaining", remaining.Round(time.Second))

		timer := time.NewTimer(min(g.interval, remaining))
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
	}
}
