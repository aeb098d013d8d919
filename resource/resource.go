// Package resource keeps the batch clear of a GPU shared with a second producer. A Guard samples the
// resource's utilization and waits until it looks idle; a Lease lets cooperating producers take turns
// explicitly.
package resource

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrMonitorUnavailable is returned by a Sampler that has no way to measure utilization.
var ErrMonitorUnavailable = errors.New("resource monitor unavailable")

// Sampler measures the current utilization of the shared resource, in percent.
type Sampler interface {
	Sample(ctx context.Context) (float64, error)
}

// SamplerFunc adapts a function to Sampler.
type SamplerFunc func(ctx context.Context) (float64, error)

// State is one utilization sample.
type State struct {
	Utilization float64
	IsBusy      bool
	SampledAt   time.Time
}

type firstAvailable []Sampler

// Sample calls f.
func (f SamplerFunc) Sample(ctx context.Context) (float64, error) {
	return f(ctx)
}

// FirstAvailable returns a Sampler that answers with the first of samplers that does.
func FirstAvailable(samplers ...Sampler) Sampler {
	return firstAvailable(samplers)
}

func (f firstAvailable) Sample(ctx context.Context) (float64, error) {
	errs := make([]error, 0, len(f))
	for _, s := range f {
		v, err := s.Sample(ctx)
		if err == nil {
			return v, nil
		}
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return 0, fmt.Errorf("%w: no samplers configured", ErrMonitorUnavailable)
	}
	return 0, fmt.Errorf("%w: %w", ErrMonitorUnavailable, errors.Join(errs...))
}
