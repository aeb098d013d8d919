package resource_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MegaGrindStone/episodic/resource"
)

func sequence(values ...float64) (resource.Sampler, *atomic.Int32) {
	var calls atomic.Int32
	return resource.SamplerFunc(func(context.Context) (float64, error) {
		i := int(calls.Add(1)) - 1
		return values[min(i, len(values)-1)], nil
	}), &calls
}

func TestGuardIdleImmediately(t *testing.T) {
	sampler, calls := sequence(0.4)
	g := resource.NewGuard(sampler, resource.WithInterval(10*time.Millisecond))

	assert.True(t, g.WaitUntilIdle(context.Background(), time.Second))
	assert.EqualValues(t, 1, calls.Load())
}

func TestGuardBusyThenIdle(t *testing.T) {
	sampler, calls := sequence(95, 60, 12, 0.9)
	g := resource.NewGuard(sampler, resource.WithInterval(10*time.Millisecond))

	assert.True(t, g.WaitUntilIdle(context.Background(), time.Second))
	assert.EqualValues(t, 4, calls.Load())
}

func TestGuardTimeout(t *testing.T) {
	sampler, _ := sequence(80)
	g := resource.NewGuard(sampler, resource.WithInterval(10*time.Millisecond))

	start := time.Now()
	assert.False(t, g.WaitUntilIdle(context.Background(), 100*time.Millisecond))
	assert.Less(t, time.Since(start), time.Second)
}

func TestGuardFailsOpen(t *testing.T) {
	sampler := resource.SamplerFunc(func(context.Context) (float64, error) {
		return 0, resource.ErrMonitorUnavailable
	})
	g := resource.NewGuard(sampler, resource.WithInterval(time.Hour))

	start := time.Now()
	assert.True(t, g.WaitUntilIdle(context.Background(), time.Hour))
	assert.Less(t, time.Since(start), time.Second, "fail-open must not wait for a poll interval")
}

func TestGuardFailsOpenOnAnyError(t *testing.T) {
	sampler := resource.SamplerFunc(func(context.Context) (float64, error) {
		return 0, errors.New("permission denied")
	})

	assert.True(t, resource.NewGuard(sampler).WaitUntilIdle(context.Background(), time.Minute))
}

func TestGuardContextCancelled(t *testing.T) {
	sampler, _ := sequence(80)
	g := resource.NewGuard(sampler, resource.WithInterval(time.Hour))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	assert.False(t, g.WaitUntilIdle(ctx, time.Hour))
}

func TestGuardState(t *testing.T) {
	sampler, _ := sequence(2.5)
	g := resource.NewGuard(sampler, resource.WithThreshold(5))

	st, err := g.State(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 2.5, st.Utilization, 0.001)
	assert.False(t, st.IsBusy)
	assert.False(t, st.SampledAt.IsZero())

	g = resource.NewGuard(sampler)
	st, err = g.State(context.Background())
	require.NoError(t, err)
	assert.True(t, st.IsBusy)
}
