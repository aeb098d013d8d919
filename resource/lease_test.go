package resource_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MegaGrindStone/episodic/resource"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestLeaseAcquireRelease(t *testing.T) {
	_, client := newTestRedis(t)
	ctx := context.Background()

	a := resource.NewLease(client, "", resource.WithLeaseRetry(10*time.Millisecond))
	b := resource.NewLease(client, "", resource.WithLeaseRetry(10*time.Millisecond))

	ok, err := a.Acquire(ctx, 0)
	require.NoError(t, err)
	assert.True(t, ok)

	holder, err := a.Holder(ctx)
	require.NoError(t, err)
	assert.Equal(t, a.Owner(), holder)

	ok, err = b.Acquire(ctx, 50*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok, "second producer must not take a held lease")

	assert.ErrorIs(t, b.Release(ctx), resource.ErrLeaseNotHeld)

	ok, err = a.Acquire(ctx, 0)
	require.NoError(t, err)
	assert.True(t, ok, "holder re-acquiring refreshes its lease")

	require.NoError(t, a.Release(ctx))

	ok, err = b.Acquire(ctx, 0)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLeaseWaitsForRelease(t *testing.T) {
	_, client := newTestRedis(t)
	ctx := context.Background()

	a := resource.NewLease(client, "gpu")
	b := resource.NewLease(client, "gpu", resource.WithLeaseRetry(10*time.Millisecond))

	ok, err := a.Acquire(ctx, 0)
	require.NoError(t, err)
	require.True(t, ok)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = a.Release(ctx)
	}()

	ok, err = b.Acquire(ctx, 2*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLeaseExpiry(t *testing.T) {
	mr, client := newTestRedis(t)
	ctx := context.Background()

	a := resource.NewLease(client, "gpu", resource.WithLeaseTTL(time.Minute))
	b := resource.NewLease(client, "gpu")

	ok, err := a.Acquire(ctx, 0)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Minute)

	ok, err = b.Acquire(ctx, 0)
	require.NoError(t, err)
	assert.True(t, ok, "an expired lease is free")

	assert.ErrorIs(t, a.Release(ctx), resource.ErrLeaseNotHeld, "a former holder must not release the new holder's lease")

	holder, err := b.Holder(ctx)
	require.NoError(t, err)
	assert.Equal(t, b.Owner(), holder)
}

func TestLeaseExtend(t *testing.T) {
	mr, client := newTestRedis(t)
	ctx := context.Background()

	a := resource.NewLease(client, "gpu", resource.WithLeaseTTL(time.Minute))
	assert.ErrorIs(t, a.Extend(ctx), resource.ErrLeaseNotHeld)

	ok, err := a.Acquire(ctx, 0)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(50 * time.Second)
	require.NoError(t, a.Extend(ctx))
	mr.FastForward(50 * time.Second)

	holder, err := a.Holder(ctx)
	require.NoError(t, err)
	assert.Equal(t, a.Owner(), holder)
}
