package resource

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Lease is a Redis-held turn on the shared resource. Producers that agree on the key take turns; each
// holder is identified by a random owner token, so a lease that expired and was taken over is never
// released by its former holder.
type Lease struct {
	client *redis.Client
	key    string
	owner  string
	ttl    time.Duration
	retry  time.Duration
	logger *slog.Logger
}

// LeaseOption configures a Lease.
type LeaseOption func(*Lease)

// DefaultLeaseKey is the key producers contend on unless configured otherwise.
const DefaultLeaseKey = "episodic:gpu-lease"

var (
	defaultLeaseTTL   = 10 * time.Minute
	defaultLeaseRetry = time.Second

	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// ErrLeaseNotHeld is returned when releasing or extending a lease this holder does not own.
var ErrLeaseNotHeld = errors.New("lease not held")

// NewLease creates a lease on key, DefaultLeaseKey when empty. The caller owns the client.
func NewLease(client *redis.Client, key string, options ...LeaseOption) *Lease {
	if key == "" {
		key = DefaultLeaseKey
	}
	l := &Lease{
		client: client,
		key:    key,
		owner:  uuid.New().String(),
		ttl:    defaultLeaseTTL,
		retry:  defaultLeaseRetry,
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(l)
	}
	return l
}

// WithLeaseTTL bounds how long a crashed holder can block others.
func WithLeaseTTL(ttl time.Duration) LeaseOption {
	return func(l *Lease) {
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

// WithLeaseRetry sets the delay between acquisition attempts.
func WithLeaseRetry(d time.Duration) LeaseOption {
	return func(l *Lease) {
		if d > 0 {
			l.retry = d
		}
	}
}

// WithLeaseLogger sets the logger of the lease.
func WithLeaseLogger(logger *slog.Logger) LeaseOption {
	return func(l *Lease) {
		l.logger = logger
	}
}

// Owner returns this holder's token.
func (l *Lease) Owner() string {
	return l.owner
}

// Acquire tries to take the lease until wait elapses. It reports whether the lease is held. Acquiring a
// lease already held by this holder refreshes its expiry.
func (l *Lease) Acquire(ctx context.Context, wait time.Duration) (bool, error) {
	deadline := time.Now().Add(wait)

	for {
		ok, err := l.client.SetNX(ctx, l.key, l.owner, l.ttl).Result()
		if err != nil {
			return false, fmt.Errorf("failed to acquire lease %s: %w", l.key, err)
		}
		if ok {
			l.logger.Debug("lease acquired", "key", l.key, "owner", l.owner)
			return true, nil
		}

		if err := l.Extend(ctx); err == nil {
			return true, nil
		} else if !errors.Is(err, ErrLeaseNotHeld) {
			return false, err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			holder, _ := l.Holder(ctx)
			l.logger.Info("lease busy", "key", l.key, "holder", holder)
			return false, nil
		}

		timer := time.NewTimer(min(l.retry, remaining))
		select {
		case <-ctx.Done():
			timer.Stop()
			return false, ctx.Err()
		case <-timer.C:
		}
	}
}

// Extend pushes the expiry of a held lease out by its TTL.
func (l *Lease) Extend(ctx context.Context) error {
	n, err := extendScript.Run(ctx, l.client, []string{l.key}, l.owner, l.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("failed to extend lease %s: %w", l.key, err)
	}
	if n == 0 {
		return ErrLeaseNotHeld
	}
	return nil
}

// Release gives the lease up if this holder still owns it.
func (l *Lease) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.owner).Int()
	if err != nil {
		return fmt.Errorf("failed to release lease %s: %w", l.key, err)
	}
	if n == 0 {
		return ErrLeaseNotHeld
	}
	l.logger.Debug("lease released", "key", l.key, "owner", l.owner)
	return nil
}

// Holder returns the owner token of the current holder, empty when the lease is free.
func (l *Lease) Holder(ctx context.Context) (string, error) {
	owner, err := l.client.Get(ctx, l.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read lease %s: %w", l.key, err)
	}
	return owner, nil
}
