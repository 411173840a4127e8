// Package lock provides the per-trip serialisation primitive: a distributed
// lock held in a key-value store with a TTL so that a dead worker can never
// pin a trip forever.
package lock

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// KeyPrefix is the first segment of every lock key.
const KeyPrefix = "tripfeed"

// MakeKey joins the prefix and the given parts with '|', producing keys such
// as "tripfeed|handle|realtime.sherbrooke|R:vj1|2012-06-15 14:00:00".
func MakeKey(parts ...string) string {
	return strings.Join(append([]string{KeyPrefix}, parts...), "|")
}

// Locker hands out scoped locks. Implementations must be safe for concurrent
// use by multiple goroutines.
type Locker interface {
	// Acquire tries to take the lock without blocking. The returned Lock is
	// nil when the lock is already held elsewhere.
	Acquire(ctx context.Context, key string, ttl time.Duration) (*Lock, error)
}

// Lock is a scoped handle on an acquired lock. Release is idempotent and
// must be called on every exit path.
type Lock struct {
	key     string
	token   string
	release func(ctx context.Context, key, token string) error
	done    bool
}

// Key returns the lock's key.
func (l *Lock) Key() string { return l.key }

// Release frees the lock if this handle still owns it.
func (l *Lock) Release(ctx context.Context) error {
	if l == nil || l.done {
		return nil
	}
	l.done = true
	return l.release(ctx, l.key, l.token)
}

// releaseScript frees the key only when it still carries our token, so that
// a lock expired and re-acquired by someone else is never released by us.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisLocker implements Locker on a redis connection.
type RedisLocker struct {
	client *redis.Client

	// RetryWait and RetryMaxElapsed bound the retry policy applied to
	// connection errors. Non-connection errors surface immediately.
	RetryWait       time.Duration
	RetryMaxElapsed time.Duration
}

// NewRedisLocker builds a RedisLocker with the default retry policy
// (fixed 100ms wait, bounded at 5s).
func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{
		client:          client,
		RetryWait:       100 * time.Millisecond,
		RetryMaxElapsed: 5 * time.Second,
	}
}

// Acquire implements Locker with SET NX + TTL.
func (r *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lock, error) {
	token := uuid.NewString()
	var ok bool
	op := func() error {
		var err error
		ok, err = r.client.SetNX(ctx, key, token, ttl).Result()
		if err != nil && !isConnectionError(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	if err := backoff.Retry(op, r.policy(ctx)); err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return &Lock{key: key, token: token, release: r.releaseKey}, nil
}

func (r *RedisLocker) releaseKey(ctx context.Context, key, token string) error {
	op := func() error {
		err := releaseScript.Run(ctx, r.client, []string{key}, token).Err()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil && !isConnectionError(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.Retry(op, r.policy(ctx))
}

func (r *RedisLocker) policy(ctx context.Context) backoff.BackOff {
	constant := backoff.NewConstantBackOff(r.RetryWait)
	bounded := &boundedBackOff{delegate: constant, deadline: time.Now().Add(r.RetryMaxElapsed)}
	return backoff.WithContext(bounded, ctx)
}

// boundedBackOff stops a constant backoff after a wall-clock deadline.
type boundedBackOff struct {
	delegate backoff.BackOff
	deadline time.Time
}

func (b *boundedBackOff) NextBackOff() time.Duration {
	if time.Now().After(b.deadline) {
		return backoff.Stop
	}
	return b.delegate.NextBackOff()
}

func (b *boundedBackOff) Reset() { b.delegate.Reset() }

// isConnectionError reports whether err is a transport-level failure worth
// retrying. Everything else (wrong type, scripting errors...) fails fast.
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, redis.ErrClosed)
}
