// Package runlock keeps two refresh runs from overlapping across processes.
//
// The lock is a Redis key set with NX and a TTL, owned by the run ID stored in it.
// Release deletes the key only if it still holds that run ID, so a run whose lock
// expired cannot release a lock another run has since taken.
package runlock

import (
	"context"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// ErrLocked is returned by Acquire when another run holds the lock.
var ErrLocked = errors.New("runlock: another refresh run holds the lock")

const DefaultKey = "flytie:refresh:lock"

// releaseScript deletes KEYS[1] only if it holds ARGV[1].
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

// Store is the subset of Redis the lock needs.
type Store interface {
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Eval(ctx context.Context, script string, keys []string, args ...any) (any, error)
}

// Locker hands out the refresh run lock.
type Locker interface {
	// Acquire takes the lock for runID. The returned release func gives it back.
	Acquire(ctx context.Context, runID string) (release func(context.Context) error, err error)
}

// RedisLocker is a Locker backed by a single Redis key.
type RedisLocker struct {
	store Store
	key   string
	ttl   time.Duration
}

// New creates a RedisLocker. ttl bounds how long a crashed run can block others and
// should exceed the longest expected run.
func New(store Store, key string, ttl time.Duration) *RedisLocker {
	if key == "" {
		key = DefaultKey
	}
	return &RedisLocker{store: store, key: key, ttl: ttl}
}

func (l *RedisLocker) Acquire(ctx context.Context, runID string) (func(context.Context) error, error) {
	ok, err := l.store.SetNX(ctx, l.key, runID, l.ttl)
	if err != nil {
		return nil, fmt.Errorf("acquire run lock: %w", err)
	}
	if !ok {
		return nil, ErrLocked
	}

	release := func(ctx context.Context) error {
		if _, err := l.store.Eval(ctx, releaseScript, []string{l.key}, runID); err != nil {
			return fmt.Errorf("release run lock: %w", err)
		}
		return nil
	}
	return release, nil
}

// Noop is a Locker that always succeeds, used when no Redis is configured.
type Noop struct{}

func (Noop) Acquire(context.Context, string) (func(context.Context) error, error) {
	return func(context.Context) error { return nil }, nil
}

// GoRedisStore adapts a go-redis client to Store.
type GoRedisStore struct{ c *redis.Client }

// NewGoRedisStore connects to Redis at addr.
func NewGoRedisStore(addr, password string, db int) *GoRedisStore {
	return &GoRedisStore{c: redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})}
}

func (g *GoRedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return g.c.SetNX(ctx, key, value, ttl).Result()
}

func (g *GoRedisStore) Eval(ctx context.Context, script string, keys []string, args ...any) (any, error) {
	return g.c.Eval(ctx, script, keys, args...).Result()
}

// Ping checks the connection.
func (g *GoRedisStore) Ping(ctx context.Context) error {
	return g.c.Ping(ctx).Err()
}

func (g *GoRedisStore) Close() error {
	return g.c.Close()
}
