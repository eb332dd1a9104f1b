package run

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/triage/model"
)

// Locker serializes writers of a single run. Lock blocks until the run is
// free or ctx is done; the returned function releases the lock.
type Locker interface {
	Lock(ctx context.Context, runID string) (unlock func(), err error)
}

// --- MemoryLocker ---

const defaultStripes = 64

// MemoryLocker is a striped in-process Locker. Runs hashing to the same
// stripe share a lock, which only costs concurrency.
type MemoryLocker struct {
	stripes []chan struct{}
}

// NewMemoryLocker creates a MemoryLocker with n stripes. n <= 0 uses a
// default.
func NewMemoryLocker(n int) *MemoryLocker {
	if n <= 0 {
		n = defaultStripes
	}
	l := &MemoryLocker{stripes: make([]chan struct{}, n)}
	for i := range l.stripes {
		l.stripes[i] = make(chan struct{}, 1)
	}
	return l
}

// Lock acquires the stripe of runID.
func (l *MemoryLocker) Lock(ctx context.Context, runID string) (func(), error) {
	h := fnv.New32a()
	h.Write([]byte(runID))
	stripe := l.stripes[h.Sum32()%uint32(len(l.stripes))]

	select {
	case stripe <- struct{}{}:
		return func() { <-stripe }, nil
	case <-ctx.Done():
		return nil, model.NewRunLockedError(runID)
	}
}

// --- RedisLocker ---

// releaseScript deletes the lock only if this holder still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is a Redis-backed Locker using SET NX PX, safe across service
// instances. Locks expire after ttl so a crashed holder cannot wedge a run.
type RedisLocker struct {
	client redis.Cmdable
	ttl    time.Duration
	wait   time.Duration
	retry  time.Duration
}

// NewRedisLocker creates a RedisLocker. wait bounds how long Lock retries
// before reporting the run as locked.
func NewRedisLocker(client redis.Cmdable, ttl, wait time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &RedisLocker{client: client, ttl: ttl, wait: wait, retry: 25 * time.Millisecond}
}

// Lock acquires the lock key of runID, retrying until wait elapses.
func (l *RedisLocker) Lock(ctx context.Context, runID string) (func(), error) {
	key := FormatLockKey(runID)
	token := uuid.NewString()
	deadline := time.Now().Add(l.wait)

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("redis setnx %q: %w", key, err)
		}
		if ok {
			return func() {
				// The request context may already be cancelled.
				ctx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()
				// An expired lock is fine; the TTL already released it.
				_ = releaseScript.Run(ctx, l.client, []string{key}, token).Err()
			}, nil
		}
		if time.Now().After(deadline) {
			return nil, model.NewRunLockedError(runID)
		}
		select {
		case <-time.After(l.retry):
		case <-ctx.Done():
			return nil, model.NewRunLockedError(runID)
		}
	}
}

// FormatLockKey builds the Redis key guarding a run.
func FormatLockKey(runID string) string {
	return fmt.Sprintf("triage:run-lock:%s", runID)
}

// HealthCheck pings Redis.
func (l *RedisLocker) HealthCheck(ctx context.Context) error {
	if err := l.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}
