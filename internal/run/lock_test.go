package run

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/triage/model"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

// exclusive runs n goroutines through l for the same run and reports the
// highest number of holders seen at once.
func exclusive(t *testing.T, l Locker, n int) int32 {
	t.Helper()
	var holders, peak int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(context.Background(), "run-1")
			if err != nil {
				t.Errorf("Lock() error = %v", err)
				return
			}
			cur := atomic.AddInt32(&holders, 1)
			for {
				old := atomic.LoadInt32(&peak)
				if cur <= old || atomic.CompareAndSwapInt32(&peak, old, cur) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&holders, -1)
			unlock()
		}()
	}
	wg.Wait()
	return peak
}

// --- MemoryLocker ---

func TestMemoryLocker_exclusive(t *testing.T) {
	if peak := exclusive(t, NewMemoryLocker(0), 16); peak != 1 {
		t.Errorf("peak holders = %d, want 1", peak)
	}
}

func TestMemoryLocker_contextCancelled(t *testing.T) {
	l := NewMemoryLocker(1)
	unlock, err := l.Lock(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("Lock() error = %v", err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "run-2")
	if !model.IsCode(err, model.ErrConflict) {
		t.Fatalf("Lock() with busy stripe error = %v, want CONFLICT", err)
	}
}

func TestMemoryLocker_releaseAllowsNextHolder(t *testing.T) {
	l := NewMemoryLocker(4)
	for i := 0; i < 3; i++ {
		unlock, err := l.Lock(context.Background(), "run-1")
		if err != nil {
			t.Fatalf("Lock() #%d error = %v", i, err)
		}
		unlock()
	}
}

// --- RedisLocker ---

func TestRedisLocker_exclusive(t *testing.T) {
	_, client := newTestRedis(t)
	l := NewRedisLocker(client, 5*time.Second, 5*time.Second)
	l.retry = time.Millisecond

	if peak := exclusive(t, l, 8); peak != 1 {
		t.Errorf("peak holders = %d, want 1", peak)
	}
}

func TestRedisLocker_keyLifecycle(t *testing.T) {
	mr, client := newTestRedis(t)
	l := NewRedisLocker(client, 5*time.Second, 0)

	unlock, err := l.Lock(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("Lock() error = %v", err)
	}
	key := FormatLockKey("run-1")
	if !mr.Exists(key) {
		t.Fatalf("key %q not set", key)
	}
	if ttl := mr.TTL(key); ttl <= 0 || ttl > 5*time.Second {
		t.Errorf("TTL = %v, want (0, 5s]", ttl)
	}

	unlock()
	if mr.Exists(key) {
		t.Errorf("key %q still set after unlock", key)
	}
}

func TestRedisLocker_waitExpires(t *testing.T) {
	_, client := newTestRedis(t)
	l := NewRedisLocker(client, 5*time.Second, 20*time.Millisecond)
	l.retry = 5 * time.Millisecond

	unlock, err := l.Lock(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("Lock() error = %v", err)
	}
	defer unlock()

	_, err = l.Lock(context.Background(), "run-1")
	if !model.IsCode(err, model.ErrConflict) {
		t.Fatalf("second Lock() error = %v, want CONFLICT", err)
	}
}

func TestRedisLocker_unlockKeepsForeignLock(t *testing.T) {
	mr, client := newTestRedis(t)
	l := NewRedisLocker(client, time.Second, 0)

	unlock, err := l.Lock(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("Lock() error = %v", err)
	}

	// The lock expires and another holder takes it.
	mr.FastForward(2 * time.Second)
	key := FormatLockKey("run-1")
	if err := mr.Set(key, "someone-else"); err != nil {
		t.Fatal(err)
	}

	unlock()
	got, err := mr.Get(key)
	if err != nil {
		t.Fatalf("foreign lock removed: %v", err)
	}
	if got != "someone-else" {
		t.Errorf("lock value = %q, want someone-else", got)
	}
}

func TestRedisLocker_expiredLockIsReacquired(t *testing.T) {
	mr, client := newTestRedis(t)
	l := NewRedisLocker(client, time.Second, 0)

	if _, err := l.Lock(context.Background(), "run-1"); err != nil {
		t.Fatalf("Lock() error = %v", err)
	}
	mr.FastForward(2 * time.Second)

	unlock, err := l.Lock(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("Lock() after expiry error = %v", err)
	}
	unlock()
}

func TestRedisLocker_redisDown(t *testing.T) {
	mr, client := newTestRedis(t)
	l := NewRedisLocker(client, time.Second, 0)
	mr.Close()

	_, err := l.Lock(context.Background(), "run-1")
	if err == nil {
		t.Fatal("Lock() with redis down should return error")
	}
	if model.ErrorCode(err) != "" {
		t.Errorf("error code = %q, want an infrastructure error", model.ErrorCode(err))
	}
	if err := l.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck() with redis down should return error")
	}
}

func TestFormatLockKey(t *testing.T) {
	if got := FormatLockKey("abc"); got != "triage:run-lock:abc" {
		t.Errorf("FormatLockKey() = %q", got)
	}
}
