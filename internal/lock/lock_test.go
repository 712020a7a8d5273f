package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() }) //nolint:errcheck
	return NewRedis(client, RedisConfig{TTL: time.Minute, RetryInterval: 5 * time.Millisecond}), mr
}

func lockers(t *testing.T) map[string]Locker {
	r, _ := newTestRedis(t)
	return map[string]Locker{"local": NewLocal(), "redis": r}
}

func TestLocker_TryLockExclusive(t *testing.T) {
	for name, l := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			unlock, err := l.TryLock(ctx, Campaign("c1"))
			require.NoError(t, err)

			_, err = l.TryLock(ctx, Campaign("c1"))
			assert.ErrorIs(t, err, ErrNotAcquired)

			other, err := l.TryLock(ctx, Campaign("c2"))
			require.NoError(t, err)
			other()

			unlock()
			unlock() // second call is a no-op

			again, err := l.TryLock(ctx, Campaign("c1"))
			require.NoError(t, err)
			again()
		})
	}
}

func TestLocker_LockWaitsForRelease(t *testing.T) {
	for name, l := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			unlock, err := l.Lock(ctx, Deal("d1"))
			require.NoError(t, err)

			acquired := make(chan struct{})
			go func() {
				u, err := l.Lock(ctx, Deal("d1"))
				if err == nil {
					close(acquired)
					u()
				}
			}()

			select {
			case <-acquired:
				t.Fatal("second Lock acquired while held")
			case <-time.After(30 * time.Millisecond):
			}
			unlock()

			select {
			case <-acquired:
			case <-time.After(2 * time.Second):
				t.Fatal("second Lock never acquired")
			}
		})
	}
}

func TestLocker_LockHonorsContext(t *testing.T) {
	for name, l := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			unlock, err := l.TryLock(context.Background(), Batch("b1"))
			require.NoError(t, err)
			defer unlock()

			ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
			defer cancel()
			_, err = l.Lock(ctx, Batch("b1"))
			assert.ErrorIs(t, err, context.DeadlineExceeded)
		})
	}
}

func TestLocal_MutualExclusion(t *testing.T) {
	l := NewLocal()
	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(context.Background(), Deal("d1"))
			if err != nil {
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside)
	assert.Empty(t, l.slots)
}

func TestRedis_ExpiredLeaseIsNotReleasedByOldHolder(t *testing.T) {
	r, mr := newTestRedis(t)
	ctx := context.Background()

	stale, err := r.TryLock(ctx, Campaign("c1"))
	require.NoError(t, err)
	mr.FastForward(2 * time.Minute)

	fresh, err := r.TryLock(ctx, Campaign("c1"))
	require.NoError(t, err)

	stale()
	assert.True(t, mr.Exists(Campaign("c1")), "stale unlock must not delete the new lease")

	fresh()
	assert.False(t, mr.Exists(Campaign("c1")))
}

func TestRedis_LeaseHasTTL(t *testing.T) {
	r, mr := newTestRedis(t)
	unlock, err := r.TryLock(context.Background(), Deal("d9"))
	require.NoError(t, err)
	defer unlock()
	assert.Equal(t, time.Minute, mr.TTL(Deal("d9")))
}

func TestLocker_HoldEndsWithUnlock(t *testing.T) {
	for name, l := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			held, unlock, err := l.Hold(ctx, Campaign("c7"))
			require.NoError(t, err)
			assert.NoError(t, held.Err())

			_, _, err = l.Hold(ctx, Campaign("c7"))
			assert.ErrorIs(t, err, ErrNotAcquired)

			unlock()
			assert.ErrorIs(t, held.Err(), context.Canceled)

			again, err := l.TryLock(ctx, Campaign("c7"))
			require.NoError(t, err)
			again()
		})
	}
}

func TestRedis_LiveHolderKeepsLease(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() }) //nolint:errcheck
	r := NewRedis(client, RedisConfig{TTL: time.Minute, RenewInterval: 10 * time.Millisecond})
	ctx := context.Background()
	key := Campaign("c1")

	held, unlock, err := r.Hold(ctx, key)
	require.NoError(t, err)

	// Two TTLs of fake time pass, each followed by a renewal.
	for i := 0; i < 2; i++ {
		mr.FastForward(50 * time.Second)
		assert.Eventually(t, func() bool { return mr.TTL(key) == time.Minute }, 2*time.Second, 5*time.Millisecond)
	}

	_, err = r.TryLock(ctx, key)
	assert.ErrorIs(t, err, ErrNotAcquired)
	assert.NoError(t, held.Err())

	unlock()
	assert.False(t, mr.Exists(key))
}

func TestRedis_LostLeaseCancelsHolder(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() }) //nolint:errcheck
	r := NewRedis(client, RedisConfig{TTL: time.Minute, RenewInterval: 10 * time.Millisecond})
	key := Campaign("c1")

	held, unlock, err := r.Hold(context.Background(), key)
	require.NoError(t, err)

	// Another worker owns the key after the lease expired unnoticed.
	require.NoError(t, mr.Set(key, "other-worker"))

	select {
	case <-held.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("holder context not cancelled after losing the lease")
	}
	assert.ErrorIs(t, context.Cause(held), ErrLeaseLost)

	unlock()
	got, err := mr.Get(key)
	require.NoError(t, err)
	assert.Equal(t, "other-worker", got)
}
