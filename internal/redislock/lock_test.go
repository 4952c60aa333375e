package redislock_test

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

	"github.com/technosupport/ts-license/internal/license"
	"github.com/technosupport/ts-license/internal/redislock"
)

func newLocker(t *testing.T, wait time.Duration) (*redislock.Locker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return redislock.New(client, 5*time.Second, wait), mr
}

func TestLock_MutualExclusion(t *testing.T) {
	l, _ := newLocker(t, 5*time.Second)
	ctx := context.Background()

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(ctx, "GTMS-AAAA")
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside)
}

func TestLock_TimeoutIsTransient(t *testing.T) {
	l, _ := newLocker(t, 50*time.Millisecond)
	ctx := context.Background()

	unlock, err := l.Lock(ctx, "GTMS-AAAA")
	require.NoError(t, err)
	defer unlock()

	_, err = l.Lock(ctx, "GTMS-AAAA")
	assert.True(t, license.IsTransient(err))
	assert.ErrorIs(t, err, redislock.ErrLockTimeout)

	other, err := l.Lock(ctx, "GTMS-BBBB")
	require.NoError(t, err)
	other()
}

func TestLock_ReleaseKeepsForeignToken(t *testing.T) {
	l, mr := newLocker(t, time.Second)
	ctx := context.Background()

	unlock, err := l.Lock(ctx, "GTMS-AAAA")
	require.NoError(t, err)

	// Lease expired and someone else took it.
	mr.Set("license_lock:GTMS-AAAA", "someone-else")
	unlock()

	v, err := mr.Get("license_lock:GTMS-AAAA")
	require.NoError(t, err)
	assert.Equal(t, "someone-else", v)
}

func TestLock_RedisDownIsTransient(t *testing.T) {
	l, mr := newLocker(t, 100*time.Millisecond)
	mr.Close()

	_, err := l.Lock(context.Background(), "GTMS-AAAA")
	assert.True(t, license.IsTransient(err))
}

func TestLock_RenewsLeaseWhileHeld(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	l := redislock.New(client, 300*time.Millisecond, time.Second)

	unlock, err := l.Lock(context.Background(), "GTMS-AAAA")
	require.NoError(t, err)

	// Simulate most of the lease passing; the holder must push it back out.
	mr.FastForward(250 * time.Millisecond)
	require.Eventually(t, func() bool {
		return mr.TTL("license_lock:GTMS-AAAA") > 100*time.Millisecond
	}, 2*time.Second, 20*time.Millisecond)

	unlock()
	assert.False(t, mr.Exists("license_lock:GTMS-AAAA"))
}

func TestLock_UnlockIsIdempotentAndConcurrentSafe(t *testing.T) {
	l, mr := newLocker(t, time.Second)
	ctx := context.Background()

	unlock, err := l.Lock(ctx, "GTMS-AAAA")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock()
		}()
	}
	wg.Wait()

	next, err := l.Lock(ctx, "GTMS-AAAA")
	require.NoError(t, err)
	defer next()

	// A late call from the previous holder must not free the new one.
	unlock()
	assert.True(t, mr.Exists("license_lock:GTMS-AAAA"))
}
