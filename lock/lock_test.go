package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exercise(t *testing.T, l Locker, key string) {
	t.Helper()
	var (
		inside  int32
		maxSeen int32
		wg      sync.WaitGroup
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(context.Background(), key)
			if !assert.NoError(t, err) {
				return
			}
			defer unlock()

			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxSeen)
				if n <= m || atomic.CompareAndSwapInt32(&maxSeen, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxSeen)
}

func TestKeyedMutexExcludes(t *testing.T) {
	m := NewKeyedMutex()
	exercise(t, m, "account:A")
	assert.Equal(t, 0, m.Len())
}

func TestKeyedMutexIndependentKeys(t *testing.T) {
	m := NewKeyedMutex()
	unlockA, err := m.Lock(context.Background(), "a")
	require.NoError(t, err)
	defer unlockA()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	unlockB, err := m.Lock(ctx, "b")
	require.NoError(t, err)
	unlockB()
}

func TestKeyedMutexContextCancel(t *testing.T) {
	m := NewKeyedMutex()
	unlock, err := m.Lock(context.Background(), "k")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = m.Lock(ctx, "k")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock()
	assert.Equal(t, 0, m.Len())
}

func newMiniRedisLocker(t *testing.T, ttl time.Duration) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := NewRedisClient(mr.Addr(), "", 0)
	t.Cleanup(func() { _ = client.Close() })

	l := NewRedisLocker(client, ttl)
	l.poll = 5 * time.Millisecond
	return l, mr
}

func TestRedisLocker(t *testing.T) {
	l, mr := newMiniRedisLocker(t, 10*time.Second)
	exercise(t, l, "test:"+uuid.NewString())

	unlock, err := l.Lock(context.Background(), "account:a")
	require.NoError(t, err)
	assert.True(t, mr.Exists("escrow:lock:account:a"))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "account:a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	assert.False(t, mr.Exists("escrow:lock:account:a"))
}

func TestRedisLockerRenewsLease(t *testing.T) {
	const name = "escrow:lock:account:slow"
	l, mr := newMiniRedisLocker(t, 300*time.Millisecond)

	unlock, err := l.Lock(context.Background(), "account:slow")
	require.NoError(t, err)

	// 50ms of lease left; only a renewal keeps the key past the next jump
	mr.FastForward(250 * time.Millisecond)
	time.Sleep(250 * time.Millisecond)
	mr.FastForward(150 * time.Millisecond)
	require.True(t, mr.Exists(name), "lease expired while held")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "account:slow")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	assert.False(t, mr.Exists(name))
}

func TestRedisLockerReleaseKeepsForeignLease(t *testing.T) {
	const name = "escrow:lock:account:b"
	l, mr := newMiniRedisLocker(t, time.Minute)

	stale, err := l.Lock(context.Background(), "account:b")
	require.NoError(t, err)

	// the holder stalled past its lease and another process took the key
	mr.FastForward(2 * time.Minute)
	require.False(t, mr.Exists(name))
	fresh, err := l.Lock(context.Background(), "account:b")
	require.NoError(t, err)

	stale()
	assert.True(t, mr.Exists(name))
	fresh()
	assert.False(t, mr.Exists(name))
}
