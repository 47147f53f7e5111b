package session

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLockerSerializesKey(t *testing.T) {
	locker := NewMemoryLocker()
	ctx := context.Background()

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := locker.Lock(ctx, "s:1")
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
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			assert.NoError(t, unlock())
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, maxInside)
	assert.Empty(t, locker.locks, "released keys are forgotten")
}

func TestMemoryLockerIndependentKeys(t *testing.T) {
	locker := NewMemoryLocker()
	ctx := context.Background()

	unlockA, err := locker.Lock(ctx, "s:1")
	require.NoError(t, err)
	unlockB, err := locker.Lock(ctx, "s:2")
	require.NoError(t, err)
	require.NoError(t, unlockA())
	require.NoError(t, unlockB())
}

func TestMemoryLockerHonoursContext(t *testing.T) {
	locker := NewMemoryLocker()
	unlock, err := locker.Lock(context.Background(), "s:1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = locker.Lock(ctx, "s:1")
	assert.ErrorIs(t, err, ErrLockTimeout)

	require.NoError(t, unlock())
	require.NoError(t, unlock(), "double unlock is harmless")

	unlock, err = locker.Lock(context.Background(), "s:1")
	require.NoError(t, err)
	require.NoError(t, unlock())
}

func TestRedisLocker(t *testing.T) {
	client := newTestRedis(t)
	locker := NewRedisLocker(client, time.Second, 50*time.Millisecond)
	key := uuid.NewString()
	ctx := context.Background()

	unlock, err := locker.Lock(ctx, key)
	require.NoError(t, err)

	_, err = locker.Lock(ctx, key)
	assert.ErrorIs(t, err, ErrLockTimeout)

	require.NoError(t, unlock())
	unlock, err = locker.Lock(ctx, key)
	require.NoError(t, err)
	require.NoError(t, unlock())
}
