package redislock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupLocker(t *testing.T, cfg Config) (*miniredis.Miniredis, *Locker) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, New(client, cfg, nil)
}

func TestLockUnlock(t *testing.T) {
	mr, locker := setupLocker(t, DefaultConfig())
	ctx := context.Background()

	unlock, err := locker.Lock(ctx, "mtr:session:s1")
	require.NoError(t, err)
	assert.True(t, mr.Exists("mtr:session:s1"))
	assert.Greater(t, mr.TTL("mtr:session:s1"), time.Duration(0))

	unlock()
	assert.False(t, mr.Exists("mtr:session:s1"))
}

func TestLockContended(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Wait = 100 * time.Millisecond
	cfg.RetryInterval = 10 * time.Millisecond
	_, locker := setupLocker(t, cfg)
	ctx := context.Background()

	unlock, err := locker.Lock(ctx, "k")
	require.NoError(t, err)
	defer unlock()

	_, err = locker.Lock(ctx, "k")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotAcquired))

	other, err := locker.Lock(ctx, "other")
	require.NoError(t, err, "different keys are independent")
	other()
}

func TestUnlockKeepsForeignLock(t *testing.T) {
	mr, locker := setupLocker(t, DefaultConfig())
	ctx := context.Background()

	unlock, err := locker.Lock(ctx, "k")
	require.NoError(t, err)

	// our lock expired and someone else took the key
	mr.Set("k", "someone-else")
	unlock()

	value, err := mr.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "someone-else", value)
}

func TestLockSerializesHolders(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RetryInterval = time.Millisecond
	_, locker := setupLocker(t, cfg)
	ctx := context.Background()

	var (
		mu      sync.Mutex
		holders int
		maxSeen int
		wg      sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := locker.Lock(ctx, "shared")
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			holders++
			if holders > maxSeen {
				maxSeen = holders
			}
			mu.Unlock()

			time.Sleep(2 * time.Millisecond)

			mu.Lock()
			holders--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxSeen)
}
