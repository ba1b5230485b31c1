package coverage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis"
	"github.com/go-redsync/redsync/v4"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseMutualExclusion(t *testing.T, lockers []Locker) {
	t.Helper()
	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	for _, l := range lockers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := l.Lock(context.Background())
			if !assert.NoError(t, err) {
				return
			}
			n := inside.Add(1)
			for {
				cur := maxInside.Load()
				if n <= cur || maxInside.CompareAndSwap(cur, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			inside.Add(-1)
			assert.NoError(t, lease.Release())
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside.Load())
}

func TestFileLockerMutualExclusion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "coverage.json")
	lockers := make([]Locker, 6)
	for i := range lockers {
		lockers[i] = NewFileLocker(path)
	}
	exerciseMutualExclusion(t, lockers)
}

func TestFileLockerTimeout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "coverage.json")
	first := NewFileLocker(path)
	lease, err := first.Lock(context.Background())
	require.NoError(t, err)

	second := NewFileLocker(path)
	second.Timeout = 30 * time.Millisecond
	_, err = second.Lock(context.Background())
	require.ErrorIs(t, err, ErrLockUnavailable)
	assert.Contains(t, err.Error(), path+".lock")

	require.NoError(t, lease.Release())
	lease, err = second.Lock(context.Background())
	require.NoError(t, err)
	require.NoError(t, lease.Release())
}

func newTestRedis(t *testing.T) redis.UniversalClient {
	t.Helper()
	redisServer, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(redisServer.Close)

	return redis.NewClient(&redis.Options{
		Addr: fmt.Sprintf("127.0.0.1:%s", redisServer.Port()),
	})
}

func TestRedisLockerMutualExclusion(t *testing.T) {
	client := newTestRedis(t)
	name := RedisLockName(filepath.Join(t.TempDir(), "coverage.json"))

	lockers := make([]Locker, 4)
	for i := range lockers {
		lockers[i] = NewRedisLocker(client, name, redsync.WithRetryDelay(2*time.Millisecond))
	}
	exerciseMutualExclusion(t, lockers)
}

func TestRedisLockerUnavailable(t *testing.T) {
	client := newTestRedis(t)
	name := RedisLockName("/shared/coverage.json")

	holder := NewRedisLocker(client, name)
	lease, err := holder.Lock(context.Background())
	require.NoError(t, err)

	waiter := NewRedisLocker(client, name, redsync.WithTries(3), redsync.WithRetryDelay(time.Millisecond))
	_, err = waiter.Lock(context.Background())
	require.ErrorIs(t, err, ErrLockUnavailable)

	require.NoError(t, lease.Release())
	lease, err = waiter.Lock(context.Background())
	require.NoError(t, err)
	require.NoError(t, lease.Release())
}

func TestStoreWithRedisLocker(t *testing.T) {
	ctx := context.Background()
	client := newTestRedis(t)
	path := newStorePath(t)
	locker := NewRedisLocker(client, RedisLockName(path))

	s := openStore(t, path, nil, WithLocker(locker))
	require.NoError(t, s.RecordRun(ctx, "r1", covered("f", 1)))
	require.NoError(t, Record(ctx, path, "r2", covered("f", 1), locker))
	require.NoError(t, s.Reload(ctx))
	assert.Equal(t, []string{"r1", "r2"}, s.CoveredBy("f", 1))
}

func TestFileLeaseRenew(t *testing.T) {
	lease, err := NewFileLocker(filepath.Join(t.TempDir(), "coverage.json")).Lock(context.Background())
	require.NoError(t, err)
	require.NoError(t, lease.Renew(context.Background()))
	require.NoError(t, lease.Release())
	require.ErrorIs(t, lease.Renew(context.Background()), ErrLockUnavailable)
}

func TestRedisLeaseRenewExtendsExpiry(t *testing.T) {
	client := newTestRedis(t)
	locker := NewRedisLocker(client, RedisLockName("/shared/coverage.json"), redsync.WithExpiry(time.Second))
	lease, err := locker.Lock(context.Background())
	require.NoError(t, err)

	first := lease.(*redisLease).m.Until()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, lease.Renew(context.Background()))
	assert.True(t, lease.(*redisLease).m.Until().After(first))
	require.NoError(t, lease.Release())
}

// A transaction that outlives the mutex expiry must not write: another
// writer may already be inside.
func TestUpdateRefusesWriteAfterRedisExpiry(t *testing.T) {
	ctx := context.Background()
	client := newTestRedis(t)
	path := newStorePath(t)
	locker := NewRedisLocker(client, RedisLockName(path), redsync.WithExpiry(50*time.Millisecond))

	before, err := os.ReadFile(path)
	require.NoError(t, err)

	_, err = Update(ctx, path, locker, func(runs map[string]*RunCoverage) error {
		time.Sleep(100 * time.Millisecond)
		runs["late"] = covered("f", 1)
		return nil
	})
	require.ErrorIs(t, err, ErrLockUnavailable)

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	// A transaction inside the window still writes.
	_, err = Update(ctx, path, locker, insertRun(path, "prompt", covered("f", 1)))
	require.NoError(t, err)
}

func TestRedisLockName(t *testing.T) {
	assert.Equal(t, "op-tester:coverage:/shared/coverage.json", RedisLockName("/shared/coverage.json"))
}
