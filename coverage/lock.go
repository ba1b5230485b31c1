package coverage

import (
	"context"
	"path/filepath"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/gofrs/flock"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultLockRetryDelay = 10 * time.Millisecond
	DefaultLockTimeout    = time.Minute

	DefaultRedisLockExpiry = 30 * time.Second
	redisLockPrefix        = "op-tester:coverage:"
)

// Locker serializes store transactions across goroutines and processes.
// Acquisition failures are fatal; there is no unlocked fallback.
type Locker interface {
	Lock(ctx context.Context) (Lease, error)
}

// Lease is one held acquisition of a Locker.
type Lease interface {
	// Renew fails with ErrLockUnavailable when the hold has lapsed and
	// otherwise extends it where it can expire. Writers call it right before
	// replacing the backing file.
	Renew(ctx context.Context) error
	Release() error
}

// FileLocker holds an exclusive flock on a sidecar lock file next to the
// store. Every acquisition opens its own descriptor, so acquisitions contend
// inside a single process as well as across processes.
type FileLocker struct {
	Path       string
	RetryDelay time.Duration
	// Timeout bounds one acquisition in addition to the caller's context.
	Timeout time.Duration
}

// NewFileLocker locks storePath + ".lock".
func NewFileLocker(storePath string) *FileLocker {
	return &FileLocker{
		Path:       storePath + ".lock",
		RetryDelay: DefaultLockRetryDelay,
		Timeout:    DefaultLockTimeout,
	}
}

func (l *FileLocker) Lock(ctx context.Context) (Lease, error) {
	if l.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.Timeout)
		defer cancel()
	}

	fl := flock.New(l.Path)
	locked, err := fl.TryLockContext(ctx, l.RetryDelay)
	if err != nil {
		return nil, errors.Wrapf(ErrLockUnavailable, "%s: %v", l.Path, err)
	}
	if !locked {
		return nil, errors.Wrapf(ErrLockUnavailable, "%s", l.Path)
	}
	return &fileLease{fl: fl}, nil
}

type fileLease struct {
	fl *flock.Flock
}

// Renew only checks: a flock lasts until it is released.
func (l *fileLease) Renew(context.Context) error {
	if !l.fl.Locked() {
		return errors.Wrapf(ErrLockUnavailable, "%s is no longer locked", l.fl.Path())
	}
	return nil
}

func (l *fileLease) Release() error {
	return l.fl.Unlock()
}

// RedisLocker is a distributed mutex for stores living on shared network
// filesystems where flock cannot be trusted.
type RedisLocker struct {
	rs   *redsync.Redsync
	name string
	opts []redsync.Option
}

// RedisLockName derives the mutex name for a store path.
func RedisLockName(storePath string) string {
	if abs, err := filepath.Abs(storePath); err == nil {
		storePath = abs
	}
	return redisLockPrefix + filepath.ToSlash(storePath)
}

// NewRedisLocker builds a locker on client. opts are appended to the
// defaults: DefaultRedisLockExpiry expiry, retries every
// DefaultLockRetryDelay for up to DefaultLockTimeout.
func NewRedisLocker(client redis.UniversalClient, name string, opts ...redsync.Option) *RedisLocker {
	defaults := []redsync.Option{
		redsync.WithExpiry(DefaultRedisLockExpiry),
		redsync.WithRetryDelay(DefaultLockRetryDelay),
		redsync.WithTries(int(DefaultLockTimeout / DefaultLockRetryDelay)),
	}
	return &RedisLocker{
		rs:   redsync.New(goredis.NewPool(client)),
		name: name,
		opts: append(defaults, opts...),
	}
}

func (l *RedisLocker) Lock(ctx context.Context) (Lease, error) {
	m := l.rs.NewMutex(l.name, l.opts...)
	if err := m.LockContext(ctx); err != nil {
		return nil, errors.Wrapf(ErrLockUnavailable, "redis mutex %s: %v", l.name, err)
	}
	return &redisLease{m: m, name: l.name}, nil
}

type redisLease struct {
	m    *redsync.Mutex
	name string
}

// Renew refuses once the local validity window has passed, since another
// writer may already hold the mutex, and otherwise restarts the expiry.
func (l *redisLease) Renew(ctx context.Context) error {
	if !time.Now().Before(l.m.Until()) {
		return errors.Wrapf(ErrLockUnavailable, "redis mutex %s expired at %s", l.name, l.m.Until().Format(time.RFC3339Nano))
	}
	ok, err := l.m.ExtendContext(ctx)
	if err != nil || !ok {
		return errors.Wrapf(ErrLockUnavailable, "failed to extend redis mutex %s: %v", l.name, err)
	}
	return nil
}

func (l *redisLease) Release() error {
	ok, err := l.m.UnlockContext(context.Background())
	if err != nil {
		return errors.Wrapf(err, "failed to release redis mutex %s", l.name)
	}
	if !ok {
		return errors.Errorf("redis mutex %s expired before release", l.name)
	}
	return nil
}
