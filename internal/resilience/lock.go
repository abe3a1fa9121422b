package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"lattice-backend/internal/errors"
)

// Locker is a single-key mutex with TTL-bounded ownership.
type Locker interface {
	// Acquire takes the lock, retrying with backoff. The returned release
	// function only releases the caller's own acquisition.
	Acquire(ctx context.Context, key string) (release func(context.Context) error, err error)
}

// LockConfig tunes acquisition behavior.
type LockConfig struct {
	TTL           time.Duration
	RetryAttempts int
	RetryDelay    time.Duration
}

// DefaultLockConfig matches the ingestion defaults.
func DefaultLockConfig() LockConfig {
	return LockConfig{TTL: 30 * time.Second, RetryAttempts: 3, RetryDelay: 200 * time.Millisecond}
}

// compareAndDelete deletes the key only when the stored owner matches, so a
// lock that expired and was re-acquired elsewhere cannot be released by its
// previous owner.
var compareAndDelete = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// DistributedLock is the Redis-backed Locker.
type DistributedLock struct {
	client redis.UniversalClient
	cfg    LockConfig
}

// NewDistributedLock creates a lock over the given client.
func NewDistributedLock(client redis.UniversalClient, cfg LockConfig) *DistributedLock {
	return &DistributedLock{client: client, cfg: cfg}
}

func (l *DistributedLock) Acquire(ctx context.Context, key string) (func(context.Context) error, error) {
	owner := uuid.NewString()
	redisKey := "lock:" + key

	attempts := l.cfg.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(l.cfg.RetryDelay):
			}
		}
		ok, err := l.client.SetNX(ctx, redisKey, owner, l.cfg.TTL).Result()
		if err != nil {
			return nil, errors.Store("LOCK_ACQUIRE", "lock acquisition failed").
				WithResource(key).WithCause(err).Build()
		}
		if !ok {
			continue
		}
		release := func(ctx context.Context) error {
			if err := compareAndDelete.Run(ctx, l.client, []string{redisKey}, owner).Err(); err != nil {
				return errors.Store("LOCK_RELEASE", "lock release failed").
					WithResource(key).WithCause(err).Build()
			}
			return nil
		}
		return release, nil
	}
	return nil, errors.Store("LOCK_CONTENDED", "lock is held by another owner").
		WithResource(key).Retryable().Build()
}

// LocalFallbackLock is the in-process Locker, used when no Redis URL is
// configured. Same contract: owner-checked release, retry with backoff.
type LocalFallbackLock struct {
	cfg    LockConfig
	mu     sync.Mutex
	owners map[string]string
}

// NewLocalFallbackLock creates an in-process lock.
func NewLocalFallbackLock(cfg LockConfig) *LocalFallbackLock {
	return &LocalFallbackLock{cfg: cfg, owners: make(map[string]string)}
}

func (l *LocalFallbackLock) Acquire(ctx context.Context, key string) (func(context.Context) error, error) {
	owner := uuid.NewString()

	attempts := l.cfg.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(l.cfg.RetryDelay):
			}
		}
		l.mu.Lock()
		if _, held := l.owners[key]; !held {
			l.owners[key] = owner
			l.mu.Unlock()
			release := func(context.Context) error {
				l.mu.Lock()
				defer l.mu.Unlock()
				if l.owners[key] == owner {
					delete(l.owners, key)
				}
				return nil
			}
			return release, nil
		}
		l.mu.Unlock()
	}
	return nil, errors.Store("LOCK_CONTENDED", "lock is held by another owner").
		WithResource(key).Retryable().Build()
}
