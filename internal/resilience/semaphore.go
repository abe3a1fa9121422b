package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/semaphore"

	"lattice-backend/internal/errors"
)

// Semaphore is a counting semaphore. Acquire returns a token the holder
// must pass back to Release.
type Semaphore interface {
	Acquire(ctx context.Context, name string) (token string, err error)
	Release(ctx context.Context, name, token string) error
}

// semaphoreAcquire prunes expired holders, then admits the new token only
// when the live count is under the limit. Scores are acquisition times, so
// a crashed holder ages out after the TTL.
var semaphoreAcquire = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
if redis.call('ZCARD', KEYS[1]) >= tonumber(ARGV[2]) then
  return 0
end
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[4])
redis.call('EXPIRE', KEYS[1], ARGV[5])
return 1
`)

// DistributedSemaphore is the Redis-backed Semaphore: one sorted set per
// semaphore name, member = token, score = acquisition time.
type DistributedSemaphore struct {
	client redis.UniversalClient
	limit  int
	ttl    time.Duration
}

// NewDistributedSemaphore creates a semaphore with the given concurrency
// limit and holder TTL.
func NewDistributedSemaphore(client redis.UniversalClient, limit int, ttl time.Duration) *DistributedSemaphore {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &DistributedSemaphore{client: client, limit: limit, ttl: ttl}
}

func (s *DistributedSemaphore) key(name string) string { return "semaphore:" + name }

func (s *DistributedSemaphore) Acquire(ctx context.Context, name string) (string, error) {
	token := uuid.NewString()
	now := time.Now()
	cutoff := now.Add(-s.ttl).UnixNano()

	ok, err := semaphoreAcquire.Run(ctx, s.client, []string{s.key(name)},
		cutoff, s.limit, now.UnixNano(), token, int(s.ttl.Seconds())+1).Int()
	if err != nil {
		return "", errors.Store("SEMAPHORE_ACQUIRE", "semaphore acquisition failed").
			WithResource(name).WithCause(err).Build()
	}
	if ok == 0 {
		return "", errors.QuotaExceeded("SEMAPHORE_FULL", "concurrency limit reached").
			WithResource(name).Build()
	}
	return token, nil
}

func (s *DistributedSemaphore) Release(ctx context.Context, name, token string) error {
	if err := s.client.ZRem(ctx, s.key(name), token).Err(); err != nil {
		return errors.Store("SEMAPHORE_RELEASE", "semaphore release failed").
			WithResource(name).WithCause(err).Build()
	}
	return nil
}

// LocalFallbackSemaphore is the in-process Semaphore with the same
// contract, built on a weighted semaphore per name.
type LocalFallbackSemaphore struct {
	limit int
	mu    sync.Mutex
	sems  map[string]*semaphore.Weighted
}

// NewLocalFallbackSemaphore creates an in-process semaphore.
func NewLocalFallbackSemaphore(limit int) *LocalFallbackSemaphore {
	return &LocalFallbackSemaphore{
		limit: limit,
		sems:  make(map[string]*semaphore.Weighted),
	}
}

func (s *LocalFallbackSemaphore) sem(name string) *semaphore.Weighted {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sem, ok := s.sems[name]; ok {
		return sem
	}
	sem := semaphore.NewWeighted(int64(s.limit))
	s.sems[name] = sem
	return sem
}

func (s *LocalFallbackSemaphore) Acquire(_ context.Context, name string) (string, error) {
	if !s.sem(name).TryAcquire(1) {
		return "", errors.QuotaExceeded("SEMAPHORE_FULL", "concurrency limit reached").
			WithResource(name).Build()
	}
	return uuid.NewString(), nil
}

func (s *LocalFallbackSemaphore) Release(_ context.Context, name, _ string) error {
	s.sem(name).Release(1)
	return nil
}
