package resilience

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"lattice-backend/internal/errors"
)

// MemoryStateStore keeps snapshots in process. Suitable for tests and
// single-replica deployments.
type MemoryStateStore struct {
	mu    sync.RWMutex
	snaps map[string]Snapshot
}

// NewMemoryStateStore creates an empty store.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{snaps: make(map[string]Snapshot)}
}

func (s *MemoryStateStore) Load(_ context.Context, name string) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snaps[name]
	if !ok {
		return nil, nil
	}
	return &snap, nil
}

func (s *MemoryStateStore) Save(_ context.Context, name string, snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps[name] = snap
	return nil
}

// RedisStateStore shares snapshots across replicas: one hash per circuit
// with a TTL so abandoned circuits age out.
type RedisStateStore struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisStateStore creates a store over the given client.
func NewRedisStateStore(client redis.UniversalClient, ttl time.Duration) *RedisStateStore {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisStateStore{client: client, ttl: ttl}
}

func (s *RedisStateStore) key(name string) string { return "circuit:" + name }

func (s *RedisStateStore) Load(ctx context.Context, name string) (*Snapshot, error) {
	fields, err := s.client.HGetAll(ctx, s.key(name)).Result()
	if err != nil {
		return nil, errors.Store("CIRCUIT_LOAD", "failed to load circuit snapshot").
			WithResource(name).WithCause(err).Build()
	}
	if len(fields) == 0 {
		return nil, nil
	}

	snap := &Snapshot{State: State(fields["state"])}
	if v, err := strconv.Atoi(fields["failure_count"]); err == nil {
		snap.FailureCount = v
	}
	if v, err := strconv.Atoi(fields["half_open_calls"]); err == nil {
		snap.HalfOpenCalls = v
	}
	if v, err := strconv.ParseInt(fields["last_failure_time"], 10, 64); err == nil && v > 0 {
		snap.LastFailureTime = time.Unix(0, v)
	}
	return snap, nil
}

func (s *RedisStateStore) Save(ctx context.Context, name string, snap Snapshot) error {
	key := s.key(name)
	var lastFailure int64
	if !snap.LastFailureTime.IsZero() {
		lastFailure = snap.LastFailureTime.UnixNano()
	}
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key,
		"state", string(snap.State),
		"failure_count", snap.FailureCount,
		"half_open_calls", snap.HalfOpenCalls,
		"last_failure_time", lastFailure,
	)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Store("CIRCUIT_SAVE", "failed to save circuit snapshot").
			WithResource(name).WithCause(err).Build()
	}
	return nil
}
