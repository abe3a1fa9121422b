package tenant

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"

	"lattice-backend/internal/errors"
)

// Quota admits per-tenant graph connections. Both trackers share this
// surface so deployments can swap the in-process tracker for the
// Redis-backed one without touching the graph client.
type Quota interface {
	Acquire(ctx context.Context, tenantID string) error
	Release(ctx context.Context, tenantID string) error
	Limit() int
}

// ConnectionTracker caps each tenant's concurrent graph connections at
// max(1, floor(pool_size * fraction)).
type ConnectionTracker struct {
	mu       sync.Mutex
	active   map[string]int
	poolSize int
	fraction float64
}

// NewConnectionTracker creates an in-process tracker.
func NewConnectionTracker(poolSize int, fraction float64) *ConnectionTracker {
	return &ConnectionTracker{
		active:   make(map[string]int),
		poolSize: poolSize,
		fraction: fraction,
	}
}

// Limit returns the per-tenant connection cap.
func (t *ConnectionTracker) Limit() int {
	limit := int(float64(t.poolSize) * t.fraction)
	if limit < 1 {
		limit = 1
	}
	return limit
}

// Acquire reserves a connection slot for the tenant, failing over quota.
func (t *ConnectionTracker) Acquire(_ context.Context, tenantID string) error {
	limit := t.Limit()
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active[tenantID] >= limit {
		return errors.QuotaExceeded("CONNECTION_QUOTA",
			"tenant connection quota exceeded").WithTenant(tenantID).Build()
	}
	t.active[tenantID]++
	return nil
}

// Release frees a previously acquired slot. Releasing below zero is a
// no-op so double releases cannot poison the counter.
func (t *ConnectionTracker) Release(_ context.Context, tenantID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active[tenantID] > 0 {
		t.active[tenantID]--
	}
	if t.active[tenantID] == 0 {
		delete(t.active, tenantID)
	}
	return nil
}

// Active returns the tenant's current slot count.
func (t *ConnectionTracker) Active(tenantID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active[tenantID]
}

// acquireScript increments the tenant counter only when under the limit.
// The counter expires so a crashed process cannot pin a tenant at quota.
var acquireScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if current >= tonumber(ARGV[1]) then
  return 0
end
redis.call('INCR', KEYS[1])
redis.call('EXPIRE', KEYS[1], ARGV[2])
return 1
`)

var releaseScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if current > 0 then
  redis.call('DECR', KEYS[1])
end
return current
`)

// SharedConnectionTracker enforces the same quota across replicas through
// Redis. Counters live under one key per tenant with a safety TTL.
type SharedConnectionTracker struct {
	client     redis.UniversalClient
	poolSize   int
	fraction   float64
	ttlSeconds int
}

// NewSharedConnectionTracker creates a Redis-backed tracker.
func NewSharedConnectionTracker(client redis.UniversalClient, poolSize int, fraction float64) *SharedConnectionTracker {
	return &SharedConnectionTracker{
		client:     client,
		poolSize:   poolSize,
		fraction:   fraction,
		ttlSeconds: 300,
	}
}

// Limit returns the per-tenant connection cap.
func (t *SharedConnectionTracker) Limit() int {
	limit := int(float64(t.poolSize) * t.fraction)
	if limit < 1 {
		limit = 1
	}
	return limit
}

func (t *SharedConnectionTracker) key(tenantID string) string {
	return "tenant:connections:" + tenantID
}

// Acquire reserves a shared slot for the tenant.
func (t *SharedConnectionTracker) Acquire(ctx context.Context, tenantID string) error {
	ok, err := acquireScript.Run(ctx, t.client,
		[]string{t.key(tenantID)}, t.Limit(), t.ttlSeconds).Int()
	if err != nil {
		return errors.Store("QUOTA_SCRIPT", "connection quota check failed").
			WithTenant(tenantID).WithCause(err).Build()
	}
	if ok == 0 {
		return errors.QuotaExceeded("CONNECTION_QUOTA",
			"tenant connection quota exceeded").WithTenant(tenantID).Build()
	}
	return nil
}

// Release frees a shared slot.
func (t *SharedConnectionTracker) Release(ctx context.Context, tenantID string) error {
	if err := releaseScript.Run(ctx, t.client, []string{t.key(tenantID)}).Err(); err != nil {
		return errors.Store("QUOTA_SCRIPT", "connection quota release failed").
			WithTenant(tenantID).WithCause(err).Build()
	}
	return nil
}
