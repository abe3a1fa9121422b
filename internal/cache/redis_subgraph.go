package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisSubgraphCache layers a shared Redis tier (L2) under the in-memory
// LRU (L1). L2 failures degrade silently to an L1 miss; the cache never
// fails a request. Puts may carry the node IDs a result touches, feeding a
// reverse index used to invalidate exactly the queries a graph write
// affects.
type RedisSubgraphCache struct {
	l1     *SubgraphCache
	client redis.UniversalClient
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisSubgraphCache creates the two-tier cache.
func NewRedisSubgraphCache(l1 *SubgraphCache, client redis.UniversalClient, ttl time.Duration, logger *zap.Logger) *RedisSubgraphCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisSubgraphCache{l1: l1, client: client, ttl: ttl, logger: logger}
}

func entryKey(key string) string { return "subgraph:" + key }
func nodeIndexKey(node string) string { return "subgraph:node:" + node }

// Get checks L1, then L2. An L2 hit backfills L1.
func (c *RedisSubgraphCache) Get(ctx context.Context, key string) ([]Row, bool) {
	if rows, ok := c.l1.Get(key); ok {
		return rows, true
	}

	data, err := c.client.Get(ctx, entryKey(key)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Debug("subgraph cache L2 read failed", zap.Error(err))
		}
		return nil, false
	}
	var rows []Row
	if err := json.Unmarshal(data, &rows); err != nil {
		c.logger.Debug("subgraph cache L2 entry unreadable", zap.Error(err))
		return nil, false
	}
	c.l1.Put(key, rows)
	return rows, true
}

// Put writes both tiers and records the reverse index for the touched
// nodes.
func (c *RedisSubgraphCache) Put(ctx context.Context, key string, rows []Row, nodeIDs []string) {
	c.l1.Put(key, rows)

	data, err := json.Marshal(rows)
	if err != nil {
		c.logger.Debug("subgraph cache L2 encode failed", zap.Error(err))
		return
	}
	pipe := c.client.TxPipeline()
	pipe.Set(ctx, entryKey(key), data, c.ttl)
	for _, node := range nodeIDs {
		pipe.SAdd(ctx, nodeIndexKey(node), key)
		pipe.Expire(ctx, nodeIndexKey(node), c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.Debug("subgraph cache L2 write failed", zap.Error(err))
	}
}

// InvalidateByNodes removes every cached query whose result touches any of
// the listed nodes, in both tiers.
func (c *RedisSubgraphCache) InvalidateByNodes(ctx context.Context, nodeIDs []string) {
	for _, node := range nodeIDs {
		keys, err := c.client.SMembers(ctx, nodeIndexKey(node)).Result()
		if err != nil {
			c.logger.Debug("subgraph cache reverse index read failed", zap.Error(err))
			continue
		}
		for _, key := range keys {
			c.l1.Delete(key)
			if err := c.client.Del(ctx, entryKey(key)).Err(); err != nil {
				c.logger.Debug("subgraph cache L2 delete failed", zap.Error(err))
			}
		}
		if err := c.client.Del(ctx, nodeIndexKey(node)).Err(); err != nil {
			c.logger.Debug("subgraph cache reverse index delete failed", zap.Error(err))
		}
	}
}

// Stats returns the L1 counters.
func (c *RedisSubgraphCache) Stats() Stats { return c.l1.Stats() }
