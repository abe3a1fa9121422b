package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubgraphCache(t *testing.T) {
	rows := func(name string) []Row {
		return []Row{{"name": name}}
	}

	t.Run("evicts least recently used at capacity", func(t *testing.T) {
		c := NewSubgraphCache(2, 0)
		c.Put("a", rows("a"))
		c.Put("b", rows("b"))
		c.Put("c", rows("c"))

		_, ok := c.Get("a")
		assert.False(t, ok)
		_, ok = c.Get("c")
		assert.True(t, ok)
	})

	t.Run("hits move entries to most recently used", func(t *testing.T) {
		c := NewSubgraphCache(2, 0)
		c.Put("a", rows("a"))
		c.Put("b", rows("b"))
		_, _ = c.Get("a")
		c.Put("c", rows("c"))

		_, ok := c.Get("a")
		assert.True(t, ok)
		_, ok = c.Get("b")
		assert.False(t, ok)
	})

	t.Run("stats track hits misses and size", func(t *testing.T) {
		c := NewSubgraphCache(8, 0)
		c.Put("a", rows("a"))
		_, _ = c.Get("a")
		_, _ = c.Get("absent")

		stats := c.Stats()
		assert.Equal(t, int64(1), stats.Hits)
		assert.Equal(t, int64(1), stats.Misses)
		assert.Equal(t, 1, stats.Size)
		assert.Equal(t, 8, stats.MaxSize)
	})

	t.Run("oversized values are not cached", func(t *testing.T) {
		c := NewSubgraphCache(8, 32)
		c.Put("big", []Row{{"payload": "a very long string that exceeds the byte budget"}})
		_, ok := c.Get("big")
		assert.False(t, ok)
	})

	t.Run("keys separate principals with different acl params", func(t *testing.T) {
		cypher := "MATCH (n) WHERE n.team_owner = $acl_team RETURN n"
		a := Key(cypher, map[string]any{"acl_team": "platform"})
		b := Key(cypher, map[string]any{"acl_team": "payments"})
		assert.NotEqual(t, a, b)
		assert.Equal(t, a, Key(cypher, map[string]any{"acl_team": "platform"}))
	})
}

func TestRedisSubgraphCache(t *testing.T) {
	ctx := context.Background()
	rows := []Row{{"name": "checkout", "team": "payments"}}

	newCache := func(t *testing.T) (*miniredis.Miniredis, *RedisSubgraphCache) {
		t.Helper()
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		return mr, NewRedisSubgraphCache(NewSubgraphCache(16, 0), client, time.Minute, nil)
	}

	t.Run("l2 hit backfills l1", func(t *testing.T) {
		mr, c := newCache(t)
		c.Put(ctx, "k", rows, nil)

		// A fresh L1 simulates another replica sharing L2.
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		other := NewRedisSubgraphCache(NewSubgraphCache(16, 0), client, time.Minute, nil)

		got, ok := other.Get(ctx, "k")
		require.True(t, ok)
		assert.Equal(t, rows, got)
		assert.Equal(t, int64(1), other.Stats().Misses)

		_, ok = other.Get(ctx, "k")
		require.True(t, ok)
		assert.Equal(t, int64(1), other.Stats().Hits)
	})

	t.Run("invalidation by node removes only touching queries", func(t *testing.T) {
		ctx := context.Background()
		_, c := newCache(t)
		c.Put(ctx, "q1", rows, []string{"svc::a", "svc::b"})
		c.Put(ctx, "q2", rows, []string{"svc::c"})

		c.InvalidateByNodes(ctx, []string{"svc::a"})

		_, ok := c.Get(ctx, "q1")
		assert.False(t, ok)
		_, ok = c.Get(ctx, "q2")
		assert.True(t, ok)
	})

	t.Run("l2 outage degrades to l1", func(t *testing.T) {
		mr, c := newCache(t)
		c.Put(ctx, "k", rows, nil)
		mr.Close()

		got, ok := c.Get(ctx, "k")
		require.True(t, ok, "L1 must still serve")
		assert.Equal(t, rows, got)

		c.Put(ctx, "k2", rows, nil)
		_, ok = c.Get(ctx, "k2")
		assert.True(t, ok)
	})
}

func TestSemanticQueryCache(t *testing.T) {
	embed := func(vals ...float32) []float32 { return vals }

	t.Run("near-duplicate embedding hits", func(t *testing.T) {
		c, err := NewSemanticQueryCache(16, 0.92)
		require.NoError(t, err)
		c.Put(&SemanticEntry{
			Query: "what calls checkout", Embedding: embed(1, 0, 0),
			Result: "r1", TenantID: "t1", ACLKey: "platform",
		})

		entry, ok := c.Lookup("t1", "platform", embed(0.99, 0.05, 0))
		require.True(t, ok)
		assert.Equal(t, "r1", entry.Result)
	})

	t.Run("below threshold misses", func(t *testing.T) {
		c, err := NewSemanticQueryCache(16, 0.92)
		require.NoError(t, err)
		c.Put(&SemanticEntry{
			Query: "q", Embedding: embed(1, 0, 0),
			Result: "r1", TenantID: "t1", ACLKey: "platform",
		})

		_, ok := c.Lookup("t1", "platform", embed(0, 1, 0))
		assert.False(t, ok)
	})

	t.Run("hits never cross tenant or acl scope", func(t *testing.T) {
		c, err := NewSemanticQueryCache(16, 0.5)
		require.NoError(t, err)
		c.Put(&SemanticEntry{
			Query: "q", Embedding: embed(1, 0, 0),
			Result: "r1", TenantID: "t1", ACLKey: "platform",
		})

		_, ok := c.Lookup("t2", "platform", embed(1, 0, 0))
		assert.False(t, ok)
		_, ok = c.Lookup("t1", "payments", embed(1, 0, 0))
		assert.False(t, ok)
	})

	t.Run("tenant invalidation removes only that tenant", func(t *testing.T) {
		c, err := NewSemanticQueryCache(16, 0.92)
		require.NoError(t, err)
		for i := 0; i < 3; i++ {
			c.Put(&SemanticEntry{
				Query: fmt.Sprintf("q%d", i), Embedding: embed(1, 0, 0),
				Result: i, TenantID: "t1", ACLKey: "a",
			})
		}
		c.Put(&SemanticEntry{
			Query: "other", Embedding: embed(1, 0, 0),
			Result: "keep", TenantID: "t2", ACLKey: "a",
		})

		assert.Equal(t, 3, c.InvalidateTenant("t1"))
		assert.Equal(t, 1, c.Len())
	})
}
