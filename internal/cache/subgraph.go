// Package cache implements the retrieval caches: an in-memory subgraph LRU,
// a two-tier Redis-backed variant with a node reverse index for surgical
// invalidation, and a semantic query cache keyed by embeddings.
package cache

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
)

// Row is one cached result row.
type Row = map[string]any

// Stats is the cache's observable state.
type Stats struct {
	Hits    int64
	Misses  int64
	Size    int
	MaxSize int
}

type subgraphEntry struct {
	key   string
	rows  []Row
	bytes int
}

// SubgraphCache is an LRU of query-result row lists. Hits move to
// most-recently-used; inserts beyond capacity evict from the tail. An
// optional per-value byte limit drops oversized values instead of caching
// them, with the size estimated from the in-memory footprint rather than a
// re-serialization.
type SubgraphCache struct {
	mu       sync.Mutex
	maxSize  int
	maxBytes int
	order    *list.List
	items    map[string]*list.Element
	hits     int64
	misses   int64
}

// NewSubgraphCache creates a cache holding up to maxSize entries.
// maxValueBytes <= 0 disables the per-value limit.
func NewSubgraphCache(maxSize, maxValueBytes int) *SubgraphCache {
	return &SubgraphCache{
		maxSize:  maxSize,
		maxBytes: maxValueBytes,
		order:    list.New(),
		items:    make(map[string]*list.Element),
	}
}

// Get returns the cached rows and marks the entry recently used.
func (c *SubgraphCache) Get(key string) ([]Row, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.items[key]
	if !ok {
		c.misses++
		return nil, false
	}
	c.hits++
	c.order.MoveToFront(elem)
	return elem.Value.(*subgraphEntry).rows, true
}

// Put stores rows under key, evicting the least-recently-used entry when
// full. Values over the byte limit are not cached.
func (c *SubgraphCache) Put(key string, rows []Row) {
	size := estimateRowsBytes(rows)
	if c.maxBytes > 0 && size > c.maxBytes {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[key]; ok {
		elem.Value.(*subgraphEntry).rows = rows
		elem.Value.(*subgraphEntry).bytes = size
		c.order.MoveToFront(elem)
		return
	}
	for c.order.Len() >= c.maxSize && c.order.Len() > 0 {
		tail := c.order.Back()
		c.order.Remove(tail)
		delete(c.items, tail.Value.(*subgraphEntry).key)
	}
	c.items[key] = c.order.PushFront(&subgraphEntry{key: key, rows: rows, bytes: size})
}

// Delete removes an entry.
func (c *SubgraphCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[key]; ok {
		c.order.Remove(elem)
		delete(c.items, key)
	}
}

// Clear removes everything.
func (c *SubgraphCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	c.items = make(map[string]*list.Element)
}

// Stats returns the current counters.
func (c *SubgraphCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Hits: c.hits, Misses: c.misses, Size: c.order.Len(), MaxSize: c.maxSize}
}

// estimateRowsBytes approximates the in-memory footprint of a row list
// without serializing it.
func estimateRowsBytes(rows []Row) int {
	total := 0
	for _, row := range rows {
		for k, v := range row {
			total += len(k) + estimateValueBytes(v)
		}
		total += 48 // map header overhead per row
	}
	return total
}

func estimateValueBytes(v any) int {
	switch val := v.(type) {
	case string:
		return len(val)
	case []any:
		total := 24
		for _, item := range val {
			total += estimateValueBytes(item)
		}
		return total
	case map[string]any:
		total := 48
		for k, item := range val {
			total += len(k) + estimateValueBytes(item)
		}
		return total
	case nil:
		return 8
	default:
		return 16
	}
}

// Key derives the cache key for a query: a hash over the normalized cypher
// and the ACL parameter set, so two principals with different visibility
// never share an entry.
func Key(normalizedCypher string, aclParams map[string]any) string {
	names := make([]string, 0, len(aclParams))
	for name := range aclParams {
		names = append(names, name)
	}
	sort.Strings(names)

	h := sha256.New()
	h.Write([]byte(normalizedCypher))
	for _, name := range names {
		fmt.Fprintf(h, "|%s=%v", name, aclParams[name])
	}
	return hex.EncodeToString(h.Sum(nil))
}
