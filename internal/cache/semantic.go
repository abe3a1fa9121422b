package cache

import (
	"math"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// SemanticEntry is one cached query with its embedding and result.
type SemanticEntry struct {
	Query     string
	Embedding []float32
	Result    any
	TenantID  string
	ACLKey    string
}

// SemanticQueryCache returns cached results for queries whose embeddings
// are near-duplicates of a previous query. Lookups are scoped by tenant
// and ACL key so a hit can never leak another principal's visibility.
type SemanticQueryCache struct {
	mu        sync.Mutex
	store     *lru.Cache[string, *SemanticEntry]
	threshold float64
}

// NewSemanticQueryCache creates a cache of up to maxSize entries with the
// given cosine-similarity threshold.
func NewSemanticQueryCache(maxSize int, threshold float64) (*SemanticQueryCache, error) {
	store, err := lru.New[string, *SemanticEntry](maxSize)
	if err != nil {
		return nil, err
	}
	return &SemanticQueryCache{store: store, threshold: threshold}, nil
}

// Put stores an entry keyed by its exact query text within its scope.
func (c *SemanticQueryCache) Put(entry *SemanticEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store.Add(scopedKey(entry.TenantID, entry.ACLKey, entry.Query), entry)
}

// Lookup returns the nearest stored entry within the similarity threshold,
// restricted to the same tenant and ACL key.
func (c *SemanticQueryCache) Lookup(tenantID, aclKey string, embedding []float32) (*SemanticEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var best *SemanticEntry
	bestScore := c.threshold
	for _, key := range c.store.Keys() {
		entry, ok := c.store.Peek(key)
		if !ok || entry.TenantID != tenantID || entry.ACLKey != aclKey {
			continue
		}
		score := cosine(embedding, entry.Embedding)
		if score >= bestScore {
			best = entry
			bestScore = score
		}
	}
	if best == nil {
		return nil, false
	}
	// Touch recency on the winning entry.
	c.store.Get(scopedKey(best.TenantID, best.ACLKey, best.Query))
	return best, true
}

// InvalidateTenant removes every entry belonging to the tenant.
func (c *SemanticQueryCache) InvalidateTenant(tenantID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for _, key := range c.store.Keys() {
		if entry, ok := c.store.Peek(key); ok && entry.TenantID == tenantID {
			c.store.Remove(key)
			removed++
		}
	}
	return removed
}

// Len returns the entry count.
func (c *SemanticQueryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Len()
}

func scopedKey(tenantID, aclKey, query string) string {
	return tenantID + "\x00" + aclKey + "\x00" + query
}

func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
